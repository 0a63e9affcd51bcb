package models

import (
	"time"

	"github.com/google/uuid"
)

// Side is the route alternative a participant picked. SideNone marks a
// timed-out round where no answer was submitted.
type Side string

const (
	SideNone  Side = ""
	SideLeft  Side = "LEFT"
	SideRight Side = "RIGHT"
)

// AnswerRecord is the append-only audit row for one (participant, round)
// pair. Its identity triple doubles as the idempotency key for score
// application: a duplicate submission must never score twice.
type AnswerRecord struct {
	SessionID     uuid.UUID `json:"session_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	RoundIndex    int       `json:"round_index"`
	ChosenSide    Side      `json:"chosen_side"`
	LatencyMs     int64     `json:"latency_ms"`
	Correct       bool      `json:"correct"`
	Scored        bool      `json:"scored"`
	SubmittedAt   time.Time `json:"submitted_at"`
}
