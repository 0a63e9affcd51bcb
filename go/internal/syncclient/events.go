// Package syncclient is the per-participant client for networked matches:
// it owns the participant's local copy of the session record, reconciles the
// push and poll propagation paths behind one idempotent gate, and exposes
// the session protocol as a typed event stream.
package syncclient

import (
	"github.com/routeduel/routeduel/go/internal/models"
)

// EventType tags an entry on the client's event stream.
type EventType string

const (
	EventPhaseChanged  EventType = "PhaseChanged"
	EventScoreChanged  EventType = "ScoreChanged"
	EventRoundAdvanced EventType = "RoundAdvanced"
	EventRoomUpdated   EventType = "RoomUpdated"
)

// Event is one update for the consuming UI. Session is the snapshot the
// event was derived from; consumers read state from it rather than from the
// event fields alone.
type Event struct {
	Type       EventType
	Phase      models.Phase
	RoundIndex int
	Session    *models.Session
}
