// Package notify is the change-notification channel for session records:
// core NATS pub/sub, one subject per session, best-effort delivery. Gaps are
// the fallback poll's problem, not this package's.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/routeduel/routeduel/go/internal/models"
)

// Reason tags why a session record changed. Consumers must not act on the
// reason alone; the snapshot in the envelope is the source of truth.
type Reason string

const (
	ReasonRosterChanged Reason = "RosterChanged"
	ReasonStarted       Reason = "Started"
	ReasonAnswer        Reason = "Answer"
	ReasonRoundAdvanced Reason = "RoundAdvanced"
	ReasonFinished      Reason = "Finished"
)

// Envelope is the wire format for a "record changed" event. It always
// carries the full new session snapshot; receivers replace their local copy
// wholesale rather than patching.
type Envelope struct {
	EventID   string          `json:"eventId"`
	Reason    Reason          `json:"reason"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Session   json.RawMessage `json:"session"`
}

// DecodeSession unpacks the snapshot carried by the envelope.
func (e Envelope) DecodeSession() (*models.Session, error) {
	var sess models.Session
	if err := json.Unmarshal(e.Session, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session snapshot: %w", err)
	}
	return &sess, nil
}
