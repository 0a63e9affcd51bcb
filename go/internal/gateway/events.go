package gateway

import (
	"encoding/json"
	"time"

	"github.com/routeduel/routeduel/go/internal/notify"
)

// SessionEvent is the wire format pushed to WebSocket clients: the change
// reason plus the full session snapshot it produced.
type SessionEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Reason    notify.Reason   `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
	Session   json.RawMessage `json:"session"`
}

// fromEnvelope converts a change envelope into the WebSocket event shape.
func fromEnvelope(env notify.Envelope) *SessionEvent {
	return &SessionEvent{
		ID:        env.EventID,
		SessionID: env.SessionID,
		Reason:    env.Reason,
		Timestamp: env.Timestamp,
		Session:   env.Session,
	}
}
