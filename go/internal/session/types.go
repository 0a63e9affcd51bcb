package session

import (
	"github.com/google/uuid"

	"github.com/routeduel/routeduel/go/internal/models"
)

// CreateSessionRequest carries everything the host fixes at creation time.
// Routes are immutable once the session leaves WAITING.
type CreateSessionRequest struct {
	ID       uuid.UUID
	JoinCode string
	HostID   uuid.UUID
	HostName string
	MaxSlots int
	Settings models.MatchSettings
	Routes   []models.RouteRef
}

// JoinResult reports the slot a joiner ended up in.
type JoinResult struct {
	Session   *models.Session
	SlotIndex int
}
