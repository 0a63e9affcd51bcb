package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase defines the lifecycle phase of a session. Transitions are forward
// only: WAITING -> PLAYING -> FINISHED.
type Phase string

const (
	PhaseWaiting  Phase = "WAITING"
	PhasePlaying  Phase = "PLAYING"
	PhaseFinished Phase = "FINISHED"
)

func (p Phase) rank() int {
	switch p {
	case PhaseWaiting:
		return 0
	case PhasePlaying:
		return 1
	case PhaseFinished:
		return 2
	default:
		return -1
	}
}

// Before reports whether p is strictly earlier in the lifecycle than other.
func (p Phase) Before(other Phase) bool {
	return p.rank() < other.rank()
}

// MaxSlotsLimit is the hard upper bound on seats in a session.
const MaxSlotsLimit = 4

// Slot is one seat in a session. Slot 0 is always the host. Score and Ready
// are written only by the occupying participant.
type Slot struct {
	ParticipantID *uuid.UUID `json:"participant_id,omitempty"`
	DisplayName   *string    `json:"display_name,omitempty"`
	Ready         bool       `json:"ready"`
	Score         float64    `json:"score"`
}

// Occupied reports whether the slot holds a participant.
func (s Slot) Occupied() bool {
	return s.ParticipantID != nil
}

// RouteRef identifies a route pair in the route content source.
type RouteRef string

// Session is the authoritative shared state of one networked match. It lives
// in the record store and is mutated only through conditional updates; every
// client treats a freshly fetched copy as the sole source of truth.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	JoinCode     string        `json:"join_code"`
	Phase        Phase         `json:"phase"`
	MaxSlots     int           `json:"max_slots"`
	FilledSlots  int           `json:"filled_slots"`
	Slots        []Slot        `json:"slots"`
	Settings     MatchSettings `json:"settings"`
	Routes       []RouteRef    `json:"routes"`
	RoundPointer int           `json:"round_pointer"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndsAt       *time.Time    `json:"ends_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// HostID returns the participant occupying slot 0, or uuid.Nil if the host
// slot is empty.
func (s *Session) HostID() uuid.UUID {
	if len(s.Slots) == 0 || s.Slots[0].ParticipantID == nil {
		return uuid.Nil
	}
	return *s.Slots[0].ParticipantID
}

// SlotIndexOf returns the slot index held by participantID, or -1.
func (s *Session) SlotIndexOf(participantID uuid.UUID) int {
	for i, slot := range s.Slots {
		if slot.ParticipantID != nil && *slot.ParticipantID == participantID {
			return i
		}
	}
	return -1
}

// OpenSlotIndex returns the lowest unoccupied slot index, or -1 when full.
func (s *Session) OpenSlotIndex() int {
	for i, slot := range s.Slots {
		if !slot.Occupied() {
			return i
		}
	}
	return -1
}

// Full reports whether every slot is occupied.
func (s *Session) Full() bool {
	return s.FilledSlots >= s.MaxSlots
}

// RoutesExhausted reports whether the round pointer has consumed the route
// sequence.
func (s *Session) RoutesExhausted() bool {
	return s.RoundPointer >= len(s.Routes)
}

// Clone returns a deep copy so callers can hold a snapshot without aliasing
// the slices of the original.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Slots = make([]Slot, len(s.Slots))
	for i, slot := range s.Slots {
		out.Slots[i] = slot
		if slot.ParticipantID != nil {
			id := *slot.ParticipantID
			out.Slots[i].ParticipantID = &id
		}
		if slot.DisplayName != nil {
			name := *slot.DisplayName
			out.Slots[i].DisplayName = &name
		}
	}
	out.Routes = append([]RouteRef(nil), s.Routes...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndsAt != nil {
		t := *s.EndsAt
		out.EndsAt = &t
	}
	return &out
}
