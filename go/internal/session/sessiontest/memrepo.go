package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/session"
)

// MemRepo is an in-memory SessionRepository with the same conditional-write
// semantics as the Postgres implementation: every mutation checks its
// precondition under one lock and reports session.ErrRaceLost when the record moved
// underneath it.
type MemRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	answers  map[string]*models.AnswerRecord
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		sessions: make(map[uuid.UUID]*models.Session),
		answers:  make(map[string]*models.AnswerRecord),
	}
}

func answerKey(sessionID, participantID uuid.UUID, round int) string {
	return fmt.Sprintf("%s|%s|%d", sessionID, participantID, round)
}

func (m *MemRepo) CreateSession(_ context.Context, req session.CreateSessionRequest) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]models.Slot, req.MaxSlots)
	hostID := req.HostID
	hostName := req.HostName
	slots[0] = models.Slot{ParticipantID: &hostID, DisplayName: &hostName}

	now := time.Now()
	sess := &models.Session{
		ID:          req.ID,
		JoinCode:    req.JoinCode,
		Phase:       models.PhaseWaiting,
		MaxSlots:    req.MaxSlots,
		FilledSlots: 1,
		Slots:       slots,
		Settings:    req.Settings,
		Routes:      append([]models.RouteRef(nil), req.Routes...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.sessions[req.ID] = sess
	return sess.Clone(), nil
}

func (m *MemRepo) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *MemRepo) GetWaitingSessionByCode(_ context.Context, code string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.JoinCode == code && sess.Phase == models.PhaseWaiting {
			return sess.Clone(), nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *MemRepo) ClaimSlot(_ context.Context, sessionID uuid.UUID, slotIndex int, participantID uuid.UUID, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.Phase != models.PhaseWaiting || sess.FilledSlots >= sess.MaxSlots {
		return session.ErrRaceLost
	}
	if slotIndex < 0 || slotIndex >= len(sess.Slots) || sess.Slots[slotIndex].Occupied() {
		return session.ErrRaceLost
	}
	pid := participantID
	name := displayName
	sess.Slots[slotIndex] = models.Slot{ParticipantID: &pid, DisplayName: &name}
	sess.FilledSlots++
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) ReleaseSlot(_ context.Context, sessionID, participantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.Phase != models.PhaseWaiting {
		return session.ErrRaceLost
	}
	idx := sess.SlotIndexOf(participantID)
	if idx < 0 {
		return session.ErrRaceLost
	}
	sess.Slots[idx] = models.Slot{}
	sess.FilledSlots--
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) SetReady(_ context.Context, sessionID, participantID uuid.UUID, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	idx := sess.SlotIndexOf(participantID)
	if idx < 0 {
		return session.ErrNotFound
	}
	sess.Slots[idx].Ready = ready
	return nil
}

func (m *MemRepo) SetPhase(_ context.Context, sessionID uuid.UUID, from, to models.Phase, startedAt, endsAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.Phase != from {
		return session.ErrRaceLost
	}
	sess.Phase = to
	if startedAt != nil {
		t := *startedAt
		sess.StartedAt = &t
	}
	if endsAt != nil {
		t := *endsAt
		sess.EndsAt = &t
	}
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) AdvanceRound(_ context.Context, sessionID uuid.UUID, fromPointer int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	if sess.RoundPointer != fromPointer {
		return session.ErrRaceLost
	}
	sess.RoundPointer = fromPointer + 1
	sess.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) InsertAnswer(_ context.Context, rec models.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := answerKey(rec.SessionID, rec.ParticipantID, rec.RoundIndex)
	if _, exists := m.answers[key]; exists {
		return session.ErrDuplicateAnswer
	}
	stored := rec
	m.answers[key] = &stored
	return nil
}

func (m *MemRepo) ApplyScore(_ context.Context, sessionID, participantID uuid.UUID, roundIndex, slotIndex int, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.answers[answerKey(sessionID, participantID, roundIndex)]
	if !ok || rec.Scored {
		return session.ErrDuplicateAnswer
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrNotFound
	}
	rec.Scored = true
	sess.Slots[slotIndex].Score += delta
	return nil
}

func (m *MemRepo) GetRoundAnswers(_ context.Context, sessionID uuid.UUID, roundIndex int) ([]models.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AnswerRecord
	for _, rec := range m.answers {
		if rec.SessionID == sessionID && rec.RoundIndex == roundIndex {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *MemRepo) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}
