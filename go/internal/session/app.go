package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/routeduel/routeduel/go/internal/joincode"
	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/scoring"
)

// SessionRepository defines what the app layer needs from the record store.
type SessionRepository interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetWaitingSessionByCode(ctx context.Context, code string) (*models.Session, error)
	ClaimSlot(ctx context.Context, sessionID uuid.UUID, slotIndex int, participantID uuid.UUID, displayName string) error
	ReleaseSlot(ctx context.Context, sessionID, participantID uuid.UUID) error
	SetReady(ctx context.Context, sessionID, participantID uuid.UUID, ready bool) error
	SetPhase(ctx context.Context, sessionID uuid.UUID, from, to models.Phase, startedAt, endsAt *time.Time) error
	AdvanceRound(ctx context.Context, sessionID uuid.UUID, fromPointer int) error
	InsertAnswer(ctx context.Context, rec models.AnswerRecord) error
	ApplyScore(ctx context.Context, sessionID, participantID uuid.UUID, roundIndex, slotIndex int, delta float64) error
	GetRoundAnswers(ctx context.Context, sessionID uuid.UUID, roundIndex int) ([]models.AnswerRecord, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// App enforces the session protocol rules on top of the record store: who
// may join, who may start, and how answers turn into score deltas.
type App struct {
	repo  SessionRepository
	clock clockwork.Clock
}

func NewApp(repo SessionRepository, clock clockwork.Clock) *App {
	return &App{repo: repo, clock: clock}
}

// CreateAppRequest is what a host supplies to open a new session.
type CreateAppRequest struct {
	HostID   uuid.UUID
	HostName string
	MaxSlots int
	Settings models.MatchSettings
	Routes   []models.RouteRef
}

// CreateSession validates the host's configuration, fixes the route
// sequence, and creates the record with the host seated in slot 0.
func (a *App) CreateSession(ctx context.Context, req CreateAppRequest) (*models.Session, error) {
	if err := req.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid match settings: %w", err)
	}
	if req.MaxSlots < 2 || req.MaxSlots > models.MaxSlotsLimit {
		return nil, fmt.Errorf("max slots must be between 2 and %d, got %d", models.MaxSlotsLimit, req.MaxSlots)
	}
	if len(req.Routes) != req.Settings.RouteCount {
		return nil, fmt.Errorf("route sequence length %d does not match configured count %d", len(req.Routes), req.Settings.RouteCount)
	}

	code, err := joincode.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate join code: %w", err)
	}

	sess, err := a.repo.CreateSession(ctx, CreateSessionRequest{
		ID:       uuid.New(),
		JoinCode: code,
		HostID:   req.HostID,
		HostName: req.HostName,
		MaxSlots: req.MaxSlots,
		Settings: req.Settings,
		Routes:   req.Routes,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("join_code", sess.JoinCode).
		Str("mode", string(sess.Settings.Mode)).
		Int("max_slots", sess.MaxSlots).
		Msg("session created")
	return sess, nil
}

// JoinSession seats a participant in the lowest open slot of the waiting
// session matching code. A lost claim race is benign: the joiner re-reads
// the record and goes for the next open slot, bounded by the seat count.
func (a *App) JoinSession(ctx context.Context, code string, participantID uuid.UUID, displayName string) (*JoinResult, error) {
	code = joincode.Normalize(code)
	if !joincode.Valid(code) {
		return nil, ErrNotFound
	}

	for attempt := 0; attempt < models.MaxSlotsLimit; attempt++ {
		sess, err := a.repo.GetWaitingSessionByCode(ctx, code)
		if err != nil {
			return nil, err
		}

		// Rejoining the session you are already seated in is a no-op.
		if idx := sess.SlotIndexOf(participantID); idx >= 0 {
			return &JoinResult{Session: sess, SlotIndex: idx}, nil
		}

		idx := sess.OpenSlotIndex()
		if idx < 0 || sess.Full() {
			return nil, ErrRoomFull
		}

		err = a.repo.ClaimSlot(ctx, sess.ID, idx, participantID, displayName)
		if errors.Is(err, ErrRaceLost) {
			log.Debug().
				Str("session_id", sess.ID.String()).
				Int("slot", idx).
				Int("attempt", attempt+1).
				Msg("slot claim lost race, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		joined, err := a.repo.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("session_id", sess.ID.String()).
			Str("participant_id", participantID.String()).
			Int("slot", idx).
			Msg("participant joined")
		return &JoinResult{Session: joined, SlotIndex: idx}, nil
	}
	return nil, ErrRaceLost
}

// StartMatch flips the session to PLAYING. Only the host may start, and only
// with at least two seated participants.
func (a *App) StartMatch(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.Session, error) {
	sess, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HostID() != requesterID {
		return nil, fmt.Errorf("only the host may start the match")
	}
	if sess.Phase != models.PhaseWaiting {
		return nil, fmt.Errorf("match already started: %w", ErrRaceLost)
	}
	if sess.FilledSlots < 2 {
		return nil, fmt.Errorf("need at least 2 participants to start, have %d", sess.FilledSlots)
	}

	startedAt := a.clock.Now()
	var endsAt *time.Time
	if sess.Settings.Mode == models.MatchModeTimeTrial {
		t := startedAt.Add(time.Duration(sess.Settings.MatchDurationSec) * time.Second)
		endsAt = &t
	}

	if err := a.repo.SetPhase(ctx, sessionID, models.PhaseWaiting, models.PhasePlaying, &startedAt, endsAt); err != nil {
		return nil, err
	}

	// Return the started state directly so the host's own transition never
	// depends on its push subscription being alive.
	started := sess.Clone()
	started.Phase = models.PhasePlaying
	started.StartedAt = &startedAt
	started.EndsAt = endsAt

	log.Info().
		Str("session_id", sessionID.String()).
		Time("started_at", startedAt).
		Msg("match started")
	return started, nil
}

// Leave removes a participant. A host leaving before the match starts tears
// the session down; a non-host frees its seat only while WAITING. A seat
// vacated mid-match stays bound so the departed score remains frozen.
func (a *App) Leave(ctx context.Context, sessionID, participantID uuid.UUID) error {
	sess, err := a.repo.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil // already gone
	}
	if err != nil {
		return err
	}

	if sess.Phase == models.PhaseWaiting && sess.HostID() == participantID {
		log.Info().Str("session_id", sessionID.String()).Msg("host left before start, discarding session")
		return a.repo.DeleteSession(ctx, sessionID)
	}
	if sess.Phase == models.PhaseWaiting {
		if err := a.repo.ReleaseSlot(ctx, sessionID, participantID); err != nil && !errors.Is(err, ErrRaceLost) {
			return err
		}
	}
	return nil
}

// SubmitAnswerRequest carries one participant's answer for one round.
// Correct is the ground-truth side supplied by the route content source.
type SubmitAnswerRequest struct {
	Session       *models.Session
	ParticipantID uuid.UUID
	RoundIndex    int
	Chosen        models.Side
	Correct       models.Side
	Latency       time.Duration
}

// SubmitAnswer appends the answer record and, in solo-progress mode, applies
// the participant's own score delta right behind it. In turn-based mode the
// delta depends on the opponent's latency, so scoring waits for
// ResolveOwnScore once the round's answer set is complete. The answer row is
// always written first; the score write never precedes it.
func (a *App) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (scoring.Result, error) {
	sess := req.Session
	if sess.Phase != models.PhasePlaying {
		return scoring.Result{}, fmt.Errorf("session copy is %s, not %s: %w", sess.Phase, models.PhasePlaying, ErrStale)
	}
	slotIdx := sess.SlotIndexOf(req.ParticipantID)
	if slotIdx < 0 {
		return scoring.Result{}, fmt.Errorf("participant holds no slot: %w", ErrNotFound)
	}

	rec := models.AnswerRecord{
		SessionID:     sess.ID,
		ParticipantID: req.ParticipantID,
		RoundIndex:    req.RoundIndex,
		ChosenSide:    req.Chosen,
		LatencyMs:     req.Latency.Milliseconds(),
		Correct:       req.Chosen != models.SideNone && req.Chosen == req.Correct,
		SubmittedAt:   a.clock.Now(),
	}
	if err := a.repo.InsertAnswer(ctx, rec); err != nil {
		return scoring.Result{}, err
	}

	res := scoring.Evaluate(req.Chosen, req.Correct, req.Latency, sess.Settings.Mode, nil)
	if sess.Settings.Mode == models.MatchModeTimeTrial {
		err := a.repo.ApplyScore(ctx, sess.ID, req.ParticipantID, req.RoundIndex, slotIdx, res.Delta)
		if err != nil && !errors.Is(err, ErrDuplicateAnswer) {
			return scoring.Result{}, err
		}
	}
	return res, nil
}

// ResolveOwnScore computes and applies the participant's final delta for a
// turn-based round once every seated participant has answered. It returns
// ready=false while answers are still outstanding. The scored flag on the
// answer row keeps repeated resolution attempts from double-applying.
func (a *App) ResolveOwnScore(ctx context.Context, sess *models.Session, participantID uuid.UUID, roundIndex int, correct models.Side) (scoring.Result, bool, error) {
	slotIdx := sess.SlotIndexOf(participantID)
	if slotIdx < 0 {
		return scoring.Result{}, false, fmt.Errorf("participant holds no slot: %w", ErrNotFound)
	}

	answers, err := a.repo.GetRoundAnswers(ctx, sess.ID, roundIndex)
	if err != nil {
		return scoring.Result{}, false, err
	}

	var own *models.AnswerRecord
	var fastestOther *time.Duration
	for i := range answers {
		rec := &answers[i]
		if rec.ParticipantID == participantID {
			own = rec
			continue
		}
		if rec.Correct {
			lat := time.Duration(rec.LatencyMs) * time.Millisecond
			if fastestOther == nil || lat < *fastestOther {
				fastestOther = &lat
			}
		}
	}
	if own == nil {
		return scoring.Result{}, false, nil
	}
	// The round resolves once every seated participant has answered, or once
	// the shared pointer has already moved past it (stragglers timed out).
	if len(answers) < sess.FilledSlots && roundIndex >= sess.RoundPointer {
		return scoring.Result{}, false, nil
	}

	res := scoring.Evaluate(own.ChosenSide, correct, time.Duration(own.LatencyMs)*time.Millisecond, sess.Settings.Mode, fastestOther)
	err = a.repo.ApplyScore(ctx, sess.ID, participantID, roundIndex, slotIdx, res.Delta)
	if errors.Is(err, ErrDuplicateAnswer) {
		return res, true, nil // already applied by an earlier attempt
	}
	if err != nil {
		return scoring.Result{}, false, err
	}
	return res, true, nil
}

// AdvanceRound moves the shared pointer past roundIndex. Exactly one of the
// racing clients wins the conditional write; losers treat it as done.
func (a *App) AdvanceRound(ctx context.Context, sessionID uuid.UUID, roundIndex int) error {
	err := a.repo.AdvanceRound(ctx, sessionID, roundIndex)
	if errors.Is(err, ErrRaceLost) {
		return nil
	}
	return err
}

// FinishMatch writes PHASE=FINISHED idempotently. Any client may call this
// when it detects pointer exhaustion or clock expiry; finding the phase
// already FINISHED is a no-op, not an error.
func (a *App) FinishMatch(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Phase == models.PhaseFinished {
		return nil
	}
	err = a.repo.SetPhase(ctx, sessionID, models.PhasePlaying, models.PhaseFinished, nil, nil)
	if errors.Is(err, ErrRaceLost) {
		return nil
	}
	return err
}

// SetReady toggles the caller's own ready flag while waiting.
func (a *App) SetReady(ctx context.Context, sessionID, participantID uuid.UUID, ready bool) error {
	return a.repo.SetReady(ctx, sessionID, participantID, ready)
}

// GetSession re-fetches the authoritative record.
func (a *App) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return a.repo.GetSession(ctx, id)
}
