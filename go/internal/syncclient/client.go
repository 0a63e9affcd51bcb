package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/notify"
	"github.com/routeduel/routeduel/go/internal/routes"
	"github.com/routeduel/routeduel/go/internal/scoring"
	"github.com/routeduel/routeduel/go/internal/session"
)

// ErrMatchOver reports a submission that arrived after the match clock
// expired or the route sequence was exhausted.
var ErrMatchOver = errors.New("match is over")

// ErrRoundMismatch reports a submission targeting a round that is no longer
// (or not yet) the current one, usually a UI racing a round advance.
var ErrRoundMismatch = errors.New("submitted round is not the current round")

// SessionAPI defines what the client needs from the session protocol layer.
type SessionAPI interface {
	CreateSession(ctx context.Context, req session.CreateAppRequest) (*models.Session, error)
	JoinSession(ctx context.Context, code string, participantID uuid.UUID, displayName string) (*session.JoinResult, error)
	StartMatch(ctx context.Context, sessionID, requesterID uuid.UUID) (*models.Session, error)
	SubmitAnswer(ctx context.Context, req session.SubmitAnswerRequest) (scoring.Result, error)
	ResolveOwnScore(ctx context.Context, sess *models.Session, participantID uuid.UUID, roundIndex int, correct models.Side) (scoring.Result, bool, error)
	AdvanceRound(ctx context.Context, sessionID uuid.UUID, roundIndex int) error
	FinishMatch(ctx context.Context, sessionID uuid.UUID) error
	Leave(ctx context.Context, sessionID, participantID uuid.UUID) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Config holds client tuning knobs.
type Config struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   3 * time.Second,
		RequestTimeout: 5 * time.Second,
		EventBuffer:    32,
	}
}

// roundState is the client-local view of the round in progress. The latency
// anchor starts when this participant's asset finished loading, not when the
// round began, so slow asset delivery never counts against the answer.
type roundState struct {
	index      int
	assetReady time.Time
	answered   bool
}

// pendingRound is a submitted turn-based answer whose final delta is still
// waiting on the rest of the round's answers.
type pendingRound struct {
	index   int
	correct models.Side
}

// Client is one participant's synchronization client. It keeps a local copy
// of the session record, replaces it wholesale from pushes and polls, and
// fires each phase transition exactly once no matter how many times or by
// which path the signal arrives.
type Client struct {
	api     SessionAPI
	channel ChangeChannel
	source  routes.Source
	clock   clockwork.Clock
	config  Config

	participantID uuid.UUID
	displayName   string

	mu        sync.Mutex
	sess      *models.Session
	slotIndex int
	fired     map[models.Phase]bool
	round     roundState
	pending   *pendingRound
	sub       Subscription
	pollStop  chan struct{}
	roundStop chan struct{}
	left      bool

	events chan Event
}

func NewClient(api SessionAPI, channel ChangeChannel, source routes.Source, clock clockwork.Clock, cfg Config, participantID uuid.UUID, displayName string) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	return &Client{
		api:           api,
		channel:       channel,
		source:        source,
		clock:         clock,
		config:        cfg,
		participantID: participantID,
		displayName:   displayName,
		fired:         make(map[models.Phase]bool),
		events:        make(chan Event, cfg.EventBuffer),
	}
}

// Events is the client's outbound stream. Slow consumers lose events rather
// than stalling propagation; the session snapshot on the next event carries
// the full current state.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Session returns the client's current copy of the record.
func (c *Client) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.Clone()
}

// CreateRequest is the host-side session configuration.
type CreateRequest struct {
	MaxSlots int
	Settings models.MatchSettings
	Routes   []models.RouteRef
}

// Create opens a new session with this participant as host in slot 0 and
// subscribes to its change events. The host does not run the fallback poll:
// its own start is applied optimistically, and every other transition it
// cares about comes from pushes or its reconnect re-fetch.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	sess, err := c.api.CreateSession(callCtx, session.CreateAppRequest{
		HostID:   c.participantID,
		HostName: c.displayName,
		MaxSlots: req.MaxSlots,
		Settings: req.Settings,
		Routes:   req.Routes,
	})
	if err != nil {
		return nil, err
	}

	c.adopt(sess, 0)
	if err := c.subscribe(sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Join seats this participant in the waiting session matching code, then
// opens the push subscription and starts the fallback poll. The poll runs
// until the started transition fires, whichever path delivers it first.
func (c *Client) Join(ctx context.Context, code string) (*models.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	res, err := c.api.JoinSession(callCtx, code, c.participantID, c.displayName)
	if err != nil {
		return nil, err
	}

	c.adopt(res.Session, res.SlotIndex)
	if err := c.subscribe(res.Session.ID); err != nil {
		return nil, err
	}
	c.startFallbackPoll(res.Session.ID)
	c.publish(ctx, notify.ReasonRosterChanged, res.Session)
	return res.Session, nil
}

func (c *Client) adopt(sess *models.Session, slotIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess.Clone()
	c.slotIndex = slotIndex
	c.fired = make(map[models.Phase]bool)
	c.round = roundState{}
	c.pending = nil
}

// publish pushes a snapshot at the other seated clients. A failed publish
// is degraded delivery, not a failed mutation: the store write already
// happened, and poll plus reconnect re-fetch recover the gap.
func (c *Client) publish(ctx context.Context, reason notify.Reason, sess *models.Session) {
	if err := c.channel.Publish(ctx, reason, sess); err != nil {
		log.Warn().Err(err).Str("reason", string(reason)).Msg("change publish failed")
	}
}

// publishFresh re-fetches the authoritative record before publishing so the
// pushed snapshot carries every write that landed, not just our own.
func (c *Client) publishFresh(ctx context.Context, reason notify.Reason, sessionID uuid.UUID) {
	snap, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("pre-publish fetch failed")
		return
	}
	c.applySnapshot(snap)
	c.publish(ctx, reason, snap)
}

func (c *Client) subscribe(sessionID uuid.UUID) error {
	sub, err := c.channel.Subscribe(sessionID, c.handlePush)
	if err != nil {
		return fmt.Errorf("subscribe to session changes: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	// A gap in push delivery may have swallowed anything; re-fetch the
	// record instead of assuming the local copy is current.
	c.channel.OnReconnect(func() {
		c.refetch(sessionID)
	})
	return nil
}

func (c *Client) handlePush(env notify.Envelope) {
	snap, err := env.DecodeSession()
	if err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Msg("dropping undecodable session snapshot")
		return
	}
	c.applySnapshot(snap)
}

func (c *Client) refetch(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	snap, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("post-reconnect re-fetch failed")
		return
	}
	c.applySnapshot(snap)
}

// startFallbackPoll re-fetches the record on a fixed interval until the
// started transition has fired. Push and poll feed the same gate, so the
// transition fires exactly once regardless of which path wins.
func (c *Client) startFallbackPoll(sessionID uuid.UUID) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.pollStop = stop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-c.clock.After(c.config.PollInterval):
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
			snap, err := c.api.GetSession(ctx, sessionID)
			cancel()
			if errors.Is(err, session.ErrNotFound) {
				log.Info().Str("session_id", sessionID.String()).Msg("session discarded while waiting")
				return
			}
			if err != nil {
				// Store unreachable: keep polling, the push path may still
				// be alive and the next tick retries anyway.
				log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("fallback poll failed")
				continue
			}
			c.applySnapshot(snap)

			c.mu.Lock()
			done := c.fired[models.PhasePlaying] || c.left
			c.mu.Unlock()
			if done {
				return
			}
		}
	}()
}

func (c *Client) stopPollLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// armRoundDeadlineLocked starts the per-round countdown for the round the
// client is currently on. Callers hold c.mu. Only turn-based matches carry a
// round limit; without one the round waits indefinitely for the answer set.
func (c *Client) armRoundDeadlineLocked(snap *models.Session) {
	c.stopRoundDeadlineLocked()
	if snap.Settings.Mode != models.MatchModeTurnBased || snap.Settings.RoundLimitSec == nil {
		return
	}
	if c.round.index >= len(snap.Routes) {
		return
	}

	stop := make(chan struct{})
	c.roundStop = stop
	roundIdx := c.round.index
	limit := time.Duration(*snap.Settings.RoundLimitSec) * time.Second

	go func() {
		select {
		case <-stop:
			return
		case <-c.clock.After(limit):
		}
		c.handleRoundDeadline(roundIdx)
	}()
}

func (c *Client) stopRoundDeadlineLocked() {
	if c.roundStop != nil {
		close(c.roundStop)
		c.roundStop = nil
	}
}

// handleRoundDeadline fires when the per-round countdown expires with the
// shared pointer still on roundIndex. A client that has not answered
// synthesizes its own timed-out answer; one that has moves the pointer past
// the stalled round so resolution stops waiting on the silent seat. Either
// way the round settles instead of hanging on a straggler.
func (c *Client) handleRoundDeadline(roundIndex int) {
	c.mu.Lock()
	if c.left || c.sess == nil || c.fired[models.PhaseFinished] || c.round.index != roundIndex {
		c.mu.Unlock()
		return
	}
	answered := c.round.answered
	sessionID := c.sess.ID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	if !answered {
		if _, err := c.SubmitAnswer(ctx, roundIndex, models.SideNone); err != nil && !errors.Is(err, ErrMatchOver) {
			log.Warn().Err(err).Int("round", roundIndex).Msg("timed-out answer submission failed")
		}
		return
	}

	if err := c.api.AdvanceRound(ctx, sessionID, roundIndex); err != nil {
		log.Warn().Err(err).Int("round", roundIndex).Msg("round deadline advance failed")
	}
	c.publishFresh(ctx, notify.ReasonRoundAdvanced, sessionID)
}

// applySnapshot replaces the local copy of the record wholesale and derives
// events from the difference. The phase gate lives here: a transition to
// PLAYING or FINISHED fires once per client, whether the snapshot arrived by
// push, poll, re-fetch, or the host's own optimistic apply.
func (c *Client) applySnapshot(snap *models.Session) {
	c.mu.Lock()
	if c.left || c.sess == nil || snap.ID != c.sess.ID {
		c.mu.Unlock()
		return
	}
	// Displayed phase never regresses; a stale snapshot still carrying
	// WAITING after we saw PLAYING is dropped whole.
	if snap.Phase.Before(c.sess.Phase) {
		c.mu.Unlock()
		return
	}

	prev := c.sess
	c.sess = snap.Clone()

	var out []Event
	if snap.Phase == models.PhasePlaying && !c.fired[models.PhasePlaying] {
		c.fired[models.PhasePlaying] = true
		c.round = roundState{index: snap.RoundPointer}
		c.stopPollLocked()
		c.armRoundDeadlineLocked(snap)
		out = append(out, Event{Type: EventPhaseChanged, Phase: models.PhasePlaying, Session: c.sess})
	}
	if snap.Phase == models.PhaseFinished && !c.fired[models.PhaseFinished] {
		c.fired[models.PhaseFinished] = true
		c.stopRoundDeadlineLocked()
		out = append(out, Event{Type: EventPhaseChanged, Phase: models.PhaseFinished, Session: c.sess})
	}
	if snap.RoundPointer != prev.RoundPointer && snap.Phase == models.PhasePlaying {
		// The shared pointer drives the local round only in turn-based
		// mode; solo-progress clients advance on their own pointer.
		if snap.Settings.Mode == models.MatchModeTurnBased {
			c.round = roundState{index: snap.RoundPointer}
			c.armRoundDeadlineLocked(snap)
		}
		out = append(out, Event{Type: EventRoundAdvanced, Phase: snap.Phase, RoundIndex: snap.RoundPointer, Session: c.sess})
	}
	if scoresDiffer(prev, snap) {
		out = append(out, Event{Type: EventScoreChanged, Phase: snap.Phase, RoundIndex: c.round.index, Session: c.sess})
	}
	if rosterDiffers(prev, snap) {
		out = append(out, Event{Type: EventRoomUpdated, Phase: snap.Phase, Session: c.sess})
	}

	pending := c.pending
	exhausted := snap.Phase == models.PhasePlaying &&
		snap.Settings.Mode == models.MatchModeTurnBased && snap.RoutesExhausted()
	sessionID := snap.ID
	c.mu.Unlock()

	for _, ev := range out {
		c.emit(ev)
	}
	if pending != nil {
		c.tryResolve(context.Background())
	}
	if exhausted {
		c.finish(sessionID)
	}
}

func scoresDiffer(a, b *models.Session) bool {
	if len(a.Slots) != len(b.Slots) {
		return true
	}
	for i := range a.Slots {
		if a.Slots[i].Score != b.Slots[i].Score {
			return true
		}
	}
	return false
}

func rosterDiffers(a, b *models.Session) bool {
	if a.FilledSlots != b.FilledSlots || len(a.Slots) != len(b.Slots) {
		return true
	}
	for i := range a.Slots {
		if a.Slots[i].Occupied() != b.Slots[i].Occupied() || a.Slots[i].Ready != b.Slots[i].Ready {
			return true
		}
	}
	return false
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("event buffer full, dropping event")
	}
}

// Start requests the WAITING → PLAYING transition. The started record is
// applied optimistically so the host's own transition never depends on the
// liveness of its push subscription.
func (c *Client) Start(ctx context.Context) (*models.Session, error) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil, session.ErrNotFound
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	started, err := c.api.StartMatch(callCtx, sess.ID, c.participantID)
	if err != nil {
		return nil, err
	}
	c.applySnapshot(started)
	c.publish(ctx, notify.ReasonStarted, started)
	return started, nil
}

// MarkAssetReady anchors the latency measurement for roundIndex at the
// moment this participant's asset finished loading.
func (c *Client) MarkAssetReady(roundIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roundIndex != c.round.index {
		return
	}
	c.round.assetReady = c.clock.Now()
}

// CurrentRound reports the round this client is on: the shared pointer in
// turn-based mode, the client's own pointer in solo-progress mode.
func (c *Client) CurrentRound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round.index
}

// SubmitAnswer records this participant's pick for roundIndex, which must be
// the round the client is currently on; a submission racing a round advance
// gets ErrRoundMismatch instead of landing on the wrong route. In
// solo-progress mode the score lands immediately and the client moves to its
// next route; in turn-based mode the final delta waits until the round's
// answer set is complete. A duplicate submission is swallowed, never
// re-scored.
func (c *Client) SubmitAnswer(ctx context.Context, roundIndex int, chosen models.Side) (scoring.Result, error) {
	c.mu.Lock()
	if c.sess == nil || !c.fired[models.PhasePlaying] {
		c.mu.Unlock()
		return scoring.Result{}, fmt.Errorf("no match in progress")
	}
	if c.fired[models.PhaseFinished] {
		c.mu.Unlock()
		return scoring.Result{}, ErrMatchOver
	}
	sess := c.sess
	roundIdx := c.round.index
	if roundIdx >= len(sess.Routes) {
		c.mu.Unlock()
		return scoring.Result{}, ErrMatchOver
	}
	if roundIndex != roundIdx {
		c.mu.Unlock()
		return scoring.Result{}, fmt.Errorf("round %d is current, got %d: %w", roundIdx, roundIndex, ErrRoundMismatch)
	}
	if c.round.answered {
		c.mu.Unlock()
		return scoring.Result{}, nil
	}
	anchor := c.round.assetReady
	ref := sess.Routes[roundIdx]
	endsAt := sess.EndsAt
	c.mu.Unlock()

	if endsAt != nil && !c.clock.Now().Before(*endsAt) {
		c.finish(sess.ID)
		return scoring.Result{}, ErrMatchOver
	}

	var latency time.Duration
	if !anchor.IsZero() {
		latency = c.clock.Now().Sub(anchor)
	}

	info, err := c.source.Route(ctx, ref)
	if err != nil {
		return scoring.Result{}, fmt.Errorf("resolve route %s: %w", ref, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	res, err := c.api.SubmitAnswer(callCtx, session.SubmitAnswerRequest{
		Session:       sess,
		ParticipantID: c.participantID,
		RoundIndex:    roundIdx,
		Chosen:        chosen,
		Correct:       info.Correct,
		Latency:       latency,
	})
	if errors.Is(err, session.ErrDuplicateAnswer) {
		c.mu.Lock()
		c.round.answered = true
		c.mu.Unlock()
		return scoring.Result{}, nil
	}
	if err != nil {
		return scoring.Result{}, err
	}

	c.mu.Lock()
	c.round.answered = true
	switch sess.Settings.Mode {
	case models.MatchModeTimeTrial:
		// Own slot score moves by the delta we just earned, relative to the
		// last observed value; other slots are never written.
		c.sess.Slots[c.slotIndex].Score += res.Delta
		c.round = roundState{index: roundIdx + 1}
		snapshot := c.sess
		done := roundIdx+1 >= len(sess.Routes)
		c.mu.Unlock()
		c.emit(Event{Type: EventScoreChanged, Phase: models.PhasePlaying, RoundIndex: roundIdx, Session: snapshot})
		c.emit(Event{Type: EventRoundAdvanced, Phase: models.PhasePlaying, RoundIndex: roundIdx + 1, Session: snapshot})
		c.publishFresh(callCtx, notify.ReasonAnswer, sess.ID)
		if done {
			c.finish(sess.ID)
		}
	case models.MatchModeTurnBased:
		c.pending = &pendingRound{index: roundIdx, correct: info.Correct}
		c.mu.Unlock()
		c.publishFresh(callCtx, notify.ReasonAnswer, sess.ID)
		c.tryResolve(ctx)
	default:
		c.mu.Unlock()
	}
	return res, nil
}

// tryResolve attempts to settle the submitted turn-based round. It is called
// after our own submission and again on every later snapshot, and gives up
// quietly while the opponent's answer is still outstanding; the scored flag
// on the answer row keeps repeated attempts from double-applying.
func (c *Client) tryResolve(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	sess := c.sess
	slotIdx := c.slotIndex
	c.mu.Unlock()
	if pending == nil || sess == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	res, ready, err := c.api.ResolveOwnScore(callCtx, sess, c.participantID, pending.index, pending.correct)
	if err != nil {
		log.Warn().Err(err).Int("round", pending.index).Msg("round resolution failed, will retry on next snapshot")
		return
	}
	if !ready {
		return
	}

	c.mu.Lock()
	if c.pending == nil || c.pending.index != pending.index {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.sess.Slots[slotIdx].Score += res.Delta
	snapshot := c.sess
	c.mu.Unlock()

	c.emit(Event{Type: EventScoreChanged, Phase: models.PhasePlaying, RoundIndex: pending.index, Session: snapshot})

	// Exactly one of the racing clients wins the pointer write; the rest
	// observe the advance through propagation.
	if err := c.api.AdvanceRound(callCtx, sess.ID, pending.index); err != nil {
		log.Warn().Err(err).Int("round", pending.index).Msg("round advance failed")
	}
	c.publishFresh(callCtx, notify.ReasonRoundAdvanced, sess.ID)
}

// Tick lets the embedding application drive match-clock checks; it finishes
// the match once the shared clock has expired.
func (c *Client) Tick() {
	c.mu.Lock()
	sess := c.sess
	playing := c.fired[models.PhasePlaying] && !c.fired[models.PhaseFinished]
	c.mu.Unlock()
	if !playing || sess == nil || sess.EndsAt == nil {
		return
	}
	if !c.clock.Now().Before(*sess.EndsAt) {
		c.finish(sess.ID)
	}
}

// finish writes PHASE=FINISHED idempotently and applies the result locally
// so the finished transition fires even if the push never arrives.
func (c *Client) finish(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if err := c.api.FinishMatch(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("finish write failed")
		return
	}
	snap, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	c.applySnapshot(snap)
	c.publish(ctx, notify.ReasonFinished, snap)
}

// Leave tears the client down: the poll stops, the subscription closes, and
// the seat is released per the session rules. Safe to call more than once.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.stopPollLocked()
	c.stopRoundDeadlineLocked()
	sub := c.sub
	c.sub = nil
	sess := c.sess
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe failed on leave")
		}
	}
	if sess == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.api.Leave(callCtx, sess.ID, c.participantID); err != nil {
		return err
	}
	// A discarded session has nothing left to announce.
	if snap, err := c.api.GetSession(callCtx, sess.ID); err == nil {
		c.publish(callCtx, notify.ReasonRosterChanged, snap)
	}
	return nil
}
