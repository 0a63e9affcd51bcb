// Package engine runs local matches: every participant shares one process,
// so rounds move through an in-memory state machine instead of the
// synchronized session record.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/routes"
	"github.com/routeduel/routeduel/go/internal/scoring"
)

// State is the round state machine position.
type State string

const (
	StatePresenting   State = "PRESENTING"
	StateCollecting   State = "COLLECTING"
	StateBothAnswered State = "BOTH_ANSWERED"
	StateRevealing    State = "REVEALING"
	StateAdvancing    State = "ADVANCING"
)

// EventKind tags an engine event.
type EventKind string

const (
	EventRoundPresented EventKind = "RoundPresented"
	EventRoundRevealed  EventKind = "RoundRevealed"
	EventClockTick      EventKind = "ClockTick"
	EventMatchFinished  EventKind = "MatchFinished"
)

// EngineEvent is one entry on the engine's outbound stream. Scores is a
// snapshot taken after the event's deltas were applied as a batch, so a
// reader never sees one participant's delta without the other's.
type EngineEvent struct {
	Kind      EventKind
	Round     int
	Route     routes.RouteInfo
	Results   map[uuid.UUID]scoring.Result
	Scores    map[uuid.UUID]float64
	Remaining time.Duration
	Winner    *uuid.UUID
}

// Player is one local participant.
type Player struct {
	ID   uuid.UUID
	Name string
}

// Config tunes round pacing. The reveal stays on screen for a shorter delay
// when the match clock is running, so a time-boxed match spends its budget
// on routes instead of transitions.
type Config struct {
	RevealDelayFixed     time.Duration
	RevealDelayTimeBoxed time.Duration
	TickInterval         time.Duration
	EventBuffer          int
}

func DefaultConfig() Config {
	return Config{
		RevealDelayFixed:     2 * time.Second,
		RevealDelayTimeBoxed: 800 * time.Millisecond,
		TickInterval:         time.Second,
		EventBuffer:          64,
	}
}

type localAnswer struct {
	side    models.Side
	latency time.Duration
}

// Engine drives one local match. State transitions are synchronous within
// the calling goroutine; only timers run concurrently.
type Engine struct {
	source   routes.Source
	clock    clockwork.Clock
	config   Config
	settings models.MatchSettings
	refs     []models.RouteRef
	players  []Player

	mu         sync.Mutex
	state      State
	round      int
	route      routes.RouteInfo
	scores     map[uuid.UUID]float64
	answers    map[uuid.UUID]localAnswer
	anchors    map[uuid.UUID]time.Time
	roundTimer clockwork.Timer
	match      *matchClock
	stopCh     chan struct{}
	done       bool

	events chan EngineEvent
}

func New(source routes.Source, clock clockwork.Clock, cfg Config, settings models.MatchSettings, refs []models.RouteRef, players []Player) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid match settings: %w", err)
	}
	if len(refs) != settings.RouteCount {
		return nil, fmt.Errorf("route sequence length %d does not match configured count %d", len(refs), settings.RouteCount)
	}
	if len(players) < 2 {
		return nil, fmt.Errorf("need at least 2 players, have %d", len(players))
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}

	scores := make(map[uuid.UUID]float64, len(players))
	for _, p := range players {
		scores[p.ID] = 0
	}
	return &Engine{
		source:   source,
		clock:    clock,
		config:   cfg,
		settings: settings,
		refs:     refs,
		players:  players,
		scores:   scores,
		stopCh:   make(chan struct{}),
		events:   make(chan EngineEvent, cfg.EventBuffer),
	}, nil
}

// Events is the engine's outbound stream. It closes after MatchFinished.
func (e *Engine) Events() <-chan EngineEvent {
	return e.events
}

// Start presents the first round and, for time-boxed matches, starts the
// match clock.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != "" {
		return fmt.Errorf("match already started")
	}

	if e.settings.Mode == models.MatchModeTimeTrial {
		duration := time.Duration(e.settings.MatchDurationSec) * time.Second
		e.match = newMatchClock(e.clock, duration, e.config.TickInterval, e.handleTick, e.handleExpiry)
		go e.match.run()
	}
	return e.presentLocked(ctx)
}

// presentLocked loads the round's route and opens it for answers. Callers
// hold e.mu.
func (e *Engine) presentLocked(ctx context.Context) error {
	e.state = StatePresenting
	info, err := e.source.Route(ctx, e.refs[e.round])
	if err != nil {
		return fmt.Errorf("load route %s: %w", e.refs[e.round], err)
	}
	e.route = info
	e.answers = make(map[uuid.UUID]localAnswer, len(e.players))
	e.anchors = make(map[uuid.UUID]time.Time, len(e.players))

	if e.settings.RoundLimitSec != nil {
		e.armRoundTimerLocked(time.Duration(*e.settings.RoundLimitSec) * time.Second)
	}

	e.emitLocked(EngineEvent{Kind: EventRoundPresented, Round: e.round, Route: info, Scores: e.scoreSnapshotLocked()})
	log.Debug().Int("round", e.round).Str("asset", info.AssetID).Msg("round presented")
	return nil
}

// armRoundTimerLocked starts the per-round countdown that synthesizes
// timed-out answers for anyone who has not picked when it fires.
func (e *Engine) armRoundTimerLocked(limit time.Duration) {
	if e.roundTimer != nil {
		stopAndDrainTimer(e.roundTimer)
	}
	timer := e.clock.NewTimer(limit)
	e.roundTimer = timer
	round := e.round

	go func() {
		select {
		case <-timer.Chan():
			e.timeOutRound(round)
		case <-e.stopCh:
			stopAndDrainTimer(timer)
		}
	}()
}

// MarkAssetReady anchors playerID's latency at the moment their asset
// finished loading. Each participant's timer starts independently; a slow
// asset never counts against the answer.
func (e *Engine) MarkAssetReady(playerID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || (e.state != StatePresenting && e.state != StateCollecting) {
		return
	}
	if _, ok := e.scores[playerID]; !ok {
		return
	}
	e.anchors[playerID] = e.clock.Now()
	e.state = StateCollecting
}

// SubmitAnswer records playerID's pick for the current round. Late and
// duplicate answers are ignored. The round reveals only when every player
// has answered, so a single answer never leaks the outcome.
func (e *Engine) SubmitAnswer(ctx context.Context, playerID uuid.UUID, side models.Side) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.state != StateCollecting {
		return
	}
	if _, ok := e.scores[playerID]; !ok {
		return
	}
	if _, answered := e.answers[playerID]; answered {
		return
	}
	anchor, ok := e.anchors[playerID]
	if !ok {
		return
	}

	e.answers[playerID] = localAnswer{side: side, latency: e.clock.Now().Sub(anchor)}
	if len(e.answers) == len(e.players) {
		e.state = StateBothAnswered
		e.revealLocked(ctx)
	}
}

// timeOutRound fires when the per-round countdown expires: every player
// without an answer gets a synthesized timed-out one, and the round
// resolves.
func (e *Engine) timeOutRound(round int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.round != round || (e.state != StateCollecting && e.state != StatePresenting) {
		return
	}
	for _, p := range e.players {
		if _, answered := e.answers[p.ID]; !answered {
			e.answers[p.ID] = localAnswer{side: models.SideNone}
		}
	}
	e.state = StateBothAnswered
	e.revealLocked(context.Background())
}

// revealLocked evaluates the complete answer set and applies every delta as
// one batch before any event escapes. Callers hold e.mu.
func (e *Engine) revealLocked(ctx context.Context) {
	e.state = StateRevealing

	results := make(map[uuid.UUID]scoring.Result, len(e.players))
	for _, p := range e.players {
		ans := e.answers[p.ID]
		// Latencies are only comparable in turn-based mode; solo-progress
		// participants race the clock, not each other.
		var fastestOther *time.Duration
		if e.settings.Mode == models.MatchModeTurnBased {
			for _, other := range e.players {
				if other.ID == p.ID {
					continue
				}
				otherAns := e.answers[other.ID]
				if otherAns.side == e.route.Correct {
					lat := otherAns.latency
					if fastestOther == nil || lat < *fastestOther {
						fastestOther = &lat
					}
				}
			}
		}
		results[p.ID] = scoring.Evaluate(ans.side, e.route.Correct, ans.latency, e.settings.Mode, fastestOther)
	}
	for id, res := range results {
		e.scores[id] += res.Delta
	}

	e.emitLocked(EngineEvent{
		Kind:    EventRoundRevealed,
		Round:   e.round,
		Route:   e.route,
		Results: results,
		Scores:  e.scoreSnapshotLocked(),
	})

	e.state = StateAdvancing
	delay := e.config.RevealDelayFixed
	if e.settings.Mode == models.MatchModeTimeTrial {
		delay = e.config.RevealDelayTimeBoxed
	}
	if delay <= 0 {
		e.advanceLocked(ctx)
		return
	}

	timer := e.clock.NewTimer(delay)
	round := e.round
	go func() {
		select {
		case <-timer.Chan():
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.done || e.round != round || e.state != StateAdvancing {
				return
			}
			e.advanceLocked(context.Background())
		case <-e.stopCh:
			stopAndDrainTimer(timer)
		}
	}()
}

// advanceLocked moves to the next route or ends the match at the sequence
// boundary. Callers hold e.mu.
func (e *Engine) advanceLocked(ctx context.Context) {
	e.round++
	if e.round >= len(e.refs) {
		e.finishLocked()
		return
	}
	if err := e.presentLocked(ctx); err != nil {
		log.Error().Err(err).Int("round", e.round).Msg("failed to present round, ending match")
		e.finishLocked()
	}
}

func (e *Engine) handleTick(remaining time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.emitLocked(EngineEvent{Kind: EventClockTick, Round: e.round, Remaining: remaining, Scores: e.scoreSnapshotLocked()})
}

// handleExpiry ends the match the instant the shared clock runs out. A
// round still collecting answers is abandoned whole: no partial scores.
func (e *Engine) handleExpiry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	log.Info().Int("round", e.round).Msg("match clock expired")
	e.finishLocked()
}

// finishLocked emits the final standings exactly once and closes the
// stream. Callers hold e.mu.
func (e *Engine) finishLocked() {
	if e.done {
		return
	}
	e.done = true
	close(e.stopCh)
	if e.match != nil {
		e.match.stop()
	}
	if e.roundTimer != nil {
		stopAndDrainTimer(e.roundTimer)
	}

	e.emitLocked(EngineEvent{
		Kind:   EventMatchFinished,
		Round:  e.round,
		Scores: e.scoreSnapshotLocked(),
		Winner: e.winnerLocked(),
	})
	close(e.events)
}

// winnerLocked reports the sole highest scorer, or nil on a tie.
func (e *Engine) winnerLocked() *uuid.UUID {
	var best *uuid.UUID
	bestScore := 0.0
	tied := false
	for _, p := range e.players {
		score := e.scores[p.ID]
		switch {
		case best == nil || score > bestScore:
			id := p.ID
			best = &id
			bestScore = score
			tied = false
		case score == bestScore:
			tied = true
		}
	}
	if tied {
		return nil
	}
	return best
}

func (e *Engine) scoreSnapshotLocked() map[uuid.UUID]float64 {
	snapshot := make(map[uuid.UUID]float64, len(e.scores))
	for id, score := range e.scores {
		snapshot[id] = score
	}
	return snapshot
}

func (e *Engine) emitLocked(ev EngineEvent) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("engine event buffer full, dropping event")
	}
}

// Scores returns the current running totals.
func (e *Engine) Scores() map[uuid.UUID]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreSnapshotLocked()
}

// CurrentState reports the state machine position.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentRound reports the round index in progress.
func (e *Engine) CurrentRound() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// Stop abandons the match early.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked()
}
