package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/routes"
	"github.com/routeduel/routeduel/go/internal/scoring"
)

func leftSource(n int) (routes.Source, []models.RouteRef) {
	refs := make([]models.RouteRef, n)
	table := make(map[models.RouteRef]routes.RouteInfo, n)
	for i := range refs {
		refs[i] = models.RouteRef(fmt.Sprintf("route-%d", i))
		table[refs[i]] = routes.RouteInfo{AssetID: fmt.Sprintf("asset-%d", i), Correct: models.SideLeft}
	}
	return routes.NewStaticSource(table), refs
}

// instantConfig removes the display delays so round advancement happens
// synchronously inside the final SubmitAnswer call.
func instantConfig() Config {
	cfg := DefaultConfig()
	cfg.RevealDelayFixed = 0
	cfg.RevealDelayTimeBoxed = 0
	return cfg
}

func newEngine(t *testing.T, settings models.MatchSettings, players []Player) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	source, refs := leftSource(settings.RouteCount)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	eng, err := New(source, clock, instantConfig(), settings, refs, players)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, clock
}

func waitForEvent(t *testing.T, events <-chan EngineEvent, kind EventKind) EngineEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// Five-route duel, both always correct, guest always faster: guest takes
// the speed bonus every round and wins 7.5 to 5.0.
func TestTurnBasedFiveRouteDuel(t *testing.T) {
	host := Player{ID: uuid.New(), Name: "host"}
	guest := Player{ID: uuid.New(), Name: "guest"}
	eng, clock := newEngine(t, models.MatchSettings{Mode: models.MatchModeTurnBased, RouteCount: 5}, []Player{host, guest})

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	for round := 0; round < 5; round++ {
		if got := eng.CurrentRound(); got != round {
			t.Fatalf("round = %d, want %d", got, round)
		}
		eng.MarkAssetReady(host.ID)
		eng.MarkAssetReady(guest.ID)

		clock.Advance(800 * time.Millisecond)
		eng.SubmitAnswer(ctx, guest.ID, models.SideLeft)

		// One answer in: nothing may be revealed or scored yet.
		if got := eng.CurrentState(); got != StateCollecting {
			t.Fatalf("round %d: state after single answer = %s, want %s", round, got, StateCollecting)
		}

		clock.Advance(700 * time.Millisecond)
		eng.SubmitAnswer(ctx, host.ID, models.SideLeft)

		revealed := waitForEvent(t, eng.Events(), EventRoundRevealed)
		if revealed.Results[guest.ID].Label != scoring.LabelCorrectFast {
			t.Errorf("round %d: guest label = %s, want %s", round, revealed.Results[guest.ID].Label, scoring.LabelCorrectFast)
		}
		if revealed.Results[host.ID].Delta != 1.0 {
			t.Errorf("round %d: host delta = %v, want 1.0", round, revealed.Results[host.ID].Delta)
		}
	}

	finished := waitForEvent(t, eng.Events(), EventMatchFinished)
	want := map[uuid.UUID]float64{host.ID: 5.0, guest.ID: 7.5}
	if diff := cmp.Diff(want, finished.Scores); diff != "" {
		t.Errorf("final scores mismatch (-want +got):\n%s", diff)
	}
	if finished.Winner == nil || *finished.Winner != guest.ID {
		t.Errorf("winner = %v, want guest", finished.Winner)
	}
}

func TestDuplicateAndLateAnswersIgnored(t *testing.T) {
	host := Player{ID: uuid.New(), Name: "host"}
	guest := Player{ID: uuid.New(), Name: "guest"}
	eng, clock := newEngine(t, models.MatchSettings{Mode: models.MatchModeTurnBased, RouteCount: 2}, []Player{host, guest})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	eng.MarkAssetReady(host.ID)
	eng.MarkAssetReady(guest.ID)
	clock.Advance(time.Second)

	eng.SubmitAnswer(ctx, guest.ID, models.SideLeft)
	// A second answer from the same player must not replace the first.
	eng.SubmitAnswer(ctx, guest.ID, models.SideRight)
	eng.SubmitAnswer(ctx, host.ID, models.SideLeft)

	revealed := waitForEvent(t, eng.Events(), EventRoundRevealed)
	if revealed.Results[guest.ID].Delta < 1.0 {
		t.Errorf("guest delta = %v; duplicate answer overwrote the original", revealed.Results[guest.ID].Delta)
	}

	// An answer from someone who never loaded the asset has no anchor and
	// is dropped.
	stranger := uuid.New()
	eng.SubmitAnswer(ctx, stranger, models.SideLeft)
	if _, ok := eng.Scores()[stranger]; ok {
		t.Error("unknown player acquired a score")
	}
}

// Per-round countdown: when it expires, unanswered players get a
// synthesized timed-out answer and the round resolves without them.
func TestRoundTimeoutSynthesizesAnswers(t *testing.T) {
	limit := 10
	host := Player{ID: uuid.New(), Name: "host"}
	guest := Player{ID: uuid.New(), Name: "guest"}
	eng, clock := newEngine(t, models.MatchSettings{
		Mode:          models.MatchModeTurnBased,
		RouteCount:    2,
		RoundLimitSec: &limit,
	}, []Player{host, guest})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eng.MarkAssetReady(guest.ID)
	clock.Advance(time.Second)
	eng.SubmitAnswer(context.Background(), guest.ID, models.SideLeft)

	clock.Advance(time.Duration(limit) * time.Second)

	revealed := waitForEvent(t, eng.Events(), EventRoundRevealed)
	if revealed.Results[host.ID].Label != scoring.LabelTimedOut {
		t.Errorf("host label = %s, want %s", revealed.Results[host.ID].Label, scoring.LabelTimedOut)
	}
	if revealed.Results[host.ID].Delta != 0 {
		t.Errorf("host delta = %v, want 0", revealed.Results[host.ID].Delta)
	}
	// No opponent answered correctly besides the guest, so no speed bonus.
	if revealed.Results[guest.ID].Delta != 1.0 {
		t.Errorf("guest delta = %v, want 1.0", revealed.Results[guest.ID].Delta)
	}
}

// Time-boxed match with one wrong answer among otherwise-correct answers:
// score is correctCount*1 - 0.5, and there is never a speed bonus.
func TestTimeBoxedScoring(t *testing.T) {
	a := Player{ID: uuid.New(), Name: "a"}
	b := Player{ID: uuid.New(), Name: "b"}
	eng, clock := newEngine(t, models.MatchSettings{
		Mode:             models.MatchModeTimeTrial,
		RouteCount:       4,
		MatchDurationSec: 30,
	}, []Player{a, b})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	for round := 0; round < 4; round++ {
		eng.MarkAssetReady(a.ID)
		eng.MarkAssetReady(b.ID)
		clock.Advance(100 * time.Millisecond)

		pick := models.SideLeft
		if round == 1 {
			pick = models.SideRight // a's one mistake
		}
		eng.SubmitAnswer(ctx, a.ID, pick)
		clock.Advance(100 * time.Millisecond)
		eng.SubmitAnswer(ctx, b.ID, models.SideLeft)
	}

	finished := waitForEvent(t, eng.Events(), EventMatchFinished)
	if finished.Scores[a.ID] != 2.5 {
		t.Errorf("a score = %v, want 2.5 (3 correct - 0.5 penalty)", finished.Scores[a.ID])
	}
	if finished.Scores[b.ID] != 4.0 {
		t.Errorf("b score = %v, want 4.0", finished.Scores[b.ID])
	}
	if finished.Winner == nil || *finished.Winner != b.ID {
		t.Errorf("winner = %v, want b", finished.Winner)
	}
}

// Clock expiry takes precedence over round boundaries: a round still
// collecting answers is abandoned with no partial scores.
func TestClockExpiryAbandonsInFlightRound(t *testing.T) {
	a := Player{ID: uuid.New(), Name: "a"}
	b := Player{ID: uuid.New(), Name: "b"}
	eng, clock := newEngine(t, models.MatchSettings{
		Mode:             models.MatchModeTimeTrial,
		RouteCount:       10,
		MatchDurationSec: 30,
	}, []Player{a, b})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := context.Background()
	// Round 0 completes normally.
	eng.MarkAssetReady(a.ID)
	eng.MarkAssetReady(b.ID)
	clock.Advance(100 * time.Millisecond)
	eng.SubmitAnswer(ctx, a.ID, models.SideLeft)
	eng.SubmitAnswer(ctx, b.ID, models.SideLeft)
	waitForEvent(t, eng.Events(), EventRoundRevealed)

	// Round 1: only one answer in when the clock runs out.
	eng.MarkAssetReady(a.ID)
	eng.MarkAssetReady(b.ID)
	clock.Advance(100 * time.Millisecond)
	eng.SubmitAnswer(ctx, a.ID, models.SideLeft)
	if got := eng.CurrentState(); got != StateCollecting {
		t.Fatalf("state = %s, want %s", got, StateCollecting)
	}

	clock.Advance(31 * time.Second)
	finished := waitForEvent(t, eng.Events(), EventMatchFinished)

	if finished.Scores[a.ID] != 1.0 || finished.Scores[b.ID] != 1.0 {
		t.Errorf("scores = a %v b %v, want 1.0 each; abandoned round must not score", finished.Scores[a.ID], finished.Scores[b.ID])
	}
	if finished.Winner != nil {
		t.Errorf("winner = %v, want nil on tie", finished.Winner)
	}
}
