package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/session"
	"github.com/routeduel/routeduel/go/internal/session/sessiontest"
)

func turnBasedSettings(routes int) models.MatchSettings {
	return models.MatchSettings{Mode: models.MatchModeTurnBased, RouteCount: routes}
}

func timeTrialSettings(routes, durationSec int) models.MatchSettings {
	return models.MatchSettings{Mode: models.MatchModeTimeTrial, RouteCount: routes, MatchDurationSec: durationSec}
}

func routeRefs(n int) []models.RouteRef {
	refs := make([]models.RouteRef, n)
	for i := range refs {
		refs[i] = models.RouteRef(fmt.Sprintf("route-%d", i))
	}
	return refs
}

func newTestApp(t *testing.T) (*session.App, *sessiontest.MemRepo, clockwork.Clock) {
	t.Helper()
	repo := sessiontest.NewMemRepo()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return session.NewApp(repo, clock), repo, clock
}

func mustCreate(t *testing.T, app *session.App, hostID uuid.UUID, maxSlots int, settings models.MatchSettings) *models.Session {
	t.Helper()
	sess, err := app.CreateSession(context.Background(), session.CreateAppRequest{
		HostID:   hostID,
		HostName: "host",
		MaxSlots: maxSlots,
		Settings: settings,
		Routes:   routeRefs(settings.RouteCount),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestCreateSessionValidation(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()

	_, err := app.CreateSession(ctx, session.CreateAppRequest{
		HostID:   uuid.New(),
		MaxSlots: 5,
		Settings: turnBasedSettings(3),
		Routes:   routeRefs(3),
	})
	if err == nil {
		t.Error("expected error for max slots above limit")
	}

	_, err = app.CreateSession(ctx, session.CreateAppRequest{
		HostID:   uuid.New(),
		MaxSlots: 2,
		Settings: turnBasedSettings(3),
		Routes:   routeRefs(5),
	})
	if err == nil {
		t.Error("expected error for route sequence mismatch")
	}

	_, err = app.CreateSession(ctx, session.CreateAppRequest{
		HostID:   uuid.New(),
		MaxSlots: 2,
		Settings: models.MatchSettings{Mode: models.MatchModeTimeTrial, RouteCount: 3},
		Routes:   routeRefs(3),
	})
	if err == nil {
		t.Error("expected error for time trial without duration")
	}
}

func TestJoinSessionFillsLowestSlot(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()
	sess := mustCreate(t, app, uuid.New(), 3, turnBasedSettings(2))

	first, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest-a")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if first.SlotIndex != 1 {
		t.Errorf("first joiner got slot %d, want 1", first.SlotIndex)
	}

	second, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest-b")
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if second.SlotIndex != 2 {
		t.Errorf("second joiner got slot %d, want 2", second.SlotIndex)
	}

	if _, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest-c"); !errors.Is(err, session.ErrRoomFull) {
		t.Errorf("join of full room = %v, want session.ErrRoomFull", err)
	}
}

func TestJoinSessionUnknownCode(t *testing.T) {
	app, _, _ := newTestApp(t)
	if _, err := app.JoinSession(context.Background(), "QQQQQQ", uuid.New(), "x"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown code = %v, want session.ErrNotFound", err)
	}
	if _, err := app.JoinSession(context.Background(), "not a code", uuid.New(), "x"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("malformed code = %v, want session.ErrNotFound", err)
	}
}

func TestJoinSessionCaseInsensitive(t *testing.T) {
	app, _, _ := newTestApp(t)
	sess := mustCreate(t, app, uuid.New(), 2, turnBasedSettings(2))

	lower := " " + stringToLower(sess.JoinCode) + " "
	if _, err := app.JoinSession(context.Background(), lower, uuid.New(), "guest"); err != nil {
		t.Errorf("lowercase padded join code rejected: %v", err)
	}
}

func stringToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func TestJoinRejectedOncePlaying(t *testing.T) {
	app, _, _ := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 3, turnBasedSettings(2))

	if _, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := app.StartMatch(ctx, sess.ID, hostID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "late"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("join after start = %v, want session.ErrNotFound", err)
	}
}

// For any interleaving of concurrent joiners, exactly min(attempts, maxSlots)
// participants hold a seat and the rest are rejected.
func TestConcurrentJoinersNeverExceedMaxSlots(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()
	sess := mustCreate(t, app, uuid.New(), 4, turnBasedSettings(2))

	const attempts = 12
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), fmt.Sprintf("guest-%d", i))
			results[i] = err
		}(i)
	}
	wg.Wait()

	var won, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, session.ErrRoomFull) || errors.Is(err, session.ErrRaceLost):
			rejected++
		default:
			t.Errorf("unexpected join error: %v", err)
		}
	}
	if won != 3 { // host holds slot 0 of 4
		t.Errorf("%d joiners won seats, want 3", won)
	}
	if won+rejected != attempts {
		t.Errorf("accounted for %d of %d joiners", won+rejected, attempts)
	}

	final, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	occupied := 0
	for _, slot := range final.Slots {
		if slot.Occupied() {
			occupied++
		}
	}
	if occupied != final.FilledSlots {
		t.Errorf("filled_slots %d does not match occupied count %d", final.FilledSlots, occupied)
	}
	if occupied != 4 {
		t.Errorf("occupied = %d, want 4", occupied)
	}
}

func TestStartMatchRules(t *testing.T) {
	app, _, clock := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, timeTrialSettings(10, 30))

	if _, err := app.StartMatch(ctx, sess.ID, hostID); err == nil {
		t.Error("start with a single participant should fail")
	}

	guestID := uuid.New()
	if _, err := app.JoinSession(ctx, sess.JoinCode, guestID, "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := app.StartMatch(ctx, sess.ID, guestID); err == nil {
		t.Error("non-host start should fail")
	}

	started, err := app.StartMatch(ctx, sess.ID, hostID)
	if err != nil {
		t.Fatalf("host start: %v", err)
	}
	if started.Phase != models.PhasePlaying {
		t.Errorf("phase = %s, want %s", started.Phase, models.PhasePlaying)
	}
	if started.StartedAt == nil || !started.StartedAt.Equal(clock.Now()) {
		t.Errorf("started_at = %v, want %v", started.StartedAt, clock.Now())
	}
	wantEnd := clock.Now().Add(30 * time.Second)
	if started.EndsAt == nil || !started.EndsAt.Equal(wantEnd) {
		t.Errorf("ends_at = %v, want %v", started.EndsAt, wantEnd)
	}

	if _, err := app.StartMatch(ctx, sess.ID, hostID); !errors.Is(err, session.ErrRaceLost) {
		t.Errorf("second start = %v, want session.ErrRaceLost", err)
	}
}

func TestSubmitAnswerDuplicateNeverRescored(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, timeTrialSettings(5, 30))
	guestID := uuid.New()
	if _, err := app.JoinSession(ctx, sess.JoinCode, guestID, "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	started, err := app.StartMatch(ctx, sess.ID, hostID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	req := session.SubmitAnswerRequest{
		Session:       started,
		ParticipantID: hostID,
		RoundIndex:    0,
		Chosen:        models.SideLeft,
		Correct:       models.SideLeft,
		Latency:       1200 * time.Millisecond,
	}
	res, err := app.SubmitAnswer(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Delta != 1.0 {
		t.Errorf("delta = %v, want 1.0", res.Delta)
	}

	if _, err := app.SubmitAnswer(ctx, req); !errors.Is(err, session.ErrDuplicateAnswer) {
		t.Errorf("duplicate submit = %v, want session.ErrDuplicateAnswer", err)
	}

	final, _ := repo.GetSession(ctx, sess.ID)
	if got := final.Slots[0].Score; got != 1.0 {
		t.Errorf("score after duplicate = %v, want 1.0", got)
	}
}

func TestResolveOwnScoreAwardsSpeedBonusOnce(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, turnBasedSettings(5))
	guestID := uuid.New()
	if _, err := app.JoinSession(ctx, sess.JoinCode, guestID, "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	started, err := app.StartMatch(ctx, sess.ID, hostID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Guest answers first and faster; round cannot resolve yet.
	if _, err := app.SubmitAnswer(ctx, session.SubmitAnswerRequest{
		Session: started, ParticipantID: guestID, RoundIndex: 0,
		Chosen: models.SideLeft, Correct: models.SideLeft, Latency: 800 * time.Millisecond,
	}); err != nil {
		t.Fatalf("guest submit: %v", err)
	}
	if _, ready, err := app.ResolveOwnScore(ctx, started, guestID, 0, models.SideLeft); err != nil || ready {
		t.Fatalf("premature resolve: ready=%v err=%v", ready, err)
	}

	if _, err := app.SubmitAnswer(ctx, session.SubmitAnswerRequest{
		Session: started, ParticipantID: hostID, RoundIndex: 0,
		Chosen: models.SideLeft, Correct: models.SideLeft, Latency: 2 * time.Second,
	}); err != nil {
		t.Fatalf("host submit: %v", err)
	}

	guestRes, ready, err := app.ResolveOwnScore(ctx, started, guestID, 0, models.SideLeft)
	if err != nil || !ready {
		t.Fatalf("guest resolve: ready=%v err=%v", ready, err)
	}
	if guestRes.Delta != 1.5 {
		t.Errorf("guest delta = %v, want 1.5", guestRes.Delta)
	}
	hostRes, ready, err := app.ResolveOwnScore(ctx, started, hostID, 0, models.SideLeft)
	if err != nil || !ready {
		t.Fatalf("host resolve: ready=%v err=%v", ready, err)
	}
	if hostRes.Delta != 1.0 {
		t.Errorf("host delta = %v, want 1.0", hostRes.Delta)
	}

	// Resolving again must not re-apply.
	if _, _, err := app.ResolveOwnScore(ctx, started, guestID, 0, models.SideLeft); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	final, _ := repo.GetSession(ctx, sess.ID)
	if final.Slots[1].Score != 1.5 || final.Slots[0].Score != 1.0 {
		t.Errorf("scores = host %v guest %v, want 1.0 and 1.5", final.Slots[0].Score, final.Slots[1].Score)
	}
}

func TestLeaveSemantics(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()

	// Host leaving while waiting discards the session.
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, turnBasedSettings(2))
	if err := app.Leave(ctx, sess.ID, hostID); err != nil {
		t.Fatalf("host leave: %v", err)
	}
	if _, err := repo.GetSession(ctx, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session after host leave = %v, want session.ErrNotFound", err)
	}

	// Guest leaving while waiting frees the seat for a new joiner.
	hostID = uuid.New()
	sess = mustCreate(t, app, hostID, 2, turnBasedSettings(2))
	guestID := uuid.New()
	if _, err := app.JoinSession(ctx, sess.JoinCode, guestID, "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := app.Leave(ctx, sess.ID, guestID); err != nil {
		t.Fatalf("guest leave: %v", err)
	}
	replacement, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "replacement")
	if err != nil {
		t.Fatalf("rejoin freed slot: %v", err)
	}
	if replacement.SlotIndex != 1 {
		t.Errorf("replacement slot = %d, want 1", replacement.SlotIndex)
	}

	// Mid-match departure freezes the slot instead of clearing it.
	if _, err := app.StartMatch(ctx, sess.ID, hostID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := app.Leave(ctx, sess.ID, *replacement.Session.Slots[1].ParticipantID); err != nil {
		t.Fatalf("mid-match leave: %v", err)
	}
	final, _ := repo.GetSession(ctx, sess.ID)
	if !final.Slots[1].Occupied() {
		t.Error("mid-match departure cleared the slot; score should stay frozen")
	}
	if final.FilledSlots != 2 {
		t.Errorf("filled_slots = %d, want 2", final.FilledSlots)
	}
}

func TestFinishMatchIdempotent(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, turnBasedSettings(2))
	if _, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := app.StartMatch(ctx, sess.ID, hostID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := app.FinishMatch(ctx, sess.ID); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := app.FinishMatch(ctx, sess.ID); err != nil {
		t.Fatalf("second finish should be a no-op, got %v", err)
	}
	final, _ := repo.GetSession(ctx, sess.ID)
	if final.Phase != models.PhaseFinished {
		t.Errorf("phase = %s, want %s", final.Phase, models.PhaseFinished)
	}
}

func TestAdvanceRoundRaceIsBenign(t *testing.T) {
	app, repo, _ := newTestApp(t)
	ctx := context.Background()
	hostID := uuid.New()
	sess := mustCreate(t, app, hostID, 2, turnBasedSettings(3))
	if _, err := app.JoinSession(ctx, sess.JoinCode, uuid.New(), "guest"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := app.StartMatch(ctx, sess.ID, hostID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := app.AdvanceRound(ctx, sess.ID, 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A second client advancing the same round loses the conditional write
	// and treats it as done.
	if err := app.AdvanceRound(ctx, sess.ID, 0); err != nil {
		t.Fatalf("racing advance should be benign, got %v", err)
	}
	final, _ := repo.GetSession(ctx, sess.ID)
	if final.RoundPointer != 1 {
		t.Errorf("round pointer = %d, want 1", final.RoundPointer)
	}
}
