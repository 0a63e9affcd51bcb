package scoring

import (
	"testing"
	"time"

	"github.com/routeduel/routeduel/go/internal/models"
)

func durPtr(d time.Duration) *time.Duration { return &d }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		chosen   models.Side
		correct  models.Side
		latency  time.Duration
		mode     models.MatchMode
		opponent *time.Duration
		want     Result
	}{
		{
			name:    "turn based correct no opponent answer",
			chosen:  models.SideLeft,
			correct: models.SideLeft,
			latency: 2 * time.Second,
			mode:    models.MatchModeTurnBased,
			want:    Result{Delta: 1.0, Label: LabelCorrect},
		},
		{
			name:     "turn based both correct faster gets bonus",
			chosen:   models.SideLeft,
			correct:  models.SideLeft,
			latency:  1 * time.Second,
			mode:     models.MatchModeTurnBased,
			opponent: durPtr(3 * time.Second),
			want:     Result{Delta: 1.5, Label: LabelCorrectFast},
		},
		{
			name:     "turn based both correct slower gets base",
			chosen:   models.SideRight,
			correct:  models.SideRight,
			latency:  3 * time.Second,
			mode:     models.MatchModeTurnBased,
			opponent: durPtr(1 * time.Second),
			want:     Result{Delta: 1.0, Label: LabelCorrect},
		},
		{
			name:     "turn based latency tie grants neither",
			chosen:   models.SideLeft,
			correct:  models.SideLeft,
			latency:  2 * time.Second,
			mode:     models.MatchModeTurnBased,
			opponent: durPtr(2 * time.Second),
			want:     Result{Delta: 1.0, Label: LabelCorrect},
		},
		{
			name:    "turn based wrong is neutral",
			chosen:  models.SideRight,
			correct: models.SideLeft,
			latency: 2 * time.Second,
			mode:    models.MatchModeTurnBased,
			want:    Result{Delta: 0.0, Label: LabelWrong},
		},
		{
			name:    "turn based timeout is neutral",
			chosen:  models.SideNone,
			correct: models.SideLeft,
			mode:    models.MatchModeTurnBased,
			want:    Result{Delta: 0.0, Label: LabelTimedOut},
		},
		{
			name:    "time trial correct",
			chosen:  models.SideLeft,
			correct: models.SideLeft,
			latency: 5 * time.Second,
			mode:    models.MatchModeTimeTrial,
			want:    Result{Delta: 1.0, Label: LabelCorrect},
		},
		{
			name:    "time trial wrong is penalised regardless of latency",
			chosen:  models.SideRight,
			correct: models.SideLeft,
			latency: 50 * time.Millisecond,
			mode:    models.MatchModeTimeTrial,
			want:    Result{Delta: -0.5, Label: LabelWrong},
		},
		{
			name:    "time trial timeout scores like wrong",
			chosen:  models.SideNone,
			correct: models.SideRight,
			mode:    models.MatchModeTimeTrial,
			want:    Result{Delta: -0.5, Label: LabelTimedOut},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.chosen, tt.correct, tt.latency, tt.mode, tt.opponent)
			if got != tt.want {
				t.Errorf("Evaluate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Evaluate is pure: repeated calls with identical inputs agree.
func TestEvaluateDeterministic(t *testing.T) {
	opp := durPtr(900 * time.Millisecond)
	first := Evaluate(models.SideLeft, models.SideLeft, time.Second, models.MatchModeTurnBased, opp)
	for i := 0; i < 100; i++ {
		again := Evaluate(models.SideLeft, models.SideLeft, time.Second, models.MatchModeTurnBased, opp)
		if again != first {
			t.Fatalf("call %d: got %+v, want %+v", i, again, first)
		}
	}
}

// Timed-out and wrong answers carry identical deltas in both modes.
func TestTimeoutMatchesWrongScore(t *testing.T) {
	for _, mode := range []models.MatchMode{models.MatchModeTurnBased, models.MatchModeTimeTrial} {
		wrong := Evaluate(models.SideRight, models.SideLeft, time.Second, mode, nil)
		timedOut := Evaluate(models.SideNone, models.SideLeft, 0, mode, nil)
		if wrong.Delta != timedOut.Delta {
			t.Errorf("mode %s: wrong delta %v != timeout delta %v", mode, wrong.Delta, timedOut.Delta)
		}
		if wrong.Label == timedOut.Label {
			t.Errorf("mode %s: labels must distinguish timeout from wrong", mode)
		}
	}
}
