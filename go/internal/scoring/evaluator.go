// Package scoring holds the pure round evaluator shared by the local and
// networked engines.
package scoring

import (
	"time"

	"github.com/routeduel/routeduel/go/internal/models"
)

// Label classifies a round outcome for display. TimedOut and Wrong score
// identically; the distinction exists only for the UI.
type Label string

const (
	LabelCorrect     Label = "CORRECT"
	LabelCorrectFast Label = "CORRECT_FAST"
	LabelWrong       Label = "WRONG"
	LabelTimedOut    Label = "TIMED_OUT"
)

// Score deltas. Each round contributes exactly one delta per participant.
const (
	correctDelta = 1.0
	speedBonus   = 0.5
	wrongPenalty = -0.5
	neutralDelta = 0.0
)

// Result is the outcome of evaluating one participant's round.
type Result struct {
	Delta float64
	Label Label
}

// Evaluate scores a single answer. A timed-out round is passed as
// chosen == models.SideNone. opponent is the other participant's latency in
// turn-based mode when that participant also answered correctly; it must be
// nil in time-trial mode, where latencies are not comparable across
// independently progressing participants.
func Evaluate(chosen, correct models.Side, latency time.Duration, mode models.MatchMode, opponent *time.Duration) Result {
	if chosen == models.SideNone {
		return Result{Delta: timeoutDelta(mode), Label: LabelTimedOut}
	}
	if chosen != correct {
		return Result{Delta: timeoutDelta(mode), Label: LabelWrong}
	}

	res := Result{Delta: correctDelta, Label: LabelCorrect}
	if mode == models.MatchModeTurnBased && opponent != nil && latency < *opponent {
		res.Delta += speedBonus
		res.Label = LabelCorrectFast
	}
	return res
}

// timeoutDelta is the delta shared by wrong and timed-out answers: neutral
// in turn-based mode, a penalty in time trial.
func timeoutDelta(mode models.MatchMode) float64 {
	if mode == models.MatchModeTimeTrial {
		return wrongPenalty
	}
	return neutralDelta
}
