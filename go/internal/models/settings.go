package models

import "fmt"

// MatchMode defines how rounds are paced and scored.
type MatchMode string

const (
	// MatchModeTurnBased reveals a round only once every participant has
	// answered; the faster correct answer earns a speed bonus.
	MatchModeTurnBased MatchMode = "TURN_BASED"
	// MatchModeTimeTrial lets each participant progress independently
	// against a shared countdown; wrong answers are penalised.
	MatchModeTimeTrial MatchMode = "TIME_TRIAL"
)

// MatchSettings is the validated configuration of one match, fixed at
// session creation by the host.
type MatchSettings struct {
	Mode             MatchMode `json:"mode"`
	RouteCount       int       `json:"route_count"`
	MatchDurationSec int       `json:"match_duration_sec,omitempty"` // time trial only
	RoundLimitSec    *int      `json:"round_limit_sec,omitempty"`    // fixed-count mode only
}

// Validate rejects settings that could never produce a playable match.
func (s MatchSettings) Validate() error {
	switch s.Mode {
	case MatchModeTurnBased:
		if s.MatchDurationSec != 0 {
			return fmt.Errorf("match duration is only valid in %s mode", MatchModeTimeTrial)
		}
	case MatchModeTimeTrial:
		if s.MatchDurationSec <= 0 {
			return fmt.Errorf("%s mode requires a positive match duration", MatchModeTimeTrial)
		}
		if s.RoundLimitSec != nil {
			return fmt.Errorf("per-round limit is only valid in %s mode", MatchModeTurnBased)
		}
	default:
		return fmt.Errorf("unknown match mode %q", s.Mode)
	}
	if s.RouteCount < 1 {
		return fmt.Errorf("route count must be at least 1, got %d", s.RouteCount)
	}
	if s.RoundLimitSec != nil && *s.RoundLimitSec <= 0 {
		return fmt.Errorf("round limit must be positive, got %d", *s.RoundLimitSec)
	}
	return nil
}
