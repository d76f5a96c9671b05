package claims

import (
	"math"

	"arbiter/internal/domain"
)

// Decide selects the resolution strategy for one contended resource from the
// score delta (challenger minus incumbent) and the challenger's retry count
// on that resource. Pure; precedence is abort, then the epsilon tie band,
// then priority.
func Decide(delta float64, retries, maxRetries int, epsilon float64) domain.Strategy {
	if retries >= maxRetries {
		return domain.StrategyAbort
	}
	if math.Abs(delta) <= epsilon {
		return domain.StrategySerialize
	}
	return domain.StrategyPriority
}

// Resolution is the outcome of arbitrating one contended resource key.
// The engine turns each one into a ResolutionOutcome on the feed.
type Resolution struct {
	Record         domain.ConflictRecord
	Strategy       domain.Strategy
	WinnerTaskID   string
	WinnerWorkerID string
	Losers         []domain.Loser
}
