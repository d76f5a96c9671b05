// Package score computes task priority scores. Scoring is a pure function of
// the task's attributes and the current time, so re-running it as deadlines
// near yields the aging behavior that keeps blocked tasks from starving.
package score

import (
	"time"

	"arbiter/internal/domain"
)

const (
	// DependencyCap saturates the dependency-count contribution. A task
	// blocking more than this many downstream tasks scores no higher.
	DependencyCap = 10

	// DefaultDeadlineHorizon is the window in which deadline proximity
	// starts contributing. Deadlines further out contribute zero.
	DefaultDeadlineHorizon = 24 * time.Hour

	weightCriticality = 4.0
	weightDependency  = 2.0
	weightDeadline    = 1.0
	weightBusiness    = 1.0
	weightImpact      = 1.0

	maxRaw = weightCriticality + weightDependency + weightDeadline + weightBusiness + weightImpact
)

// Engine holds the scoring parameters. The zero value is not usable; use New.
type Engine struct {
	horizon time.Duration
}

func New(deadlineHorizon time.Duration) *Engine {
	if deadlineHorizon <= 0 {
		deadlineHorizon = DefaultDeadlineHorizon
	}
	return &Engine{horizon: deadlineHorizon}
}

// Score returns the task's priority in [0,10]. Missing fields contribute
// their minimum; malformed input never produces an error.
func (e *Engine) Score(t domain.Task, now time.Time) float64 {
	raw := criticalitySub(t.Criticality) +
		dependencySub(t.DependencyCount) +
		deadlineSub(t.Deadline, now, e.horizon) +
		clamp01(t.BusinessValue)*weightBusiness +
		clamp01(t.Impact)*weightImpact

	return raw / maxRaw * 10
}

// criticalitySub maps low=1..critical=4 onto the weight-4 band.
func criticalitySub(c domain.Criticality) float64 {
	return float64(c.Rank()) / 4 * weightCriticality
}

// dependencySub ranks tasks blocking more downstream work higher, capped.
func dependencySub(n int) float64 {
	if n < 0 {
		n = 0
	}
	if n > DependencyCap {
		n = DependencyCap
	}
	return float64(n) / DependencyCap * weightDependency
}

// deadlineSub is 0 with no deadline, rises linearly inside the horizon, and
// pins at the full weight once the deadline has passed.
func deadlineSub(deadline *time.Time, now time.Time, horizon time.Duration) float64 {
	if deadline == nil {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return weightDeadline
	}
	if remaining >= horizon {
		return 0
	}
	return (1 - float64(remaining)/float64(horizon)) * weightDeadline
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
