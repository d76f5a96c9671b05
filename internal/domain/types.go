package domain

import "time"

// TaskState represents the states a task moves through from submission to
// archival.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateScored     TaskState = "scored"
	StateClaiming   TaskState = "claiming"
	StateClaimed    TaskState = "claimed"
	StateInProgress TaskState = "in_progress"
	StateBlocked    TaskState = "blocked"
	StateCompleted  TaskState = "completed"
	StateAborted    TaskState = "aborted"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Criticality buckets a task's urgency. It is the heaviest input to the
// priority score.
type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Rank maps a criticality to its scoring value (low=1 .. critical=4).
// Unknown or empty values rank lowest.
func (c Criticality) Rank() int {
	switch c {
	case CriticalityMedium:
		return 2
	case CriticalityHigh:
		return 3
	case CriticalityCritical:
		return 4
	default:
		return 1
	}
}

// Task is a unit of work submitted by a collaborator. The scheduler never
// executes a task's payload; it only arbitrates which worker may hold the
// task's required resources.
type Task struct {
	ID                string      `json:"id"`
	Description       string      `json:"description"`
	RequiredResources []string    `json:"required_resources"`
	Criticality       Criticality `json:"criticality"`
	DependencyCount   int         `json:"dependency_count"`
	Deadline          *time.Time  `json:"deadline,omitempty"`
	BusinessValue     float64     `json:"business_value"`
	Impact            float64     `json:"impact"`
	State             TaskState   `json:"state"`
	Score             float64     `json:"score"`
	OwnerWorkerID     string      `json:"owner_worker_id,omitempty"`
	SubmittedAt       time.Time   `json:"submitted_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Worker is an autonomous actor registered with the scheduler. A worker at
// MaxConcurrentTasks is excluded from matching regardless of capability fit.
type Worker struct {
	ID                 string    `json:"id"`
	CapabilityTags     []string  `json:"capability_tags"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	CurrentLoad        int       `json:"current_load"`
	RegisteredAt       time.Time `json:"registered_at"`
}

// Claim binds one resource key to one worker/task pair for a bounded time.
// At most one live claim exists per resource key at any instant.
type Claim struct {
	ResourceKey   string    `json:"resource_key"`
	OwnerWorkerID string    `json:"owner_worker_id"`
	TaskID        string    `json:"task_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the claim's TTL has elapsed at the given instant.
func (c Claim) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Strategy is the tagged variant selecting how a conflict is resolved.
type Strategy string

const (
	StrategyPriority  Strategy = "priority"
	StrategySerialize Strategy = "serialize"
	StrategyAbort     Strategy = "abort"
)

// Contender is one party in a conflict over a resource key.
type Contender struct {
	WorkerID string  `json:"worker_id"`
	TaskID   string  `json:"task_id"`
	Score    float64 `json:"score"`
}

// ConflictRecord is built during arbitration and discarded once resolved.
// Contenders are ordered: incumbent first, challenger second.
type ConflictRecord struct {
	ResourceKey string      `json:"resource_key"`
	Contenders  []Contender `json:"contenders"`
}

// LoserState is the state a losing contender is moved to.
type LoserState string

const (
	LoserBlocked LoserState = "blocked"
	LoserAborted LoserState = "aborted"
	LoserQueued  LoserState = "queued"
)

// Loser records the fate of a task that did not win arbitration.
type Loser struct {
	TaskID   string     `json:"task_id"`
	WorkerID string     `json:"worker_id"`
	NewState LoserState `json:"new_state"`
}

// ResolutionOutcome is emitted once per resolved conflict and appended to the
// outcome log. Seq is assigned by the feed in append order.
type ResolutionOutcome struct {
	Seq            uint64    `json:"seq"`
	TaskID         string    `json:"task_id"`
	ResourceKey    string    `json:"resource_key"`
	StrategyUsed   Strategy  `json:"strategy_used"`
	WinnerWorkerID string    `json:"winner_worker_id"`
	Losers         []Loser   `json:"losers"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// CycleSummary reports one sync-cycle pass for observability.
type CycleSummary struct {
	Cycle           uint64    `json:"cycle"`
	StartedAt       time.Time `json:"started_at"`
	ClaimsExpired   int       `json:"claims_expired"`
	TasksRescored   int       `json:"tasks_rescored"`
	TasksPromoted   int       `json:"tasks_promoted"`
	OutcomesEmitted int       `json:"outcomes_emitted"`
	Skipped         bool      `json:"skipped"`
}

// Schedule is a recurring submission: a cron expression that creates a fresh
// task each time it fires.
type Schedule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	CronExpr    string      `json:"cron_expr"`
	Description string      `json:"description"`
	Resources   []string    `json:"resources"`
	Criticality Criticality `json:"criticality"`
	Enabled     bool        `json:"enabled"`
	LastRun     *time.Time  `json:"last_run,omitempty"`
	NextRun     time.Time   `json:"next_run"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
