package engine

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/domain"
)

// CycleState is the sync cycle's explicit state machine. Modeling the phase
// as state rather than an implicit goroutine makes the skip-on-overlap rule
// testable in isolation.
type CycleState int32

const (
	CycleIdle CycleState = iota
	CycleScanning
	CycleResolving
)

func (s CycleState) String() string {
	switch s {
	case CycleScanning:
		return "scanning"
	case CycleResolving:
		return "resolving"
	default:
		return "idle"
	}
}

// Cycle is the periodic reconciliation driver: it expires stale claims,
// re-scores waiting tasks, promotes queued waiters, and emits a summary.
type Cycle struct {
	eng      *Engine
	interval time.Duration
	state    atomic.Int32
	count    atomic.Uint64
	lastSeq  atomic.Uint64
	stop     chan struct{}
}

func NewCycle(eng *Engine) *Cycle {
	return &Cycle{eng: eng, interval: eng.cfg.SyncInterval, stop: make(chan struct{})}
}

// State returns the cycle's current phase.
func (c *Cycle) State() CycleState { return CycleState(c.state.Load()) }

// Start runs the ticker loop until the context is cancelled or Stop is
// called.
func (c *Cycle) Start(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	log.Info().Dur("interval", c.interval).Msg("sync cycle started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case now := <-t.C:
			c.RunOnce(now.UTC())
		}
	}
}

func (c *Cycle) Stop() { close(c.stop) }

// RunOnce executes a single cycle. A cycle that is still running when the
// next tick fires is skipped, never overlapped.
func (c *Cycle) RunOnce(now time.Time) domain.CycleSummary {
	n := c.count.Add(1)
	summary := domain.CycleSummary{Cycle: n, StartedAt: now}

	if !c.state.CompareAndSwap(int32(CycleIdle), int32(CycleScanning)) {
		summary.Skipped = true
		log.Warn().Uint64("cycle", n).Str("state", c.State().String()).Msg("sync cycle still running, tick skipped")
		c.eng.feed.AppendCycle(summary)
		return summary
	}
	defer c.state.Store(int32(CycleIdle))

	// Scanning: expire claims whose owners are presumed dead or stuck,
	// then refresh scores so deadline aging is reflected.
	expired := c.eng.expireStale(now)
	summary.ClaimsExpired = len(expired)
	summary.TasksRescored = c.eng.rescoreWaiting(now)

	// Resolving: offer contested keys to their best queued waiter.
	c.state.Store(int32(CycleResolving))
	summary.TasksPromoted = c.eng.promoteAll(now)

	summary.OutcomesEmitted = c.eng.feed.OutcomesSince(c.lastSeq.Load())
	c.lastSeq.Store(c.eng.feed.LastSeq())

	c.eng.feed.AppendCycle(summary)
	c.eng.persistClaims()

	log.Info().
		Uint64("cycle", n).
		Int("claims_expired", summary.ClaimsExpired).
		Int("tasks_rescored", summary.TasksRescored).
		Int("tasks_promoted", summary.TasksPromoted).
		Msg("sync cycle complete")
	return summary
}

// expireStale sweeps the claim table and returns expired claims' tasks to
// Pending. The TTL sweep is the backstop guaranteeing no resource key stays
// orphaned.
func (e *Engine) expireStale(now time.Time) []domain.Claim {
	expired := e.table.ExpireStale(now)
	if len(expired) == 0 {
		return nil
	}

	owners := map[string]string{} // taskID -> worker whose load to drop
	e.mu.Lock()
	for _, c := range expired {
		t, ok := e.tasks[c.TaskID]
		if !ok || t.State.IsTerminal() {
			continue
		}
		if _, done := owners[c.TaskID]; !done {
			owners[c.TaskID] = t.OwnerWorkerID
		}
		t.State = domain.StatePending
		t.OwnerWorkerID = ""
		t.UpdatedAt = now
		log.Info().Str("task_id", c.TaskID).Str("resource", c.ResourceKey).
			Str("worker_id", c.OwnerWorkerID).Msg("stale claim expired")
	}
	e.mu.Unlock()

	for _, owner := range owners {
		if owner != "" {
			e.registry.AddLoad(owner, -1)
		}
	}
	return expired
}

// rescoreWaiting recomputes scores for every Pending and Blocked task so
// that deadline proximity keeps rising as time passes (aging).
func (e *Engine) rescoreWaiting(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.tasks {
		if t.State != domain.StatePending && t.State != domain.StateBlocked && t.State != domain.StateScored {
			continue
		}
		t.Score = e.scorer.Score(*t, now)
		t.UpdatedAt = now
		n++
	}
	return n
}

// promoteAll walks every resource key with queued waiters and attempts to
// promote the highest-scored one.
func (e *Engine) promoteAll(now time.Time) int {
	queues := e.table.QueueSnapshot()
	keys := make([]string, 0, len(queues))
	for key := range queues {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	promoted := 0
	for _, key := range keys {
		promoted += e.promoteKey(key, queues[key], now)
	}
	return promoted
}
