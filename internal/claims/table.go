// Package claims holds the claim table, the single shared structure recording
// which worker currently owns which resource, and the conflict resolution
// engine that arbitrates overlapping claim attempts.
//
// All mutations run under one exclusive lock spanning the whole table, not
// per key: a multi-resource acquisition must never be observed half-applied.
// Nothing inside the critical section does I/O.
package claims

import (
	"sort"
	"sync"
	"time"

	"arbiter/internal/domain"
)

// Config carries the arbitration knobs.
type Config struct {
	ClaimTTL              time.Duration
	TieBreakEpsilon       float64
	MaxRetriesBeforeAbort int
}

// Waiter is a serialized task queued behind a resource key, retried in FIFO
// order once the key frees up.
type Waiter struct {
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Request is one claim attempt: a task, the worker acting for it, and the
// context the table needs to arbitrate without reaching back into the engine.
type Request struct {
	TaskID    string
	WorkerID  string
	Resources []string
	Score     float64
	Now       time.Time

	// Cancelled is checked under the lock before committing; a cancelled
	// task never acquires claims.
	Cancelled func() bool

	// IncumbentScore returns the current priority score of a task holding
	// a contended claim.
	IncumbentScore func(taskID string) float64
}

// Result reports a claim attempt. A lost or aborted attempt carries only
// Resolutions; a grant carries Claims, plus Resolutions and EvictedTaskIDs
// when it won by priority over live incumbents. CancelledEarly means nothing
// was mutated. Regranted marks a grant for a task that already held claims,
// so the attempt only refreshed them.
type Result struct {
	Granted        bool
	Regranted      bool
	Claims         []domain.Claim
	EvictedTaskIDs []string
	Resolutions    []Resolution
	Aborted        *domain.AbortedAfterRetryLimitError
	CancelledEarly bool
}

// Table is the claim table. Safe for concurrent use; every mutating method
// takes the single table-wide lock.
type Table struct {
	mu  sync.Mutex
	cfg Config

	// claims maps resourceKey to its live claim; byTask indexes held keys
	// per task; queues holds FIFO waiters per key; retries counts losses
	// per task per key.
	claims  map[string]domain.Claim
	byTask  map[string]map[string]bool
	queues  map[string][]Waiter
	retries map[string]map[string]int
}

func NewTable(cfg Config) *Table {
	if cfg.TieBreakEpsilon <= 0 {
		cfg.TieBreakEpsilon = 0.1
	}
	if cfg.MaxRetriesBeforeAbort <= 0 {
		cfg.MaxRetriesBeforeAbort = 3
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	return &Table{
		cfg:     cfg,
		claims:  make(map[string]domain.Claim),
		byTask:  make(map[string]map[string]bool),
		queues:  make(map[string][]Waiter),
		retries: make(map[string]map[string]int),
	}
}

// AttemptClaim tries to acquire every resource in the request, all or
// nothing, and never blocks. A contended attempt returns immediately with
// the resolutions applied; retries are the caller's responsibility, driven
// by the sync cycle.
func (t *Table) AttemptClaim(req Request) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.Cancelled != nil && req.Cancelled() {
		return Result{CancelledEarly: true}
	}

	keys := append([]string(nil), req.Resources...)
	sort.Strings(keys)

	// A task that already holds claims is only refreshing them; the caller
	// must not count the attempt as a new acquisition.
	regrant := len(t.byTask[req.TaskID]) > 0

	// Decision pass: nothing is mutated until the whole attempt is known
	// to win or lose, which is what makes acquisition all-or-nothing.
	var contended []domain.Claim
	for _, key := range keys {
		c, ok := t.claims[key]
		if !ok || c.Expired(req.Now) || c.TaskID == req.TaskID {
			continue
		}
		contended = append(contended, c)
	}

	if len(contended) == 0 {
		return Result{Granted: true, Regranted: regrant, Claims: t.grantLocked(req, keys)}
	}

	// Arbitrate each contended key. The challenger must win every one
	// outright to take the set; a single serialize or loss fails the
	// whole attempt, and an exhausted retry budget aborts it.
	type verdict struct {
		claim    domain.Claim
		strategy domain.Strategy
		delta    float64
	}
	verdicts := make([]verdict, 0, len(contended))
	worst := domain.StrategyPriority
	challengerWinsAll := true
	for _, c := range contended {
		incumbent := 0.0
		if req.IncumbentScore != nil {
			incumbent = req.IncumbentScore(c.TaskID)
		}
		delta := req.Score - incumbent
		s := Decide(delta, t.retryCountLocked(req.TaskID, c.ResourceKey), t.cfg.MaxRetriesBeforeAbort, t.cfg.TieBreakEpsilon)
		verdicts = append(verdicts, verdict{claim: c, strategy: s, delta: delta})
		if s == domain.StrategyAbort {
			worst = domain.StrategyAbort
		} else if s == domain.StrategySerialize && worst != domain.StrategyAbort {
			worst = domain.StrategySerialize
		}
		if s != domain.StrategyPriority || delta <= 0 {
			challengerWinsAll = false
		}
	}

	res := Result{}

	if worst == domain.StrategyAbort {
		// Livelock breaker: surface the abort, drop the task's queue
		// entries so it is not retried a further time.
		first := verdicts[0]
		for _, v := range verdicts {
			if v.strategy == domain.StrategyAbort {
				first = v
				break
			}
		}
		t.purgeWaiterLocked(req.TaskID)
		delete(t.retries, req.TaskID)
		res.Aborted = &domain.AbortedAfterRetryLimitError{
			TaskID:      req.TaskID,
			ResourceKey: first.claim.ResourceKey,
			Retries:     t.cfg.MaxRetriesBeforeAbort,
		}
		res.Resolutions = append(res.Resolutions, Resolution{
			Record:         t.recordFor(first.claim, req),
			Strategy:       domain.StrategyAbort,
			WinnerTaskID:   first.claim.TaskID,
			WinnerWorkerID: first.claim.OwnerWorkerID,
			Losers: []domain.Loser{{
				TaskID: req.TaskID, WorkerID: req.WorkerID, NewState: domain.LoserAborted,
			}},
		})
		return res
	}

	if challengerWinsAll {
		// Priority win: every losing incumbent forfeits its entire claim
		// set, since holding the remainder would break all-or-nothing.
		evicted := map[string]domain.Claim{}
		for _, v := range verdicts {
			if _, seen := evicted[v.claim.TaskID]; !seen {
				evicted[v.claim.TaskID] = v.claim
				t.releaseTaskLocked(v.claim.TaskID)
				t.enqueueWaiterLocked(v.claim.ResourceKey, Waiter{
					TaskID: v.claim.TaskID, WorkerID: v.claim.OwnerWorkerID, EnqueuedAt: req.Now,
				})
				res.EvictedTaskIDs = append(res.EvictedTaskIDs, v.claim.TaskID)
			}
			res.Resolutions = append(res.Resolutions, Resolution{
				Record:         t.recordFor(v.claim, req),
				Strategy:       domain.StrategyPriority,
				WinnerTaskID:   req.TaskID,
				WinnerWorkerID: req.WorkerID,
				Losers: []domain.Loser{{
					TaskID: v.claim.TaskID, WorkerID: v.claim.OwnerWorkerID, NewState: domain.LoserBlocked,
				}},
			})
		}
		res.Granted = true
		res.Regranted = regrant
		res.Claims = t.grantLocked(req, keys)
		return res
	}

	// Challenger lost: serialize behind the first failing key, count the
	// loss there, and leave every incumbent untouched.
	var failing verdict
	for _, v := range verdicts {
		if v.strategy == domain.StrategySerialize || v.delta <= 0 {
			failing = v
			break
		}
	}
	t.bumpRetryLocked(req.TaskID, failing.claim.ResourceKey)
	t.enqueueWaiterLocked(failing.claim.ResourceKey, Waiter{
		TaskID: req.TaskID, WorkerID: req.WorkerID, EnqueuedAt: req.Now,
	})
	loserState := domain.LoserQueued
	strategy := domain.StrategySerialize
	if failing.strategy == domain.StrategyPriority {
		// Incumbent won outright on score.
		loserState = domain.LoserBlocked
		strategy = domain.StrategyPriority
	}
	res.Resolutions = append(res.Resolutions, Resolution{
		Record:         t.recordFor(failing.claim, req),
		Strategy:       strategy,
		WinnerTaskID:   failing.claim.TaskID,
		WinnerWorkerID: failing.claim.OwnerWorkerID,
		Losers: []domain.Loser{{
			TaskID: req.TaskID, WorkerID: req.WorkerID, NewState: loserState,
		}},
	})
	return res
}

// Release frees every claim held by the task and purges its waiter entries.
// Returns the freed resource keys so the engine can promote waiters.
func (t *Table) Release(taskID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	freed := t.releaseTaskLocked(taskID)
	t.purgeWaiterLocked(taskID)
	delete(t.retries, taskID)
	return freed
}

// ReleaseOwner frees every claim owned by the worker (deregistration path)
// and returns the task IDs that lost claims, so they can go back to Pending.
func (t *Table) ReleaseOwner(workerID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var tasks []string
	for key, c := range t.claims {
		if c.OwnerWorkerID != workerID {
			continue
		}
		delete(t.claims, key)
		if held := t.byTask[c.TaskID]; held != nil {
			delete(held, key)
			if len(held) == 0 {
				delete(t.byTask, c.TaskID)
			}
		}
		if !seen[c.TaskID] {
			seen[c.TaskID] = true
			tasks = append(tasks, c.TaskID)
		}
	}
	sort.Strings(tasks)
	return tasks
}

// ExpireStale removes every claim past its TTL and returns them. Owners are
// presumed dead or stuck.
func (t *Table) ExpireStale(now time.Time) []domain.Claim {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []domain.Claim
	for key, c := range t.claims {
		if !c.Expired(now) {
			continue
		}
		expired = append(expired, c)
		delete(t.claims, key)
		if held := t.byTask[c.TaskID]; held != nil {
			delete(held, key)
			if len(held) == 0 {
				delete(t.byTask, c.TaskID)
			}
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ResourceKey < expired[j].ResourceKey })
	return expired
}

// HoldsAll reports whether the task currently holds a live claim on every
// listed resource. Gate for the Claimed -> InProgress transition.
func (t *Table) HoldsAll(taskID string, resources []string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range resources {
		c, ok := t.claims[key]
		if !ok || c.TaskID != taskID || c.Expired(now) {
			return false
		}
	}
	return len(resources) > 0
}

// Snapshot returns a copy of all live claims, ordered by resource key.
// Read-only callers use this instead of holding the exclusive lock.
func (t *Table) Snapshot() []domain.Claim {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Claim, 0, len(t.claims))
	for _, c := range t.claims {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out
}

// Restore loads a persisted snapshot, replacing the current table. Used once
// at startup to resume arbitration without losing in-flight ownership.
func (t *Table) Restore(claims []domain.Claim) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claims = make(map[string]domain.Claim, len(claims))
	t.byTask = make(map[string]map[string]bool)
	for _, c := range claims {
		t.claims[c.ResourceKey] = c
		if t.byTask[c.TaskID] == nil {
			t.byTask[c.TaskID] = make(map[string]bool)
		}
		t.byTask[c.TaskID][c.ResourceKey] = true
	}
}

// QueueSnapshot returns a copy of the waiter queues for keys that have any.
func (t *Table) QueueSnapshot() map[string][]Waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]Waiter, len(t.queues))
	for key, q := range t.queues {
		if len(q) == 0 {
			continue
		}
		out[key] = append([]Waiter(nil), q...)
	}
	return out
}

// RemoveWaiter drops one queued entry, used when a waiter is promoted or its
// task reaches a terminal state.
func (t *Table) RemoveWaiter(key, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[key]
	for i, w := range q {
		if w.TaskID == taskID {
			t.queues[key] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// PurgeWaitersByWorker drops every queued entry naming the worker
// (deregistration path) and returns the affected task IDs, sorted, so their
// tasks can go back to Pending instead of waiting behind a dead worker.
func (t *Table) PurgeWaitersByWorker(workerID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var tasks []string
	for key, q := range t.queues {
		kept := q[:0]
		for _, w := range q {
			if w.WorkerID != workerID {
				kept = append(kept, w)
				continue
			}
			if !seen[w.TaskID] {
				seen[w.TaskID] = true
				tasks = append(tasks, w.TaskID)
			}
		}
		if len(kept) == 0 {
			delete(t.queues, key)
		} else {
			t.queues[key] = kept
		}
	}
	sort.Strings(tasks)
	return tasks
}

// RetryCount returns the number of losses the task has taken on the key.
func (t *Table) RetryCount(taskID, key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCountLocked(taskID, key)
}

func (t *Table) grantLocked(req Request, keys []string) []domain.Claim {
	granted := make([]domain.Claim, 0, len(keys))
	for _, key := range keys {
		c := domain.Claim{
			ResourceKey:   key,
			OwnerWorkerID: req.WorkerID,
			TaskID:        req.TaskID,
			AcquiredAt:    req.Now,
			ExpiresAt:     req.Now.Add(t.cfg.ClaimTTL),
		}
		t.claims[key] = c
		if t.byTask[req.TaskID] == nil {
			t.byTask[req.TaskID] = make(map[string]bool)
		}
		t.byTask[req.TaskID][key] = true
		granted = append(granted, c)
	}
	delete(t.retries, req.TaskID)
	t.purgeWaiterLocked(req.TaskID)
	return granted
}

func (t *Table) releaseTaskLocked(taskID string) []string {
	held := t.byTask[taskID]
	if len(held) == 0 {
		return nil
	}
	freed := make([]string, 0, len(held))
	for key := range held {
		delete(t.claims, key)
		freed = append(freed, key)
	}
	delete(t.byTask, taskID)
	sort.Strings(freed)
	return freed
}

func (t *Table) enqueueWaiterLocked(key string, w Waiter) {
	for _, q := range t.queues[key] {
		if q.TaskID == w.TaskID {
			return
		}
	}
	t.queues[key] = append(t.queues[key], w)
}

func (t *Table) purgeWaiterLocked(taskID string) {
	for key, q := range t.queues {
		kept := q[:0]
		for _, w := range q {
			if w.TaskID != taskID {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(t.queues, key)
		} else {
			t.queues[key] = kept
		}
	}
}

func (t *Table) retryCountLocked(taskID, key string) int {
	if m := t.retries[taskID]; m != nil {
		return m[key]
	}
	return 0
}

func (t *Table) bumpRetryLocked(taskID, key string) {
	if t.retries[taskID] == nil {
		t.retries[taskID] = make(map[string]int)
	}
	t.retries[taskID][key]++
}

func (t *Table) recordFor(incumbent domain.Claim, req Request) domain.ConflictRecord {
	incScore := 0.0
	if req.IncumbentScore != nil {
		incScore = req.IncumbentScore(incumbent.TaskID)
	}
	return domain.ConflictRecord{
		ResourceKey: incumbent.ResourceKey,
		Contenders: []domain.Contender{
			{WorkerID: incumbent.OwnerWorkerID, TaskID: incumbent.TaskID, Score: incScore},
			{WorkerID: req.WorkerID, TaskID: req.TaskID, Score: req.Score},
		},
	}
}
