// Package engine wires the scoring engine, worker registry, and claim table
// into the scheduler façade collaborators talk to, and runs the periodic
// sync cycle that keeps the table honest.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"arbiter/internal/claims"
	"arbiter/internal/domain"
	"arbiter/internal/registry"
	"arbiter/internal/score"
)

// Store is the persistence the engine needs: the append-only outcome log and
// the claim-table snapshot. Writes are best-effort; a failing store never
// fails arbitration.
type Store interface {
	AppendOutcome(ctx context.Context, o domain.ResolutionOutcome) error
	SaveClaims(ctx context.Context, cs []domain.Claim) error
}

// Config carries the engine's knobs. Zero values fall back to the defaults
// from the configuration layer.
type Config struct {
	SyncInterval          time.Duration
	ClaimTTL              time.Duration
	TieBreakEpsilon       float64
	MaxRetriesBeforeAbort int
	DeadlineHorizon       time.Duration
}

// ClaimDecision is what a worker gets back from a claim attempt: either a
// grant with the acquired claims, or the conflict that stopped it. It never
// blocks; retry is driven by the sync cycle.
type ClaimDecision struct {
	Granted  bool                       `json:"granted"`
	Claims   []domain.Claim             `json:"claims,omitempty"`
	Conflict *domain.ConflictRecord     `json:"conflict,omitempty"`
	Strategy domain.Strategy            `json:"strategy,omitempty"`
	Outcomes []domain.ResolutionOutcome `json:"outcomes,omitempty"`
}

// Engine owns all task state. Tasks are mutated only here; the claim table
// and registry are internal and reached exclusively through engine methods.
type Engine struct {
	cfg      Config
	scorer   *score.Engine
	registry *registry.Registry
	table    *claims.Table
	feed     *Feed
	store    Store

	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

func New(cfg Config, store Store) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 4 * cfg.SyncInterval
	}
	return &Engine{
		cfg:      cfg,
		scorer:   score.New(cfg.DeadlineHorizon),
		registry: registry.New(),
		table: claims.NewTable(claims.Config{
			ClaimTTL:              cfg.ClaimTTL,
			TieBreakEpsilon:       cfg.TieBreakEpsilon,
			MaxRetriesBeforeAbort: cfg.MaxRetriesBeforeAbort,
		}),
		feed:  NewFeed(),
		store: store,
		tasks: make(map[string]*domain.Task),
	}
}

// SubmitTask validates and admits a task, scoring it immediately.
// Malformed tasks are rejected with a ValidationError and never enter the
// claim table.
func (e *Engine) SubmitTask(t domain.Task) (string, error) {
	if len(t.RequiredResources) == 0 {
		return "", &domain.ValidationError{Field: "required_resources", Reason: "must not be empty"}
	}
	seen := map[string]bool{}
	for _, r := range t.RequiredResources {
		if r == "" {
			return "", &domain.ValidationError{Field: "required_resources", Reason: "contains empty key"}
		}
		if seen[r] {
			return "", &domain.ValidationError{Field: "required_resources", Reason: "contains duplicate key " + r}
		}
		seen[r] = true
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Criticality == "" {
		t.Criticality = domain.CriticalityLow
	}

	now := time.Now().UTC()
	t.SubmittedAt = now
	t.UpdatedAt = now
	t.Score = e.scorer.Score(t, now)
	t.State = domain.StateScored

	e.mu.Lock()
	if _, dup := e.tasks[t.ID]; dup {
		e.mu.Unlock()
		return "", &domain.ValidationError{Field: "id", Reason: "already exists: " + t.ID}
	}
	e.tasks[t.ID] = &t
	e.mu.Unlock()

	log.Debug().Str("task_id", t.ID).Float64("score", t.Score).Msg("task submitted")
	return t.ID, nil
}

// Task returns a copy of the task.
func (e *Engine) Task(id string) (domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return domain.Task{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return *t, nil
}

// Tasks returns copies of all tasks ordered by submission time.
func (e *Engine) Tasks() []domain.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// RegisterWorker adds a worker to the registry.
func (e *Engine) RegisterWorker(w domain.Worker) string {
	id := e.registry.Register(w)
	log.Info().Str("worker_id", id).Int("max_concurrent", w.MaxConcurrentTasks).Msg("worker registered")
	return id
}

// DeregisterWorker removes a worker, releases every claim it owned, and
// returns its tasks to Pending for the next cycle to re-arbitrate.
func (e *Engine) DeregisterWorker(id string) error {
	if !e.registry.Deregister(id) {
		return &domain.WorkerNotFoundError{WorkerID: id}
	}
	orphaned := e.table.ReleaseOwner(id)
	// Queued attempts naming the dead worker can never be promoted; their
	// tasks go back to Pending alongside the claim holders.
	stranded := e.table.PurgeWaitersByWorker(id)
	now := time.Now().UTC()
	e.mu.Lock()
	for _, taskID := range append(orphaned, stranded...) {
		if t, ok := e.tasks[taskID]; ok && !t.State.IsTerminal() {
			t.State = domain.StatePending
			t.OwnerWorkerID = ""
			t.UpdatedAt = now
		}
	}
	e.mu.Unlock()
	log.Info().Str("worker_id", id).Int("tasks_returned", len(orphaned)).
		Int("waiters_purged", len(stranded)).Msg("worker deregistered")
	e.persistClaims()
	return nil
}

// Workers lists registered workers with their current load.
func (e *Engine) Workers() []domain.Worker { return e.registry.List() }

// MatchWorkers returns the eligible workers for a task, best first.
func (e *Engine) MatchWorkers(taskID string) ([]domain.Worker, error) {
	t, err := e.Task(taskID)
	if err != nil {
		return nil, err
	}
	eligible := e.registry.Match(t)
	if len(eligible) == 0 {
		return nil, &domain.WorkerUnavailableError{TaskID: taskID}
	}
	return eligible, nil
}

// AttemptClaim tries to acquire every resource the task requires on behalf
// of the worker. All-or-nothing and non-blocking: the result is either a
// grant or the structured conflict that stopped it. An AbortedAfterRetryLimit
// error is terminal and surfaced to the caller.
func (e *Engine) AttemptClaim(workerID, taskID string) (ClaimDecision, error) {
	if _, err := e.registry.HasCapacity(workerID); err != nil {
		return ClaimDecision{}, err
	}

	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ClaimDecision{}, &domain.TaskNotFoundError{TaskID: taskID}
	}
	if t.State.IsTerminal() {
		state := t.State
		e.mu.Unlock()
		return ClaimDecision{}, &domain.TaskTerminalError{TaskID: taskID, State: state}
	}
	t.State = domain.StateClaiming
	t.UpdatedAt = time.Now().UTC()
	task := *t
	e.mu.Unlock()

	return e.arbitrate(task, workerID, time.Now().UTC())
}

// arbitrate runs one claim attempt through the table and applies the result
// to task state, worker load, the feed, and the store. Callers must not hold
// e.mu: the table calls back into the engine for scores and cancellation.
func (e *Engine) arbitrate(task domain.Task, workerID string, now time.Time) (ClaimDecision, error) {
	res := e.table.AttemptClaim(claims.Request{
		TaskID:         task.ID,
		WorkerID:       workerID,
		Resources:      task.RequiredResources,
		Score:          task.Score,
		Now:            now,
		Cancelled:      func() bool { return e.stateOf(task.ID).IsTerminal() },
		IncumbentScore: e.scoreOf,
	})

	if res.CancelledEarly {
		return ClaimDecision{}, &domain.TaskTerminalError{TaskID: task.ID, State: e.stateOf(task.ID)}
	}

	dec := ClaimDecision{Granted: res.Granted, Claims: res.Claims}
	for _, r := range res.Resolutions {
		o := e.feed.AppendOutcome(domain.ResolutionOutcome{
			TaskID:         task.ID,
			ResourceKey:    r.Record.ResourceKey,
			StrategyUsed:   r.Strategy,
			WinnerWorkerID: r.WinnerWorkerID,
			Losers:         r.Losers,
			ResolvedAt:     now,
		})
		dec.Outcomes = append(dec.Outcomes, o)
		if dec.Conflict == nil {
			rec := r.Record
			dec.Conflict = &rec
			dec.Strategy = r.Strategy
		}
		e.persistOutcome(o)
	}

	if res.Granted {
		e.applyGrant(task.ID, workerID, res.EvictedTaskIDs, res.Regranted, now)
		e.persistClaims()
		return dec, nil
	}

	if res.Aborted != nil {
		e.setState(task.ID, domain.StateAborted, "")
		log.Warn().Str("task_id", task.ID).Str("resource", res.Aborted.ResourceKey).
			Msg("task aborted after retry limit")
		return dec, res.Aborted
	}

	// Lost or serialized: blocked until the cycle retries it.
	e.setState(task.ID, domain.StateBlocked, "")
	log.Debug().Str("task_id", task.ID).Str("strategy", string(dec.Strategy)).Msg("claim attempt lost")
	return dec, nil
}

func (e *Engine) applyGrant(taskID, workerID string, evicted []string, regrant bool, now time.Time) {
	prevOwner := ""
	e.mu.Lock()
	if t, ok := e.tasks[taskID]; ok {
		prevOwner = t.OwnerWorkerID
		t.State = domain.StateClaimed
		t.OwnerWorkerID = workerID
		t.UpdatedAt = now
	}
	var evictedOwners []string
	for _, id := range evicted {
		if t, ok := e.tasks[id]; ok && !t.State.IsTerminal() {
			if t.OwnerWorkerID != "" {
				evictedOwners = append(evictedOwners, t.OwnerWorkerID)
			}
			t.State = domain.StateBlocked
			t.OwnerWorkerID = ""
			t.UpdatedAt = now
		}
	}
	e.mu.Unlock()

	// A re-grant only refreshed claims the task already held; counting it
	// again would inflate the worker's load forever. If ownership moved to
	// another worker, the load moves with it.
	switch {
	case !regrant:
		e.registry.AddLoad(workerID, 1)
	case prevOwner != workerID:
		e.registry.AddLoad(workerID, 1)
		if prevOwner != "" {
			e.registry.AddLoad(prevOwner, -1)
		}
	}
	for _, owner := range evictedOwners {
		e.registry.AddLoad(owner, -1)
	}
}

// Start moves a claimed task to InProgress. The transition is allowed only
// while the task holds live claims on every required resource.
func (e *Engine) Start(taskID string) error {
	t, err := e.Task(taskID)
	if err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return &domain.TaskTerminalError{TaskID: taskID, State: t.State}
	}
	if !e.table.HoldsAll(taskID, t.RequiredResources, time.Now().UTC()) {
		return &domain.ValidationError{Field: "state", Reason: "task does not hold all required claims"}
	}
	e.setState(taskID, domain.StateInProgress, t.OwnerWorkerID)
	return nil
}

// Complete finishes a task, releases its claims, and immediately offers the
// freed resources to queued waiters rather than making them wait for the
// next cycle.
func (e *Engine) Complete(taskID string) error {
	t, err := e.Task(taskID)
	if err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return &domain.TaskTerminalError{TaskID: taskID, State: t.State}
	}
	freed := e.table.Release(taskID)
	e.setState(taskID, domain.StateCompleted, "")
	if t.OwnerWorkerID != "" {
		e.registry.AddLoad(t.OwnerWorkerID, -1)
	}
	log.Info().Str("task_id", taskID).Int("resources_freed", len(freed)).Msg("task completed")
	e.promoteWaiters(freed, time.Now().UTC())
	e.persistClaims()
	return nil
}

// Cancel aborts a task at any state before Completed, releasing whatever it
// holds. In-flight claim attempts observe the terminal state before they
// commit.
func (e *Engine) Cancel(taskID string) error {
	t, err := e.Task(taskID)
	if err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return &domain.TaskTerminalError{TaskID: taskID, State: t.State}
	}
	freed := e.table.Release(taskID)
	e.setState(taskID, domain.StateAborted, "")
	if t.OwnerWorkerID != "" {
		e.registry.AddLoad(t.OwnerWorkerID, -1)
	}
	log.Info().Str("task_id", taskID).Msg("task cancelled")
	e.promoteWaiters(freed, time.Now().UTC())
	e.persistClaims()
	return nil
}

// Claims returns an eventually-consistent snapshot of the claim table.
func (e *Engine) Claims() []domain.Claim { return e.table.Snapshot() }

// RestoreClaims loads a persisted claim snapshot at startup.
func (e *Engine) RestoreClaims(cs []domain.Claim) { e.table.Restore(cs) }

// Events returns up to limit feed events after the given sequence number.
func (e *Engine) Events(after uint64, limit int) []Event { return e.feed.After(after, limit) }

// Subscribe attaches a live consumer to the outcome feed.
func (e *Engine) Subscribe() (<-chan Event, func()) { return e.feed.Subscribe() }

// promoteWaiters retries queued waiters for freed keys, highest current
// score first. Losers stay queued for the next pass.
func (e *Engine) promoteWaiters(freedKeys []string, now time.Time) int {
	promoted := 0
	queues := e.table.QueueSnapshot()
	for _, key := range freedKeys {
		promoted += e.promoteKey(key, queues[key], now)
	}
	return promoted
}

func (e *Engine) promoteKey(key string, waiters []claims.Waiter, now time.Time) int {
	if len(waiters) == 0 {
		return 0
	}
	// Highest score wins promotion; FIFO order breaks ties via stable sort.
	sort.SliceStable(waiters, func(i, j int) bool {
		return e.scoreOf(waiters[i].TaskID) > e.scoreOf(waiters[j].TaskID)
	})
	for _, w := range waiters {
		e.mu.RLock()
		t, ok := e.tasks[w.TaskID]
		var task domain.Task
		if ok {
			task = *t
		}
		e.mu.RUnlock()
		if !ok || task.State.IsTerminal() {
			e.table.RemoveWaiter(key, w.TaskID)
			continue
		}
		if ok, _ := e.registry.HasCapacity(w.WorkerID); !ok {
			continue
		}
		dec, err := e.arbitrate(task, w.WorkerID, now)
		if err != nil {
			continue
		}
		if dec.Granted {
			return 1
		}
	}
	return 0
}

func (e *Engine) stateOf(taskID string) domain.TaskState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tasks[taskID]; ok {
		return t.State
	}
	return domain.StateAborted
}

func (e *Engine) scoreOf(taskID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tasks[taskID]; ok {
		return t.Score
	}
	return 0
}

func (e *Engine) setState(taskID string, s domain.TaskState, owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[taskID]; ok {
		t.State = s
		t.OwnerWorkerID = owner
		t.UpdatedAt = time.Now().UTC()
	}
}

func (e *Engine) persistOutcome(o domain.ResolutionOutcome) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.AppendOutcome(ctx, o); err != nil {
		log.Error().Err(err).Uint64("seq", o.Seq).Msg("persist outcome")
	}
}

func (e *Engine) persistClaims() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.SaveClaims(ctx, e.table.Snapshot()); err != nil {
		log.Error().Err(err).Msg("persist claim snapshot")
	}
}
