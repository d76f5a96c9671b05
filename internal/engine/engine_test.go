package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/domain"
	"arbiter/internal/engine"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(engine.Config{
		SyncInterval:          time.Minute,
		ClaimTTL:              time.Minute,
		TieBreakEpsilon:       0.1,
		MaxRetriesBeforeAbort: 3,
	}, nil)
}

// lowTask scores ~1.1, highTask ~6.7; far enough apart that every conflict
// between them resolves on priority.
func lowTask(id string, resources ...string) domain.Task {
	return domain.Task{ID: id, RequiredResources: resources, Criticality: domain.CriticalityLow}
}

func highTask(id string, resources ...string) domain.Task {
	return domain.Task{
		ID:                id,
		RequiredResources: resources,
		Criticality:       domain.CriticalityCritical,
		BusinessValue:     1,
		Impact:            1,
	}
}

func TestSubmitTask_Validation(t *testing.T) {
	eng := newEngine(t)

	var validation *domain.ValidationError

	_, err := eng.SubmitTask(domain.Task{})
	require.ErrorAs(t, err, &validation)

	_, err = eng.SubmitTask(domain.Task{RequiredResources: []string{"a", ""}})
	require.ErrorAs(t, err, &validation)

	_, err = eng.SubmitTask(domain.Task{RequiredResources: []string{"a", "a"}})
	require.ErrorAs(t, err, &validation)

	_, err = eng.SubmitTask(lowTask("dup", "a"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(lowTask("dup", "b"))
	require.ErrorAs(t, err, &validation)
}

func TestSubmitTask_ScoresImmediately(t *testing.T) {
	eng := newEngine(t)
	id, err := eng.SubmitTask(highTask("", "a"))
	require.NoError(t, err)
	require.Contains(t, id, "tsk_")

	task, err := eng.Task(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScored, task.State)
	assert.Greater(t, task.Score, 0.0)
}

func TestAttemptClaim_GrantTracksLoad(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 1})
	_, err := eng.SubmitTask(lowTask("t1", "a"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	task, _ := eng.Task("t1")
	assert.Equal(t, domain.StateClaimed, task.State)
	assert.Equal(t, "w1", task.OwnerWorkerID)

	workers := eng.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, 1, workers[0].CurrentLoad)

	// Capacity is the backpressure: the saturated worker is refused.
	_, err = eng.SubmitTask(lowTask("t2", "b"))
	require.NoError(t, err)
	_, err = eng.AttemptClaim("w1", "t2")
	var saturated *domain.WorkerSaturatedError
	require.ErrorAs(t, err, &saturated)
}

func TestAttemptClaim_RepeatDoesNotInflateLoad(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	_, err := eng.SubmitTask(lowTask("t1", "a"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	// A retried claim for a task the worker already holds is a no-op
	// refresh, not a second acquisition.
	dec, err = eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)
	assert.Equal(t, 1, eng.Workers()[0].CurrentLoad)

	require.NoError(t, eng.Complete("t1"))
	assert.Equal(t, 0, eng.Workers()[0].CurrentLoad)
}

// TestPriorityConflict_WinnerTakesLoserBlockedThenPromoted covers the central
// arbitration scenario: the higher-scored task takes the resource, the loser
// is blocked, and once the winner releases, the loser is retried and granted.
func TestPriorityConflict_WinnerTakesLoserBlockedThenPromoted(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})

	_, err := eng.SubmitTask(lowTask("low", "shared"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(highTask("high", "shared"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "low")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	dec, err = eng.AttemptClaim("w2", "high")
	require.NoError(t, err)
	require.True(t, dec.Granted, "higher score must win outright")

	lowT, _ := eng.Task("low")
	assert.Equal(t, domain.StateBlocked, lowT.State)
	assert.Empty(t, lowT.OwnerWorkerID)

	// One resolution outcome on the feed, priority strategy.
	events := eng.Events(0, 10)
	require.NotEmpty(t, events)
	require.NotNil(t, events[0].Outcome)
	assert.Equal(t, domain.StrategyPriority, events[0].Outcome.StrategyUsed)
	assert.Equal(t, "w2", events[0].Outcome.WinnerWorkerID)

	// Winner releases; the blocked loser is retried and granted.
	require.NoError(t, eng.Complete("high"))

	lowT, _ = eng.Task("low")
	assert.Equal(t, domain.StateClaimed, lowT.State)
	assert.Equal(t, "w1", lowT.OwnerWorkerID)
}

func TestSerializeConflict_WithinEpsilon(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})

	// Identical attributes, identical scores: inside the tie band.
	_, err := eng.SubmitTask(lowTask("first", "shared"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(lowTask("second", "shared"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "first")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	dec, err = eng.AttemptClaim("w2", "second")
	require.NoError(t, err)
	require.False(t, dec.Granted)
	assert.Equal(t, domain.StrategySerialize, dec.Strategy)
	require.NotNil(t, dec.Conflict)
	assert.Equal(t, "shared", dec.Conflict.ResourceKey)
	require.Len(t, dec.Conflict.Contenders, 2)

	second, _ := eng.Task("second")
	assert.Equal(t, domain.StateBlocked, second.State)

	// FIFO guarantee: released resource goes to the queued waiter.
	require.NoError(t, eng.Complete("first"))
	second, _ = eng.Task("second")
	assert.Equal(t, domain.StateClaimed, second.State)
}

func TestAbortSurfacedAfterRetryLimit(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})

	_, err := eng.SubmitTask(highTask("holder", "shared"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(lowTask("loser", "shared"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "holder")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	for i := 0; i < 3; i++ {
		dec, err = eng.AttemptClaim("w2", "loser")
		require.NoError(t, err, "retry %d is absorbed, not surfaced", i+1)
		require.False(t, dec.Granted)
	}

	_, err = eng.AttemptClaim("w2", "loser")
	var aborted *domain.AbortedAfterRetryLimitError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "loser", aborted.TaskID)

	task, _ := eng.Task("loser")
	assert.Equal(t, domain.StateAborted, task.State)
}

func TestCancel_ReleasesClaims(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 1})
	_, err := eng.SubmitTask(lowTask("t1", "a", "b"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	require.NoError(t, eng.Cancel("t1"))
	task, _ := eng.Task("t1")
	assert.Equal(t, domain.StateAborted, task.State)
	assert.Empty(t, eng.Claims())
	assert.Equal(t, 0, eng.Workers()[0].CurrentLoad)

	// Terminal states refuse further transitions.
	require.Error(t, eng.Cancel("t1"))
	require.Error(t, eng.Complete("t1"))
	_, err = eng.AttemptClaim("w1", "t1")
	var terminal *domain.TaskTerminalError
	require.ErrorAs(t, err, &terminal)
}

func TestStart_RequiresFullClaimSet(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 1})
	_, err := eng.SubmitTask(lowTask("t1", "a", "b"))
	require.NoError(t, err)

	require.Error(t, eng.Start("t1"), "no claims held yet")

	dec, err := eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	require.NoError(t, eng.Start("t1"))
	task, _ := eng.Task("t1")
	assert.Equal(t, domain.StateInProgress, task.State)
}

func TestDeregisterWorker_ReturnsTasksToPending(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	_, err := eng.SubmitTask(lowTask("t1", "a"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "t1")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	require.NoError(t, eng.DeregisterWorker("w1"))
	assert.Empty(t, eng.Claims())
	task, _ := eng.Task("t1")
	assert.Equal(t, domain.StatePending, task.State)
	assert.Empty(t, task.OwnerWorkerID)

	require.Error(t, eng.DeregisterWorker("w1"))
}

func TestDeregisterWorker_PurgesQueuedWaiters(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})

	_, err := eng.SubmitTask(lowTask("holder", "shared"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(lowTask("waiter", "shared"))
	require.NoError(t, err)

	dec, err := eng.AttemptClaim("w1", "holder")
	require.NoError(t, err)
	require.True(t, dec.Granted)

	// Equal scores serialize: waiter queues behind the key on w2's behalf.
	dec, err = eng.AttemptClaim("w2", "waiter")
	require.NoError(t, err)
	require.False(t, dec.Granted)

	require.NoError(t, eng.DeregisterWorker("w2"))

	// The queued attempt dies with its worker; the task goes back to
	// Pending instead of staying Blocked behind an entry nothing can grant.
	task, _ := eng.Task("waiter")
	assert.Equal(t, domain.StatePending, task.State)

	require.NoError(t, eng.Complete("holder"))
	summary := engine.NewCycle(eng).RunOnce(time.Now().UTC())
	assert.Zero(t, summary.TasksPromoted)

	task, _ = eng.Task("waiter")
	assert.Equal(t, domain.StatePending, task.State, "no dead-worker entry may hold the task blocked")
}

func TestMatchWorkers(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.SubmitTask(lowTask("t1", "docs/readme.md"))
	require.NoError(t, err)

	_, err = eng.MatchWorkers("t1")
	var unavailable *domain.WorkerUnavailableError
	require.ErrorAs(t, err, &unavailable, "no workers registered yet")

	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"docs/"}, MaxConcurrentTasks: 1})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"src/"}, MaxConcurrentTasks: 1})

	got, err := eng.MatchWorkers("t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].ID)
}

func TestSubscribe_ReceivesOutcomes(t *testing.T) {
	eng := newEngine(t)
	eng.RegisterWorker(domain.Worker{ID: "w1", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})
	eng.RegisterWorker(domain.Worker{ID: "w2", CapabilityTags: []string{"*"}, MaxConcurrentTasks: 2})

	ch, cancel := eng.Subscribe()
	defer cancel()

	_, err := eng.SubmitTask(lowTask("a", "shared"))
	require.NoError(t, err)
	_, err = eng.SubmitTask(lowTask("b", "shared"))
	require.NoError(t, err)

	_, err = eng.AttemptClaim("w1", "a")
	require.NoError(t, err)
	_, err = eng.AttemptClaim("w2", "b")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Outcome)
		assert.Equal(t, domain.StrategySerialize, ev.Outcome.StrategyUsed)
	case <-time.After(time.Second):
		t.Fatal("no outcome event received")
	}
}
