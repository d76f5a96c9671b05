package claims_test

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/claims"
	"arbiter/internal/domain"
)

func newTable(t *testing.T) *claims.Table {
	t.Helper()
	return claims.NewTable(claims.Config{
		ClaimTTL:              time.Minute,
		TieBreakEpsilon:       0.1,
		MaxRetriesBeforeAbort: 3,
	})
}

func req(taskID, workerID string, score float64, resources ...string) claims.Request {
	return claims.Request{
		TaskID:    taskID,
		WorkerID:  workerID,
		Resources: resources,
		Score:     score,
		Now:       time.Now().UTC(),
	}
}

func withScores(r claims.Request, scores map[string]float64) claims.Request {
	r.IncumbentScore = func(taskID string) float64 { return scores[taskID] }
	return r
}

func TestAttemptClaim_UncontendedGrant(t *testing.T) {
	tbl := newTable(t)

	res := tbl.AttemptClaim(req("t1", "w1", 5.0, "a", "b"))
	require.True(t, res.Granted)
	require.Len(t, res.Claims, 2)

	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "t1", snap[0].TaskID)
	assert.Equal(t, "w1", snap[0].OwnerWorkerID)
	assert.True(t, snap[0].ExpiresAt.After(snap[0].AcquiredAt))
}

func TestAttemptClaim_PriorityWinEvictsIncumbent(t *testing.T) {
	tbl := newTable(t)
	scores := map[string]float64{"low": 3.0, "high": 8.0}

	res := tbl.AttemptClaim(withScores(req("low", "w1", 3.0, "a"), scores))
	require.True(t, res.Granted)

	res = tbl.AttemptClaim(withScores(req("high", "w2", 8.0, "a"), scores))
	require.True(t, res.Granted)
	require.Equal(t, []string{"low"}, res.EvictedTaskIDs)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domain.StrategyPriority, res.Resolutions[0].Strategy)
	assert.Equal(t, "high", res.Resolutions[0].WinnerTaskID)
	require.Len(t, res.Resolutions[0].Losers, 1)
	assert.Equal(t, domain.LoserBlocked, res.Resolutions[0].Losers[0].NewState)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "high", snap[0].TaskID)

	// The evicted loser is queued behind the resource, guaranteed a retry.
	queues := tbl.QueueSnapshot()
	require.Len(t, queues["a"], 1)
	assert.Equal(t, "low", queues["a"][0].TaskID)
}

func TestAttemptClaim_IncumbentWinsChallengerQueued(t *testing.T) {
	tbl := newTable(t)
	scores := map[string]float64{"high": 8.0, "low": 3.0}

	require.True(t, tbl.AttemptClaim(withScores(req("high", "w1", 8.0, "a"), scores)).Granted)

	res := tbl.AttemptClaim(withScores(req("low", "w2", 3.0, "a"), scores))
	require.False(t, res.Granted)
	require.Nil(t, res.Aborted)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domain.StrategyPriority, res.Resolutions[0].Strategy)
	assert.Equal(t, "high", res.Resolutions[0].WinnerTaskID)

	// Incumbent untouched, challenger queued.
	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "high", snap[0].TaskID)
	require.Len(t, tbl.QueueSnapshot()["a"], 1)
	assert.Equal(t, 1, tbl.RetryCount("low", "a"))
}

func TestAttemptClaim_EpsilonTieSerializes(t *testing.T) {
	tbl := newTable(t)
	scores := map[string]float64{"first": 5.0, "second": 5.05}

	require.True(t, tbl.AttemptClaim(withScores(req("first", "w1", 5.0, "a"), scores)).Granted)

	res := tbl.AttemptClaim(withScores(req("second", "w2", 5.05, "a"), scores))
	require.False(t, res.Granted)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domain.StrategySerialize, res.Resolutions[0].Strategy)
	assert.Equal(t, domain.LoserQueued, res.Resolutions[0].Losers[0].NewState)

	// FIFO queue behind the winner's resource.
	queues := tbl.QueueSnapshot()
	require.Len(t, queues["a"], 1)
	assert.Equal(t, "second", queues["a"][0].TaskID)
}

func TestAttemptClaim_AbortAfterRetryLimit(t *testing.T) {
	tbl := newTable(t)
	scores := map[string]float64{"holder": 9.0, "loser": 1.0}

	require.True(t, tbl.AttemptClaim(withScores(req("holder", "w1", 9.0, "a"), scores)).Granted)

	// Three losses on the same resource consume the retry budget.
	for i := 0; i < 3; i++ {
		res := tbl.AttemptClaim(withScores(req("loser", "w2", 1.0, "a"), scores))
		require.False(t, res.Granted, "attempt %d", i+1)
		require.Nil(t, res.Aborted, "attempt %d", i+1)
	}
	assert.Equal(t, 3, tbl.RetryCount("loser", "a"))

	// The fourth attempt aborts instead of requeueing.
	res := tbl.AttemptClaim(withScores(req("loser", "w2", 1.0, "a"), scores))
	require.False(t, res.Granted)
	require.NotNil(t, res.Aborted)
	assert.Equal(t, "loser", res.Aborted.TaskID)
	assert.Equal(t, "a", res.Aborted.ResourceKey)
	require.Len(t, res.Resolutions, 1)
	assert.Equal(t, domain.StrategyAbort, res.Resolutions[0].Strategy)
	assert.Equal(t, domain.LoserAborted, res.Resolutions[0].Losers[0].NewState)

	// Aborted tasks are out of the queue for good.
	assert.Empty(t, tbl.QueueSnapshot()["a"])
}

func TestAttemptClaim_AllOrNothing(t *testing.T) {
	tbl := newTable(t)
	scores := map[string]float64{"holder": 5.0, "wants": 5.02}

	require.True(t, tbl.AttemptClaim(withScores(req("holder", "w1", 5.0, "b"), scores)).Granted)

	// "wants" needs {a,b}; b is contended within epsilon, so it must not
	// end up holding a either.
	res := tbl.AttemptClaim(withScores(req("wants", "w2", 5.02, "a", "b"), scores))
	require.False(t, res.Granted)

	for _, c := range tbl.Snapshot() {
		assert.NotEqual(t, "wants", c.TaskID, "task holds %s despite losing the set", c.ResourceKey)
	}
}

func TestAttemptClaim_ExpiredClaimIsFree(t *testing.T) {
	tbl := claims.NewTable(claims.Config{ClaimTTL: 10 * time.Millisecond})

	now := time.Now().UTC()
	r := req("t1", "w1", 5.0, "a")
	r.Now = now
	require.True(t, tbl.AttemptClaim(r).Granted)

	// Past the TTL the key is claimable without arbitration.
	r2 := req("t2", "w2", 1.0, "a")
	r2.Now = now.Add(20 * time.Millisecond)
	res := tbl.AttemptClaim(r2)
	require.True(t, res.Granted)
	assert.Empty(t, res.Resolutions)
}

func TestAttemptClaim_RepeatIsRegrant(t *testing.T) {
	tbl := newTable(t)
	res := tbl.AttemptClaim(req("t1", "w1", 5.0, "a", "b"))
	require.True(t, res.Granted)
	assert.False(t, res.Regranted)

	// The same task claiming again only refreshes its claims.
	res = tbl.AttemptClaim(req("t1", "w1", 5.0, "a", "b"))
	require.True(t, res.Granted)
	assert.True(t, res.Regranted)
	assert.Len(t, tbl.Snapshot(), 2)
}

func TestAttemptClaim_CancelledBeforeCommit(t *testing.T) {
	tbl := newTable(t)
	r := req("t1", "w1", 5.0, "a")
	r.Cancelled = func() bool { return true }

	res := tbl.AttemptClaim(r)
	require.True(t, res.CancelledEarly)
	assert.Empty(t, tbl.Snapshot())
}

func TestRelease_FreesAllKeys(t *testing.T) {
	tbl := newTable(t)
	require.True(t, tbl.AttemptClaim(req("t1", "w1", 5.0, "a", "b", "c")).Granted)

	freed := tbl.Release("t1")
	assert.Equal(t, []string{"a", "b", "c"}, freed)
	assert.Empty(t, tbl.Snapshot())
}

func TestReleaseOwner_ReturnsAffectedTasks(t *testing.T) {
	tbl := newTable(t)
	require.True(t, tbl.AttemptClaim(req("t1", "w1", 5.0, "a")).Granted)
	require.True(t, tbl.AttemptClaim(req("t2", "w1", 5.0, "b")).Granted)
	require.True(t, tbl.AttemptClaim(req("t3", "w2", 5.0, "c")).Granted)

	affected := tbl.ReleaseOwner("w1")
	assert.Equal(t, []string{"t1", "t2"}, affected)

	snap := tbl.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "t3", snap[0].TaskID)
}

func TestPurgeWaitersByWorker(t *testing.T) {
	tbl := newTable(t)
	require.True(t, tbl.AttemptClaim(req("holder", "w1", 5.0, "a")).Granted)

	// Equal scores serialize; both challengers queue behind the key.
	require.False(t, tbl.AttemptClaim(withScores(req("t2", "w2", 5.0, "a"), map[string]float64{"holder": 5.0})).Granted)
	require.False(t, tbl.AttemptClaim(withScores(req("t3", "w3", 5.0, "a"), map[string]float64{"holder": 5.0})).Granted)

	purged := tbl.PurgeWaitersByWorker("w2")
	assert.Equal(t, []string{"t2"}, purged)

	queues := tbl.QueueSnapshot()
	require.Len(t, queues["a"], 1)
	assert.Equal(t, "t3", queues["a"][0].TaskID)
}

func TestExpireStale_Sweep(t *testing.T) {
	tbl := claims.NewTable(claims.Config{ClaimTTL: 5 * time.Millisecond})

	now := time.Now().UTC()
	r := req("t1", "w1", 5.0, "a", "b")
	r.Now = now
	require.True(t, tbl.AttemptClaim(r).Granted)

	expired := tbl.ExpireStale(now.Add(10 * time.Millisecond))
	require.Len(t, expired, 2)
	assert.Equal(t, "a", expired[0].ResourceKey)
	assert.Empty(t, tbl.Snapshot())
}

func TestSnapshotRestore_Roundtrip(t *testing.T) {
	tbl := newTable(t)
	require.True(t, tbl.AttemptClaim(req("t1", "w1", 5.0, "a", "b")).Granted)
	snap := tbl.Snapshot()

	fresh := newTable(t)
	fresh.Restore(snap)
	assert.Equal(t, snap, fresh.Snapshot())

	// Restored ownership participates in arbitration.
	res := fresh.AttemptClaim(withScores(req("t2", "w2", 1.0, "a"), map[string]float64{"t1": 9.0}))
	require.False(t, res.Granted)
}

// TestAttemptClaim_MutualExclusionUnderContention hammers the table from
// many goroutines and checks that no resource key is ever held by two
// attempts at once.
func TestAttemptClaim_MutualExclusionUnderContention(t *testing.T) {
	tbl := claims.NewTable(claims.Config{
		ClaimTTL:              time.Minute,
		TieBreakEpsilon:       0.1,
		MaxRetriesBeforeAbort: 1 << 30, // never abort, keep contending
	})

	keys := []string{"a", "b", "c", "d", "e"}
	var holders [5]atomic.Int32
	idx := map[string]int{"a": 0, "b": 1, "c": 2, "d": 3, "e": 4}

	// All attempts share one score so every conflict serializes and no
	// eviction path can yank a claim out from under a holder mid-check.
	scoreOf := func(string) float64 { return 5.0 }

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < 200; i++ {
				taskID := fmt.Sprintf("t%d_%d", g, i)
				n := 1 + rng.Intn(3)
				perm := rng.Perm(len(keys))[:n]
				resources := make([]string, n)
				for j, p := range perm {
					resources[j] = keys[p]
				}

				r := req(taskID, fmt.Sprintf("w%d", g), 5.0, resources...)
				r.IncumbentScore = scoreOf
				res := tbl.AttemptClaim(r)
				if !res.Granted {
					continue
				}
				for _, key := range resources {
					if holders[idx[key]].Add(1) != 1 {
						t.Errorf("resource %s held by two claims at once", key)
					}
				}
				for _, key := range resources {
					holders[idx[key]].Add(-1)
				}
				tbl.Release(taskID)
			}
		}(g)
	}
	wg.Wait()
}
