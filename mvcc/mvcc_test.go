package mvcc

import (
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crixalis2013/yugabyte-db/clock"
	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

func newTestManager() (*clock.LogicalClock, *Manager) {
	clk := clock.CreateStartingAt(hybridtime.Initial)
	m := NewManager("test tablet: ", clk)
	m.SetSafeTimeRecheckInterval(10 * time.Millisecond)
	return clk, m
}

func TestBasic(t *testing.T) {
	_, m := newTestManager()
	const totalEntries = 10
	hts := make([]hybridtime.HybridTime, totalEntries)
	for i := range hts {
		hts[i] = m.AddPending()
	}
	for _, ht := range hts {
		m.Replicated(ht)
		assert.Equal(t, ht, m.LastReplicatedHybridTime())
	}
}

func TestSafeHybridTimeToReadAt(t *testing.T) {
	clk, m := newTestManager()
	const lease = 10
	const delta = 10
	htLease := clk.Now().AddLogical(lease)
	clk.Update(htLease.AddLogical(delta))
	assert.Equal(t, htLease, m.SafeTime(htLease))

	ht1 := m.AddPending()
	assert.Equal(t, ht1.Decremented(), m.SafeTime(hybridtime.Max))

	ht2 := m.AddPending()
	assert.Equal(t, ht1.Decremented(), m.SafeTime(hybridtime.Max))

	m.Replicated(ht1)
	assert.Equal(t, ht2.Decremented(), m.SafeTime(hybridtime.Max))

	m.Replicated(ht2)
	now := clk.Now()
	assert.Equal(t, now, m.SafeTime(now))
}

func TestAbort(t *testing.T) {
	clk, m := newTestManager()
	const totalEntries = 10
	hts := make([]hybridtime.HybridTime, totalEntries)
	for i := range hts {
		hts[i] = m.AddPending()
	}
	for i := 1; i < len(hts); i += 2 {
		m.Aborted(hts[i])
	}
	for i := 0; i < len(hts); i += 2 {
		assert.Equal(t, hts[i].Decremented(), m.SafeTime(hybridtime.Max))
		m.Replicated(hts[i])
	}
	// Aborts must not have advanced the last replicated hybrid time past
	// the replicated entries.
	assert.Equal(t, hts[len(hts)-2], m.LastReplicatedHybridTime())
	now := clk.Now()
	assert.Equal(t, now, m.SafeTime(now))
}

func TestDuplicatePending(t *testing.T) {
	clk, m := newTestManager()
	ht := clk.Now()
	m.AddFollowerPending(ht)
	m.AddFollowerPending(ht)
	assert.Equal(t, ht.Decremented(), m.SafeTime(hybridtime.Max))

	// Removing one occurrence keeps the duplicate pending.
	m.Replicated(ht)
	assert.Equal(t, ht.Decremented(), m.SafeTime(hybridtime.Max))

	m.Replicated(ht)
	assert.True(t, m.SafeTime(hybridtime.Max) >= ht)
}

func TestUnknownHybridTimePanics(t *testing.T) {
	_, m := newTestManager()
	ht := m.AddPending()
	require.Panics(t, func() { m.Replicated(ht.AddLogical(1)) })
	require.Panics(t, func() { m.Aborted(ht.AddLogical(1)) })
	m.Replicated(ht)
	require.Panics(t, func() { m.Replicated(ht) })
}

type mvccOpKind int

const (
	opAdd mvccOpKind = iota
	opReplicated
	opAborted
)

type mvccOp struct {
	kind mvccOpKind
	ht   hybridtime.HybridTime
}

func minAlive(alive []hybridtime.HybridTime) (hybridtime.HybridTime, int) {
	min, idx := alive[0], 0
	for i, ht := range alive {
		if ht < min {
			min, idx = ht, i
		}
	}
	return min, idx
}

func runRandomizedTest(t *testing.T, useHTLease bool) {
	clk, m := newTestManager()

	const totalOperations = 20000
	const targetConcurrency = 50

	var alive []hybridtime.HybridTime
	var ops []mvccOp
	counts := make([]int, 3)

	var stopped int32
	var isLeader int32 = 1
	var maxHTLease uint64

	htLeaseProvider := func() hybridtime.HybridTime {
		if !useHTLease {
			return hybridtime.Max
		}
		htLease := clk.Peek().AddMicroseconds(uint64(rand.Intn(51)))
		// Track the maximum lease handed to any caller.
		for {
			cur := atomic.LoadUint64(&maxHTLease)
			if uint64(htLease) <= cur || atomic.CompareAndSwapUint64(&maxHTLease, cur, uint64(htLease)) {
				break
			}
		}
		return htLease
	}

	// Keep querying the safe time in the background during the whole run.
	queryDone := make(chan struct{})
	go func() {
		defer close(queryDone)
		for atomic.LoadInt32(&stopped) == 0 {
			if atomic.LoadInt32(&isLeader) == 1 {
				m.WaitForSafeTime(hybridtime.Min, time.Time{}, htLeaseProvider)
			} else {
				m.SafeTimeForFollower(hybridtime.Min, time.Time{})
			}
			runtime.Gosched()
		}
	}()
	defer func() {
		atomic.StoreInt32(&stopped, 1)
		<-queryDone
	}()

	for i := 0; i < totalOperations || len(alive) > 0; i++ {
		var rnd int
		if totalOperations-i <= len(alive) {
			// Only finishing already-started operations remains.
			rnd = targetConcurrency + rand.Intn(2)
		} else {
			// Start new operations with a probability approaching 50% as
			// the number of alive operations reaches the target.
			rnd = rand.Intn(2*targetConcurrency) - targetConcurrency
			if len(alive) < targetConcurrency {
				rnd += len(alive)
			} else {
				rnd += targetConcurrency
			}
		}
		if rnd < targetConcurrency {
			ht := m.AddPending()
			alive = append(alive, ht)
			ops = append(ops, mvccOp{opAdd, ht})
		} else {
			var idx int
			if rnd&1 == 1 {
				// Finish replication for the smallest alive operation.
				_, idx = minAlive(alive)
				ops = append(ops, mvccOp{opReplicated, alive[idx]})
				m.Replicated(alive[idx])
			} else {
				// Abort a random alive operation.
				idx = rand.Intn(len(alive))
				ops = append(ops, mvccOp{opAborted, alive[idx]})
				m.Aborted(alive[idx])
			}
			alive[idx] = alive[len(alive)-1]
			alive = alive[:len(alive)-1]
		}
		counts[ops[len(ops)-1].kind]++

		var safeTime hybridtime.HybridTime
		if len(alive) == 0 {
			timeBefore := clk.Now()
			safeTime = m.SafeTime(htLeaseProvider())
			timeAfter := clk.Now()
			require.True(t, safeTime >= timeBefore,
				"safe time %s below clock reading %s", safeTime, timeBefore)
			require.True(t, safeTime <= timeAfter,
				"safe time %s ahead of clock reading %s", safeTime, timeAfter)
		} else {
			min, _ := minAlive(alive)
			safeTime = m.SafeTime(htLeaseProvider())
			require.Equal(t, min.Decremented(), safeTime)
		}
		if useHTLease {
			require.True(t, uint64(safeTime) <= atomic.LoadUint64(&maxHTLease))
		}
	}

	t.Logf("adds: %d, replicates: %d, aborts: %d",
		counts[opAdd], counts[opReplicated], counts[opAborted])
	replicatedAndAborted := counts[opReplicated] + counts[opAborted]
	require.Equal(t, totalOperations, counts[opAdd]+replicatedAndAborted)
	require.Equal(t, counts[opAdd], replicatedAndAborted)

	// Replay the recorded operations as if this replica were a follower
	// receiving them from the leader, with every hybrid time shifted
	// past anything the original run could have certified. The relative
	// safe time trajectory must be reproduced exactly.
	atomic.StoreInt32(&isLeader, 0)
	shift := atomic.LoadUint64(&maxHTLease) + 1
	if now := uint64(clk.Now()) + 1; now > shift {
		shift = now
	}
	t.Logf("shifting hybrid times by %d units and replaying in follower mode", shift)

	shadow := make(map[hybridtime.HybridTime]int)
	for _, op := range ops {
		ht := op.ht.AddLogical(shift)
		switch op.kind {
		case opAdd:
			m.AddFollowerPending(ht)
			shadow[ht]++
		case opReplicated:
			m.Replicated(ht)
			shadow[ht]--
		case opAborted:
			m.Aborted(ht)
			shadow[ht]--
		}
		if shadow[ht] == 0 {
			delete(shadow, ht)
		}
		if len(shadow) > 0 {
			min := hybridtime.Max
			for pending := range shadow {
				if pending < min {
					min = pending
				}
			}
			require.Equal(t, min.Decremented(), m.SafeTime(hybridtime.Max))
		}
	}
	require.Empty(t, shadow)
}

func TestRandomWithoutHTLease(t *testing.T) {
	runRandomizedTest(t, false)
}

func TestRandomWithHTLease(t *testing.T) {
	runRandomizedTest(t, true)
}

func TestWaitForSafeTime(t *testing.T) {
	clk, m := newTestManager()
	const lease = 10
	const delta = 10
	limit := clk.Now().AddLogical(lease)
	clk.Update(limit.AddLogical(delta))
	ht1 := m.AddPending()
	ht2 := m.AddPending()

	var t1Done int32
	go func() {
		_, ok := m.WaitForSafeTime(ht2.Decremented(), time.Time{}, nil)
		require.True(t, ok)
		atomic.StoreInt32(&t1Done, 1)
	}()
	var t2Done int32
	go func() {
		_, ok := m.WaitForSafeTime(ht2.AddLogical(1), time.Time{}, nil)
		require.True(t, ok)
		atomic.StoreInt32(&t2Done, 1)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&t1Done))
	assert.Equal(t, int32(0), atomic.LoadInt32(&t2Done))

	m.Replicated(ht1)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&t1Done))
	assert.Equal(t, int32(0), atomic.LoadInt32(&t2Done))

	m.Replicated(ht2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&t1Done))
	assert.Equal(t, int32(1), atomic.LoadInt32(&t2Done))

	// A deadline that elapses while an operation is still pending is a
	// normal "not available" outcome, reported after the deadline and
	// not before.
	ht3 := m.AddPending()
	start := time.Now()
	_, ok := m.WaitForSafeTime(ht3, time.Now().Add(100*time.Millisecond), nil)
	require.False(t, ok)
	elapsed := time.Since(start)
	require.True(t, elapsed >= 90*time.Millisecond, "returned too early: %s", elapsed)
	require.True(t, elapsed < 3*time.Second, "returned too late: %s", elapsed)
}

func TestSafeTimeForFollower(t *testing.T) {
	clk, m := newTestManager()

	// Nothing propagated yet: a follower cannot certify anything.
	assert.Equal(t, hybridtime.Min, m.FollowerSafeTime())

	propagated := clk.Now().AddLogical(100)
	m.SetPropagatedSafeTime(propagated)
	assert.Equal(t, propagated, m.FollowerSafeTime())

	st, ok := m.SafeTimeForFollower(propagated, time.Now().Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, propagated, st)

	// An operation being replayed below the bound clamps the follower
	// safe time until it is decided.
	replaying := propagated.AddLogical(1)
	m.AddFollowerPending(replaying)
	m.SetPropagatedSafeTime(replaying.AddLogical(10))
	assert.Equal(t, propagated, m.FollowerSafeTime())
	m.Replicated(replaying)
	assert.Equal(t, replaying.AddLogical(10), m.FollowerSafeTime())

	// The propagated bound never regresses.
	m.SetPropagatedSafeTime(propagated)
	assert.Equal(t, replaying.AddLogical(10), m.FollowerSafeTime())
}

func TestSetPropagatedSafeTimeWakesWaiter(t *testing.T) {
	clk, m := newTestManager()
	// A long recheck interval proves the waiter is woken explicitly
	// rather than by polling.
	m.SetSafeTimeRecheckInterval(time.Minute)

	target := clk.Now().AddLogical(50)
	done := make(chan hybridtime.HybridTime, 1)
	go func() {
		st, ok := m.SafeTimeForFollower(target, time.Time{})
		require.True(t, ok)
		done <- st
	}()

	time.Sleep(50 * time.Millisecond)
	m.SetPropagatedSafeTime(target)

	select {
	case st := <-done:
		assert.Equal(t, target, st)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken by the propagated safe time")
	}
}
