package mvcc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/Crixalis2013/yugabyte-db/clock"
	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

// LeaseProvider returns the highest hybrid time the current leader is
// authorized to certify as safe. It is re-invoked on every retry of a
// blocking safe time query rather than cached, because the bound may
// advance between retries. A nil provider means "no bound".
type LeaseProvider func() hybridtime.HybridTime

const (
	pendingBTreeDegree = 8

	// How often a parked safe time waiter re-evaluates its condition
	// even without a wakeup. Progress can come purely from the clock or
	// the lease advancing, and neither of those signals the waiters.
	defaultRecheckInterval = 250 * time.Millisecond
)

// pendingItem is one entry of the pending multiset. Duplicate hybrid
// times (same value handed out twice, as happens during follower replay)
// share an entry and are tracked by count.
type pendingItem struct {
	ht    hybridtime.HybridTime
	count int
}

func (p *pendingItem) Less(than btree.Item) bool {
	return p.ht < than.(*pendingItem).ht
}

// Manager tracks the hybrid times of operations that are in flight on a
// tablet replica and computes the safe time: the highest hybrid time at
// which a reader is guaranteed not to be affected by any still-undecided
// operation.
//
// The write path calls AddPending (leader) or AddFollowerPending
// (follower replay) before proposing an operation, and exactly one of
// Replicated or Aborted once its outcome is known. Readers call SafeTime
// or one of the blocking variants. All methods are safe for concurrent
// use from arbitrary goroutines.
type Manager struct {
	tag string
	clk clock.Clock

	mu                 sync.Mutex
	pending            *btree.BTree
	lastReplicated     hybridtime.HybridTime
	propagatedSafeTime hybridtime.HybridTime
	waiters            waiterQueue

	recheckInterval time.Duration
}

// NewManager creates a manager for one tablet replica. The tag prefixes
// log and panic messages so that concurrent replicas can be told apart.
func NewManager(tag string, clk clock.Clock) *Manager {
	return &Manager{
		tag:                tag,
		clk:                clk,
		pending:            btree.New(pendingBTreeDegree),
		lastReplicated:     hybridtime.Min,
		propagatedSafeTime: hybridtime.Min,
		recheckInterval:    defaultRecheckInterval,
	}
}

// SetSafeTimeRecheckInterval overrides the waiter re-evaluation period.
// Must be called before the manager is shared between goroutines.
func (m *Manager) SetSafeTimeRecheckInterval(d time.Duration) {
	if d > 0 {
		m.recheckInterval = d
	}
}

// AddPending allocates a fresh hybrid time from the clock, registers it
// as pending and returns it. The clock is read under the manager lock so
// that no safe time computed in between can exceed the new timestamp.
func (m *Manager) AddPending() hybridtime.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()

	ht := m.clk.Now()
	if m.pending.Len() > 0 {
		if max := m.pending.Max().(*pendingItem).ht; ht <= max {
			panic(fmt.Sprintf(
				"%sclock returned %s, not greater than the largest pending hybrid time %s",
				m.tag, ht, max))
		}
	}
	m.addPendingLocked(ht)
	return ht
}

// AddFollowerPending registers a hybrid time that was decided by the
// leader and is being replayed on this replica. The local clock is
// advanced past it first, so that a later leader transition cannot hand
// out a smaller timestamp.
func (m *Manager) AddFollowerPending(ht hybridtime.HybridTime) {
	m.clk.Update(ht)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addPendingLocked(ht)
}

func (m *Manager) addPendingLocked(ht hybridtime.HybridTime) {
	if item := m.pending.Get(&pendingItem{ht: ht}); item != nil {
		item.(*pendingItem).count++
	} else {
		m.pending.ReplaceOrInsert(&pendingItem{ht: ht, count: 1})
	}
	pendingOperationGauge.Inc()
}

// Replicated marks ht as durably decided. ht must be pending; marking an
// unknown hybrid time is a contract violation and panics.
func (m *Manager) Replicated(ht hybridtime.HybridTime) {
	notifyAll(m.replicated(ht))
}

func (m *Manager) replicated(ht hybridtime.HybridTime) []*waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePendingLocked(ht, "replicated")
	m.lastReplicated = ht
	return m.wakeReadyLocked()
}

// Aborted marks ht as abandoned: its operation will never become
// durable. ht must be pending; marking an unknown hybrid time is a
// contract violation and panics.
func (m *Manager) Aborted(ht hybridtime.HybridTime) {
	notifyAll(m.aborted(ht))
}

func (m *Manager) aborted(ht hybridtime.HybridTime) []*waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePendingLocked(ht, "aborted")
	return m.wakeReadyLocked()
}

func (m *Manager) removePendingLocked(ht hybridtime.HybridTime, what string) {
	item := m.pending.Get(&pendingItem{ht: ht})
	if item == nil {
		panic(fmt.Sprintf(
			"%smarking hybrid time %s as %s, but it is not tracked as pending",
			m.tag, ht, what))
	}
	p := item.(*pendingItem)
	p.count--
	if p.count == 0 {
		m.pending.Delete(p)
	}
	pendingOperationGauge.Dec()
}

// SetPropagatedSafeTime raises the safe time lower bound pushed by the
// leader while this replica is a follower. The stored bound never
// regresses.
func (m *Manager) SetPropagatedSafeTime(ht hybridtime.HybridTime) {
	m.mu.Lock()
	if ht > m.propagatedSafeTime {
		m.propagatedSafeTime = ht
	}
	ready := m.wakeReadyLocked()
	m.mu.Unlock()

	notifyAll(ready)
}

// LastReplicatedHybridTime returns the hybrid time of the most recent
// Replicated call.
func (m *Manager) LastReplicatedHybridTime() hybridtime.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReplicated
}

// SafeTime returns the current safe time without blocking, clamped by
// leaseBound. Pass hybridtime.Max for no bound.
func (m *Manager) SafeTime(leaseBound hybridtime.HybridTime) hybridtime.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.safeTimeLocked(leaseBound)
}

// FollowerSafeTime returns the current safe time without blocking while
// this replica is a follower: the propagated bound, further clamped by
// any operation still being replayed.
func (m *Manager) FollowerSafeTime() hybridtime.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.followerSafeTimeLocked()
}

// WaitForSafeTime blocks until the safe time reaches minAllowed, then
// returns it. The lease provider is consulted anew on every retry. A
// zero deadline means wait forever. The second return value is false if
// the deadline elapsed first, which is a normal outcome, not an error.
func (m *Manager) WaitForSafeTime(
	minAllowed hybridtime.HybridTime, deadline time.Time, lease LeaseProvider,
) (hybridtime.HybridTime, bool) {
	return m.waitForSafeTime(minAllowed, deadline, lease, false)
}

// SafeTimeForFollower is the blocking safe time query for a follower
// replica. It ignores the clock and any local lease and is clamped by
// the propagated safe time instead.
func (m *Manager) SafeTimeForFollower(
	minAllowed hybridtime.HybridTime, deadline time.Time,
) (hybridtime.HybridTime, bool) {
	return m.waitForSafeTime(minAllowed, deadline, nil, true)
}

func (m *Manager) waitForSafeTime(
	minAllowed hybridtime.HybridTime, deadline time.Time,
	lease LeaseProvider, follower bool,
) (hybridtime.HybridTime, bool) {
	start := time.Now()
	for {
		// The lease bound is read outside the lock: the provider is
		// caller-supplied code.
		bound := hybridtime.Max
		if !follower && lease != nil {
			bound = lease()
		}

		m.mu.Lock()
		var st hybridtime.HybridTime
		if follower {
			st = m.followerSafeTimeLocked()
		} else {
			st = m.safeTimeLocked(bound)
		}
		if st >= minAllowed {
			m.mu.Unlock()
			safeTimeWaitDuration.Observe(time.Since(start).Seconds())
			return st, true
		}
		w := m.waiters.add(minAllowed)
		m.mu.Unlock()

		woken := w.wait(deadline, m.recheckInterval)

		m.mu.Lock()
		m.waiters.remove(w)
		m.mu.Unlock()

		if !woken {
			safeTimeWaitTimeouts.Inc()
			log.Debug("safe time wait deadline elapsed",
				zap.String("tag", m.tag),
				zap.Stringer("min-allowed", minAllowed),
				zap.Duration("waited", time.Since(start)))
			return hybridtime.Invalid, false
		}
	}
}

// safeTimeLocked computes the leader-mode safe time clamped by bound.
//
// With operations pending, the safe time is one tick below the smallest
// pending hybrid time: a reader at that time or later could be affected
// by the undecided operation holding it. With nothing pending it is the
// current clock reading clamped by the bound, taken as two successive
// reads: if the first read already reaches the bound the bound is
// returned, otherwise a fresh read keeps the result as recent as
// possible without overtaking either the bound or the physical clock.
func (m *Manager) safeTimeLocked(bound hybridtime.HybridTime) hybridtime.HybridTime {
	if m.pending.Len() > 0 {
		st := m.pending.Min().(*pendingItem).ht.Decremented()
		if bound < st {
			return bound
		}
		return st
	}

	now := m.clk.Now()
	if bound <= now {
		return bound
	}
	now = m.clk.Now()
	if bound < now {
		return bound
	}
	return now
}

func (m *Manager) followerSafeTimeLocked() hybridtime.HybridTime {
	st := m.propagatedSafeTime
	if m.pending.Len() > 0 {
		if below := m.pending.Min().(*pendingItem).ht.Decremented(); below < st {
			st = below
		}
	}
	return st
}

// wakeReadyLocked collects the waiters whose bound may now be satisfied.
// The threshold is deliberately optimistic (it ignores lease clamping, a
// woken waiter re-evaluates under its own bound): waking a waiter that
// is not yet satisfied is harmless, failing to wake one is not.
func (m *Manager) wakeReadyLocked() []*waiter {
	if m.waiters.empty() {
		return nil
	}
	var threshold hybridtime.HybridTime
	if m.pending.Len() > 0 {
		threshold = m.pending.Min().(*pendingItem).ht.Decremented()
	} else {
		threshold = m.clk.Now()
		if m.propagatedSafeTime > threshold {
			threshold = m.propagatedSafeTime
		}
	}
	return m.waiters.takeReady(threshold)
}
