package mvcc

import (
	"time"

	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

// waiter parks one goroutine blocked in a safe time query until the safe
// time may have advanced past its requested bound.
type waiter struct {
	minAllowed hybridtime.HybridTime
	ch         chan struct{}
}

// wait parks until a wakeup, the recheck period, or the deadline. It
// returns true if the caller should re-evaluate its condition and false
// if the deadline elapsed. A zero deadline means no deadline.
func (w *waiter) wait(deadline time.Time, recheck time.Duration) bool {
	d := recheck
	deadlineIsNext := false
	if !deadline.IsZero() {
		if until := time.Until(deadline); until < d {
			d = until
			deadlineIsNext = true
		}
	}
	if d <= 0 {
		return !deadlineIsNext
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ch:
		return true
	case <-timer.C:
		return !deadlineIsNext
	}
}

// waiterQueue registers parked safe time waiters keyed by their
// requested bound. All methods must be called with Manager.mu held; the
// returned waiters are notified after the lock is released so that no
// goroutine wakes up into a held mutex.
type waiterQueue struct {
	waiters []*waiter
}

func (q *waiterQueue) empty() bool {
	return len(q.waiters) == 0
}

func (q *waiterQueue) add(minAllowed hybridtime.HybridTime) *waiter {
	w := &waiter{
		minAllowed: minAllowed,
		ch:         make(chan struct{}, 1),
	}
	q.waiters = append(q.waiters, w)
	return w
}

// remove drops w from the queue. It is a no-op if w was already taken by
// takeReady, so removal after a wakeup or timeout is always safe.
func (q *waiterQueue) remove(w *waiter) {
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// takeReady removes and returns every waiter whose bound is at or below
// threshold.
func (q *waiterQueue) takeReady(threshold hybridtime.HybridTime) []*waiter {
	var ready []*waiter
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if w.minAllowed <= threshold {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	q.waiters = remaining
	return ready
}

func notifyAll(ws []*waiter) {
	for _, w := range ws {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}
