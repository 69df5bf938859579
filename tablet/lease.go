package tablet

import (
	"sync/atomic"
	"time"

	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

// Lease records the hybrid time up to which the local peer, while it is
// leader, may certify safe times. The bound is the expiration instant of
// the last renewed leadership lease: a deposed leader stops certifying
// once the wall clock passes it, before a new leader can have claimed
// any of those times.
//
// The valid lease after an acknowledged replication round that was sent
// at send_ts extends to send_ts + max_lease. Renewals only ever move the
// bound forward.
//
// Renew and Expire are called from the replication path; Bound is read
// concurrently by every safe time query, so the bound lives in an
// atomic.
type Lease struct {
	maxLease time.Duration

	// Hybrid time bound, 0 when the lease is expired.
	expiredTime uint64
}

func NewLease(maxLease time.Duration) *Lease {
	return &Lease{maxLease: maxLease}
}

// Renew extends the lease to sendTs + maxLease if that is further out
// than the current bound.
func (l *Lease) Renew(sendTs time.Time) {
	bound := uint64(hybridtime.FromPhysicalTime(sendTs.Add(l.maxLease)))
	for {
		cur := atomic.LoadUint64(&l.expiredTime)
		if bound <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&l.expiredTime, cur, bound) {
			return
		}
	}
}

// Expire revokes the lease immediately.
func (l *Lease) Expire() {
	atomic.StoreUint64(&l.expiredTime, 0)
}

// Bound returns the current lease bound. An expired lease yields
// hybridtime.Min: a leader without a lease certifies nothing.
func (l *Lease) Bound() hybridtime.HybridTime {
	v := atomic.LoadUint64(&l.expiredTime)
	if v == 0 {
		return hybridtime.Min
	}
	return hybridtime.HybridTime(v)
}

// Valid reports whether the lease still holds at the given wall-clock
// instant.
func (l *Lease) Valid(now time.Time) bool {
	return l.Bound() > hybridtime.FromPhysicalTime(now)
}
