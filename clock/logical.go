package clock

import (
	"sync/atomic"

	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

// LogicalClock is a clock without a physical component: every call to Now
// returns the next integer. It is deterministic, which makes it the clock
// of choice for tests exercising the MVCC layer.
type LogicalClock struct {
	// The last value handed out by Now.
	now uint64
}

// CreateStartingAt returns a logical clock whose first Now call returns
// the given hybrid time.
func CreateStartingAt(ht hybridtime.HybridTime) *LogicalClock {
	return &LogicalClock{now: uint64(ht) - 1}
}

func (c *LogicalClock) Now() hybridtime.HybridTime {
	return hybridtime.HybridTime(atomic.AddUint64(&c.now, 1))
}

// Peek returns the last value handed out by Now without advancing the
// clock.
func (c *LogicalClock) Peek() hybridtime.HybridTime {
	return hybridtime.HybridTime(atomic.LoadUint64(&c.now))
}

func (c *LogicalClock) Update(observed hybridtime.HybridTime) {
	if !observed.IsValid() || observed == hybridtime.Max {
		return
	}
	for {
		cur := atomic.LoadUint64(&c.now)
		if uint64(observed) <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.now, cur, uint64(observed)) {
			return
		}
	}
}
