package clock

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

// Clock hands out hybrid timestamps. Now never returns a value less than
// or equal to any value it previously returned or that was passed to
// Update, which is the monotonicity guarantee the MVCC layer builds on.
type Clock interface {
	Now() hybridtime.HybridTime
	Update(observed hybridtime.HybridTime)
}

// HybridClock combines the wall clock with a logical counter. When the
// wall clock has not advanced past the last reading (repeated calls
// within one microsecond, or a backward time jump), the logical counter
// breaks the tie; counter overflow carries into the physical component.
type HybridClock struct {
	mu          sync.Mutex
	lastMicros  uint64
	lastLogical uint64

	// A backward wall-clock jump larger than this is logged.
	maxJumpBack time.Duration
}

const defaultMaxJumpBack = 500 * time.Millisecond

func NewHybridClock() *HybridClock {
	return &HybridClock{maxJumpBack: defaultMaxJumpBack}
}

// NewHybridClockWithMaxJumpBack overrides the threshold above which a
// backward wall-clock jump is reported.
func NewHybridClockWithMaxJumpBack(maxJumpBack time.Duration) *HybridClock {
	return &HybridClock{maxJumpBack: maxJumpBack}
}

func (c *HybridClock) Now() hybridtime.HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMicros := uint64(time.Now().UnixNano() / int64(time.Microsecond))
	if nowMicros > c.lastMicros {
		c.lastMicros = nowMicros
		c.lastLogical = 0
		return hybridtime.FromMicrosAndLogical(c.lastMicros, c.lastLogical)
	}

	if c.lastMicros-nowMicros > uint64(c.maxJumpBack/time.Microsecond) {
		timeJumpBackCounter.Inc()
		log.Warn("wall clock jumped backwards",
			zap.Uint64("last-micros", c.lastMicros),
			zap.Uint64("now-micros", nowMicros))
	}
	c.lastLogical++
	if c.lastLogical > hybridtime.MaxLogical {
		c.lastMicros++
		c.lastLogical = 0
	}
	return hybridtime.FromMicrosAndLogical(c.lastMicros, c.lastLogical)
}

func (c *HybridClock) Update(observed hybridtime.HybridTime) {
	if !observed.IsValid() || observed == hybridtime.Max {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if observed <= hybridtime.FromMicrosAndLogical(c.lastMicros, c.lastLogical) {
		return
	}
	c.lastMicros = observed.PhysicalMicros()
	c.lastLogical = observed.Logical()
}
