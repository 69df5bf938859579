package hybridtime

import (
	"fmt"
	"math"
	"time"
)

// HybridTime is a 64-bit logical timestamp combining a physical clock
// reading with a logical counter used to break ties between events that
// fall into the same microsecond. The upper 52 bits hold microseconds
// since the unix epoch, the lower 12 bits hold the logical component.
// HybridTime values are totally ordered by plain integer comparison.
type HybridTime uint64

const (
	// BitsForLogical is the width of the logical component.
	BitsForLogical = 12
	// LogicalMask selects the logical component of a HybridTime.
	LogicalMask = (uint64(1) << BitsForLogical) - 1
	// MaxLogical is the largest value the logical component can hold
	// before it overflows into the physical component.
	MaxLogical = LogicalMask
)

const (
	// Min is the smallest representable hybrid time.
	Min HybridTime = 0
	// Initial is the starting value for a fresh clock.
	Initial HybridTime = 1
	// Max is the largest valid hybrid time, used as "no bound".
	Max HybridTime = math.MaxUint64 - 1
	// Invalid marks a hybrid time that has not been assigned yet.
	Invalid HybridTime = math.MaxUint64
)

// FromMicrosAndLogical builds a hybrid time from a physical reading in
// microseconds and a logical counter value.
func FromMicrosAndLogical(micros uint64, logical uint64) HybridTime {
	return HybridTime(micros<<BitsForLogical | (logical & LogicalMask))
}

// FromPhysicalTime converts a wall-clock instant to a hybrid time with a
// zero logical component.
func FromPhysicalTime(t time.Time) HybridTime {
	return FromMicrosAndLogical(uint64(t.UnixNano()/int64(time.Microsecond)), 0)
}

// PhysicalMicros returns the physical component in microseconds.
func (ht HybridTime) PhysicalMicros() uint64 {
	return uint64(ht) >> BitsForLogical
}

// Logical returns the logical component.
func (ht HybridTime) Logical() uint64 {
	return uint64(ht) & LogicalMask
}

// Decremented returns the largest hybrid time strictly less than ht.
func (ht HybridTime) Decremented() HybridTime {
	if ht == Min {
		panic("hybridtime: cannot decrement the minimum hybrid time")
	}
	return ht - 1
}

// AddLogical returns ht advanced by delta logical ticks. Overflow of the
// logical component carries into the physical component, so the result
// always compares greater than ht for a non-zero delta.
func (ht HybridTime) AddLogical(delta uint64) HybridTime {
	return ht + HybridTime(delta)
}

// AddMicroseconds returns ht with the physical component advanced by the
// given number of microseconds.
func (ht HybridTime) AddMicroseconds(micros uint64) HybridTime {
	return ht + HybridTime(micros<<BitsForLogical)
}

// IsValid reports whether ht holds an assigned value.
func (ht HybridTime) IsValid() bool {
	return ht != Invalid
}

func (ht HybridTime) String() string {
	switch ht {
	case Min:
		return "<min>"
	case Max:
		return "<max>"
	case Invalid:
		return "<invalid>"
	}
	return fmt.Sprintf("{ physical: %d logical: %d }", ht.PhysicalMicros(), ht.Logical())
}
