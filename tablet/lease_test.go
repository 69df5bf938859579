package tablet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Crixalis2013/yugabyte-db/hybridtime"
)

func TestLeaseRenewAndExpire(t *testing.T) {
	l := NewLease(100 * time.Millisecond)
	assert.Equal(t, hybridtime.Min, l.Bound())

	now := time.Now()
	l.Renew(now)
	assert.Equal(t, hybridtime.FromPhysicalTime(now.Add(100*time.Millisecond)), l.Bound())
	assert.True(t, l.Valid(now))
	assert.False(t, l.Valid(now.Add(200*time.Millisecond)))

	l.Expire()
	assert.Equal(t, hybridtime.Min, l.Bound())
	assert.False(t, l.Valid(now))
}

func TestLeaseNeverRegresses(t *testing.T) {
	l := NewLease(100 * time.Millisecond)
	now := time.Now()
	l.Renew(now)
	bound := l.Bound()

	// A renewal from an older send timestamp keeps the further bound.
	l.Renew(now.Add(-time.Second))
	assert.Equal(t, bound, l.Bound())

	l.Renew(now.Add(time.Second))
	assert.True(t, l.Bound() > bound)
}
