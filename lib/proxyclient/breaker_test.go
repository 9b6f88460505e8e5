package proxyclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Now()
	b := NewBreaker(ClassDetail, BreakerConfig{Threshold: 3, ResetWindow: 30 * time.Second})
	b.now = func() time.Time { return now }

	require.True(t, b.Available())
	b.RecordFailure()
	b.RecordFailure()
	require.True(t, b.Available())
	b.RecordFailure()
	require.False(t, b.Available())

	// still inside the reset window
	now = now.Add(29 * time.Second)
	require.False(t, b.Available())

	// window elapsed: one probe admitted, the next caller rejected
	now = now.Add(2 * time.Second)
	require.True(t, b.Available())
	require.False(t, b.Available())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(ClassSearch, BreakerConfig{Threshold: 1, ResetWindow: time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure()
	require.False(t, b.Available())

	now = now.Add(2 * time.Second)
	require.True(t, b.Available())

	// failed probe reopens immediately for a full window
	b.RecordFailure()
	require.False(t, b.Available())
	now = now.Add(500 * time.Millisecond)
	require.False(t, b.Available())

	now = now.Add(time.Second)
	require.True(t, b.Available())
	b.RecordSuccess()
	require.True(t, b.Available())
	require.True(t, b.Available())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := NewBreaker(ClassGeneric, BreakerConfig{Threshold: 3, ResetWindow: time.Minute})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	snap := b.Snapshot()
	require.Equal(t, "closed", snap.State)
	require.Equal(t, 0, snap.Failures)
}

func TestBreakerSetIsolatesClasses(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{Threshold: 1, ResetWindow: time.Minute}, nil)

	set.For(ClassDetail).RecordFailure()
	require.False(t, set.For(ClassDetail).Available())
	require.True(t, set.For(ClassSearch).Available())
	require.True(t, set.For(ClassBrands).Available())
}

func TestBreakerSetOverrides(t *testing.T) {
	set := NewBreakerSet(
		BreakerConfig{Threshold: 5, ResetWindow: time.Minute},
		map[string]BreakerConfig{ClassSearch: {Threshold: 1, ResetWindow: time.Minute}},
	)

	set.For(ClassSearch).RecordFailure()
	require.False(t, set.For(ClassSearch).Available())

	set.For(ClassGeneric).RecordFailure()
	require.True(t, set.For(ClassGeneric).Available())
}
