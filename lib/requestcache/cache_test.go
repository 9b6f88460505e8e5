package requestcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSetWithinTTL(t *testing.T) {
	now := time.Now()
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.now = func() time.Time { return now }

	c.Set("k", "payload", 0)
	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "payload", got)
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	now := time.Now()
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.now = func() time.Time { return now }

	c.Set("k", "payload", 30*time.Second)

	now = now.Add(31 * time.Second)
	_, ok := c.Get("k")
	require.False(t, ok)

	stats := c.Stats()
	require.Equal(t, 0, stats.Size)
	require.Equal(t, int64(1), stats.Misses)
	// expiry is not an LRU eviction
	require.Equal(t, int64(0), stats.Evictions)
}

func TestEvictsExactlyLeastRecentlyUsed(t *testing.T) {
	c := New(Options{MaxSize: 3, DefaultTTL: time.Minute})

	c.Set("a", "1", 0)
	c.Set("b", "2", 0)
	c.Set("c", "3", 0)

	// touch "a" so "b" becomes least recently used
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", "4", 0)

	_, ok = c.Get("b")
	require.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		require.True(t, ok, key)
	}
	require.Equal(t, int64(1), c.Stats().Evictions)
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.now = func() time.Time { return now }

	c.Set("short", "1", time.Second)
	c.Set("long", "2", time.Hour)

	now = now.Add(2 * time.Second)
	require.Equal(t, 1, c.SweepExpired())

	_, ok := c.Get("long")
	require.True(t, ok)
	require.Equal(t, 1, c.Stats().Size)
}

func TestRunSweepsPeriodically(t *testing.T) {
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("short", "1", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 20*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return c.Stats().Size == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestClearAndStats(t *testing.T) {
	c := New(Options{MaxSize: 10, DefaultTTL: time.Minute})
	c.Set("a", "1", 0)
	c.Set("b", "2", 0)

	c.Get("a")
	c.Get("nope")

	c.Clear()
	require.Equal(t, 0, c.Stats().Size)
	require.Equal(t, int64(1), c.Stats().Hits)
	require.Equal(t, int64(1), c.Stats().Misses)
	require.Equal(t, int64(0), c.Stats().Evictions)
	require.InDelta(t, 0.5, c.Stats().HitRate(), 0.001)
}

func TestKeyNormalization(t *testing.T) {
	a := Key("search", "https://api.example.com/v1/search", map[string]string{
		"b": "2", "a": "1",
	})
	b := Key("search", "https://api.example.com/v1/search?a=1", map[string]string{
		"b": "2",
	})
	require.Equal(t, a, b)
	require.Equal(t, "search:https://api.example.com/v1/search?a=1&b=2", a)

	// class segregates otherwise identical requests
	c := Key("detail", "https://api.example.com/v1/search?a=1&b=2", nil)
	require.NotEqual(t, a, c)
}
