package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New[string](10)
	defer c.Close()

	c.Set("a", "alpha", time.Minute)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestGetExpiredBeforeSweep(t *testing.T) {
	c := New[int](10, WithSweepInterval(time.Hour))
	defer c.Close()

	c.Set("k", 42, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must be absent even before the sweeper runs")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Size)
}

func TestOverflowEvictsEarliestExpiry(t *testing.T) {
	c := New[string](3, WithSweepInterval(time.Hour))
	defer c.Close()

	c.Set("long", "x", time.Hour)
	c.Set("short", "x", time.Minute)
	c.Set("mid", "x", 30*time.Minute)

	// Fourth insert overflows; "short" expires first and must go.
	c.Set("new", "x", 2*time.Hour)

	_, ok := c.Get("short")
	assert.False(t, ok)
	for _, k := range []string{"long", "mid", "new"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "key %q should survive eviction", k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestOverflowTieBreaksOnInsertionOrder(t *testing.T) {
	c := New[int](2, WithSweepInterval(time.Hour))
	defer c.Close()

	now := time.Now()
	c.mu.Lock()
	// Hand-build two entries with identical expiry but distinct insertion times.
	for i, k := range []string{"older", "newer"} {
		e := &entry[int]{
			key:        k,
			value:      i,
			expiresAt:  now.Add(time.Hour),
			insertedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		c.items[k] = e
		c.pq = append(c.pq, e)
		e.index = len(c.pq) - 1
	}
	c.mu.Unlock()

	c.Set("third", 3, time.Hour)

	_, ok := c.Get("older")
	assert.False(t, ok, "oldest insertion loses the expiry tie")
	_, ok = c.Get("newer")
	assert.True(t, ok)
}

func TestSetOverwriteRefreshesTTL(t *testing.T) {
	c := New[int](10, WithSweepInterval(time.Hour))
	defer c.Close()

	c.Set("k", 1, 5*time.Millisecond)
	c.Set("k", 2, time.Minute)
	time.Sleep(20 * time.Millisecond)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[int](10)
	defer c.Close()

	c.Set("k", 1, time.Minute)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	c.Delete("k")
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New[int](10, WithSweepInterval(10*time.Millisecond))
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 5*time.Millisecond)
	}
	c.Set("keep", 99, time.Minute)

	assert.Eventually(t, func() bool { return c.Len() == 1 },
		time.Second, 10*time.Millisecond)

	v, ok := c.Get("keep")
	require.True(t, ok)
	assert.Equal(t, 99, v)
}

func TestNonPositiveTTLDeletes(t *testing.T) {
	c := New[int](10)
	defer c.Close()

	c.Set("k", 1, time.Minute)
	c.Set("k", 2, 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](128)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%32)
				c.Set(key, g*1000+i, time.Minute)
				c.Get(key)
				if i%17 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, 128)
	assert.Positive(t, stats.Hits)
}
