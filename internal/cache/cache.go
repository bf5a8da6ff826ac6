// Package cache provides the bounded in-memory TTL cache every pipeline
// stage reads through. Expiry is lazy on access plus a periodic sweep;
// overflow evicts the earliest-expiring entry, ties broken by oldest
// insertion.
package cache

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSweepInterval = 30 * time.Second

type entry[V any] struct {
	key        string
	value      V
	expiresAt  time.Time
	insertedAt time.Time
	index      int
}

// expiryHeap orders entries by expiry time, then insertion time.
type expiryHeap[V any] []*entry[V]

func (h expiryHeap[V]) Len() int { return len(h) }

func (h expiryHeap[V]) Less(i, j int) bool {
	if h[i].expiresAt.Equal(h[j].expiresAt) {
		return h[i].insertedAt.Before(h[j].insertedAt)
	}
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap[V]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap[V]) Push(x any) {
	e := x.(*entry[V])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap[V]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache is a bounded TTL key/value store, safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[string]*entry[V]
	pq       expiryHeap[V]
	capacity int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	sweepInterval time.Duration
}

// WithSweepInterval overrides the periodic sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New creates a cache bounded to capacity entries and starts its sweeper.
// Callers own the returned cache and must Close it on shutdown.
func New[V any](capacity int, opts ...Option) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	o := options{sweepInterval: defaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		items:    make(map[string]*entry[V], capacity),
		pq:       make(expiryHeap[V], 0, capacity),
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go c.sweepLoop(o.sweepInterval)
	return c
}

// Get returns the live value for key. Expired entries are absent even if
// the sweeper has not reached them yet.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	e, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		return zero, false
	}
	if !time.Now().Before(e.expiresAt) {
		c.removeLocked(e)
		c.mu.Unlock()
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return zero, false
	}
	v := e.value
	c.mu.Unlock()
	atomic.AddInt64(&c.hits, 1)
	return v, true
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = now.Add(ttl)
		e.insertedAt = now
		heap.Fix(&c.pq, e.index)
		return
	}
	for len(c.items) >= c.capacity {
		evicted := heap.Pop(&c.pq).(*entry[V])
		delete(c.items, evicted.key)
		atomic.AddInt64(&c.evictions, 1)
	}
	e := &entry[V]{key: key, value: value, expiresAt: now.Add(ttl), insertedAt: now}
	c.items[key] = e
	heap.Push(&c.pq, e)
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of stored entries, expired-but-unswept included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats snapshots the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return Stats{
		Size:        size,
		Capacity:    c.capacity,
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
		Evictions:   atomic.LoadInt64(&c.evictions),
		Expirations: atomic.LoadInt64(&c.expirations),
	}
}

// Close stops the sweeper. The cache remains usable afterwards.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	heap.Remove(&c.pq, e.index)
	delete(c.items, e.key)
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep pops expired heap heads until the earliest entry is still live.
func (c *Cache[V]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pq) > 0 && !now.Before(c.pq[0].expiresAt) {
		e := heap.Pop(&c.pq).(*entry[V])
		delete(c.items, e.key)
		atomic.AddInt64(&c.expirations, 1)
	}
}
