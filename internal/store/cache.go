package store

import (
	"context"
	"sync"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
)

type partitionKey struct {
	t    domain.RecordType
	year int
}

// CachedStore wraps a Store with an in-memory LRU of recently read
// partitions. Writes invalidate the affected partitions. Records returned
// from the cache are shared and must not be mutated.
type CachedStore struct {
	*Store
	cache   *lruCache[partitionKey, []domain.Record]
	metrics *observability.Metrics

	// gens counts invalidations per partition. A read that raced a write
	// sees a newer generation and is not cached.
	mu   sync.Mutex
	gens map[partitionKey]uint64
}

// NewCachedStore creates a cache decorator holding up to maxPartitions partitions.
func NewCachedStore(s *Store, maxPartitions int, metrics *observability.Metrics) *CachedStore {
	return &CachedStore{
		Store:   s,
		cache:   newLRUCache[partitionKey, []domain.Record](maxPartitions),
		metrics: metrics,
		gens:    make(map[partitionKey]uint64),
	}
}

func (c *CachedStore) Get(ctx context.Context, t domain.RecordType, year int) ([]domain.Record, error) {
	key := partitionKey{t, year}
	if recs, ok := c.cache.get(key); ok {
		c.metrics.PartitionCache.WithLabelValues("hit").Inc()
		return recs, nil
	}
	c.metrics.PartitionCache.WithLabelValues("miss").Inc()

	gen := c.generation(key)
	recs, err := c.Store.Get(ctx, t, year)
	if err != nil {
		return nil, err
	}
	c.fill(key, gen, recs)
	return recs, nil
}

func (c *CachedStore) Put(ctx context.Context, t domain.RecordType, year int, records []domain.Record) error {
	defer c.invalidate(partitionKey{t, year})
	return c.Store.Put(ctx, t, year, records)
}

func (c *CachedStore) Clear(ctx context.Context, t domain.RecordType, year int) error {
	defer c.invalidate(partitionKey{t, year})
	return c.Store.Clear(ctx, t, year)
}

func (c *CachedStore) ClearYear(ctx context.Context, year int) error {
	defer func() {
		for _, t := range domain.RecordTypes {
			c.invalidate(partitionKey{t, year})
		}
	}()
	return c.Store.ClearYear(ctx, year)
}

func (c *CachedStore) generation(key partitionKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// fill caches recs only if no write invalidated key since gen was read.
func (c *CachedStore) fill(key partitionKey, gen uint64, recs []domain.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return
	}
	c.cache.put(key, recs)
}

func (c *CachedStore) invalidate(key partitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.cache.remove(key)
}

// lruCache is a simple thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*entry[K, V]
	head       *entry[K, V] // most recently used
	tail       *entry[K, V] // least recently used
}

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &lruCache[K, V]{
		maxEntries: maxEntries,
		entries:    make(map[K]*entry[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evict(c.tail)
	}
}

func (c *lruCache[K, V]) remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.evict(e)
	}
}

func (c *lruCache[K, V]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.addToFront(e)
}

func (c *lruCache[K, V]) addToFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[K, V]) evict(e *entry[K, V]) {
	if e == nil {
		return
	}
	delete(c.entries, e.key)
	c.unlink(e)
}
