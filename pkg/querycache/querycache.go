// Package querycache implements the LRU+TTL cache over search responses
// keyed by a fingerprint of (collection, query, k, threshold, filter,
// pagination), with per-collection invalidation on writes. Backed by
// hashicorp/golang-lru's expirable LRU and cespare/xxhash for fingerprinting.
package querycache

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// FilterSpec is a stable textual representation of a payload filter,
// suitable for fingerprinting; callers render their filter AST into this
// before calling Fingerprint.
type FilterSpec string

// Query identifies one cacheable search request.
type Query struct {
	Collection string
	Text       string // empty if searching by raw vector
	Vector     []float32
	K          int
	Threshold  float32
	Filter     FilterSpec
	Offset     int
}

// Fingerprint returns the xxhash-based cache key for q.
func Fingerprint(q Query) uint64 {
	h := xxhash.New()
	h.Write([]byte(q.Collection))
	h.Write([]byte{0})
	h.Write([]byte(q.Text))
	h.Write([]byte{0})
	var buf4 [4]byte
	for _, f := range q.Vector {
		binary.LittleEndian.PutUint32(buf4[:], math.Float32bits(f))
		h.Write(buf4[:])
	}
	var buf8 [8]byte
	binary.LittleEndian.PutUint64(buf8[:], uint64(int64(q.K)))
	h.Write(buf8[:])
	binary.LittleEndian.PutUint32(buf4[:], math.Float32bits(q.Threshold))
	h.Write(buf4[:])
	h.Write([]byte(q.Filter))
	h.Write([]byte{0})
	binary.LittleEndian.PutUint64(buf8[:], uint64(int64(q.Offset)))
	h.Write(buf8[:])
	return h.Sum64()
}

// Entry is a cached search response.
type Entry struct {
	Response   any
	Collection string
	InsertedAt time.Time
}

// Stats reports cache effectiveness for observability.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Invalidated uint64
	Size        int
}

// Cache is an LRU+TTL cache over search responses with an auxiliary
// per-collection key index so an entire collection's entries can be
// invalidated in one pass after a write. mu guards the lru and the
// counters; collMu guards byColl on its own, since the underlying LRU can
// evict entries (on TTL expiry, on its background janitor, or when Add
// exceeds capacity) from a call stack that already holds mu — onEvict must
// take a different lock than the one its caller might be holding.
type Cache struct {
	mu  sync.Mutex
	lru *lru.LRU[uint64, Entry]

	collMu sync.Mutex
	byColl map[string]map[uint64]struct{}

	hits        uint64
	misses      uint64
	invalidated uint64
}

// New creates a Cache holding up to size entries, each expiring after ttl.
func New(size int, ttl time.Duration) *Cache {
	c := &Cache{byColl: make(map[string]map[uint64]struct{})}
	c.lru = lru.NewLRU[uint64, Entry](size, c.onEvict, ttl)
	return c
}

// onEvict is the LRU's eviction callback: whenever a key leaves the LRU on
// its own, by TTL expiry, size-based eviction, or the library's janitor
// goroutine, it drops the same key from the owning collection's key set so
// byColl never outlives the entries it tracks.
func (c *Cache) onEvict(key uint64, entry Entry) {
	c.collMu.Lock()
	defer c.collMu.Unlock()
	keys, ok := c.byColl[entry.Collection]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.byColl, entry.Collection)
	}
}

// Get looks up q's cached response.
func (c *Cache) Get(q Query) (Entry, bool) {
	key := Fingerprint(q)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return entry, ok
}

// Put stores resp under q's fingerprint, indexed by collection for later
// invalidation.
func (c *Cache) Put(q Query, resp any, insertedAt time.Time) {
	key := Fingerprint(q)
	entry := Entry{Response: resp, Collection: q.Collection, InsertedAt: insertedAt}

	c.mu.Lock()
	c.lru.Add(key, entry)
	c.mu.Unlock()

	c.collMu.Lock()
	keys, ok := c.byColl[q.Collection]
	if !ok {
		keys = make(map[uint64]struct{})
		c.byColl[q.Collection] = keys
	}
	keys[key] = struct{}{}
	c.collMu.Unlock()
}

// InvalidateCollection purges every cached entry for collection, called
// after any mutating write to it.
func (c *Cache) InvalidateCollection(collection string) {
	c.collMu.Lock()
	keys := c.byColl[collection]
	delete(c.byColl, collection)
	c.collMu.Unlock()
	if len(keys) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range keys {
		c.lru.Remove(key)
		c.invalidated++
	}
}

// Stats reports hit/miss/invalidation counters and current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Invalidated: c.invalidated,
		Size:        c.lru.Len(),
	}
}
