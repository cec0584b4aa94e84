package normcache

import "sync"

// hotEntry is one resident blob plus its LFU bookkeeping.
type hotEntry struct {
	hash ContentHash
	data []byte
	freq int
}

// hotTier is a from-scratch LFU cache sized by resident bytes. golang-lru/v2
// ships LRU, 2Q, and ARC but no LFU variant, so this tier is hand-rolled:
// entries are bucketed by frequency, each bucket a set (a map), so both Get
// (promote) and evict-minimum run in O(1) amortized.
type hotTier struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	entries  map[ContentHash]*hotEntry
	buckets  map[int]map[ContentHash]struct{}
	minFreq  int
}

func newHotTier(maxBytes int64) *hotTier {
	return &hotTier{
		maxBytes: maxBytes,
		entries:  make(map[ContentHash]*hotEntry),
		buckets:  make(map[int]map[ContentHash]struct{}),
	}
}

func (h *hotTier) bucketFor(freq int) map[ContentHash]struct{} {
	b, ok := h.buckets[freq]
	if !ok {
		b = make(map[ContentHash]struct{})
		h.buckets[freq] = b
	}
	return b
}

// Get returns the cached blob and bumps its frequency bucket.
func (h *hotTier) Get(hash ContentHash) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[hash]
	if !ok {
		return nil, false
	}
	delete(h.bucketFor(e.freq), hash)
	if len(h.buckets[e.freq]) == 0 && h.minFreq == e.freq {
		h.minFreq++
	}
	e.freq++
	h.bucketFor(e.freq)[hash] = struct{}{}
	return e.data, true
}

// Put inserts or refreshes hash's blob, evicting minimum-frequency entries
// until it fits within maxBytes.
func (h *hotTier) Put(hash ContentHash, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.entries[hash]; ok {
		h.curBytes += int64(len(data)) - int64(len(e.data))
		e.data = data
	} else {
		e := &hotEntry{hash: hash, data: data, freq: 1}
		h.entries[hash] = e
		h.bucketFor(1)[hash] = struct{}{}
		h.minFreq = 1
		h.curBytes += int64(len(data))
	}

	for h.curBytes > h.maxBytes && len(h.entries) > 0 {
		h.evictMinFreq()
	}
}

func (h *hotTier) evictMinFreq() {
	bucket, ok := h.buckets[h.minFreq]
	if !ok || len(bucket) == 0 {
		h.advanceMinFreq()
		bucket = h.buckets[h.minFreq]
	}
	for hash := range bucket {
		delete(bucket, hash)
		if e, ok := h.entries[hash]; ok {
			h.curBytes -= int64(len(e.data))
			delete(h.entries, hash)
		}
		if len(bucket) == 0 {
			delete(h.buckets, h.minFreq)
			h.advanceMinFreq()
		}
		return
	}
}

func (h *hotTier) advanceMinFreq() {
	for len(h.buckets) > 0 {
		if _, ok := h.buckets[h.minFreq]; ok {
			return
		}
		h.minFreq++
		if h.minFreq > 1<<20 {
			return
		}
	}
}

func (h *hotTier) Delete(hash ContentHash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[hash]
	if !ok {
		return
	}
	delete(h.bucketFor(e.freq), hash)
	delete(h.entries, hash)
	h.curBytes -= int64(len(e.data))
}

func (h *hotTier) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
