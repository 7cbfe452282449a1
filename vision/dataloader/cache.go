// Package dataloader assembles catalog slices, radiomic vectors and targets
// into training batches.
package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/neurograde/vision/preprocessing"
)

// StackCache is an LRU cache of decoded 4-channel stacks keyed by canonical
// slice path. Cached volumes are the raw decoded stacks, before any
// transform, so one entry serves every epoch. Transforms never mutate their
// input, which keeps the cached volumes valid for sharing.
type StackCache struct {
	mu      sync.Mutex
	entries map[string]*preprocessing.Volume
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// NewStackCache creates a cache holding at most maxSize stacks. A maxSize of
// zero disables caching.
func NewStackCache(maxSize int) *StackCache {
	return &StackCache{
		entries: make(map[string]*preprocessing.Volume),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a decoded stack, marking it most recently used.
func (sc *StackCache) Get(path string) (*preprocessing.Volume, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if v, ok := sc.entries[path]; ok {
		sc.lru.MoveToFront(sc.lruMap[path])
		sc.hits++
		return v, true
	}
	sc.misses++
	return nil, false
}

// Put stores a decoded stack, evicting the least recently used entries when
// the cache is over capacity.
func (sc *StackCache) Put(path string, v *preprocessing.Volume) {
	if sc.maxSize == 0 {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, ok := sc.entries[path]; ok {
		sc.lru.MoveToFront(sc.lruMap[path])
		return
	}
	sc.entries[path] = v
	sc.lruMap[path] = sc.lru.PushFront(path)

	for len(sc.entries) > sc.maxSize && sc.lru.Len() > 0 {
		oldest := sc.lru.Back()
		key := oldest.Value.(string)
		sc.lru.Remove(oldest)
		delete(sc.lruMap, key)
		delete(sc.entries, key)
	}
}

// CacheStats summarizes cache effectiveness.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
}

func (cs CacheStats) String() string {
	total := cs.Hits + cs.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(cs.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("cache %d/%d stacks, %d hits, %d misses, %.1f%% hit rate",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, rate)
}

// Stats returns a snapshot of the counters.
func (sc *StackCache) Stats() CacheStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return CacheStats{
		Size:    len(sc.entries),
		MaxSize: sc.maxSize,
		Hits:    sc.hits,
		Misses:  sc.misses,
	}
}
