// Package cache implements the Data Reader Cache: a bounded, mtime-invalidated
// LRU of parsed staged measurements. A Cache is guarded by a mutex and is
// safe for concurrent use; the metric pipeline shares one instance across
// all of its workers rather than giving each worker its own. It is modeled on the teacher's internal/resources.Manager LRU (container/list
// plus a map index) but drops the disk-spill tier — staged measurements are
// small enough to simply re-read from Parquet on a miss.
package cache

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// entry is the cached value plus the mtime it was read at.
type entry struct {
	key   string
	value any
	mtime time.Time
}

// Stats reports cumulative hit/miss counts for a cache instance.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a bounded LRU keyed by absolute file path. Loader is called on a
// miss (including a stale-mtime eviction) to produce the cached value.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
	stats    Stats
}

// New returns a cache bounded to capacity entries (default 100 if <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Get returns the cached value for path if present and not stale (re-stat
// on every lookup), otherwise calls loader, stores the result, and returns
// it. loader errors are not cached.
func (c *Cache) Get(path string, loader func() (any, error)) (any, error) {
	info, statErr := os.Stat(path)

	c.mu.Lock()
	if el, ok := c.index[path]; ok {
		e := el.Value.(*entry)
		if statErr == nil && !info.ModTime().After(e.mtime) {
			c.ll.MoveToFront(el)
			c.stats.Hits++
			value := e.value
			c.mu.Unlock()
			return value, nil
		}
		c.ll.Remove(el)
		delete(c.index, path)
	}
	c.stats.Misses++
	c.mu.Unlock()

	value, err := loader()
	if err != nil {
		return nil, err
	}

	mtime := time.Now()
	if statErr == nil {
		mtime = info.ModTime()
	}

	c.mu.Lock()
	el := c.ll.PushFront(&entry{key: path, value: value, mtime: mtime})
	c.index[path] = el
	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).key)
	}
	c.mu.Unlock()

	return value, nil
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
