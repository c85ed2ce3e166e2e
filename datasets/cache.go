package datasets

import (
	"sync"

	"github.com/Noofbiz/fcvision/ndimage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// cacheEntry is a decoded sample before augmentation.
type cacheEntry struct {
	image, target *ndimage.Image
}

// sampleCache memoizes decoded samples for one dataset instance. It is safe
// for concurrent use. A nil *sampleCache caches nothing.
type sampleCache struct {
	bounded *lru.Cache[int, cacheEntry]

	mu  sync.RWMutex
	all map[int]cacheEntry
}

// newSampleCache returns a cache bounded to size entries, or unbounded if
// size <= 0.
func newSampleCache(size int) (*sampleCache, error) {
	if size <= 0 {
		return &sampleCache{all: make(map[int]cacheEntry)}, nil
	}
	c, err := lru.New[int, cacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "creating sample cache")
	}
	return &sampleCache{bounded: c}, nil
}

func (c *sampleCache) get(idx int) (cacheEntry, bool) {
	if c == nil {
		return cacheEntry{}, false
	}
	if c.bounded != nil {
		return c.bounded.Get(idx)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.all[idx]
	return e, ok
}

func (c *sampleCache) put(idx int, e cacheEntry) {
	if c == nil {
		return
	}
	if c.bounded != nil {
		c.bounded.Add(idx, e)
		return
	}
	c.mu.Lock()
	c.all[idx] = e
	c.mu.Unlock()
}

// Len returns the number of cached samples.
func (c *sampleCache) Len() int {
	if c == nil {
		return 0
	}
	if c.bounded != nil {
		return c.bounded.Len()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}

// bytes estimates the memory held by the cache.
func (c *sampleCache) bytes() uint64 {
	if c == nil {
		return 0
	}
	var total uint64
	add := func(e cacheEntry) {
		total += uint64(len(e.image.Data)) * 4
		if e.target != nil {
			total += uint64(len(e.target.Data)) * 4
		}
	}
	if c.bounded != nil {
		for _, k := range c.bounded.Keys() {
			if e, ok := c.bounded.Peek(k); ok {
				add(e)
			}
		}
		return total
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.all {
		add(e)
	}
	return total
}
