package classify

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/szibis/telemetry-governor/internal/model"
)

type cacheKey struct {
	kind     model.SignalKind
	resource uint64
	name     string
}

type cacheEntry struct {
	key      cacheKey
	priority model.Priority
}

// resultCache is a bounded LRU of classification results.
type resultCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List
	maxSize int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func newResultCache(maxSize int) *resultCache {
	if maxSize <= 0 {
		return nil
	}
	return &resultCache{
		entries: make(map[cacheKey]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (c *resultCache) get(k cacheKey) (model.Priority, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	elem, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return 0, false
	}
	c.order.MoveToFront(elem)
	p := elem.Value.(*cacheEntry).priority
	c.mu.Unlock()
	c.hits.Add(1)
	return p, true
}

func (c *resultCache) put(k cacheKey, p model.Priority) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[k]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).priority = p
		return
	}
	for c.order.Len() >= c.maxSize {
		back := c.order.Back()
		delete(c.entries, back.Value.(*cacheEntry).key)
		c.order.Remove(back)
		c.evictions.Add(1)
	}
	c.entries[k] = c.order.PushFront(&cacheEntry{key: k, priority: p})
}

func (c *resultCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
