package cache

import "sync"

type ramItem struct {
	key  string
	rec  Record
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is the in-process tier: an LRU bounded by encoded record size.
// Evicted records stay in the backend.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Record{}, false
	}
	c.moveToFront(it)
	return it.rec, true
}

func (c *ramCache) Put(key string, rec Record, size int64) {
	if c.maxBytes > 0 && size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.rec = rec
		it.size = size
		c.total += size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, rec: rec, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}

	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

// DeleteExpired drops records that are stale at nowMs and returns how many.
func (c *ramCache) DeleteExpired(nowMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if nowMs >= it.rec.ExpiresAt {
			c.removeLocked(it)
			n++
		}
	}
	return n
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) unlink(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
