package offcache

import "sync"

// ramCache is a byte-bounded LRU mirror of recently served entries. Dropping
// an item here never removes it from its generation on disk.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[ramKey]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

type ramKey struct {
	gen string
	key string
}

type ramItem struct {
	k    ramKey
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[ramKey]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(gen, key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[ramKey{gen, key}]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

// Put stores ent unless it alone exceeds the budget. A zero budget disables
// the RAM layer.
func (c *ramCache) Put(gen, key string, ent Entry) {
	if c.maxBytes <= 0 {
		return
	}
	sz := ent.size()
	if sz > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := ramKey{gen, key}
	if it, ok := c.items[k]; ok {
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.moveToFront(it)
		c.shrinkLocked(0)
		return
	}

	if c.total+sz > c.maxBytes {
		c.shrinkLocked(sz)
		c.overflowLog.Printf("RAM cache overflow, evicted down to %s", formatBytes(uint64(c.total)))
	}

	it := &ramItem{k: k, ent: ent, size: sz}
	c.items[k] = it
	c.addToFront(it)
	c.total += sz
}

// DropGeneration forgets every item belonging to gen.
func (c *ramCache) DropGeneration(gen string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if k.gen != gen {
			continue
		}
		c.remove(it)
		delete(c.items, k)
		c.total -= it.size
		n++
	}
	return n
}

// shrinkLocked evicts least-recently-used items until need more bytes fit.
func (c *ramCache) shrinkLocked(need int64) {
	for c.tail != nil && c.total+need > c.maxBytes {
		it := c.tail
		c.remove(it)
		delete(c.items, it.k)
		c.total -= it.size
	}
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

func (c *ramCache) remove(it *ramItem) {
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
	c.remove(it)
	c.addToFront(it)
}
