package cache

import (
	"container/list"
	"sync"
)

// lruTier is the in-memory L1 tier: a fixed-capacity LRU over raw values.
// Safe for concurrent use.
type lruTier struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []byte
}

func newLRUTier(capacity int) *lruTier {
	if capacity <= 0 {
		capacity = 256
	}
	return &lruTier{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (t *lruTier) Get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

// Put inserts or replaces key, evicting the least recently used entry when
// the tier is full. Returns the evicted key, if any.
func (t *lruTier) Put(key string, value []byte) (evicted string, didEvict bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[key]; ok {
		el.Value.(*lruEntry).value = value
		t.order.MoveToFront(el)
		return "", false
	}

	if t.order.Len() >= t.capacity {
		victim := t.order.Back()
		if victim != nil {
			ve := victim.Value.(*lruEntry)
			t.order.Remove(victim)
			delete(t.items, ve.key)
			evicted, didEvict = ve.key, true
		}
	}

	t.items[key] = t.order.PushFront(&lruEntry{key: key, value: value})
	return evicted, didEvict
}

// Len returns the number of resident entries.
func (t *lruTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
