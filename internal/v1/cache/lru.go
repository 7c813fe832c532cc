package cache

import (
	"container/list"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/castwire/streamhub/internal/v1/metrics"
)

const (
	// DefaultByteBudget caps the in-process level at 100 MiB.
	DefaultByteBudget = 100 << 20
	// DefaultEntryCap bounds entry count independently of bytes.
	DefaultEntryCap = 10000
	// DefaultL1TTL is the in-process entry lifetime.
	DefaultL1TTL = 5 * time.Minute
)

type l1Entry struct {
	key          string
	value        []byte
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	tags         []string
	deps         []string
	element      *list.Element
}

// l1Cache is the in-process level: a map plus LRU list with both a byte
// budget and an entry cap. Reads bump recency; expired entries read as
// misses and are reaped by the janitor.
type l1Cache struct {
	mu       sync.Mutex
	entries  map[string]*l1Entry
	order    *list.List // front = most recent
	bytes    int64
	budget   int64
	entryCap int
	ttl      time.Duration
	nowFn    func() time.Time
}

func newL1(budget int64, entryCap int, ttl time.Duration, nowFn func() time.Time) *l1Cache {
	return &l1Cache{
		entries:  make(map[string]*l1Entry),
		order:    list.New(),
		budget:   budget,
		entryCap: entryCap,
		ttl:      ttl,
		nowFn:    nowFn,
	}
}

func (c *l1Cache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.nowFn()
	if now.After(entry.expiresAt) {
		c.removeLocked(entry)
		return nil, false
	}

	entry.lastAccessed = now
	entry.accessCount++
	c.order.MoveToFront(entry.element)
	return entry.value, true
}

func (c *l1Cache) put(key string, value []byte, ttl time.Duration, tags, deps []string) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}

	entry := &l1Entry{
		key:          key,
		value:        value,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		accessCount:  1,
		tags:         tags,
		deps:         deps,
	}
	entry.element = c.order.PushFront(entry)
	c.entries[key] = entry
	c.bytes += int64(len(value))

	for c.bytes > c.budget || c.order.Len() > c.entryCap {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*l1Entry))
	}
	metrics.CacheBytes.Set(float64(c.bytes))
}

func (c *l1Cache) remove(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	deps := entry.deps
	c.removeLocked(entry)
	return deps, true
}

func (c *l1Cache) removeLocked(entry *l1Entry) {
	delete(c.entries, entry.key)
	c.order.Remove(entry.element)
	c.bytes -= int64(len(entry.value))
	metrics.CacheBytes.Set(float64(c.bytes))
}

// keysByTag collects live keys carrying the tag.
func (c *l1Cache) keysByTag(tag string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, entry := range c.entries {
		for _, t := range entry.tags {
			if t == tag {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}

// sweep drops expired entries. Returns the reaped keys so the tag index
// stays coherent.
func (c *l1Cache) sweep() []string {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	var reaped []string
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(entry)
			reaped = append(reaped, key)
		}
	}
	return reaped
}

func (c *l1Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *l1Cache) usedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// tagIndex maps tags to the keys carrying them. Kept beside L1 because
// only in-process keys can be enumerated; the outer levels are invalidated
// by exact key.
type tagIndex struct {
	mu   sync.Mutex
	tags map[string]set.Set[string]
}

func newTagIndex() *tagIndex {
	return &tagIndex{tags: make(map[string]set.Set[string])}
}

func (ti *tagIndex) add(key string, tags []string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for _, tag := range tags {
		s, ok := ti.tags[tag]
		if !ok {
			s = set.New[string]()
			ti.tags[tag] = s
		}
		s.Insert(key)
	}
}

func (ti *tagIndex) keys(tag string) []string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	s, ok := ti.tags[tag]
	if !ok {
		return nil
	}
	return s.SortedList()
}

func (ti *tagIndex) removeKey(key string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for tag, s := range ti.tags {
		s.Delete(key)
		if s.Len() == 0 {
			delete(ti.tags, tag)
		}
	}
}
