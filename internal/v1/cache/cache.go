// Package cache is the multi-level read cache: an in-process LRU with a
// byte budget, the shared store as the distributed level, and an optional
// durable level in the relational database. Invalidation is explicit, by
// key, tag, or dependency, and is wired to the cross-server bus so remote
// mutations purge local copies.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/metrics"
	"github.com/castwire/streamhub/internal/v1/store"
)

const (
	// l2Prefix namespaces distributed cache keys under the store's own
	// service prefix.
	l2Prefix = "cache:"

	// DefaultL2TTL is the distributed level's entry lifetime.
	DefaultL2TTL = time.Hour
	// DefaultL3TTL is the durable level's entry lifetime.
	DefaultL3TTL = 24 * time.Hour

	// maxDependencyDepth bounds the invalidation walk so dependency
	// cycles terminate.
	maxDependencyDepth = 3

	janitorInterval = time.Minute
)

// Cache coordinates the three levels. Reads promote upward on hit; writes
// land on every level the entry is configured for.
type Cache struct {
	l1    *l1Cache
	tags  *tagIndex
	store *store.Service
	db    *Durable

	// dependents is the reverse dependency graph: invalidating key k also
	// invalidates dependents[k], up to maxDependencyDepth.
	depMu      sync.Mutex
	dependents map[string]set.Set[string]

	l2TTL time.Duration
	nowFn func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithByteBudget overrides the L1 byte budget.
func WithByteBudget(budget int64) Option {
	return func(c *Cache) { c.l1.budget = budget }
}

// WithEntryCap overrides the L1 entry cap.
func WithEntryCap(n int) Option {
	return func(c *Cache) { c.l1.entryCap = n }
}

// WithDurable attaches the durable level.
func WithDurable(d *Durable) Option {
	return func(c *Cache) { c.db = d }
}

// WithClock injects the time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		c.nowFn = fn
		c.l1.nowFn = fn
	}
}

// New builds a Cache over the given store. st may be nil (single-instance
// mode); the distributed level then reads as a permanent miss.
func New(st *store.Service, opts ...Option) *Cache {
	c := &Cache{
		tags:       newTagIndex(),
		store:      st,
		dependents: make(map[string]set.Set[string]),
		l2TTL:      DefaultL2TTL,
		nowFn:      time.Now,
	}
	c.l1 = newL1(DefaultByteBudget, DefaultEntryCap, DefaultL1TTL, c.nowFn)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Entry options for Set.

type setConfig struct {
	ttl     time.Duration
	tags    []string
	deps    []string
	durable bool
}

// SetOption configures one cached entry.
type SetOption func(*setConfig)

// WithTTL overrides the L1 lifetime for this entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(sc *setConfig) { sc.ttl = ttl }
}

// WithTags attaches invalidation tags.
func WithTags(tags ...string) SetOption {
	return func(sc *setConfig) { sc.tags = tags }
}

// DependsOn links this entry to other keys: when any of them is
// invalidated, this entry goes too.
func DependsOn(keys ...string) SetOption {
	return func(sc *setConfig) { sc.deps = keys }
}

// WriteThrough sends the entry to the durable level as well.
func WriteThrough() SetOption {
	return func(sc *setConfig) { sc.durable = true }
}

// Set stores v on L1 and L2 (and L3 when marked durable).
func (c *Cache) Set(ctx context.Context, key string, v any, opts ...SetOption) error {
	var sc setConfig
	for _, opt := range opts {
		opt(&sc)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}

	c.l1.put(key, raw, sc.ttl, sc.tags, sc.deps)
	c.tags.add(key, sc.tags)
	c.linkDeps(key, sc.deps)

	if err := c.store.SetJSON(ctx, l2Prefix+key, json.RawMessage(raw), c.l2TTL); err != nil {
		return err
	}

	if sc.durable && c.db != nil {
		if err := c.db.Put(ctx, key, raw, sc.tags, c.nowFn().Add(DefaultL3TTL)); err != nil {
			logging.Warn(ctx, "Durable cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Get reads key into dest, trying L1, then L2, then L3, promoting on hit.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if raw, ok := c.l1.get(key); ok {
		metrics.CacheRequests.WithLabelValues("l1", "hit").Inc()
		return true, json.Unmarshal(raw, dest)
	}
	metrics.CacheRequests.WithLabelValues("l1", "miss").Inc()

	var raw json.RawMessage
	found, err := c.store.GetJSON(ctx, l2Prefix+key, &raw)
	if err != nil {
		return false, err
	}
	if found {
		metrics.CacheRequests.WithLabelValues("l2", "hit").Inc()
		c.l1.put(key, raw, 0, nil, nil)
		return true, json.Unmarshal(raw, dest)
	}
	metrics.CacheRequests.WithLabelValues("l2", "miss").Inc()

	if c.db != nil {
		value, ok, err := c.db.Fetch(ctx, key, c.nowFn())
		if err != nil {
			return false, err
		}
		if ok {
			metrics.CacheRequests.WithLabelValues("l3", "hit").Inc()
			c.l1.put(key, value, 0, nil, nil)
			if err := c.store.SetJSON(ctx, l2Prefix+key, json.RawMessage(value), c.l2TTL); err != nil {
				logging.Warn(ctx, "Cache promotion to store failed", zap.String("key", key), zap.Error(err))
			}
			return true, json.Unmarshal(value, dest)
		}
		metrics.CacheRequests.WithLabelValues("l3", "miss").Inc()
	}
	return false, nil
}

// Invalidate purges the given keys from every level and walks their
// dependents.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	c.invalidate(ctx, keys, 0, "key")
}

// InvalidateTag purges every key carrying the tag.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) {
	c.invalidate(ctx, c.tags.keys(tag), 0, "tag:"+tag)
}

func (c *Cache) invalidate(ctx context.Context, keys []string, depth int, trigger string) {
	if depth > maxDependencyDepth || len(keys) == 0 {
		return
	}

	var next []string
	for _, key := range keys {
		c.l1.remove(key)
		c.tags.removeKey(key)
		if err := c.store.Del(ctx, l2Prefix+key); err != nil {
			logging.Warn(ctx, "Store cache invalidation failed", zap.String("key", key), zap.Error(err))
		}
		if c.db != nil {
			if err := c.db.Delete(ctx, key); err != nil {
				logging.Warn(ctx, "Durable cache invalidation failed", zap.String("key", key), zap.Error(err))
			}
		}
		metrics.CacheInvalidations.WithLabelValues(trigger).Inc()
		next = append(next, c.takeDependents(key)...)
	}

	c.invalidate(ctx, next, depth+1, trigger)
}

func (c *Cache) linkDeps(key string, deps []string) {
	if len(deps) == 0 {
		return
	}
	c.depMu.Lock()
	defer c.depMu.Unlock()
	for _, dep := range deps {
		s, ok := c.dependents[dep]
		if !ok {
			s = set.New[string]()
			c.dependents[dep] = s
		}
		s.Insert(key)
	}
}

func (c *Cache) takeDependents(key string) []string {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	s, ok := c.dependents[key]
	if !ok {
		return nil
	}
	delete(c.dependents, key)
	return s.SortedList()
}

// Start launches the janitor: expired L1 entries are reaped every minute
// and the durable level is trimmed of dead rows.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

func (c *Cache) sweep(ctx context.Context) {
	for _, key := range c.l1.sweep() {
		c.tags.removeKey(key)
	}
	if c.db != nil {
		if err := c.db.SweepExpired(ctx, c.nowFn()); err != nil {
			logging.Warn(ctx, "Durable cache sweep failed", zap.Error(err))
		}
	}
}

// Stats reports the in-process level's occupancy.
func (c *Cache) Stats() (entries int, bytes int64) {
	return c.l1.len(), c.l1.usedBytes()
}
