package cache

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/internal/cacheinfra"
	"github.com/goliatone/go-entity-store/metrics"
	"github.com/goliatone/go-entity-store/query"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultLoadWindow bounds how long an invalidation timestamp is kept. A load
// that started longer ago than the window is never cached.
const DefaultLoadWindow = time.Minute

type itemEntry struct {
	entity   entity.Entity
	cachedAt time.Time
}

type listEntry struct {
	items    []entity.Entity
	cachedAt time.Time
}

// IdentityCache maps (type, id) to the single shared instance of a record
// and caches whole result sets. It is best effort: when in doubt it does not
// cache, and it never performs I/O.
type IdentityCache struct {
	store      Store
	serializer KeySerializer
	metrics    *metrics.Collector
	logger     *slog.Logger
	clock      func() time.Time

	// modification timestamps used by IsUpdatedSince
	itemUpdated *xsync.MapOf[string, time.Time]
	typeUpdated *xsync.MapOf[string, time.Time]
	listUpdated *xsync.MapOf[string, time.Time]
	clearMu     sync.RWMutex
	clearedAt   time.Time

	// timestamps older than prunedUpTo are dropped; loads that started
	// before it are treated as stale
	loadWindow time.Duration
	pruneMu    sync.RWMutex
	prunedUpTo time.Time
	lastSweep  time.Time

	listenersMu sync.RWMutex
	listeners   []func(context.Context)

	bus         Bus
	origin      string
	unsubscribe func() error
}

// Option configures an IdentityCache.
type Option func(*IdentityCache)

// WithKeySerializer replaces the serializer used for list keys.
func WithKeySerializer(s KeySerializer) Option {
	return func(c *IdentityCache) {
		if s != nil {
			c.serializer = s
		}
	}
}

// WithMetrics records hits, misses and evictions.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *IdentityCache) { c.metrics = m }
}

// WithLogger sets the logger used for bus failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *IdentityCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *IdentityCache) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithLoadWindow sets how long invalidation timestamps are kept.
func WithLoadWindow(d time.Duration) Option {
	return func(c *IdentityCache) {
		if d > 0 {
			c.loadWindow = d
		}
	}
}

// WithBus publishes every eviction on bus. Call Listen to apply evictions
// published by peers.
func WithBus(bus Bus) Option {
	return func(c *IdentityCache) { c.bus = bus }
}

// New builds a cache over store.
func New(store Store, opts ...Option) *IdentityCache {
	c := &IdentityCache{
		store:       store,
		serializer:  NewDefaultKeySerializer(),
		logger:      slog.Default(),
		clock:       time.Now,
		itemUpdated: xsync.NewMapOf[string, time.Time](),
		typeUpdated: xsync.NewMapOf[string, time.Time](),
		listUpdated: xsync.NewMapOf[string, time.Time](),
		origin:      uuid.NewString(),
		loadWindow:  DefaultLoadWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// NewWithConfig builds a cache over the default sturdyc store.
func NewWithConfig(cfg Config, opts ...Option) (*IdentityCache, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return New(store, opts...), nil
}

// Now returns the cache clock reading. Loads record it before querying so the
// result can be checked with IsUpdatedSince.
func (c *IdentityCache) Now() time.Time {
	return c.clock()
}

// Get returns the cached instance for (t, id).
func (c *IdentityCache) Get(t reflect.Type, id any) (entity.Entity, bool) {
	if entity.IsEmptyID(id) {
		return nil, false
	}
	v, ok := c.store.Get(ItemKey(entity.NewKey(t, id)))
	if !ok {
		c.metrics.CacheMiss("item")
		return nil, false
	}
	entry, ok := v.(itemEntry)
	if !ok {
		return nil, false
	}
	c.metrics.CacheHit("item")
	return entry.entity, true
}

// Add stores e, replacing any previous instance, and marks it immutable.
func (c *IdentityCache) Add(e entity.Entity) {
	if e == nil || entity.IsEmptyID(e.GetID()) {
		return
	}
	e.EntityMeta().MarkImmutable()
	c.store.Set(ItemKey(entity.KeyOf(e)), itemEntry{entity: e, cachedAt: c.clock()})
}

// AddIfCurrent stores e unless the record was modified at or after since,
// the moment the load that produced e started. The check is repeated after
// the write so an eviction racing with the insert always wins.
func (c *IdentityCache) AddIfCurrent(e entity.Entity, since time.Time) bool {
	if e == nil || c.IsUpdatedSince(e, since) {
		return false
	}
	c.Add(e)
	if c.IsUpdatedSince(e, since) {
		c.store.Delete(ItemKey(entity.KeyOf(e)))
		return false
	}
	return true
}

// IsUpdatedSince reports whether e's record, its type, or the whole cache was
// invalidated at or after since.
func (c *IdentityCache) IsUpdatedSince(e entity.Entity, since time.Time) bool {
	if e == nil {
		return false
	}
	key := entity.KeyOf(e)
	if ts, ok := c.itemUpdated.Load(ItemKey(key)); ok && !ts.Before(since) {
		return true
	}
	if ts, ok := c.typeUpdated.Load(entity.TypeName(key.Type)); ok && !ts.Before(since) {
		return true
	}
	return c.clearedSince(since)
}

func (c *IdentityCache) clearedSince(since time.Time) bool {
	c.pruneMu.RLock()
	pruned := since.Before(c.prunedUpTo)
	c.pruneMu.RUnlock()
	if pruned {
		return true
	}
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()
	return !c.clearedAt.IsZero() && !c.clearedAt.Before(since)
}

// touch records an invalidation of key at now.
func (c *IdentityCache) touch(m *xsync.MapOf[string, time.Time], key string, now time.Time) {
	m.Store(key, now)
	c.sweep(now)
}

// sweep drops timestamps older than the load window, at most once per
// window. The floor is raised before entries go away.
func (c *IdentityCache) sweep(now time.Time) {
	c.pruneMu.Lock()
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.loadWindow {
		c.pruneMu.Unlock()
		return
	}
	c.lastSweep = now
	cutoff := now.Add(-c.loadWindow)
	if cutoff.After(c.prunedUpTo) {
		c.prunedUpTo = cutoff
	}
	c.pruneMu.Unlock()

	for _, m := range []*xsync.MapOf[string, time.Time]{c.itemUpdated, c.typeUpdated, c.listUpdated} {
		var expired []string
		m.Range(func(key string, ts time.Time) bool {
			if ts.Before(cutoff) {
				expired = append(expired, key)
			}
			return true
		})
		for _, key := range expired {
			m.Compute(key, func(old time.Time, loaded bool) (time.Time, bool) {
				return old, !loaded || old.Before(cutoff)
			})
		}
	}
}

// Remove evicts e. Evicting an absent entry is a no-op.
func (c *IdentityCache) Remove(e entity.Entity) {
	if e == nil {
		return
	}
	c.RemoveKey(entity.KeyOf(e))
}

// RemoveKey evicts the entry for k.
func (c *IdentityCache) RemoveKey(k entity.Key) {
	c.removeKey(k.String(), true)
}

func (c *IdentityCache) removeKey(key string, publish bool) {
	itemKey := itemPrefix + key
	c.touch(c.itemUpdated, itemKey, c.clock())
	c.store.Delete(itemKey)
	c.metrics.CacheEviction("item")
	if publish {
		c.publish(cacheinfra.Message{Kind: cacheinfra.KindItem, Key: key})
	}
}

// RemoveType evicts every item and list of type t.
func (c *IdentityCache) RemoveType(t reflect.Type) {
	c.removeType(entity.TypeName(t), true)
}

func (c *IdentityCache) removeType(name string, publish bool) {
	now := c.clock()
	c.listUpdated.Store(name, now)
	c.touch(c.typeUpdated, name, now)
	c.store.DeleteByPrefix(itemPrefix + name + KeySeparator)
	c.store.DeleteByPrefix(listPrefix + name + KeySeparator)
	c.metrics.CacheEviction("type")
	if publish {
		c.publish(cacheinfra.Message{Kind: cacheinfra.KindType, Type: name})
	}
}

// RemoveLists evicts the cached result sets of type t, keeping its items.
func (c *IdentityCache) RemoveLists(t reflect.Type) {
	c.removeLists(entity.TypeName(t), true)
}

func (c *IdentityCache) removeLists(name string, publish bool) {
	c.touch(c.listUpdated, name, c.clock())
	c.store.DeleteByPrefix(listPrefix + name + KeySeparator)
	if publish {
		c.publish(cacheinfra.Message{Kind: cacheinfra.KindLists, Type: name})
	}
}

// ListKey returns the cache key of q.
func (c *IdentityCache) ListKey(q query.Query) string {
	return ListKey(c.serializer, q)
}

// AddList caches a result set under key unless type t was modified at or
// after since. The slice is copied and every item marked immutable.
func (c *IdentityCache) AddList(t reflect.Type, key string, list []entity.Entity, since time.Time) bool {
	name := entity.TypeName(t)
	if c.listUpdatedSince(name, since) {
		return false
	}
	items := make([]entity.Entity, len(list))
	copy(items, list)
	for _, e := range items {
		e.EntityMeta().MarkImmutable()
	}
	c.store.Set(key, listEntry{items: items, cachedAt: c.clock()})
	if c.listUpdatedSince(name, since) {
		c.store.Delete(key)
		return false
	}
	return true
}

func (c *IdentityCache) listUpdatedSince(name string, since time.Time) bool {
	if ts, ok := c.listUpdated.Load(name); ok && !ts.Before(since) {
		return true
	}
	return c.clearedSince(since)
}

// GetList returns a copy of the cached result set stored under key.
func (c *IdentityCache) GetList(key string) ([]entity.Entity, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		c.metrics.CacheMiss("list")
		return nil, false
	}
	entry, ok := v.(listEntry)
	if !ok {
		return nil, false
	}
	c.metrics.CacheHit("list")
	out := make([]entity.Entity, len(entry.items))
	copy(out, entry.items)
	return out, true
}

// OnRefreshed registers a CacheRefreshed listener.
func (c *IdentityCache) OnRefreshed(fn func(context.Context)) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// ClearAll drops every entry and notifies CacheRefreshed listeners.
func (c *IdentityCache) ClearAll(ctx context.Context) {
	c.clearAll(ctx, true)
}

func (c *IdentityCache) clearAll(ctx context.Context, publish bool) {
	c.clearMu.Lock()
	c.clearedAt = c.clock()
	c.clearMu.Unlock()

	c.store.Clear()
	// timestamps older than the clear are covered by clearedAt
	c.itemUpdated.Clear()
	c.typeUpdated.Clear()
	c.listUpdated.Clear()
	c.metrics.CacheEviction("all")

	if publish {
		c.publish(cacheinfra.Message{Kind: cacheinfra.KindAll})
	}

	c.listenersMu.RLock()
	listeners := append([]func(context.Context){}, c.listeners...)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx)
	}
}

func (c *IdentityCache) publish(msg cacheinfra.Message) {
	if c.bus == nil {
		return
	}
	msg.Origin = c.origin
	if err := c.bus.Publish(context.Background(), msg); err != nil {
		c.logger.Warn("cache invalidation publish failed", "kind", msg.Kind, "error", err)
	}
}

// Listen applies evictions published by other cache instances on the bus.
// Messages from this instance are ignored.
func (c *IdentityCache) Listen(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	unsubscribe, err := c.bus.Subscribe(ctx, func(msg cacheinfra.Message) {
		if msg.Origin == c.origin {
			return
		}
		switch msg.Kind {
		case cacheinfra.KindItem:
			c.removeKey(msg.Key, false)
		case cacheinfra.KindType:
			c.removeType(msg.Type, false)
		case cacheinfra.KindLists:
			c.removeLists(msg.Type, false)
		case cacheinfra.KindAll:
			c.clearAll(ctx, false)
		}
	})
	if err != nil {
		return err
	}
	c.unsubscribe = unsubscribe
	return nil
}

// Close stops listening on the bus.
func (c *IdentityCache) Close() error {
	if c.unsubscribe == nil {
		return nil
	}
	err := c.unsubscribe()
	c.unsubscribe = nil
	return err
}
