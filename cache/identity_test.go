package cache

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/metrics"
	"github.com/goliatone/go-entity-store/query"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type customer struct {
	entity.Base
	ID   int
	Name string
}

func (c *customer) GetID() any { return c.ID }

type order struct {
	entity.Base
	ID string
}

func (o *order) GetID() any { return o.ID }

var customerType = reflect.TypeOf(customer{})

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) *IdentityCache {
	t.Helper()
	c, err := NewWithConfig(Config{
		Capacity:           1000,
		NumShards:          4,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	}, opts...)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func TestIdentityCache_AddGet(t *testing.T) {
	c := newTestCache(t)

	if _, ok := c.Get(customerType, 1); ok {
		t.Fatal("expected miss on empty cache")
	}

	ada := &customer{ID: 1, Name: "Ada"}
	c.Add(ada)

	if !ada.EntityMeta().IsImmutable() {
		t.Error("expected cached instance to be marked immutable")
	}

	got, ok := c.Get(reflect.TypeOf(&customer{}), 1)
	if !ok {
		t.Fatal("expected hit after Add")
	}
	if got != ada {
		t.Error("expected the very same instance to be returned")
	}

	if _, ok := c.Get(customerType, nil); ok {
		t.Error("expected miss for empty id")
	}

	c.Add(&customer{})
	if _, ok := c.Get(customerType, 0); ok {
		t.Error("expected entities without id to be ignored")
	}
}

func TestIdentityCache_RemoveIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ada := &customer{ID: 1}
	c.Add(ada)

	c.Remove(ada)
	c.Remove(ada)
	c.RemoveKey(entity.NewKey(customerType, 99))
	c.Remove(nil)

	if _, ok := c.Get(customerType, 1); ok {
		t.Error("expected entry to be evicted")
	}
}

func TestIdentityCache_RemoveType(t *testing.T) {
	c := newTestCache(t)

	c.Add(&customer{ID: 1})
	c.Add(&customer{ID: 2})
	c.Add(&order{ID: "o-1"})

	q := query.New(customerType, nil)
	key := c.ListKey(q)
	if !c.AddList(customerType, key, []entity.Entity{&customer{ID: 3}}, c.Now().Add(-time.Second)) {
		t.Fatal("expected list to be cached")
	}

	c.RemoveType(reflect.TypeOf(&customer{}))

	if _, ok := c.Get(customerType, 1); ok {
		t.Error("expected customer 1 to be evicted")
	}
	if _, ok := c.Get(customerType, 2); ok {
		t.Error("expected customer 2 to be evicted")
	}
	if _, ok := c.GetList(key); ok {
		t.Error("expected customer lists to be evicted")
	}
	if _, ok := c.Get(reflect.TypeOf(order{}), "o-1"); !ok {
		t.Error("expected other types to survive")
	}
}

func TestIdentityCache_IsUpdatedSince(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, WithClock(clock.Now))
	ada := &customer{ID: 1}

	start := c.Now()
	if c.IsUpdatedSince(ada, start) {
		t.Error("expected untouched record not to be updated")
	}

	clock.Advance(time.Second)
	c.Remove(ada)
	if !c.IsUpdatedSince(ada, start) {
		t.Error("expected eviction after start to count as an update")
	}

	clock.Advance(time.Second)
	later := c.Now()
	clock.Advance(time.Second)
	if c.IsUpdatedSince(ada, later) {
		t.Error("expected eviction before the load start to be ignored")
	}

	c.RemoveType(customerType)
	if !c.IsUpdatedSince(&customer{ID: 42}, later) {
		t.Error("expected type eviction to mark every record of the type")
	}
}

func TestIdentityCache_AddIfCurrent(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, WithClock(clock.Now))

	start := c.Now()
	clock.Advance(time.Millisecond)
	c.RemoveKey(entity.NewKey(customerType, 1))

	stale := &customer{ID: 1, Name: "old"}
	if c.AddIfCurrent(stale, start) {
		t.Error("expected stale load not to be cached")
	}
	if _, ok := c.Get(customerType, 1); ok {
		t.Error("expected no entry for stale load")
	}

	clock.Advance(time.Millisecond)
	fresh := &customer{ID: 1, Name: "new"}
	if !c.AddIfCurrent(fresh, c.Now()) {
		t.Error("expected fresh load to be cached")
	}
	if got, _ := c.Get(customerType, 1); got != fresh {
		t.Error("expected fresh instance in cache")
	}
}

func TestIdentityCache_Lists(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, WithClock(clock.Now))

	q := query.New(customerType, []query.Criterion{query.Where("Name", "Ada")})
	key := c.ListKey(q)

	list := []entity.Entity{&customer{ID: 1}, &customer{ID: 2}}
	if !c.AddList(customerType, key, list, c.Now()) {
		t.Fatal("expected list to be cached")
	}
	for _, e := range list {
		if !e.EntityMeta().IsImmutable() {
			t.Error("expected cached list items to be immutable")
		}
	}

	got, ok := c.GetList(key)
	if !ok || len(got) != 2 {
		t.Fatalf("expected two cached items, got %v (%v)", got, ok)
	}
	got[0] = nil
	again, _ := c.GetList(key)
	if again[0] == nil {
		t.Error("expected GetList to return a copy")
	}

	start := c.Now()
	clock.Advance(time.Millisecond)
	c.RemoveLists(customerType)
	if _, ok := c.GetList(key); ok {
		t.Error("expected lists to be evicted")
	}
	if c.AddList(customerType, key, list, start) {
		t.Error("expected list loaded before the eviction to be rejected")
	}
}

func TestIdentityCache_ClearAll(t *testing.T) {
	c := newTestCache(t)
	c.Add(&customer{ID: 1})
	c.Add(&order{ID: "a"})

	var calls int
	c.OnRefreshed(func(context.Context) { calls++ })
	c.OnRefreshed(nil)

	c.ClearAll(context.Background())

	if _, ok := c.Get(customerType, 1); ok {
		t.Error("expected customers to be cleared")
	}
	if _, ok := c.Get(reflect.TypeOf(order{}), "a"); ok {
		t.Error("expected orders to be cleared")
	}
	if calls != 1 {
		t.Errorf("expected one refresh notification, got %d", calls)
	}
}

func TestIdentityCache_Metrics(t *testing.T) {
	m, err := metrics.New(nil)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	c := newTestCache(t, WithMetrics(m))

	c.Get(customerType, 1)
	c.Add(&customer{ID: 1})
	c.Get(customerType, 1)
	c.Get(customerType, 1)

	if got := testutil.ToFloat64(m.CacheHits().WithLabelValues("item")); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses().WithLabelValues("item")); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
}

func TestIdentityCache_BusPropagation(t *testing.T) {
	bus := NewLocalBus()
	a := newTestCache(t, WithBus(bus))
	b := newTestCache(t, WithBus(bus))
	ctx := context.Background()

	if err := a.Listen(ctx); err != nil {
		t.Fatalf("listen a: %v", err)
	}
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer a.Close()
	defer b.Close()

	a.Add(&customer{ID: 1})
	b.Add(&customer{ID: 1})
	b.Add(&customer{ID: 2})

	a.Remove(&customer{ID: 1})
	if _, ok := b.Get(customerType, 1); ok {
		t.Error("expected peer eviction to reach b")
	}
	if _, ok := b.Get(customerType, 2); !ok {
		t.Error("expected unrelated entry on b to survive")
	}

	var refreshed bool
	b.OnRefreshed(func(context.Context) { refreshed = true })
	a.ClearAll(ctx)
	if _, ok := b.Get(customerType, 2); ok {
		t.Error("expected clear to reach b")
	}
	if !refreshed {
		t.Error("expected b to notify refresh listeners")
	}
}

func TestIdentityCache_PrunesOldInvalidations(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, WithClock(clock.Now), WithLoadWindow(time.Minute))

	beforeEvictions := c.Now()
	for i := 0; i < 1000; i++ {
		c.RemoveKey(entity.NewKey(customerType, i))
	}
	c.RemoveLists(customerType)
	if got := c.itemUpdated.Size(); got != 1000 {
		t.Fatalf("expected 1000 tracked evictions inside the window, got %d", got)
	}

	clock.Advance(time.Minute + time.Second)
	c.RemoveKey(entity.NewKey(customerType, "last"))

	if got := c.itemUpdated.Size(); got != 1 {
		t.Errorf("expected old item timestamps to be pruned, got %d", got)
	}
	if got := c.listUpdated.Size(); got != 0 {
		t.Errorf("expected old list timestamps to be pruned, got %d", got)
	}

	// A load that started before the pruned evictions must still be refused.
	if c.AddIfCurrent(&customer{ID: 7, Name: "old"}, beforeEvictions) {
		t.Error("expected load older than the window not to be cached")
	}

	clock.Advance(time.Millisecond)
	if !c.AddIfCurrent(&customer{ID: 7, Name: "new"}, c.Now()) {
		t.Error("expected load after the sweep to be cached")
	}
}

func TestIdentityCache_SharedInstancesAreSafeForConcurrentReaders(t *testing.T) {
	c := newTestCache(t)
	ada := &customer{ID: 1, Name: "Ada"}
	c.Add(ada)
	key := c.ListKey(query.New(customerType, nil))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.RemoveLists(customerType)
			c.AddList(customerType, key, []entity.Entity{ada}, c.Now())
			c.GetList(key)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			e, ok := c.Get(customerType, 1)
			if !ok {
				continue
			}
			if !e.EntityMeta().IsImmutable() {
				t.Error("expected shared instance to stay immutable")
				return
			}
			_ = e.EntityMeta().Version()
			_ = e.EntityMeta().LoadedAt()
		}
	}()
	wg.Wait()
}
