package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/query"
	"github.com/goliatone/go-entity-store/txscope"
	"golang.org/x/sync/errgroup"
)

// Get returns the record (t, id) or a NotFoundError.
func (db *Database) Get(ctx context.Context, t reflect.Type, id any) (entity.Entity, error) {
	e, err := db.GetOrDefault(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Key: entity.NewKey(t, id)}
	}
	return e, nil
}

// GetOrDefault returns the record (t, id), or nil without error when it does
// not exist. t may be an interface type; the first provider holding the id
// wins.
func (db *Database) GetOrDefault(ctx context.Context, t reflect.Type, id any) (entity.Entity, error) {
	t = entity.Normalize(t)
	if entity.IsEmptyID(id) {
		return nil, nil
	}

	bindings, err := db.registry.ResolveProviders(t)
	if err != nil {
		return nil, err
	}

	session := SessionFrom(ctx)
	for _, b := range bindings {
		if e, ok := session.Get(b.Type, id); ok {
			return e, nil
		}
	}
	for _, b := range bindings {
		if e, ok := db.cache.Get(b.Type, id); ok {
			return db.visible(ctx, e), nil
		}
	}

	start := db.cache.Now()
	if !db.registry.IsPolymorphic(t) {
		e, err := db.providerGet(ctx, bindings[0], id)
		if errors.Is(err, provider.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return db.visible(ctx, db.loaded(ctx, e, start)), nil
	}

	for _, b := range bindings {
		e, err := db.providerGet(ctx, b, id)
		if errors.Is(err, provider.ErrNotFound) {
			continue
		}
		if err != nil {
			db.logger.WarnContext(ctx, "polymorphic get skipped provider",
				"base", entity.TypeName(t),
				"type", entity.TypeName(b.Type),
				"id", entity.FormatID(id),
				"error", err,
			)
			continue
		}
		return db.visible(ctx, db.loaded(ctx, e, start)), nil
	}
	return nil, nil
}

func (db *Database) providerGet(ctx context.Context, b provider.Binding, id any) (entity.Entity, error) {
	e, err := b.Provider.Get(ctx, id)
	if errors.Is(err, provider.ErrNotFound) {
		db.metrics.ProviderOp("get", nil)
		return nil, err
	}
	db.metrics.ProviderOp("get", err)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity.ShortName(b.Type), entity.FormatID(id), err)
	}
	if e == nil {
		return nil, provider.ErrNotFound
	}
	return e, nil
}

// visible hides soft deleted records unless ctx bypasses soft delete.
func (db *Database) visible(ctx context.Context, e entity.Entity) entity.Entity {
	if sd, ok := e.(entity.SoftDeletable); ok && sd.IsMarkedSoftDeleted() && !SoftDeleteBypassed(ctx) {
		return nil
	}
	return e
}

// loaded stamps a fresh provider instance, notifies Loaded handlers and
// caches it when no transaction is open and nothing changed it since start.
func (db *Database) loaded(ctx context.Context, e entity.Entity, start time.Time) entity.Entity {
	e.EntityMeta().MarkPersisted(db.nextVersion(), db.now())
	db.fireLoaded(ctx, e)
	if !txscope.IsOpen(ctx) {
		db.cache.AddIfCurrent(e, start)
	}
	return e
}

// Find returns the first record matching criteria, or nil.
func (db *Database) Find(ctx context.Context, t reflect.Type, criteria ...query.Criterion) (entity.Entity, error) {
	list, err := db.GetList(ctx, query.New(t, criteria, query.Take(1)))
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// GetList runs q. Results of cache safe queries against concrete types are
// cached outside transactions. Unsorted, unpaged results are put in natural
// order.
func (db *Database) GetList(ctx context.Context, q query.Query) ([]entity.Entity, error) {
	q.Type = entity.Normalize(q.Type)
	q.Criteria = append([]query.Criterion(nil), q.Criteria...)
	db.fireGettingList(ctx, &q)

	bindings, err := db.registry.ResolveProviders(q.Type)
	if err != nil {
		return nil, err
	}
	polymorphic := db.registry.IsPolymorphic(q.Type)
	inTx := txscope.IsOpen(ctx)

	if !polymorphic {
		q = db.excludeSoftDeleted(ctx, q)
	}

	cacheable := !polymorphic && !inTx && query.IsCacheSafe(q.Criteria)
	var key string
	if cacheable {
		key = db.cache.ListKey(q)
		if list, ok := db.cache.GetList(key); ok {
			return list, nil
		}
	}

	start := db.cache.Now()
	var list []entity.Entity
	if polymorphic {
		list, err = db.fanOut(ctx, q, bindings, inTx)
	} else {
		list, err = bindings[0].Provider.GetList(ctx, q)
		db.metrics.ProviderOp("get_list", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get list %s: %w", entity.ShortName(q.Type), err)
	}

	session := SessionFrom(ctx)
	fromSession := false
	for i, e := range list {
		k := entity.KeyOf(e)
		if s, ok := session.lookup(k); ok {
			list[i] = s
			fromSession = true
			continue
		}
		if cached, ok := db.cache.Get(k.Type, k.ID); ok {
			list[i] = cached
			continue
		}
		list[i] = db.loaded(ctx, e, start)
	}

	if !q.Options.HasSortOrPaging() {
		query.SortNatural(list)
	}
	if cacheable && !fromSession {
		db.cache.AddList(q.Type, key, list, start)
	}
	return list, nil
}

// Count returns the number of records matching q, ignoring paging.
func (db *Database) Count(ctx context.Context, q query.Query) (int, error) {
	q.Type = entity.Normalize(q.Type)
	q.Criteria = append([]query.Criterion(nil), q.Criteria...)
	db.fireGettingList(ctx, &q)

	bindings, err := db.registry.ResolveProviders(q.Type)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(bindings))
	run := func(ctx context.Context, i int) error {
		sub := db.excludeSoftDeleted(ctx, q.ForType(bindings[i].Type))
		n, err := bindings[i].Provider.Count(ctx, sub)
		db.metrics.ProviderOp("count", err)
		if err != nil {
			return fmt.Errorf("count %s: %w", entity.ShortName(bindings[i].Type), err)
		}
		counts[i] = n
		return nil
	}
	if err := db.each(ctx, len(bindings), txscope.IsOpen(ctx), run); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// fanOut queries every concrete provider of a polymorphic query and merges
// the results: concatenated in provider order, deduplicated by key, then
// sorted and paged as a whole.
func (db *Database) fanOut(ctx context.Context, q query.Query, bindings []provider.Binding, inTx bool) ([]entity.Entity, error) {
	limit := 0
	if q.Options.Take > 0 {
		limit = q.Options.Skip + q.Options.Take
	}

	results := make([][]entity.Entity, len(bindings))
	run := func(ctx context.Context, i int) error {
		sub := q.ForType(bindings[i].Type)
		sub.Options.Skip = 0
		sub.Options.Take = limit
		sub = db.excludeSoftDeleted(ctx, sub)
		list, err := bindings[i].Provider.GetList(ctx, sub)
		db.metrics.ProviderOp("get_list", err)
		if err != nil {
			return fmt.Errorf("%s: %w", entity.ShortName(bindings[i].Type), err)
		}
		results[i] = list
		return nil
	}
	if err := db.each(ctx, len(bindings), inTx, run); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var merged []entity.Entity
	for _, list := range results {
		for _, e := range list {
			k := entity.KeyOf(e).String()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, e)
		}
	}
	query.SortEntities(merged, q.Options.Sort)
	return query.Page(merged, q.Options.Skip, q.Options.Take), nil
}

// each runs fn for 0..n-1, in parallel unless a transaction is open, where
// the shared physical transaction forbids concurrent use.
func (db *Database) each(ctx context.Context, n int, sequential bool, fn func(ctx context.Context, i int) error) error {
	if sequential || n == 1 {
		for i := 0; i < n; i++ {
			if err := fn(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(gctx, i) })
	}
	return g.Wait()
}

// excludeSoftDeleted adds the soft delete filter for soft deletable types.
func (db *Database) excludeSoftDeleted(ctx context.Context, q query.Query) query.Query {
	if SoftDeleteBypassed(ctx) {
		return q
	}
	field, ok := entity.SoftDeleteFieldOf(q.Type)
	if !ok {
		return q
	}
	q.Criteria = append(append([]query.Criterion(nil), q.Criteria...), query.Where(field, false))
	return q
}
