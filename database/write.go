package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/txscope"
)

// Save inserts or updates e.
//
// Saves of existing records are serialized per key. Inside a transaction an
// instance older than the last save of the same record is rejected with
// StaleCloneConflictError. Shared cached instances are rejected with
// ImmutableMutationError; use Update for those.
func (db *Database) Save(ctx context.Context, e entity.Entity, behaviour ...Behaviour) error {
	if e == nil {
		return errors.New("database: save of nil entity")
	}
	b := combine(behaviour)
	meta := e.EntityMeta()
	isNew := meta.IsNew()
	release := unlocked
	if !isNew {
		release = db.lock(entity.KeyOf(e))
	}
	defer release()

	if err := db.checkWritable(ctx, e); err != nil {
		return err
	}

	p, err := db.registry.GetProvider(entity.TypeOf(e))
	if err != nil {
		return err
	}
	if err := db.validate(e, p, b); err != nil {
		return err
	}

	db.cache.Remove(e)

	if !b.Has(BypassSaving) {
		ev := &SavingEvent{Entity: e, IsNew: isNew}
		db.fireSaving(ctx, ev)
		if ev.Cancel {
			return nil
		}
	}

	outer := txscope.Active(ctx)
	err = db.withScope(ctx, func(ctx context.Context) error {
		err := p.Save(ctx, e)
		db.metrics.ProviderOp("save", err)
		if err != nil {
			return fmt.Errorf("save %s: %w", entity.KeyOf(e), err)
		}
		db.evictOnOutcome(ctx, e)
		return nil
	})
	if err != nil {
		return err
	}

	meta.MarkPersisted(db.nextVersion(), db.now())
	if outer != nil {
		savedVersions(outer).Store(entity.KeyOf(e).String(), meta.Version())
	}

	db.cache.Remove(e)
	db.cache.RemoveLists(entity.TypeOf(e))
	// Handlers may write the same record again.
	release()

	if !b.Has(BypassSaved) {
		db.fireSaved(ctx, e, isNew)
	}
	if !b.Has(BypassLogging) {
		action := ActionUpdate
		if isNew {
			action = ActionInsert
		}
		db.audit(ctx, action, e, outer != nil)
	}
	db.notifyUpdated(ctx, outer, UpdatedEvent{Entity: e, Kind: ChangeSaved, IsNew: isNew})
	return nil
}

// Delete removes e. Soft deletable records are flagged and saved instead,
// unless ctx carries WithSoftDeleteBypass.
func (db *Database) Delete(ctx context.Context, e entity.Entity, behaviour ...Behaviour) error {
	if e == nil {
		return errors.New("database: delete of nil entity")
	}
	b := combine(behaviour)
	release := unlocked
	if !e.EntityMeta().IsNew() {
		release = db.lock(entity.KeyOf(e))
	}
	defer release()

	p, err := db.registry.GetProvider(entity.TypeOf(e))
	if err != nil {
		return err
	}

	target := e
	sd, soft := e.(entity.SoftDeletable)
	soft = soft && !SoftDeleteBypassed(ctx)
	if soft && e.EntityMeta().IsImmutable() {
		clone, err := entity.Clone(e)
		if err != nil {
			return err
		}
		target = clone
		sd = clone.(entity.SoftDeletable)
	}
	if db.IsStale(ctx, target) {
		return db.staleError(ctx, target)
	}

	db.cache.Remove(target)

	if !b.Has(BypassDeleting) {
		ev := &DeletingEvent{Entity: target, Soft: soft}
		db.fireDeleting(ctx, ev)
		if ev.Cancel {
			return nil
		}
	}

	outer := txscope.Active(ctx)
	err = db.withScope(ctx, func(ctx context.Context) error {
		var err error
		if soft {
			sd.MarkSoftDeleted(true)
			err = p.Save(ctx, target)
			db.metrics.ProviderOp("save", err)
			if err != nil {
				sd.MarkSoftDeleted(false)
			}
		} else {
			err = p.Delete(ctx, target)
			db.metrics.ProviderOp("delete", err)
		}
		if err != nil {
			return fmt.Errorf("delete %s: %w", entity.KeyOf(target), err)
		}
		db.evictOnOutcome(ctx, target)
		return nil
	})
	if err != nil {
		return err
	}

	if soft {
		target.EntityMeta().MarkPersisted(db.nextVersion(), db.now())
		if outer != nil {
			savedVersions(outer).Store(entity.KeyOf(target).String(), target.EntityMeta().Version())
		}
	} else if outer != nil {
		savedVersions(outer).Delete(entity.KeyOf(target).String())
	}

	db.cache.Remove(target)
	db.cache.RemoveLists(entity.TypeOf(target))
	release()

	if !b.Has(BypassDeleted) {
		db.fireDeleted(ctx, target)
	}
	if !b.Has(BypassLogging) {
		action := ActionDelete
		if soft {
			action = ActionSoftDelete
		}
		db.audit(ctx, action, target, outer != nil)
	}
	db.notifyUpdated(ctx, outer, UpdatedEvent{Entity: target, Kind: ChangeDeleted})
	return nil
}

// Update applies mutate to e and saves it, returning the saved instance.
//
// Immutable instances are cloned first and the clone is saved. Outside a
// transaction mutate is then applied to e as well, so callers holding e see
// the change; inside one e is left untouched because it is now stale.
func (db *Database) Update(ctx context.Context, e entity.Entity, mutate func(entity.Entity) error, behaviour ...Behaviour) (entity.Entity, error) {
	if e == nil {
		return nil, errors.New("database: update of nil entity")
	}
	if mutate == nil {
		return nil, errors.New("database: update requires a mutator")
	}

	target := e
	cloned := false
	if e.EntityMeta().IsImmutable() {
		clone, err := entity.Clone(e)
		if err != nil {
			return nil, err
		}
		target = clone
		cloned = true
	}

	if err := mutate(target); err != nil {
		return nil, err
	}
	if err := db.Save(ctx, target, behaviour...); err != nil {
		return nil, err
	}

	if cloned && !txscope.IsOpen(ctx) {
		if err := mutate(e); err != nil {
			return target, err
		}
	}
	return target, nil
}

// BulkInsert inserts items in batches of batchSize. Per record events, audit
// and cache population are skipped. On failure the whole cache is refreshed
// before the error is returned.
func (db *Database) BulkInsert(ctx context.Context, items []entity.Entity, batchSize int, behaviour ...Behaviour) error {
	return db.bulk(ctx, "bulk_insert", items, batchSize, combine(behaviour),
		func(ctx context.Context, p provider.DataProvider, group []entity.Entity) error {
			return p.BulkInsert(ctx, group, batchSize)
		})
}

// BulkUpdate updates items in batches of batchSize with the same trade offs
// as BulkInsert. Shared cached instances are rejected.
func (db *Database) BulkUpdate(ctx context.Context, items []entity.Entity, batchSize int, behaviour ...Behaviour) error {
	for _, e := range items {
		if e != nil && e.EntityMeta().IsImmutable() {
			return &ImmutableMutationError{Key: entity.KeyOf(e)}
		}
	}
	return db.bulk(ctx, "bulk_update", items, batchSize, combine(behaviour),
		func(ctx context.Context, p provider.DataProvider, group []entity.Entity) error {
			return p.BulkUpdate(ctx, group, batchSize)
		})
}

type bulkGroup struct {
	typ      reflect.Type
	provider provider.DataProvider
	items    []entity.Entity
}

func (db *Database) bulk(ctx context.Context, op string, items []entity.Entity, batchSize int, b Behaviour,
	run func(ctx context.Context, p provider.DataProvider, group []entity.Entity) error,
) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(items)
	}

	var groups []*bulkGroup
	byType := make(map[reflect.Type]*bulkGroup)
	for _, e := range items {
		if e == nil {
			return fmt.Errorf("database: %s with nil entity", op)
		}
		t := entity.TypeOf(e)
		g, ok := byType[t]
		if !ok {
			p, err := db.registry.GetProvider(t)
			if err != nil {
				return err
			}
			g = &bulkGroup{typ: t, provider: p}
			byType[t] = g
			groups = append(groups, g)
		}
		if err := db.validate(e, g.provider, b); err != nil {
			return err
		}
		g.items = append(g.items, e)
	}

	err := db.withScope(ctx, func(ctx context.Context) error {
		for _, g := range groups {
			err := run(ctx, g.provider, g.items)
			db.metrics.ProviderOp(op, err)
			if err != nil {
				return fmt.Errorf("%s %s: %w", op, entity.ShortName(g.typ), err)
			}
		}
		return nil
	})
	if err != nil {
		db.logger.WarnContext(ctx, "bulk operation failed, refreshing cache",
			"op", op,
			"items", len(items),
			"error", err,
		)
		db.Refresh(ctx)
		return err
	}

	now := db.now()
	for _, g := range groups {
		for _, e := range g.items {
			e.EntityMeta().MarkPersisted(db.nextVersion(), now)
		}
		db.cache.RemoveType(g.typ)
	}
	return nil
}

// checkWritable runs the stale check before the immutable check so a stale
// cached instance reports the more useful error.
func (db *Database) checkWritable(ctx context.Context, e entity.Entity) error {
	if db.IsStale(ctx, e) {
		return db.staleError(ctx, e)
	}
	if e.EntityMeta().IsImmutable() {
		return &ImmutableMutationError{Key: entity.KeyOf(e)}
	}
	return nil
}

func (db *Database) staleError(ctx context.Context, e entity.Entity) error {
	key := entity.KeyOf(e)
	saved, _ := savedVersions(txscope.Active(ctx)).Load(key.String())
	return &StaleCloneConflictError{
		Key:          key,
		Version:      e.EntityMeta().Version(),
		SavedVersion: saved,
	}
}

func (db *Database) validate(e entity.Entity, p provider.DataProvider, b Behaviour) error {
	if b.Has(BypassValidation) {
		if !p.SupportValidationBypassing() {
			return provider.NewConfigurationError(entity.TypeOf(e),
				"provider for %s does not support bypassing validation", entity.ShortName(entity.TypeOf(e)))
		}
		return nil
	}
	v, ok := e.(entity.Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		return &ValidationError{Key: entity.KeyOf(e), Err: err}
	}
	return nil
}

// evictOnOutcome evicts e again once the transaction carried by ctx commits
// or rolls back, dropping anything handlers cached in between.
func (db *Database) evictOnOutcome(ctx context.Context, e entity.Entity) {
	scope := txscope.Active(ctx)
	if scope == nil {
		return
	}
	key := entity.KeyOf(e)
	evict := func(context.Context) {
		db.cache.RemoveKey(key)
		db.cache.RemoveLists(key.Type)
	}
	scope.OnCompleted(evict)
	scope.OnRolledBack(evict)
}

// notifyUpdated fires Updated now, or after outer commits when the change
// was made inside a transaction.
func (db *Database) notifyUpdated(ctx context.Context, outer *txscope.Scope, ev UpdatedEvent) {
	if outer == nil {
		db.fireUpdated(ctx, ev)
		return
	}
	outer.OnCompleted(func(ctx context.Context) {
		db.fireUpdated(ctx, ev)
	})
}
