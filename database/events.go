package database

import (
	"context"
	"sync"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
)

// SavingEvent is passed to Saving handlers. Setting Cancel skips the write
// without error.
type SavingEvent struct {
	Entity entity.Entity
	IsNew  bool
	Cancel bool
}

// DeletingEvent is passed to Deleting handlers. Setting Cancel skips the
// delete without error.
type DeletingEvent struct {
	Entity entity.Entity
	Soft   bool
	Cancel bool
}

// ChangeKind tells what an Updated notification is about.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
)

// UpdatedEvent is passed to Updated handlers after the cache was evicted.
type UpdatedEvent struct {
	Entity entity.Entity
	Kind   ChangeKind
	IsNew  bool
}

type events struct {
	mu          sync.RWMutex
	loaded      []func(context.Context, entity.Entity)
	saving      []func(context.Context, *SavingEvent)
	saved       []func(context.Context, entity.Entity, bool)
	deleting    []func(context.Context, *DeletingEvent)
	deleted     []func(context.Context, entity.Entity)
	updated     []func(context.Context, UpdatedEvent)
	gettingList []func(context.Context, *query.Query)
}

func snapshot[F any](mu *sync.RWMutex, list []F) []F {
	mu.RLock()
	defer mu.RUnlock()
	return append([]F(nil), list...)
}

// OnLoaded runs fn for every instance loaded from a provider, before it is
// cached.
func (db *Database) OnLoaded(fn func(ctx context.Context, e entity.Entity)) {
	db.events.mu.Lock()
	db.events.loaded = append(db.events.loaded, fn)
	db.events.mu.Unlock()
}

// OnSaving runs fn before a save. fn may cancel it.
func (db *Database) OnSaving(fn func(ctx context.Context, ev *SavingEvent)) {
	db.events.mu.Lock()
	db.events.saving = append(db.events.saving, fn)
	db.events.mu.Unlock()
}

// OnSaved runs fn after a successful save. isNew reports an insert.
func (db *Database) OnSaved(fn func(ctx context.Context, e entity.Entity, isNew bool)) {
	db.events.mu.Lock()
	db.events.saved = append(db.events.saved, fn)
	db.events.mu.Unlock()
}

// OnDeleting runs fn before a delete. fn may cancel it.
func (db *Database) OnDeleting(fn func(ctx context.Context, ev *DeletingEvent)) {
	db.events.mu.Lock()
	db.events.deleting = append(db.events.deleting, fn)
	db.events.mu.Unlock()
}

// OnDeleted runs fn after a successful delete.
func (db *Database) OnDeleted(fn func(ctx context.Context, e entity.Entity)) {
	db.events.mu.Lock()
	db.events.deleted = append(db.events.deleted, fn)
	db.events.mu.Unlock()
}

// OnUpdated runs fn after every successful save or delete, once the cache
// entry was evicted. Inside a transaction it runs after the root commits.
func (db *Database) OnUpdated(fn func(ctx context.Context, ev UpdatedEvent)) {
	db.events.mu.Lock()
	db.events.updated = append(db.events.updated, fn)
	db.events.mu.Unlock()
}

// OnGettingList runs fn before a list query. fn may change the criteria and
// options.
func (db *Database) OnGettingList(fn func(ctx context.Context, q *query.Query)) {
	db.events.mu.Lock()
	db.events.gettingList = append(db.events.gettingList, fn)
	db.events.mu.Unlock()
}

// OnCacheRefreshed runs fn whenever the whole cache is dropped.
func (db *Database) OnCacheRefreshed(fn func(ctx context.Context)) {
	db.cache.OnRefreshed(fn)
}

func (db *Database) fireLoaded(ctx context.Context, e entity.Entity) {
	for _, fn := range snapshot(&db.events.mu, db.events.loaded) {
		fn(ctx, e)
	}
}

func (db *Database) fireSaving(ctx context.Context, ev *SavingEvent) {
	for _, fn := range snapshot(&db.events.mu, db.events.saving) {
		fn(ctx, ev)
	}
}

func (db *Database) fireSaved(ctx context.Context, e entity.Entity, isNew bool) {
	for _, fn := range snapshot(&db.events.mu, db.events.saved) {
		fn(ctx, e, isNew)
	}
}

func (db *Database) fireDeleting(ctx context.Context, ev *DeletingEvent) {
	for _, fn := range snapshot(&db.events.mu, db.events.deleting) {
		fn(ctx, ev)
	}
}

func (db *Database) fireDeleted(ctx context.Context, e entity.Entity) {
	for _, fn := range snapshot(&db.events.mu, db.events.deleted) {
		fn(ctx, e)
	}
}

func (db *Database) fireUpdated(ctx context.Context, ev UpdatedEvent) {
	for _, fn := range snapshot(&db.events.mu, db.events.updated) {
		fn(ctx, ev)
	}
}

func (db *Database) fireGettingList(ctx context.Context, q *query.Query) {
	for _, fn := range snapshot(&db.events.mu, db.events.gettingList) {
		fn(ctx, q)
	}
}
