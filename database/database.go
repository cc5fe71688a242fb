// Package database is the unit of work façade over the identity cache, the
// provider registry and transaction scopes.
//
// Reads consult the request session, then the identity cache, then the
// providers. Writes evict the cache before and after the provider call and
// once more when the surrounding transaction resolves. Instances served by
// the cache are shared and immutable; Update clones them transparently.
//
// Inside a transaction the database remembers the version token of the last
// save of every record. Saving an older instance of the same record fails
// with StaleCloneConflictError instead of silently overwriting the newer
// write.
package database

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/metrics"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/txscope"
	"github.com/puzpuzpuz/xsync/v3"
)

// Database coordinates cache, providers and transactions.
type Database struct {
	cache    *cache.IdentityCache
	registry *provider.Registry
	logger   *slog.Logger
	auditor  Auditor
	metrics  *metrics.Collector
	clock    func() time.Time

	events  events
	version atomic.Uint64
	locks   *xsync.MapOf[string, *keyLock]
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(db *Database) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithAuditor replaces the default log auditor. A nil auditor disables
// auditing.
func WithAuditor(a Auditor) Option {
	return func(db *Database) { db.auditor = a }
}

// WithMetrics records provider calls and transaction outcomes.
func WithMetrics(m *metrics.Collector) Option {
	return func(db *Database) { db.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(db *Database) {
		if now != nil {
			db.clock = now
		}
	}
}

// New builds a database over c and registry.
func New(c *cache.IdentityCache, registry *provider.Registry, opts ...Option) *Database {
	db := &Database{
		cache:    c,
		registry: registry,
		logger:   slog.Default(),
		clock:    time.Now,
		locks:    xsync.NewMapOf[string, *keyLock](),
	}
	db.auditor = NewLogAuditor(db.logger)
	for _, opt := range opts {
		if opt != nil {
			opt(db)
		}
	}
	return db
}

// Cache returns the identity cache.
func (db *Database) Cache() *cache.IdentityCache { return db.cache }

// Registry returns the provider registry.
func (db *Database) Registry() *provider.Registry { return db.registry }

func (db *Database) now() time.Time { return db.clock() }

func (db *Database) nextVersion() uint64 { return db.version.Add(1) }

// CreateTransactionScope starts a scope. With no options it joins the
// ambient scope of ctx or becomes a root.
func (db *Database) CreateTransactionScope(ctx context.Context, opts ...txscope.Option) (context.Context, *txscope.Scope) {
	opts = append([]txscope.Option{txscope.WithMetrics(db.metrics)}, opts...)
	return txscope.Begin(ctx, opts...)
}

// CreateTransactionScopeWith starts a scope with an explicit isolation level
// and mode.
func (db *Database) CreateTransactionScopeWith(ctx context.Context, level sql.IsolationLevel, mode txscope.Mode) (context.Context, *txscope.Scope) {
	return db.CreateTransactionScope(ctx, txscope.WithIsolation(level), txscope.WithMode(mode))
}

// InTransaction runs fn in a scope and completes it when fn succeeds.
func (db *Database) InTransaction(ctx context.Context, fn func(ctx context.Context) error, opts ...txscope.Option) (err error) {
	ctx, scope := db.CreateTransactionScope(ctx, opts...)
	defer func() {
		if derr := scope.Dispose(); err == nil {
			err = derr
		}
	}()
	if err = fn(ctx); err != nil {
		return err
	}
	return scope.Complete()
}

// Refresh drops the whole identity cache and fires CacheRefreshed.
func (db *Database) Refresh(ctx context.Context) {
	db.cache.ClearAll(ctx)
}

// IsStale reports whether e was superseded by a later save of the same
// record in the transaction carried by ctx.
func (db *Database) IsStale(ctx context.Context, e entity.Entity) bool {
	scope := txscope.Active(ctx)
	if scope == nil || e == nil || e.EntityMeta().IsNew() {
		return false
	}
	saved, ok := savedVersions(scope).Load(entity.KeyOf(e).String())
	return ok && e.EntityMeta().Version() < saved
}

type savedVersionsKey struct{}

func savedVersions(scope *txscope.Scope) *xsync.MapOf[string, uint64] {
	if v, ok := scope.Value(savedVersionsKey{}); ok {
		return v.(*xsync.MapOf[string, uint64])
	}
	return scope.LoadOrStore(savedVersionsKey{}, xsync.NewMapOf[string, uint64]()).(*xsync.MapOf[string, uint64])
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func unlocked() {}

// lock serializes writes of one record across goroutines. The returned
// release func may be called more than once.
func (db *Database) lock(k entity.Key) func() {
	name := k.String()
	l, _ := db.locks.Compute(name, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			db.locks.Compute(name, func(old *keyLock, loaded bool) (*keyLock, bool) {
				if !loaded {
					return old, true
				}
				old.refs--
				return old, old.refs == 0
			})
		})
	}
}

// withScope runs fn inside its own scope, nested in the ambient one when
// there is one.
func (db *Database) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTransaction(ctx, fn)
}
