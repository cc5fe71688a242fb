// Package bunrepo adapts go-repository-bun repositories to the data provider
// interface. Inside a transaction scope the Tx variants of the repository
// receive the scope's bun.Tx, opened through Connector.
package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/query"
	"github.com/goliatone/go-entity-store/txscope"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Repository is the part of repository.Repository the provider drives.
type Repository[T any] interface {
	GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error)
	GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error)
	List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error)
	ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error)
	Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error)
	CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error)
	Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error)
	CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error)
	Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error)
	UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error)
	CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error)
	CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error)
	UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error)
	UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error)
	Delete(ctx context.Context, record T) error
	DeleteTx(ctx context.Context, tx bun.IDB, record T) error
}

var _ Repository[any] = repository.Repository[any](nil)

// Connector opens bun transactions for registered databases.
type Connector struct {
	mu  sync.RWMutex
	dbs map[string]*bun.DB
}

// NewConnector returns an empty connector.
func NewConnector() *Connector {
	return &Connector{dbs: make(map[string]*bun.DB)}
}

// Register binds connString to db.
func (c *Connector) Register(connString string, db *bun.DB) {
	c.mu.Lock()
	c.dbs[connString] = db
	c.mu.Unlock()
}

// DB returns the database registered for connString.
func (c *Connector) DB(connString string) (*bun.DB, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.dbs[connString]
	return db, ok
}

// Begin implements txscope.Connector.
func (c *Connector) Begin(ctx context.Context, connString string, opts *sql.TxOptions) (txscope.Tx, error) {
	db, ok := c.DB(connString)
	if !ok {
		return nil, fmt.Errorf("bunrepo: no database registered for %q", connString)
	}
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Option configures a Provider.
type Option func(*settings)

type settings struct {
	notFound func(error) bool
	clock    func() time.Time
}

// WithNotFound recognizes the repository's not found errors in addition to
// sql.ErrNoRows.
func WithNotFound(fn func(error) bool) Option {
	return func(s *settings) { s.notFound = fn }
}

// WithClock overrides time.Now for load stamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.clock = now
		}
	}
}

// Provider serves the entity type T through a repository.
type Provider[T entity.Entity] struct {
	repo       Repository[T]
	connector  *Connector
	connString string
	typ        reflect.Type
	settings
}

// New adapts repo. connString selects the database in connector that scope
// transactions are opened on.
func New[T entity.Entity](repo Repository[T], connector *Connector, connString string, opts ...Option) *Provider[T] {
	p := &Provider[T]{
		repo:       repo,
		connector:  connector,
		connString: connString,
		typ:        entity.TypeFor[T](),
		settings:   settings{clock: time.Now},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p.settings)
		}
	}
	return p
}

// Factory returns a factory handing out p, for Registry.RegisterFactory.
func (p *Provider[T]) Factory() provider.Factory {
	return provider.FactoryFunc(func(t reflect.Type) (provider.DataProvider, error) {
		if entity.Normalize(t) != p.typ {
			return nil, provider.NewConfigurationError(t, "repository serves %s", entity.TypeName(p.typ))
		}
		return p, nil
	})
}

// ConnectionString implements provider.DataProvider.
func (p *Provider[T]) ConnectionString() string { return p.connString }

// SupportValidationBypassing implements provider.DataProvider.
func (p *Provider[T]) SupportValidationBypassing() bool { return true }

// tx returns the scope's bun transaction, or nil outside a scope.
func (p *Provider[T]) tx(ctx context.Context) (bun.IDB, error) {
	scope := txscope.Active(ctx)
	if scope == nil {
		return nil, nil
	}
	if p.connector == nil {
		return nil, provider.NewConfigurationError(p.typ, "no connector for %q", p.connString)
	}
	raw, err := scope.Transaction(ctx, p.connString, p.connector)
	if err != nil {
		return nil, err
	}
	tx, ok := raw.(bun.Tx)
	if !ok {
		return nil, provider.NewConfigurationError(p.typ, "connection %q is not a bun transaction", p.connString)
	}
	return tx, nil
}

func (p *Provider[T]) isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || (p.notFound != nil && p.notFound(err))
}

func (p *Provider[T]) loaded(records []T) []entity.Entity {
	now := p.clock()
	out := make([]entity.Entity, 0, len(records))
	for _, r := range records {
		r.EntityMeta().MarkPersisted(0, now)
		out = append(out, r)
	}
	return out
}

func (p *Provider[T]) typed(e entity.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, provider.NewConfigurationError(p.typ, "cannot store %s", entity.TypeName(entity.TypeOf(e)))
	}
	return v, nil
}

// Get implements provider.DataProvider.
func (p *Provider[T]) Get(ctx context.Context, id any) (entity.Entity, error) {
	tx, err := p.tx(ctx)
	if err != nil {
		return nil, err
	}
	var rec T
	if tx != nil {
		rec, err = p.repo.GetByIDTx(ctx, tx, entity.FormatID(id))
	} else {
		rec, err = p.repo.GetByID(ctx, entity.FormatID(id))
	}
	if p.isNotFound(err) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.loaded([]T{rec})[0], nil
}

// GetList implements provider.DataProvider.
func (p *Provider[T]) GetList(ctx context.Context, q query.Query) ([]entity.Entity, error) {
	criteria, err := selectCriteria(q, true)
	if err != nil {
		return nil, err
	}
	tx, err := p.tx(ctx)
	if err != nil {
		return nil, err
	}
	var records []T
	if tx != nil {
		records, _, err = p.repo.ListTx(ctx, tx, criteria...)
	} else {
		records, _, err = p.repo.List(ctx, criteria...)
	}
	if err != nil {
		return nil, err
	}
	return p.loaded(records), nil
}

// Count implements provider.DataProvider.
func (p *Provider[T]) Count(ctx context.Context, q query.Query) (int, error) {
	q.Options.Sort = nil
	criteria, err := selectCriteria(q, false)
	if err != nil {
		return 0, err
	}
	tx, err := p.tx(ctx)
	if err != nil {
		return 0, err
	}
	if tx != nil {
		return p.repo.CountTx(ctx, tx, criteria...)
	}
	return p.repo.Count(ctx, criteria...)
}

// Save implements provider.DataProvider. New instances are created, the
// others updated.
func (p *Provider[T]) Save(ctx context.Context, e entity.Entity) error {
	rec, err := p.typed(e)
	if err != nil {
		return err
	}
	tx, err := p.tx(ctx)
	if err != nil {
		return err
	}
	switch {
	case e.EntityMeta().IsNew() && tx != nil:
		_, err = p.repo.CreateTx(ctx, tx, rec)
	case e.EntityMeta().IsNew():
		_, err = p.repo.Create(ctx, rec)
	case tx != nil:
		_, err = p.repo.UpdateTx(ctx, tx, rec)
	default:
		_, err = p.repo.Update(ctx, rec)
	}
	return err
}

// Delete implements provider.DataProvider. A missing row is not an error.
func (p *Provider[T]) Delete(ctx context.Context, e entity.Entity) error {
	rec, err := p.typed(e)
	if err != nil {
		return err
	}
	tx, err := p.tx(ctx)
	if err != nil {
		return err
	}
	if tx != nil {
		err = p.repo.DeleteTx(ctx, tx, rec)
	} else {
		err = p.repo.Delete(ctx, rec)
	}
	if p.isNotFound(err) {
		return nil
	}
	return err
}

// BulkInsert implements provider.DataProvider.
func (p *Provider[T]) BulkInsert(ctx context.Context, items []entity.Entity, batchSize int) error {
	return p.bulk(ctx, items, batchSize, func(tx bun.IDB, batch []T) (err error) {
		if tx != nil {
			_, err = p.repo.CreateManyTx(ctx, tx, batch)
		} else {
			_, err = p.repo.CreateMany(ctx, batch)
		}
		return err
	})
}

// BulkUpdate implements provider.DataProvider.
func (p *Provider[T]) BulkUpdate(ctx context.Context, items []entity.Entity, batchSize int) error {
	return p.bulk(ctx, items, batchSize, func(tx bun.IDB, batch []T) (err error) {
		if tx != nil {
			_, err = p.repo.UpdateManyTx(ctx, tx, batch)
		} else {
			_, err = p.repo.UpdateMany(ctx, batch)
		}
		return err
	})
}

func (p *Provider[T]) bulk(ctx context.Context, items []entity.Entity, batchSize int, run func(tx bun.IDB, batch []T) error) error {
	records := make([]T, 0, len(items))
	for _, e := range items {
		rec, err := p.typed(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	tx, err := p.tx(ctx)
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = len(records)
	}
	for start := 0; start < len(records); start += batchSize {
		end := min(start+batchSize, len(records))
		if err := run(tx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}
