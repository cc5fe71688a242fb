// Package memory is an in-process data provider. Records are kept
// msgpack-encoded so every load yields a distinct instance, the way a real
// backend would. The Store doubles as a transaction connector: writes made
// inside a scope are staged and applied when the root commits.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/query"
	"github.com/goliatone/go-entity-store/txscope"
)

var errTxDone = errors.New("memory: transaction already finished")

type record struct {
	data      []byte
	seq       uint64
	updatedAt time.Time
}

type table map[string]*record

// Store holds the records of every type it serves.
type Store struct {
	connString string
	clock      func() time.Time

	mu     sync.RWMutex
	tables map[string]table
	seq    uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now for updated_at stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

// NewStore creates an empty store identified by connString.
func NewStore(connString string, opts ...StoreOption) *Store {
	s := &Store{
		connString: connString,
		clock:      time.Now,
		tables:     make(map[string]table),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ConnectionString identifies the store inside a transaction scope.
func (s *Store) ConnectionString() string {
	return s.connString
}

// Begin implements txscope.Connector.
func (s *Store) Begin(_ context.Context, _ string, _ *sql.TxOptions) (txscope.Tx, error) {
	return &tx{store: s, staged: make(map[string]table)}, nil
}

// Len returns the number of committed records of type t.
func (s *Store) Len(t reflect.Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[entity.TypeName(t)])
}

// Truncate drops every committed record of type t.
func (s *Store) Truncate(t reflect.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := entity.TypeName(t)
	n := len(s.tables[name])
	delete(s.tables, name)
	return n
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

// write applies puts and deletes (nil records) under the store lock.
func (s *Store) write(changes map[string]table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rows := range changes {
		tbl := s.tables[name]
		if tbl == nil {
			tbl = make(table)
			s.tables[name] = tbl
		}
		for id, rec := range rows {
			if rec == nil {
				delete(tbl, id)
				continue
			}
			if prev, ok := tbl[id]; ok {
				rec.seq = prev.seq
			} else {
				rec.seq = s.nextSeq()
			}
			tbl[id] = rec
		}
	}
}

func (s *Store) load(name, id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[name][id]
	return rec, ok
}

func (s *Store) snapshot(name string) table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(table, len(s.tables[name]))
	for id, rec := range s.tables[name] {
		out[id] = rec
	}
	return out
}

type tx struct {
	store *Store

	mu     sync.Mutex
	staged map[string]table
	seq    uint64
	done   bool
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.write(t.staged)
	t.staged = nil
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.staged = nil
	return nil
}

func (t *tx) stage(name, id string, rec *record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	rows := t.staged[name]
	if rows == nil {
		rows = make(table)
		t.staged[name] = rows
	}
	if rec != nil {
		t.seq++
		rec.seq = t.seq
	}
	rows[id] = rec
	return nil
}

// lookup returns the staged view of one record. found is false when the
// transaction did not touch it.
func (t *tx) lookup(name, id string) (rec *record, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, found = t.staged[name][id]
	return rec, found
}

func (t *tx) overlay(name string, base table) table {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.staged[name] {
		if rec == nil {
			delete(base, id)
			continue
		}
		if prev, ok := base[id]; ok {
			rec = &record{data: rec.data, seq: prev.seq, updatedAt: rec.updatedAt}
		} else {
			// staged inserts sort after committed rows
			rec = &record{data: rec.data, seq: 1<<63 + rec.seq, updatedAt: rec.updatedAt}
		}
		base[id] = rec
	}
	return base
}

// Provider serves one entity type from a Store.
type Provider struct {
	store    *Store
	typ      reflect.Type
	name     string
	noBypass bool
}

var _ provider.DataProvider = (*Provider)(nil)

// Factory builds providers over a store.
type Factory struct {
	store    *Store
	noBypass bool
}

var _ provider.PolymorphicFactory = (*Factory)(nil)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithoutValidationBypass makes providers refuse validation bypassing.
func WithoutValidationBypass() FactoryOption {
	return func(f *Factory) { f.noBypass = true }
}

// NewFactory returns a factory serving every type from store.
func NewFactory(store *Store, opts ...FactoryOption) *Factory {
	f := &Factory{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Provider implements provider.Factory.
func (f *Factory) Provider(t reflect.Type) (provider.DataProvider, error) {
	t = entity.Normalize(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, provider.NewConfigurationError(t, "memory provider needs a concrete struct type")
	}
	return &Provider{store: f.store, typ: t, name: entity.TypeName(t), noBypass: f.noBypass}, nil
}

// SupportsPolymorphicQueries implements provider.PolymorphicFactory.
func (f *Factory) SupportsPolymorphicQueries() bool { return true }

// ConnectionString implements provider.DataProvider.
func (p *Provider) ConnectionString() string { return p.store.connString }

// SupportValidationBypassing implements provider.DataProvider.
func (p *Provider) SupportValidationBypassing() bool { return !p.noBypass }

func (p *Provider) tx(ctx context.Context) (*tx, error) {
	scope := txscope.Active(ctx)
	if scope == nil {
		return nil, nil
	}
	raw, err := scope.Transaction(ctx, p.store.connString, p.store)
	if err != nil {
		return nil, err
	}
	t, ok := raw.(*tx)
	if !ok {
		return nil, provider.NewConfigurationError(p.typ, "connection %q is not a memory store", p.store.connString)
	}
	return t, nil
}

func (p *Provider) decode(rec *record) (entity.Entity, error) {
	e, err := entity.Unmarshal(p.typ, rec.data)
	if err != nil {
		return nil, err
	}
	e.EntityMeta().MarkPersisted(0, rec.updatedAt)
	return e, nil
}

// Get implements provider.DataProvider.
func (p *Provider) Get(ctx context.Context, id any) (entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := entity.FormatID(id)
	t, err := p.tx(ctx)
	if err != nil {
		return nil, err
	}
	if t != nil {
		if rec, found := t.lookup(p.name, key); found {
			if rec == nil {
				return nil, provider.ErrNotFound
			}
			return p.decode(rec)
		}
	}
	rec, ok := p.store.load(p.name, key)
	if !ok {
		return nil, provider.ErrNotFound
	}
	return p.decode(rec)
}

func (p *Provider) rows(ctx context.Context) ([]entity.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := p.tx(ctx)
	if err != nil {
		return nil, err
	}
	rows := p.store.snapshot(p.name)
	if t != nil {
		rows = t.overlay(p.name, rows)
	}

	recs := make([]*record, 0, len(rows))
	for _, rec := range rows {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]entity.Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := p.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetList implements provider.DataProvider.
func (p *Provider) GetList(ctx context.Context, q query.Query) ([]entity.Entity, error) {
	all, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}
	return query.Apply(all, q)
}

// Count implements provider.DataProvider.
func (p *Provider) Count(ctx context.Context, q query.Query) (int, error) {
	all, err := p.rows(ctx)
	if err != nil {
		return 0, err
	}
	matched, err := query.Filter(all, q.Criteria)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (p *Provider) encode(e entity.Entity) (string, *record, error) {
	if entity.TypeOf(e) != p.typ {
		return "", nil, provider.NewConfigurationError(p.typ, "cannot store %s", entity.TypeName(entity.TypeOf(e)))
	}
	if entity.IsEmptyID(e.GetID()) {
		return "", nil, provider.NewConfigurationError(p.typ, "entity has no id")
	}
	data, err := entity.Marshal(e)
	if err != nil {
		return "", nil, err
	}
	return entity.FormatID(e.GetID()), &record{data: data, updatedAt: p.store.clock()}, nil
}

func (p *Provider) apply(ctx context.Context, changes table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := p.tx(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		p.store.write(map[string]table{p.name: changes})
		return nil
	}
	for id, rec := range changes {
		if err := t.stage(p.name, id, rec); err != nil {
			return err
		}
	}
	return nil
}

// Save implements provider.DataProvider.
func (p *Provider) Save(ctx context.Context, e entity.Entity) error {
	id, rec, err := p.encode(e)
	if err != nil {
		return err
	}
	return p.apply(ctx, table{id: rec})
}

// Delete implements provider.DataProvider. Deleting a missing record is a
// no-op.
func (p *Provider) Delete(ctx context.Context, e entity.Entity) error {
	return p.apply(ctx, table{entity.FormatID(e.GetID()): nil})
}

// BulkInsert implements provider.DataProvider. Each batch is applied as a
// unit; an encoding failure stops before the failing batch.
func (p *Provider) BulkInsert(ctx context.Context, items []entity.Entity, batchSize int) error {
	return p.bulk(ctx, items, batchSize, false)
}

// BulkUpdate implements provider.DataProvider. Every item must exist.
func (p *Provider) BulkUpdate(ctx context.Context, items []entity.Entity, batchSize int) error {
	return p.bulk(ctx, items, batchSize, true)
}

func (p *Provider) bulk(ctx context.Context, items []entity.Entity, batchSize int, mustExist bool) error {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batch := make(table, end-start)
		for _, e := range items[start:end] {
			id, rec, err := p.encode(e)
			if err != nil {
				return err
			}
			if mustExist {
				if _, err := p.Get(ctx, id); err != nil {
					return err
				}
			}
			batch[id] = rec
		}
		if err := p.apply(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
