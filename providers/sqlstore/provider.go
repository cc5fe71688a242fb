package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/query"
)

// Factory serves every type from one Store.
type Factory struct {
	store *Store
}

// NewFactory returns a factory bound to store.
func NewFactory(store *Store) *Factory {
	return &Factory{store: store}
}

// Provider implements provider.Factory.
func (f *Factory) Provider(t reflect.Type) (provider.DataProvider, error) {
	t = entity.Normalize(t)
	if _, err := entity.New(t); err != nil {
		return nil, provider.NewConfigurationError(t, "%v", err)
	}
	return &Provider{store: f.store, typ: t, name: entity.TypeName(t)}, nil
}

// SupportsPolymorphicQueries implements provider.PolymorphicFactory.
func (f *Factory) SupportsPolymorphicQueries() bool { return true }

// Provider reads and writes the rows of one type.
type Provider struct {
	store *Store
	typ   reflect.Type
	name  string
}

// ConnectionString implements provider.DataProvider.
func (p *Provider) ConnectionString() string { return p.store.connString }

// SupportValidationBypassing implements provider.DataProvider.
func (p *Provider) SupportValidationBypassing() bool { return true }

func (p *Provider) decode(payload []byte, updated int64) (entity.Entity, error) {
	e, err := entity.Unmarshal(p.typ, payload)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: decode %s: %w", entity.ShortName(p.typ), err)
	}
	e.EntityMeta().MarkPersisted(0, time.Unix(0, updated))
	return e, nil
}

func (p *Provider) encode(e entity.Entity) (string, []byte, error) {
	if entity.TypeOf(e) != p.typ {
		return "", nil, provider.NewConfigurationError(p.typ, "cannot store %s", entity.TypeName(entity.TypeOf(e)))
	}
	if entity.IsEmptyID(e.GetID()) {
		return "", nil, provider.NewConfigurationError(p.typ, "entity has no id")
	}
	data, err := entity.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("sqlstore: encode %s: %w", entity.ShortName(p.typ), err)
	}
	return entity.FormatID(e.GetID()), data, nil
}

// Get implements provider.DataProvider.
func (p *Provider) Get(ctx context.Context, id any) (entity.Entity, error) {
	q, err := p.store.conn(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.store.bound(ctx)
	defer cancel()

	var (
		payload []byte
		updated int64
	)
	stmt := "SELECT payload, updated_at FROM " + p.store.table + " WHERE type = ? AND id = ?"
	err = q.QueryRowContext(ctx, p.store.dialect.rebind(stmt), p.name, entity.FormatID(id)).Scan(&payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p.decode(payload, updated)
}

// rows loads the records of the type matching the Direct criteria and
// returns the criteria left for in-memory evaluation.
func (p *Provider) rows(ctx context.Context, criteria []query.Criterion) ([]entity.Entity, []query.Criterion, error) {
	var (
		where = []string{"type = ?"}
		args  = []any{p.name}
		rest  []query.Criterion
	)
	for _, c := range criteria {
		switch d := c.(type) {
		case query.Direct:
			where = append(where, "("+d.SQL+")")
			args = append(args, d.Args...)
		case *query.Direct:
			where = append(where, "("+d.SQL+")")
			args = append(args, d.Args...)
		default:
			rest = append(rest, c)
		}
	}

	stmt := "SELECT payload, updated_at FROM " + p.store.table +
		" WHERE " + strings.Join(where, " AND ") + " ORDER BY updated_at, id"

	var out []entity.Entity
	err := p.store.query(ctx, stmt, args, func(r *sql.Rows) error {
		var (
			payload []byte
			updated int64
		)
		if err := r.Scan(&payload, &updated); err != nil {
			return err
		}
		e, err := p.decode(payload, updated)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, rest, nil
}

// GetList implements provider.DataProvider.
func (p *Provider) GetList(ctx context.Context, q query.Query) ([]entity.Entity, error) {
	all, rest, err := p.rows(ctx, q.Criteria)
	if err != nil {
		return nil, err
	}
	q.Criteria = rest
	return query.Apply(all, q)
}

// Count implements provider.DataProvider.
func (p *Provider) Count(ctx context.Context, q query.Query) (int, error) {
	all, rest, err := p.rows(ctx, q.Criteria)
	if err != nil {
		return 0, err
	}
	matched, err := query.Filter(all, rest)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Save implements provider.DataProvider with an upsert.
func (p *Provider) Save(ctx context.Context, e entity.Entity) error {
	id, data, err := p.encode(e)
	if err != nil {
		return err
	}
	stmt := "INSERT INTO " + p.store.table + " (type, id, payload, updated_at) VALUES (?, ?, ?, ?)" +
		" ON CONFLICT (type, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at"
	_, err = p.store.exec(ctx, stmt, p.name, id, data, p.store.clock().UnixNano())
	return err
}

// Delete implements provider.DataProvider. Deleting a missing row is a
// no-op.
func (p *Provider) Delete(ctx context.Context, e entity.Entity) error {
	_, err := p.store.exec(ctx, "DELETE FROM "+p.store.table+" WHERE type = ? AND id = ?", p.name, entity.FormatID(e.GetID()))
	return err
}

// BulkInsert implements provider.DataProvider with one multi-row INSERT per
// batch. Existing rows make the batch fail.
func (p *Provider) BulkInsert(ctx context.Context, items []entity.Entity, batchSize int) error {
	return batches(items, batchSize, func(batch []entity.Entity) error {
		var (
			values []string
			args   []any
			now    = p.store.clock().UnixNano()
		)
		for _, e := range batch {
			id, data, err := p.encode(e)
			if err != nil {
				return err
			}
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, p.name, id, data, now)
		}
		stmt := "INSERT INTO " + p.store.table + " (type, id, payload, updated_at) VALUES " + strings.Join(values, ", ")
		_, err := p.store.exec(ctx, stmt, args...)
		return err
	})
}

// BulkUpdate implements provider.DataProvider. Every row must exist.
func (p *Provider) BulkUpdate(ctx context.Context, items []entity.Entity, batchSize int) error {
	stmt := "UPDATE " + p.store.table + " SET payload = ?, updated_at = ? WHERE type = ? AND id = ?"
	return batches(items, batchSize, func(batch []entity.Entity) error {
		now := p.store.clock().UnixNano()
		for _, e := range batch {
			id, data, err := p.encode(e)
			if err != nil {
				return err
			}
			res, err := p.store.exec(ctx, stmt, data, now, p.name, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("update %s %s: %w", entity.ShortName(p.typ), id, provider.ErrNotFound)
			}
		}
		return nil
	})
}

func batches(items []entity.Entity, size int, fn func([]entity.Entity) error) error {
	if size <= 0 {
		size = len(items)
	}
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
