package di

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goliatone/go-entity-store/database"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/uptrace/bun"
)

// Invoice is served through a bun repository in the integration tests.
type Invoice struct {
	bun.BaseModel `bun:"table:invoices"`
	entity.Base   `bun:"-"`
	ID            string `bun:",pk"`
	Customer      string
	Total         int
}

func (i *Invoice) GetID() any { return i.ID }

// invoiceRepository implements the repository methods the bun provider
// drives on top of plain bun queries.
type invoiceRepository struct {
	db *bun.DB
}

func (r *invoiceRepository) idb(tx bun.IDB) bun.IDB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *invoiceRepository) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (*Invoice, error) {
	return r.GetByIDTx(ctx, nil, id, criteria...)
}

func (r *invoiceRepository) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (*Invoice, error) {
	rec := new(Invoice)
	q := r.idb(tx).NewSelect().Model(rec).Where("id = ?", id)
	for _, c := range criteria {
		q = c(q)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *invoiceRepository) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]*Invoice, int, error) {
	return r.ListTx(ctx, nil, criteria...)
}

func (r *invoiceRepository) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]*Invoice, int, error) {
	var out []*Invoice
	q := r.idb(tx).NewSelect().Model(&out)
	for _, c := range criteria {
		q = c(q)
	}
	n, err := q.ScanAndCount(ctx)
	return out, n, err
}

func (r *invoiceRepository) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	return r.CountTx(ctx, nil, criteria...)
}

func (r *invoiceRepository) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	q := r.idb(tx).NewSelect().Model((*Invoice)(nil))
	for _, c := range criteria {
		q = c(q)
	}
	return q.Count(ctx)
}

func (r *invoiceRepository) Create(ctx context.Context, rec *Invoice, criteria ...repository.InsertCriteria) (*Invoice, error) {
	return r.CreateTx(ctx, nil, rec, criteria...)
}

func (r *invoiceRepository) CreateTx(ctx context.Context, tx bun.IDB, rec *Invoice, _ ...repository.InsertCriteria) (*Invoice, error) {
	_, err := r.idb(tx).NewInsert().Model(rec).Exec(ctx)
	return rec, err
}

func (r *invoiceRepository) Update(ctx context.Context, rec *Invoice, criteria ...repository.UpdateCriteria) (*Invoice, error) {
	return r.UpdateTx(ctx, nil, rec, criteria...)
}

func (r *invoiceRepository) UpdateTx(ctx context.Context, tx bun.IDB, rec *Invoice, _ ...repository.UpdateCriteria) (*Invoice, error) {
	_, err := r.idb(tx).NewUpdate().Model(rec).WherePK().Exec(ctx)
	return rec, err
}

func (r *invoiceRepository) CreateMany(ctx context.Context, recs []*Invoice, criteria ...repository.InsertCriteria) ([]*Invoice, error) {
	return r.CreateManyTx(ctx, nil, recs, criteria...)
}

func (r *invoiceRepository) CreateManyTx(ctx context.Context, tx bun.IDB, recs []*Invoice, _ ...repository.InsertCriteria) ([]*Invoice, error) {
	_, err := r.idb(tx).NewInsert().Model(&recs).Exec(ctx)
	return recs, err
}

func (r *invoiceRepository) UpdateMany(ctx context.Context, recs []*Invoice, criteria ...repository.UpdateCriteria) ([]*Invoice, error) {
	return r.UpdateManyTx(ctx, nil, recs, criteria...)
}

func (r *invoiceRepository) UpdateManyTx(ctx context.Context, tx bun.IDB, recs []*Invoice, _ ...repository.UpdateCriteria) ([]*Invoice, error) {
	for _, rec := range recs {
		if _, err := r.UpdateTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (r *invoiceRepository) Delete(ctx context.Context, rec *Invoice) error {
	return r.DeleteTx(ctx, nil, rec)
}

func (r *invoiceRepository) DeleteTx(ctx context.Context, tx bun.IDB, rec *Invoice) error {
	res, err := r.idb(tx).NewDelete().Model(rec).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func newIntegrationContainer(t *testing.T) *Container {
	t.Helper()
	ctx := context.Background()
	c := newTestContainer(t)

	c.UseMemory("memory://users", userType)
	if _, err := c.UseSQL(ctx, "orders", orderType); err != nil {
		t.Fatalf("UseSQL() failed: %v", err)
	}

	db, err := c.BunDB(ctx, "orders")
	if err != nil {
		t.Fatalf("BunDB() failed: %v", err)
	}
	if _, err := db.NewCreateTable().Model((*Invoice)(nil)).IfNotExists().Exec(ctx); err != nil {
		t.Fatalf("create invoices: %v", err)
	}
	return c
}

func TestIntegration_TransactionSpansProviders(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationContainer(t)
	db := c.Database()

	errAbort := errors.New("abort")
	err := db.InTransaction(ctx, func(ctx context.Context) error {
		if err := db.Save(ctx, &User{ID: "u1", Name: "Ada"}); err != nil {
			return err
		}
		if err := db.Save(ctx, &Order{ID: "o1", UserID: "u1", Total: 10}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	if u, err := database.GetOrDefault[*User](ctx, db, "u1"); err != nil || u != nil {
		t.Fatalf("rolled back user should be missing, got %v, %v", u, err)
	}
	if o, err := database.GetOrDefault[*Order](ctx, db, "o1"); err != nil || o != nil {
		t.Fatalf("rolled back order should be missing, got %v, %v", o, err)
	}

	err = db.InTransaction(ctx, func(ctx context.Context) error {
		if err := db.Save(ctx, &User{ID: "u1", Name: "Ada"}); err != nil {
			return err
		}
		return db.Save(ctx, &Order{ID: "o1", UserID: "u1", Total: 10})
	})
	if err != nil {
		t.Fatalf("InTransaction() failed: %v", err)
	}
	if n, err := database.Count[*Order](ctx, db, query.Where("UserID", "u1")); err != nil || n != 1 {
		t.Fatalf("expected one order for u1, got %d, %v", n, err)
	}
}

func TestIntegration_StaleCloneAgainstSQL(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationContainer(t)
	db := c.Database()

	original := &Order{ID: "o1", UserID: "u1", Total: 10}
	if err := db.Save(ctx, original); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	txCtx, scope := db.CreateTransactionScope(ctx)
	loaded, err := database.Get[*Order](txCtx, db, "o1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, err := database.Update(txCtx, db, loaded, func(o *Order) error {
		o.Total = 20
		return nil
	}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	var stale *database.StaleCloneConflictError
	if err := db.Save(txCtx, original); !errors.As(err, &stale) {
		t.Fatalf("expected stale clone conflict, got %v", err)
	}

	if err := scope.Complete(); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if err := scope.Dispose(); err != nil {
		t.Fatalf("Dispose() failed: %v", err)
	}

	after, err := database.Get[*Order](ctx, db, "o1")
	if err != nil || after.Total != 20 {
		t.Fatalf("expected committed total 20, got %v, %v", after, err)
	}
}

func TestIntegration_BunRepositoryJoinsScope(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationContainer(t)
	db := c.Database()

	bdb, err := c.BunDB(ctx, "orders")
	if err != nil {
		t.Fatalf("BunDB() failed: %v", err)
	}
	if _, err := RegisterRepository[*Invoice](ctx, c, &invoiceRepository{db: bdb}, "orders"); err != nil {
		t.Fatalf("RegisterRepository() failed: %v", err)
	}

	if err := db.Save(ctx, &Invoice{ID: "i1", Customer: "acme", Total: 5}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	errAbort := errors.New("abort")
	err = db.InTransaction(ctx, func(ctx context.Context) error {
		inv, err := database.Get[*Invoice](ctx, db, "i1")
		if err != nil {
			return err
		}
		if _, err := database.Update(ctx, db, inv, func(i *Invoice) error {
			i.Total = 500
			return nil
		}); err != nil {
			return err
		}
		if err := db.Save(ctx, &Invoice{ID: "i2", Customer: "acme", Total: 7}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	inv, err := database.Get[*Invoice](ctx, db, "i1")
	if err != nil || inv.Total != 5 {
		t.Fatalf("expected rolled back total 5, got %v, %v", inv, err)
	}
	list, err := database.GetList[*Invoice](ctx, db, []query.Criterion{query.Where("Customer", "acme")})
	if err != nil {
		t.Fatalf("GetList() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected only the committed invoice, got %d", len(list))
	}
}

func TestIntegration_ConcurrentReadersShareCache(t *testing.T) {
	ctx := context.Background()
	c := newIntegrationContainer(t)
	db := c.Database()

	for i := 0; i < 10; i++ {
		if err := db.Save(ctx, &User{ID: fmt.Sprintf("u%d", i), Name: fmt.Sprintf("User %d", i)}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}
	// Two passes: a load racing the save's eviction timestamp is not cached.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < 10; i++ {
			if _, err := database.Get[*User](ctx, db, fmt.Sprintf("u%d", i)); err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
		}
	}
	hitsBefore := testutil.ToFloat64(c.Metrics().CacheHits().WithLabelValues("item"))

	const workers, reads = 8, 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < reads; r++ {
				id := fmt.Sprintf("u%d", (w+r)%10)
				u, err := database.Get[*User](ctx, db, id)
				if err != nil {
					errs <- err
					return
				}
				if u.ID != id {
					errs <- fmt.Errorf("got %s for %s", u.ID, id)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	hits := testutil.ToFloat64(c.Metrics().CacheHits().WithLabelValues("item")) - hitsBefore
	if hits != workers*reads {
		t.Errorf("expected %d cache hits, got %v", workers*reads, hits)
	}
}
