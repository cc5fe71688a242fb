// Package sqlstore is a database/sql data provider. Every entity type shares
// one table of (type, id, payload, updated_at) rows; payloads are msgpack
// encoded entities. Calls made inside a transaction scope run on the scope's
// *sql.Tx for the store's connection string.
//
// Conditions are evaluated in memory after loading the rows of a type.
// Direct criteria are pushed down as extra WHERE fragments and may only
// reference the type, id and updated_at columns, with ? placeholders.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-entity-store/txscope"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "entity_records"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	blob     string
	numbered bool
}

func dialectFor(driver string) dialect {
	switch driver {
	case "pgx", "postgres":
		return dialect{blob: "BYTEA", numbered: true}
	default:
		return dialect{blob: "BLOB"}
	}
}

// rebind rewrites ? placeholders to $n for drivers that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is one table reachable through a connection string.
type Store struct {
	connString string
	connector  *txscope.SQLConnector
	table      string
	timeout    time.Duration
	clock      func() time.Time
	dialect    dialect
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithCommandTimeout bounds every statement. Zero disables the bound.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithClock overrides time.Now for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

// NewStore binds a store to connString, opened through connector.
func NewStore(connector *txscope.SQLConnector, connString string, opts ...Option) (*Store, error) {
	s := &Store{
		connString: connString,
		connector:  connector,
		table:      DefaultTable,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	err := validation.Errors{
		"connector":  validation.Validate(s.connector, validation.NotNil),
		"connString": validation.Validate(s.connString, validation.Required),
		"table":      validation.Validate(s.table, validation.Required, validation.Match(identifier)),
	}.Filter()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}

	driver, err := connector.Driver(connString)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	s.dialect = dialectFor(driver)
	return s, nil
}

// ConnectionString identifies the store inside a transaction scope.
func (s *Store) ConnectionString() string { return s.connString }

// Table returns the table name.
func (s *Store) Table() string { return s.table }

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	type VARCHAR(255) NOT NULL,
	id VARCHAR(255) NOT NULL,
	payload %s NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (type, id)
)`, s.table, s.dialect.blob)
	_, err := s.exec(ctx, stmt)
	return err
}

// Purge deletes every row of typeName, or every row when typeName is empty.
func (s *Store) Purge(ctx context.Context, typeName string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if typeName == "" {
		res, err = s.exec(ctx, "DELETE FROM "+s.table)
	} else {
		res, err = s.exec(ctx, "DELETE FROM "+s.table+" WHERE type = ?", typeName)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts the stored rows per type name.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	err := s.query(ctx, "SELECT type, COUNT(*) FROM "+s.table+" GROUP BY type", nil, func(rows *sql.Rows) error {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return err
		}
		out[name] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the scope's transaction when one is open, the pool otherwise.
func (s *Store) conn(ctx context.Context) (querier, error) {
	if scope := txscope.Active(ctx); scope != nil {
		tx, err := scope.Transaction(ctx, s.connString, s.connector)
		if err != nil {
			return nil, err
		}
		sqlTx, ok := tx.(*sql.Tx)
		if !ok {
			return nil, fmt.Errorf("sqlstore: connection %q is not a database/sql transaction", s.connString)
		}
		return sqlTx, nil
	}
	return s.connector.DB(ctx, s.connString)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	q, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return q.ExecContext(ctx, s.dialect.rebind(stmt), args...)
}

// query runs stmt and hands every row to scan before releasing the cursor.
func (s *Store) query(ctx context.Context, stmt string, args []any, scan func(*sql.Rows) error) error {
	q, err := s.conn(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := q.QueryContext(ctx, s.dialect.rebind(stmt), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
