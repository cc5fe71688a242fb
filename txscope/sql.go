package txscope

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Resolver maps a connection string to a database/sql driver name and DSN.
type Resolver func(connString string) (driver, dsn string, err error)

// SQLConnector opens database/sql transactions. It keeps one pool per
// connection string; pools are opened on first use and verified with a
// ping retried with backoff.
type SQLConnector struct {
	resolve    Resolver
	maxRetries uint64
	backoff    time.Duration

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// SQLOption configures a SQLConnector.
type SQLOption func(*SQLConnector)

// WithPingRetries sets how many times a failed ping is retried and the base
// delay of the fibonacci backoff between attempts.
func WithPingRetries(max uint64, base time.Duration) SQLOption {
	return func(c *SQLConnector) {
		c.maxRetries = max
		if base > 0 {
			c.backoff = base
		}
	}
}

// NewSQLConnector builds a connector using resolve to locate drivers.
func NewSQLConnector(resolve Resolver, opts ...SQLOption) *SQLConnector {
	c := &SQLConnector{
		resolve:    resolve,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		dbs:        make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Register installs an already opened pool for connString. Useful for tests
// and for sharing a pool owned elsewhere.
func (c *SQLConnector) Register(connString string, db *sql.DB) {
	c.mu.Lock()
	c.dbs[connString] = db
	c.mu.Unlock()
}

// Driver returns the database/sql driver name connString resolves to.
func (c *SQLConnector) Driver(connString string) (string, error) {
	if c.resolve == nil {
		return "", fmt.Errorf("txscope: no resolver for %q", connString)
	}
	driver, _, err := c.resolve(connString)
	return driver, err
}

// DB returns the pool for connString, opening it if needed.
func (c *SQLConnector) DB(ctx context.Context, connString string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.dbs[connString]; ok {
		return db, nil
	}
	if c.resolve == nil {
		return nil, fmt.Errorf("txscope: no resolver for %q", connString)
	}

	driver, dsn, err := c.resolve(connString)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("txscope: open %s: %w", driver, err)
	}

	b := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.backoff))
	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("txscope: ping %s: %w", driver, err)
	}

	c.dbs[connString] = db
	return db, nil
}

// Begin implements Connector.
func (c *SQLConnector) Begin(ctx context.Context, connString string, opts *sql.TxOptions) (Tx, error) {
	db, err := c.DB(ctx, connString)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Close closes every pool.
func (c *SQLConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for key, db := range c.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.dbs, key)
	}
	return first
}
