package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/config"
	"github.com/goliatone/go-entity-store/database"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/internal/logging"
	"github.com/goliatone/go-entity-store/metrics"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/providers/bunrepo"
	"github.com/goliatone/go-entity-store/providers/memory"
	"github.com/goliatone/go-entity-store/providers/sqlstore"
	"github.com/goliatone/go-entity-store/txscope"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Container wires an entity store from a config.Config. It owns the
// singletons (cache, provider registry, SQL pools, database) and hands out
// stores bound to connection strings.
type Container struct {
	cfg        config.Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	redis      redis.UniversalClient
	ownsRedis  bool
	auditor    database.Auditor

	metrics   *metrics.Collector
	cache     *cache.IdentityCache
	providers *provider.Registry
	sql       *txscope.SQLConnector
	bun       *bunrepo.Connector
	db        *database.Database

	mu        sync.Mutex
	memStores map[string]*memory.Store
	sqlStores map[string]*sqlstore.Store
	bunDBs    map[string]*bun.DB
}

// Option configures a Container.
type Option func(*Container)

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// WithRegisterer registers the metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Container) { c.registerer = reg }
}

// WithRedisClient uses client for the invalidation bus instead of dialing
// the configured address. The container does not close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Container) { c.redis = client }
}

// WithAuditor records writes through a. Defaults to a LogAuditor.
func WithAuditor(a database.Auditor) Option {
	return func(c *Container) { c.auditor = a }
}

// NewContainer validates cfg and builds the shared components.
func NewContainer(cfg config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("di: %w", err)
	}

	c := &Container{
		cfg:       cfg,
		memStores: make(map[string]*memory.Store),
		sqlStores: make(map[string]*sqlstore.Store),
		bunDBs:    make(map[string]*bun.DB),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.logger == nil {
		logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, err
		}
		c.logger = logger
	}
	if c.registerer == nil {
		c.registerer = prometheus.NewRegistry()
	}
	if c.auditor == nil {
		c.auditor = database.NewLogAuditor(c.logger)
	}

	collector, err := metrics.New(c.registerer)
	if err != nil {
		return nil, fmt.Errorf("di: register metrics: %w", err)
	}
	c.metrics = collector

	cacheOpts := []cache.Option{cache.WithMetrics(collector), cache.WithLogger(c.logger)}
	if cfg.Redis.Enabled() && c.redis == nil {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.ownsRedis = true
	}
	if c.redis != nil {
		cacheOpts = append(cacheOpts, cache.WithBus(cache.NewRedisBus(c.redis, cfg.Redis.Channel)))
	}

	identity, err := cache.NewWithConfig(cfg.CacheConfig(), cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("di: cache: %w", err)
	}
	c.cache = identity

	c.providers = provider.NewRegistry()
	c.sql = txscope.NewSQLConnector(cfg.Resolver())
	c.bun = bunrepo.NewConnector()
	c.db = database.New(c.cache, c.providers,
		database.WithLogger(c.logger),
		database.WithMetrics(collector),
		database.WithAuditor(c.auditor),
	)
	return c, nil
}

// NewContainerWithDefaults builds a container from config.Default.
func NewContainerWithDefaults(opts ...Option) (*Container, error) {
	return NewContainer(config.Default(), opts...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config { return c.cfg }

// Logger returns the shared logger.
func (c *Container) Logger() *slog.Logger { return c.logger }

// Metrics returns the collector shared by the cache and the database.
func (c *Container) Metrics() *metrics.Collector { return c.metrics }

// Cache returns the identity cache.
func (c *Container) Cache() *cache.IdentityCache { return c.cache }

// Registry returns the provider registry.
func (c *Container) Registry() *provider.Registry { return c.providers }

// SQL returns the database/sql connector resolving configured connections.
func (c *Container) SQL() *txscope.SQLConnector { return c.sql }

// Database returns the unit of work façade.
func (c *Container) Database() *database.Database { return c.db }

// UseMemory serves types from the in-memory store named connString.
func (c *Container) UseMemory(connString string, types ...reflect.Type) *memory.Store {
	c.mu.Lock()
	store, ok := c.memStores[connString]
	if !ok {
		store = memory.NewStore(connString)
		c.memStores[connString] = store
	}
	c.mu.Unlock()

	factory := memory.NewFactory(store)
	for _, t := range types {
		c.providers.RegisterFactory(t, factory)
	}
	return store
}

// UseSQL serves types from the record table on connString, creating the
// table when missing.
func (c *Container) UseSQL(ctx context.Context, connString string, types ...reflect.Type) (*sqlstore.Store, error) {
	store, err := c.SQLStore(ctx, connString)
	if err != nil {
		return nil, err
	}
	factory := sqlstore.NewFactory(store)
	for _, t := range types {
		c.providers.RegisterFactory(t, factory)
	}
	return store, nil
}

// SQLStore returns the migrated record store for connString.
func (c *Container) SQLStore(ctx context.Context, connString string) (*sqlstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if store, ok := c.sqlStores[connString]; ok {
		return store, nil
	}
	store, err := sqlstore.NewStore(c.sql, connString,
		sqlstore.WithTable(c.cfg.Table),
		sqlstore.WithCommandTimeout(c.cfg.CommandTimeout),
	)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	c.sqlStores[connString] = store
	c.logger.Debug("sql store ready", "connection", connString, "table", store.Table())
	return store, nil
}

// BunDB returns a bun.DB over the pool of connString, with the dialect its
// driver needs. The database is also registered for scope transactions.
func (c *Container) BunDB(ctx context.Context, connString string) (*bun.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.bunDBs[connString]; ok {
		return db, nil
	}
	driver, err := c.sql.Driver(connString)
	if err != nil {
		return nil, err
	}
	sqldb, err := c.sql.DB(ctx, connString)
	if err != nil {
		return nil, err
	}

	var db *bun.DB
	switch driver {
	case "pgx", "postgres":
		db = bun.NewDB(sqldb, pgdialect.New())
	case "sqlite", "sqlite3":
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, &provider.ConfigurationError{Subject: connString, Message: "no bun dialect for driver " + driver}
	}
	c.bun.Register(connString, db)
	c.bunDBs[connString] = db
	return db, nil
}

// RegisterRepository serves T through repo. Scope transactions for T are
// opened on the bun database of connString.
func RegisterRepository[T entity.Entity](ctx context.Context, c *Container, repo bunrepo.Repository[T], connString string, opts ...bunrepo.Option) (*bunrepo.Provider[T], error) {
	if _, err := c.BunDB(ctx, connString); err != nil {
		return nil, err
	}
	p := bunrepo.New(repo, c.bun, connString, opts...)
	c.providers.RegisterFactory(entity.TypeFor[T](), p.Factory())
	return p, nil
}

// Listen applies evictions published by peers. It is a no-op without Redis.
func (c *Container) Listen(ctx context.Context) error {
	return c.cache.Listen(ctx)
}

// Close releases the bus subscription, the SQL pools and a Redis client the
// container dialed itself.
func (c *Container) Close() error {
	errs := []error{c.cache.Close(), c.sql.Close()}
	if c.ownsRedis {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}
