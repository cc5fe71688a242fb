// Package config loads the runtime configuration of an entity store: cache
// sizing, named connections, the SQL command timeout, logging and the
// optional Redis invalidation bus.
//
// Values come from defaults, then a YAML file, then ENTITYSTORE_ prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/provider"
	"github.com/goliatone/go-entity-store/txscope"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENTITYSTORE_"

// Connection is a named database/sql data source.
type Connection struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Validate implements validation.Validatable.
func (c Connection) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(drivers()...)),
		validation.Field(&c.DSN, validation.Required),
	)
}

// Cache sizes the identity cache.
type Cache struct {
	Capacity           int           `yaml:"capacity"`
	NumShards          int           `yaml:"num_shards"`
	TTL                time.Duration `yaml:"ttl"`
	EvictionPercentage int           `yaml:"eviction_percentage"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
}

// Validate implements validation.Validatable.
func (c Cache) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Duration(1))),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
}

// Logging selects the slog level and handler.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate implements validation.Validatable.
func (l Logging) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}

// Redis enables cross-process cache invalidation when Addr is set.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (r Redis) Enabled() bool { return r.Addr != "" }

// Validate implements validation.Validatable.
func (r Redis) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Channel, validation.When(r.Enabled(), validation.Required)),
		validation.Field(&r.DB, validation.Min(0)),
	)
}

// Config is the full configuration.
type Config struct {
	Cache          Cache                 `yaml:"cache"`
	Connections    map[string]Connection `yaml:"connections"`
	CommandTimeout time.Duration         `yaml:"command_timeout"`
	Table          string                `yaml:"table"`
	Logging        Logging               `yaml:"logging"`
	Redis          Redis                 `yaml:"redis"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	c := cache.DefaultConfig()
	return Config{
		Cache: Cache{
			Capacity:           c.Capacity,
			NumShards:          c.NumShards,
			TTL:                c.TTL,
			EvictionPercentage: c.EvictionPercentage,
			EvictionInterval:   c.EvictionInterval,
		},
		Connections:    map[string]Connection{},
		CommandTimeout: 30 * time.Second,
		Table:          "entity_records",
		Logging:        Logging{Level: "info", Format: "text"},
		Redis:          Redis{Channel: "entitystore:cache"},
	}
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Cache),
		validation.Field(&c.Connections),
		validation.Field(&c.CommandTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Table, validation.Required),
		validation.Field(&c.Logging),
		validation.Field(&c.Redis),
	)
}

// Load reads path (optional), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environ, a list of KEY=value pairs.
// ENTITYSTORE_CONN_<NAME>=driver://dsn adds or replaces connection <name>.
func (c *Config) ApplyEnv(environ []string) error {
	env := make(map[string]string)
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[strings.TrimPrefix(k, EnvPrefix)] = v
		}
	}

	str := func(name string, dst *string) {
		if v, ok := env[name]; ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := env[name]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}
	num := func(name string, dst *int) error {
		if v, ok := env[name]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("TABLE", &c.Table)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_CHANNEL", &c.Redis.Channel)
	for _, err := range []error{
		dur("COMMAND_TIMEOUT", &c.CommandTimeout),
		dur("CACHE_TTL", &c.Cache.TTL),
		num("CACHE_CAPACITY", &c.Cache.Capacity),
		num("REDIS_DB", &c.Redis.DB),
	} {
		if err != nil {
			return err
		}
	}

	for name, v := range env {
		conn, ok := strings.CutPrefix(name, "CONN_")
		if !ok || conn == "" {
			continue
		}
		parsed, err := parseLiteral(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		if c.Connections == nil {
			c.Connections = map[string]Connection{}
		}
		c.Connections[strings.ToLower(conn)] = parsed
	}
	return nil
}

// CacheConfig converts the cache section for cache.NewWithConfig.
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		Capacity:           c.Cache.Capacity,
		NumShards:          c.Cache.NumShards,
		TTL:                c.Cache.TTL,
		EvictionPercentage: c.Cache.EvictionPercentage,
		EvictionInterval:   c.Cache.EvictionInterval,
	}
}

// ConnectionNames returns the configured names in sorted order.
func (c Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a provider connection string to a driver and DSN. The string
// is either a configured connection name or a literal driver://dsn.
func (c Config) Resolve(connString string) (driver, dsn string, err error) {
	if conn, ok := c.Connections[connString]; ok {
		return conn.Driver, conn.DSN, nil
	}
	if strings.Contains(connString, "://") {
		conn, err := parseLiteral(connString)
		if err != nil {
			return "", "", err
		}
		return conn.Driver, conn.DSN, nil
	}
	return "", "", &provider.ConfigurationError{
		Subject: connString,
		Message: "no connection with this name is configured",
	}
}

// Resolver adapts Resolve for txscope.NewSQLConnector.
func (c Config) Resolver() txscope.Resolver {
	return c.Resolve
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func drivers() []any {
	return []any{"sqlite", "sqlite3", "pgx", "postgres"}
}

// parseLiteral splits driver://dsn. Postgres URLs are kept whole and served
// by pgx, which accepts them as DSNs.
func parseLiteral(s string) (Connection, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || rest == "" {
		return Connection{}, &provider.ConfigurationError{Subject: s, Message: "expected driver://dsn"}
	}
	switch scheme {
	case "postgres", "postgresql":
		return Connection{Driver: "pgx", DSN: s}, nil
	case "pgx", "sqlite", "sqlite3":
		return Connection{Driver: scheme, DSN: rest}, nil
	default:
		return Connection{}, &provider.ConfigurationError{Subject: s, Message: "unknown driver " + scheme}
	}
}
