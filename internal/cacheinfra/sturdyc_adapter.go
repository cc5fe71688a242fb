package cacheinfra

import (
	"strings"
	"time"

	"github.com/viccon/sturdyc"
)

// Config sizes the sturdyc client behind the entry store. Capacity is split
// across NumShards; when a shard is full EvictionPercentage of it is dropped.
type Config struct {
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	EvictionInterval   time.Duration // zero keeps the sturdyc default
}

// DefaultConfig fits a single process holding a few thousand records.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions returns the options that are not positional arguments of
// sturdyc.New.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	if c.EvictionInterval <= 0 {
		return nil
	}
	return []sturdyc.Option{sturdyc.WithEvictionInterval(c.EvictionInterval)}
}

// Validate reports the first out of range field.
func (c Config) Validate() error {
	checks := []struct {
		ok    bool
		field string
		msg   string
	}{
		{c.Capacity > 0, "Capacity", "must be greater than 0"},
		{c.NumShards > 0, "NumShards", "must be greater than 0"},
		{c.TTL > 0, "TTL", "must be greater than 0"},
		{c.EvictionPercentage >= 1 && c.EvictionPercentage <= 100, "EvictionPercentage", "must be between 1 and 100"},
		{c.EvictionInterval >= 0, "EvictionInterval", "must be non-negative"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return &ConfigError{Field: chk.field, Message: chk.msg}
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// SturdycStore is a concurrent key/value store on top of a sturdyc client.
// It never fetches: misses are reported to the caller, which decides whether
// and what to load.
type SturdycStore struct {
	client *sturdyc.Client[any]
}

// NewSturdycStore validates cfg and builds the store.
func NewSturdycStore(cfg Config) (*SturdycStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycStore{client: client}, nil
}

// Get returns the value stored under key.
func (s *SturdycStore) Get(key string) (any, bool) {
	return s.client.Get(key)
}

// Set stores value under key, replacing any previous value.
func (s *SturdycStore) Set(key string, value any) {
	s.client.Set(key, value)
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *SturdycStore) Delete(key string) {
	s.client.Delete(key)
}

// DeleteByPrefix removes every key starting with prefix and reports how many
// keys were removed.
func (s *SturdycStore) DeleteByPrefix(prefix string) int {
	removed := 0
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
			removed++
		}
	}
	return removed
}

// Clear removes every key.
func (s *SturdycStore) Clear() int {
	return s.DeleteByPrefix("")
}

// Keys lists the stored keys in no particular order.
func (s *SturdycStore) Keys() []string {
	return s.client.ScanKeys()
}
