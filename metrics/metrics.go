// Package metrics exposes Prometheus counters for the identity cache,
// provider traffic and transaction outcomes. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "entitystore"

// Collector groups the counters emitted by the cache and the database.
type Collector struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	providerOps    *prometheus.CounterVec
	transactions   *prometheus.CounterVec
}

// New builds a collector and registers it with reg. A nil reg skips
// registration, which is convenient in tests.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Identity cache hits by entry kind.",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Identity cache misses by entry kind.",
		}, []string{"kind"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Identity cache evictions by scope (item, type, all).",
		}, []string{"scope"}),
		providerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "operations_total",
			Help:      "Data provider calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "outcomes_total",
			Help:      "Root transaction scope outcomes.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		for _, col := range []prometheus.Collector{c.cacheHits, c.cacheMisses, c.cacheEvictions, c.providerOps, c.transactions} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// CacheHit counts a hit for kind ("item" or "list").
func (c *Collector) CacheHit(kind string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(kind).Inc()
}

// CacheMiss counts a miss for kind.
func (c *Collector) CacheMiss(kind string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// CacheEviction counts an eviction.
func (c *Collector) CacheEviction(scope string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(scope).Inc()
}

// ProviderOp counts a provider call.
func (c *Collector) ProviderOp(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.providerOps.WithLabelValues(op, outcome).Inc()
}

// Transaction counts a root scope outcome ("committed" or "rolled_back").
func (c *Collector) Transaction(outcome string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(outcome).Inc()
}

// CacheHits exposes the hit counter, mostly for tests.
func (c *Collector) CacheHits() *prometheus.CounterVec { return c.cacheHits }

// CacheMisses exposes the miss counter.
func (c *Collector) CacheMisses() *prometheus.CounterVec { return c.cacheMisses }

// ProviderOps exposes the provider counter.
func (c *Collector) ProviderOps() *prometheus.CounterVec { return c.providerOps }

// Transactions exposes the transaction counter.
func (c *Collector) Transactions() *prometheus.CounterVec { return c.transactions }
