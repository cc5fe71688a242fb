// Package cache implements the identity cache used by the database façade.
//
// # Overview
//
// IdentityCache keeps one shared, immutable instance per (type, id) and
// whole result sets per list query:
//
//   - Item entries live under "item::<type>::<id>"
//   - List entries live under "list::<type>::<hash>", where the hash is taken
//     over the canonical form of the query built by a KeySerializer
//
// Because both key families carry the type name in clear text, RemoveType
// drops everything for a type with two prefix deletions.
//
// # Basic Usage
//
//	c, err := cache.NewWithConfig(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//
//	start := c.Now()
//	customer, err := load(ctx, id)
//	if err == nil {
//		c.AddIfCurrent(customer, start)
//	}
//
// Instances handed to Add or AddList are marked immutable. Callers that want
// to change one must clone it first; the database does this in Update.
//
// # Staleness
//
// Every eviction records a timestamp per item and per type. IsUpdatedSince
// compares those with the moment a load started, so a result read before a
// concurrent write is never cached after the write evicted its entry.
// AddIfCurrent and AddList check again after inserting, which closes the
// window between the check and the write.
//
// # Distribution
//
// WithBus publishes evictions on a Bus. NewLocalBus connects caches inside one
// process; NewRedisBus connects processes through Redis pub/sub. Call Listen
// to apply evictions published by peers; messages from the same instance are
// ignored.
//
// # Key Serialization
//
// The default serializer walks values with reflection. Function pointers are
// stable only within a process, so criteria holding closures produce keys
// that cannot be shared across a bus.
package cache
