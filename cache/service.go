package cache

import (
	"github.com/goliatone/go-entity-store/internal/cacheinfra"
)

// Store is the key/value backend behind the identity cache. Implementations
// must be safe for concurrent use and must never perform I/O on Get.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	DeleteByPrefix(prefix string) int
	Clear() int
}

// Bus distributes evictions between cache instances.
type Bus = cacheinfra.Bus

// BusMessage is one eviction announcement.
type BusMessage = cacheinfra.Message

// NewLocalBus returns an in-process bus, useful when several caches share a
// process and in tests.
func NewLocalBus() Bus {
	return cacheinfra.NewLocalBus()
}
