// Package entity defines the persistence contract shared by the cache,
// the providers and the database façade.
//
// An entity is a pointer to a struct that embeds Base and exposes its
// primary key through GetID:
//
//	type Customer struct {
//		entity.Base
//		ID   int
//		Name string
//	}
//
//	func (c *Customer) GetID() any { return c.ID }
//
// Two instances with the same Key describe the same logical record. The
// database tracks per-instance bookkeeping (new/persisted, immutability,
// version token) in Meta; application code only reads it.
package entity

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

// KeySeparator joins the segments of a serialized entity key.
const KeySeparator = "::"

// Entity is implemented by every persisted record.
type Entity interface {
	GetID() any
	EntityMeta() *Meta
}

// Validator is implemented by entities carrying business rules.
type Validator interface {
	Validate() error
}

// SoftDeletable entities are flagged rather than physically removed on delete.
type SoftDeletable interface {
	Entity
	IsMarkedSoftDeleted() bool
	MarkSoftDeleted(deleted bool)
}

// SoftDeleteField is the boolean property holding the soft delete flag,
// used when list queries exclude deleted records.
const SoftDeleteField = "IsDeleted"

// SoftDeleteFieldNamer lets a SoftDeletable entity store its flag under
// another property.
type SoftDeleteFieldNamer interface {
	SoftDeleteField() string
}

// SoftDeleteFieldOf returns the flag property of t, and false when t is not
// soft deletable.
func SoftDeleteFieldOf(t reflect.Type) (string, bool) {
	t = Normalize(t)
	if t == nil || t.Kind() != reflect.Struct {
		return "", false
	}
	sample := reflect.New(t).Interface()
	if _, ok := sample.(SoftDeletable); !ok {
		return "", false
	}
	if n, ok := sample.(SoftDeleteFieldNamer); ok {
		return n.SoftDeleteField(), true
	}
	return SoftDeleteField, true
}

// Ordered entities define their natural ordering for unsorted lists.
type Ordered interface {
	CompareTo(other Entity) int
}

// Cloner lets an entity provide its own deep copy. The returned value must be
// a fresh instance of the same concrete type.
type Cloner interface {
	CloneEntity() Entity
}

// Base is embedded by entity structs to carry Meta.
type Base struct {
	meta Meta
}

// EntityMeta implements Entity.
func (b *Base) EntityMeta() *Meta { return &b.meta }

// Meta holds the bookkeeping the database keeps for one in-memory instance.
// The zero value describes a new, mutable, never loaded instance. Instances
// shared through the identity cache are read by many goroutines, so every
// field is atomic.
type Meta struct {
	persisted atomic.Bool
	immutable atomic.Bool
	version   atomic.Uint64
	loadedAt  atomic.Pointer[time.Time]
}

// IsNew reports whether the instance has never been stored.
func (m *Meta) IsNew() bool { return !m.persisted.Load() }

// IsImmutable reports whether the instance is shared through the identity
// cache. Immutable instances must be cloned before they are saved.
func (m *Meta) IsImmutable() bool { return m.immutable.Load() }

// Version is the token stamped by the last load or save of this instance.
func (m *Meta) Version() uint64 { return m.version.Load() }

// LoadedAt is the time the instance was loaded or last saved.
func (m *Meta) LoadedAt() time.Time {
	if at := m.loadedAt.Load(); at != nil {
		return *at
	}
	return time.Time{}
}

// MarkPersisted records a successful load or save.
func (m *Meta) MarkPersisted(version uint64, at time.Time) {
	m.version.Store(version)
	m.loadedAt.Store(&at)
	m.persisted.Store(true)
}

// MarkImmutable flags the instance as shared.
func (m *Meta) MarkImmutable() { m.immutable.Store(true) }

// MarkNew resets the instance to the unsaved state.
func (m *Meta) MarkNew() {
	m.persisted.Store(false)
	m.version.Store(0)
}

// copyFrom makes m a mutable copy of src's persistence state.
func (m *Meta) copyFrom(src *Meta) {
	m.immutable.Store(false)
	if src.IsNew() {
		m.MarkNew()
		m.loadedAt.Store(src.loadedAt.Load())
		return
	}
	m.MarkPersisted(src.Version(), src.LoadedAt())
}

// Key identifies a logical record.
type Key struct {
	Type reflect.Type
	ID   string
}

// KeyOf builds the key for e.
func KeyOf(e Entity) Key {
	return Key{Type: TypeOf(e), ID: FormatID(e.GetID())}
}

// NewKey builds a key from a type and a raw identifier.
func NewKey(t reflect.Type, id any) Key {
	return Key{Type: Normalize(t), ID: FormatID(id)}
}

// String renders the key as <type name>::<id>.
func (k Key) String() string {
	return TypeName(k.Type) + KeySeparator + k.ID
}

// FormatID renders a primary key value as a string. Pointers are dereferenced
// and fmt.Stringer values (uuid.UUID among them) use their String method.
func FormatID(id any) string {
	if id == nil {
		return ""
	}
	rv := reflect.ValueOf(id)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	v := rv.Interface()
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", v)
}

// IsEmptyID reports whether id is nil or the zero value of its type.
func IsEmptyID(id any) bool {
	if id == nil {
		return true
	}
	rv := reflect.ValueOf(id)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return true
	}
	return rv.IsZero()
}

// TypeOf returns the normalized type of e.
func TypeOf(e Entity) reflect.Type {
	return Normalize(reflect.TypeOf(e))
}

// TypeFor returns the normalized type of T. Interface types are kept as is.
func TypeFor[T any]() reflect.Type {
	return Normalize(reflect.TypeFor[T]())
}

// Normalize strips pointer indirection from struct types.
func Normalize(t reflect.Type) reflect.Type {
	if t == nil {
		return nil
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// TypeName is the stable, package qualified name of t.
func TypeName(t reflect.Type) string {
	t = Normalize(t)
	if t == nil {
		return "nil"
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// New allocates a zero instance of the concrete type t.
func New(t reflect.Type) (Entity, error) {
	t = Normalize(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity: cannot instantiate %s", TypeName(t))
	}
	e, ok := reflect.New(t).Interface().(Entity)
	if !ok {
		return nil, fmt.Errorf("entity: *%s does not implement Entity", TypeName(t))
	}
	return e, nil
}

// Implements reports whether instances of the concrete type c satisfy the
// interface type iface.
func Implements(c, iface reflect.Type) bool {
	if iface == nil || iface.Kind() != reflect.Interface {
		return false
	}
	c = Normalize(c)
	return c.Implements(iface) || reflect.PointerTo(c).Implements(iface)
}

// ShortName returns the unqualified type name, used in messages.
func ShortName(t reflect.Type) string {
	name := TypeName(t)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
