package provider

import (
	"reflect"
	"sort"
	"sync"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/puzpuzpuz/xsync/v3"
)

// Binding pairs a concrete type with its provider.
type Binding struct {
	Type     reflect.Type
	Provider DataProvider
}

// Registry maps entity types to providers. Factories are bound to a single
// type or to a domain, the Go package path owning the types. Lookups are
// cached until the next registration.
type Registry struct {
	mu       sync.RWMutex
	byType   map[reflect.Type]Factory
	byDomain map[string]Factory
	implOf   map[reflect.Type][]reflect.Type
	known    map[reflect.Type]struct{}

	providers *xsync.MapOf[reflect.Type, DataProvider]
	resolved  *xsync.MapOf[reflect.Type, []Binding]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:    make(map[reflect.Type]Factory),
		byDomain:  make(map[string]Factory),
		implOf:    make(map[reflect.Type][]reflect.Type),
		known:     make(map[reflect.Type]struct{}),
		providers: xsync.NewMapOf[reflect.Type, DataProvider](),
		resolved:  xsync.NewMapOf[reflect.Type, []Binding](),
	}
}

// RegisterFactory binds f to type t. The last registration wins.
func (r *Registry) RegisterFactory(t reflect.Type, f Factory) {
	t = entity.Normalize(t)
	r.mu.Lock()
	r.byType[t] = f
	if t.Kind() == reflect.Struct {
		r.known[t] = struct{}{}
	}
	r.mu.Unlock()
	r.invalidate()
}

// RegisterDomain binds f to every type declared in the package pkgPath.
func (r *Registry) RegisterDomain(pkgPath string, f Factory) {
	r.mu.Lock()
	r.byDomain[pkgPath] = f
	r.mu.Unlock()
	r.invalidate()
}

// RegisterTypes declares concrete types so interface types they implement
// can resolve to them.
func (r *Registry) RegisterTypes(types ...reflect.Type) {
	r.mu.Lock()
	for _, t := range types {
		t = entity.Normalize(t)
		if t != nil && t.Kind() == reflect.Struct {
			r.known[t] = struct{}{}
		}
	}
	r.mu.Unlock()
	r.invalidate()
}

// RegisterImplementations declares concretes as the implementations of base.
// base may be an interface or a struct playing the role of a base type.
func (r *Registry) RegisterImplementations(base reflect.Type, concretes ...reflect.Type) {
	base = entity.Normalize(base)
	r.mu.Lock()
	for _, c := range concretes {
		c = entity.Normalize(c)
		if c == nil || c == base {
			continue
		}
		r.implOf[base] = appendUnique(r.implOf[base], c)
		r.known[c] = struct{}{}
	}
	r.mu.Unlock()
	r.invalidate()
}

func (r *Registry) invalidate() {
	r.providers.Clear()
	r.resolved.Clear()
}

// IsPolymorphic reports whether queries against t fan out over several
// concrete types.
func (r *Registry) IsPolymorphic(t reflect.Type) bool {
	t = entity.Normalize(t)
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Interface {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.implOf[t]) > 0
}

// GetProvider returns the provider of the concrete type t, looked up by type
// and then by domain.
func (r *Registry) GetProvider(t reflect.Type) (DataProvider, error) {
	t = entity.Normalize(t)
	if t == nil {
		return nil, &ConfigurationError{Subject: "nil", Message: "no entity type given"}
	}
	if p, ok := r.providers.Load(t); ok {
		return p, nil
	}

	f, _ := r.factory(t)
	if f == nil {
		return nil, NewConfigurationError(t, "no data provider registered for type or package %s", t.PkgPath())
	}
	p, err := f.Provider(t)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewConfigurationError(t, "factory returned no provider")
	}
	actual, _ := r.providers.LoadOrStore(t, p)
	return actual, nil
}

func (r *Registry) factory(t reflect.Type) (f Factory, domain bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.byType[t]; ok {
		return f, false
	}
	if f, ok := r.byDomain[t.PkgPath()]; ok {
		return f, true
	}
	return nil, false
}

// ResolveProviders returns the concrete bindings a query against base fans
// out to, ordered by type name. A concrete type returns itself.
func (r *Registry) ResolveProviders(base reflect.Type) ([]Binding, error) {
	base = entity.Normalize(base)
	if base == nil {
		return nil, &ConfigurationError{Subject: "nil", Message: "no entity type given"}
	}
	if out, ok := r.resolved.Load(base); ok {
		return out, nil
	}

	var out []Binding
	if !r.IsPolymorphic(base) {
		p, err := r.GetProvider(base)
		if err != nil {
			return nil, err
		}
		out = []Binding{{Type: base, Provider: p}}
	} else {
		for _, c := range r.implementations(base) {
			f, domain := r.factory(c)
			if f == nil {
				return nil, NewConfigurationError(c, "no data provider registered for implementation of %s", entity.TypeName(base))
			}
			if pf, ok := f.(PolymorphicFactory); ok && domain && !pf.SupportsPolymorphicQueries() {
				continue
			}
			p, err := r.GetProvider(c)
			if err != nil {
				return nil, err
			}
			out = append(out, Binding{Type: c, Provider: p})
		}
		if len(out) == 0 {
			return nil, NewConfigurationError(base, "no registered implementations")
		}
	}

	r.resolved.Store(base, out)
	return out, nil
}

func (r *Registry) implementations(base reflect.Type) []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]reflect.Type(nil), r.implOf[base]...)
	if base.Kind() == reflect.Interface {
		for t := range r.known {
			if entity.Implements(t, base) {
				out = appendUnique(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return entity.TypeName(out[i]) < entity.TypeName(out[j])
	})
	return out
}

func appendUnique(list []reflect.Type, t reflect.Type) []reflect.Type {
	for _, existing := range list {
		if existing == t {
			return list
		}
	}
	return append(list, t)
}
