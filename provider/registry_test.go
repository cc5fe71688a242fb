package provider

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type animal interface {
	entity.Entity
	Sound() string
}

type dog struct {
	entity.Base
	ID int
}

func (d *dog) GetID() any { return d.ID }
func (d *dog) Sound() string { return "woof" }

type cat struct {
	entity.Base
	ID int
}

func (c *cat) GetID() any { return c.ID }
func (c *cat) Sound() string { return "meow" }

type rock struct {
	entity.Base
	ID int
}

func (r *rock) GetID() any { return r.ID }

type stubProvider struct {
	name string
}

func (s *stubProvider) Get(context.Context, any) (entity.Entity, error) { return nil, ErrNotFound }
func (s *stubProvider) GetList(context.Context, query.Query) ([]entity.Entity, error) {
	return nil, nil
}
func (s *stubProvider) Count(context.Context, query.Query) (int, error) { return 0, nil }
func (s *stubProvider) Save(context.Context, entity.Entity) error { return nil }
func (s *stubProvider) Delete(context.Context, entity.Entity) error { return nil }
func (s *stubProvider) BulkInsert(context.Context, []entity.Entity, int) error { return nil }
func (s *stubProvider) BulkUpdate(context.Context, []entity.Entity, int) error { return nil }
func (s *stubProvider) SupportValidationBypassing() bool { return true }
func (s *stubProvider) ConnectionString() string { return s.name }

type countingFactory struct {
	name  string
	calls int
	poly  bool
}

func (f *countingFactory) Provider(t reflect.Type) (DataProvider, error) {
	f.calls++
	return &stubProvider{name: f.name + ":" + entity.ShortName(t)}, nil
}

func (f *countingFactory) SupportsPolymorphicQueries() bool { return f.poly }

var (
	dogType    = reflect.TypeOf(dog{})
	catType    = reflect.TypeOf(cat{})
	rockType   = reflect.TypeOf(rock{})
	animalType = reflect.TypeOf((*animal)(nil)).Elem()
)

func TestRegistry_GetProviderByType(t *testing.T) {
	r := NewRegistry()
	f := &countingFactory{name: "a"}
	r.RegisterFactory(reflect.TypeOf(&dog{}), f)

	p1, err := r.GetProvider(dogType)
	require.NoError(t, err)
	p2, err := r.GetProvider(reflect.TypeOf(&dog{}))
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, f.calls, "providers are cached per type")
	assert.Equal(t, "a:dog", p1.ConnectionString())
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory(dogType, &countingFactory{name: "first"})
	_, err := r.GetProvider(dogType)
	require.NoError(t, err)

	r.RegisterFactory(dogType, &countingFactory{name: "second"})
	p, err := r.GetProvider(dogType)
	require.NoError(t, err)
	assert.Equal(t, "second:dog", p.ConnectionString())
}

func TestRegistry_DomainFallback(t *testing.T) {
	r := NewRegistry()
	r.RegisterDomain(dogType.PkgPath(), &countingFactory{name: "domain"})
	r.RegisterFactory(catType, &countingFactory{name: "typed"})

	p, err := r.GetProvider(rockType)
	require.NoError(t, err)
	assert.Equal(t, "domain:rock", p.ConnectionString())

	p, err = r.GetProvider(catType)
	require.NoError(t, err)
	assert.Equal(t, "typed:cat", p.ConnectionString())
}

func TestRegistry_UnregisteredTypeIsConfigurationError(t *testing.T) {
	r := NewRegistry()

	_, err := r.GetProvider(dogType)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))

	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, entity.TypeName(dogType), ce.Subject)

	_, err = r.ResolveProviders(animalType)
	assert.True(t, IsConfigurationError(err))
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.RegisterFactory(dogType, FactoryFunc(func(reflect.Type) (DataProvider, error) { return nil, boom }))

	_, err := r.GetProvider(dogType)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_ResolveInterface(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory(dogType, &countingFactory{name: "x"})
	r.RegisterFactory(catType, &countingFactory{name: "y"})
	r.RegisterFactory(rockType, &countingFactory{name: "z"})

	assert.True(t, r.IsPolymorphic(animalType))
	assert.False(t, r.IsPolymorphic(dogType))

	bindings, err := r.ResolveProviders(animalType)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, catType, bindings[0].Type)
	assert.Equal(t, dogType, bindings[1].Type)

	again, err := r.ResolveProviders(animalType)
	require.NoError(t, err)
	assert.Equal(t, bindings, again)
}

func TestRegistry_ResolveConcrete(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory(dogType, &countingFactory{name: "x"})

	bindings, err := r.ResolveProviders(reflect.TypeOf(&dog{}))
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, dogType, bindings[0].Type)
}

func TestRegistry_ExplicitImplementations(t *testing.T) {
	r := NewRegistry()
	r.RegisterDomain(dogType.PkgPath(), &countingFactory{name: "d", poly: true})
	r.RegisterImplementations(rockType, dogType, catType)

	assert.True(t, r.IsPolymorphic(rockType))
	bindings, err := r.ResolveProviders(rockType)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
}

func TestRegistry_DomainWithoutPolymorphismIsSkipped(t *testing.T) {
	r := NewRegistry()
	r.RegisterDomain(dogType.PkgPath(), &countingFactory{name: "d", poly: false})
	r.RegisterFactory(catType, &countingFactory{name: "typed", poly: false})
	r.RegisterTypes(dogType)

	bindings, err := r.ResolveProviders(animalType)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, catType, bindings[0].Type)
}

func TestRegistry_RegistrationInvalidatesResolution(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory(dogType, &countingFactory{name: "x"})

	bindings, err := r.ResolveProviders(animalType)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)

	r.RegisterFactory(catType, &countingFactory{name: "y"})
	bindings, err = r.ResolveProviders(animalType)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}
