// Package provider defines the storage backend contract and the registry
// that binds entity types to backends.
package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
)

// ErrNotFound is returned by DataProvider.Get when no record has the id.
var ErrNotFound = errors.New("provider: record not found")

// DataProvider performs physical I/O for one concrete entity type.
// Implementations join the transaction scope carried by ctx when there is
// one, and run unscoped otherwise.
type DataProvider interface {
	Get(ctx context.Context, id any) (entity.Entity, error)
	GetList(ctx context.Context, q query.Query) ([]entity.Entity, error)
	Count(ctx context.Context, q query.Query) (int, error)
	Save(ctx context.Context, e entity.Entity) error
	Delete(ctx context.Context, e entity.Entity) error
	BulkInsert(ctx context.Context, items []entity.Entity, batchSize int) error
	BulkUpdate(ctx context.Context, items []entity.Entity, batchSize int) error
	SupportValidationBypassing() bool
	ConnectionString() string
}

// Factory yields the provider of a concrete type.
type Factory interface {
	Provider(t reflect.Type) (DataProvider, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(t reflect.Type) (DataProvider, error)

// Provider implements Factory.
func (f FactoryFunc) Provider(t reflect.Type) (DataProvider, error) {
	return f(t)
}

// PolymorphicFactory is implemented by domain factories that can take part
// in queries against interface types. Domain factories without it are
// assumed to support them.
type PolymorphicFactory interface {
	Factory
	SupportsPolymorphicQueries() bool
}

// ConfigurationError reports a deployment mistake: a type without provider,
// a missing connection string, an unsupported validation bypass.
type ConfigurationError struct {
	Subject string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Subject, e.Message)
}

// NewConfigurationError builds a ConfigurationError about type t.
func NewConfigurationError(t reflect.Type, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Subject: entity.TypeName(t), Message: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
