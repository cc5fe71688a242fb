package database

import (
	"context"
	"fmt"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
)

// Get is the typed form of Database.Get. T may be a pointer to an entity
// struct or an interface implemented by registered entities.
func Get[T any](ctx context.Context, db *Database, id any) (T, error) {
	var zero T
	e, err := db.Get(ctx, entity.TypeFor[T](), id)
	if err != nil {
		return zero, err
	}
	return as[T](e)
}

// GetOrDefault is the typed form of Database.GetOrDefault. A missing record
// yields the zero value of T.
func GetOrDefault[T any](ctx context.Context, db *Database, id any) (T, error) {
	var zero T
	e, err := db.GetOrDefault(ctx, entity.TypeFor[T](), id)
	if err != nil || e == nil {
		return zero, err
	}
	return as[T](e)
}

// Find returns the first T matching criteria, or the zero value.
func Find[T any](ctx context.Context, db *Database, criteria ...query.Criterion) (T, error) {
	var zero T
	e, err := db.Find(ctx, entity.TypeFor[T](), criteria...)
	if err != nil || e == nil {
		return zero, err
	}
	return as[T](e)
}

// GetList runs a query for T.
func GetList[T any](ctx context.Context, db *Database, criteria []query.Criterion, opts ...query.Option) ([]T, error) {
	list, err := db.GetList(ctx, query.New(entity.TypeFor[T](), criteria, opts...))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(list))
	for _, e := range list {
		v, err := as[T](e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Count counts the records of T matching criteria.
func Count[T any](ctx context.Context, db *Database, criteria ...query.Criterion) (int, error) {
	return db.Count(ctx, query.New(entity.TypeFor[T](), criteria))
}

// Save is the typed form of Database.Save.
func Save[T entity.Entity](ctx context.Context, db *Database, e T, behaviour ...Behaviour) error {
	return db.Save(ctx, e, behaviour...)
}

// Delete is the typed form of Database.Delete.
func Delete[T entity.Entity](ctx context.Context, db *Database, e T, behaviour ...Behaviour) error {
	return db.Delete(ctx, e, behaviour...)
}

// Update applies a typed mutator and returns the saved instance, which is a
// clone when e was a shared cached instance.
func Update[T entity.Entity](ctx context.Context, db *Database, e T, mutate func(T) error, behaviour ...Behaviour) (T, error) {
	var zero T
	out, err := db.Update(ctx, e, func(x entity.Entity) error {
		v, ok := x.(T)
		if !ok {
			return fmt.Errorf("database: update expected %T, got %T", zero, x)
		}
		return mutate(v)
	}, behaviour...)
	if err != nil {
		return zero, err
	}
	return as[T](out)
}

func as[T any](e entity.Entity) (T, error) {
	v, ok := e.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("database: %T does not implement %s", e, entity.TypeName(entity.TypeFor[T]()))
	}
	return v, nil
}
