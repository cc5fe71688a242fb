package database

import (
	"errors"
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-entity-store/entity"
)

// NotFoundError is returned by Get when no record has the requested id.
type NotFoundError struct {
	Key entity.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("database: %s %s not found", entity.ShortName(e.Key.Type), e.Key.ID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StaleCloneConflictError is returned when an instance is saved inside a
// transaction after another instance of the same record was saved there.
type StaleCloneConflictError struct {
	Key          entity.Key
	Version      uint64
	SavedVersion uint64
}

func (e *StaleCloneConflictError) Error() string {
	return fmt.Sprintf(
		"database: %s is stale: version %d was superseded by version %d saved earlier in this transaction. "+
			"The same record was updated twice through different instances; reload it, or keep using the instance returned by the first update",
		e.Key, e.Version, e.SavedVersion)
}

// ImmutableMutationError is returned when a shared, cached instance is saved
// directly. Use Update, or clone the instance first.
type ImmutableMutationError struct {
	Key entity.Key
}

func (e *ImmutableMutationError) Error() string {
	return fmt.Sprintf("database: %s is a shared immutable instance; clone it or use Update before saving", e.Key)
}

// ValidationError wraps the error returned by entity.Validator.
type ValidationError struct {
	Key entity.Key
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("database: validation failed for %s: %v", e.Key, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Fields returns the per-field messages when the entity validated with
// ozzo-validation, keyed by field name.
func (e *ValidationError) Fields() map[string]string {
	var verrs validation.Errors
	if !errors.As(e.Err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for field, err := range verrs {
		if err != nil {
			out[field] = err.Error()
		}
	}
	return out
}

// FieldNames returns the invalid field names in sorted order.
func (e *ValidationError) FieldNames() []string {
	fields := e.Fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
