// Package query describes list criteria and options in a provider neutral
// form, and evaluates them in memory for providers that cannot push them
// down to storage.
package query

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator is a comparison applied by a Condition.
type Operator string

const (
	Eq       Operator = "="
	NotEq    Operator = "<>"
	Lt       Operator = "<"
	Lte      Operator = "<="
	Gt       Operator = ">"
	Gte      Operator = ">="
	Contains Operator = "contains"
	In       Operator = "in"
	IsNull   Operator = "is null"
)

// Criterion is one filter of a query.
type Criterion interface {
	criterion()
}

// Condition compares an entity property with a value. Property may be a
// dotted path ("Owner.Name") traversing nested structs.
type Condition struct {
	Property string
	Operator Operator
	Value    any
}

func (Condition) criterion() {}

// Direct is a raw, provider specific criterion. The list cache cannot track
// what it touches, so it is cache-unsafe unless CacheSafe is set.
type Direct struct {
	SQL       string
	Args      []any
	CacheSafe bool
}

func (Direct) criterion() {}

// Where builds an equality condition.
func Where(property string, value any) Condition {
	return Condition{Property: property, Operator: Eq, Value: value}
}

// Cond builds a condition with an explicit operator.
func Cond(property string, op Operator, value any) Condition {
	return Condition{Property: property, Operator: op, Value: value}
}

// Sort orders results by a property.
type Sort struct {
	Property   string
	Descending bool
}

// Options carries ordering and paging.
type Options struct {
	Sort []Sort
	Skip int
	Take int
}

// HasSortOrPaging reports whether the caller asked for an explicit order or page.
func (o Options) HasSortOrPaging() bool {
	return len(o.Sort) > 0 || o.Skip > 0 || o.Take > 0
}

// Option mutates Options.
type Option func(*Options)

// OrderBy appends an ascending sort.
func OrderBy(property string) Option {
	return func(o *Options) { o.Sort = append(o.Sort, Sort{Property: property}) }
}

// OrderByDesc appends a descending sort.
func OrderByDesc(property string) Option {
	return func(o *Options) { o.Sort = append(o.Sort, Sort{Property: property, Descending: true}) }
}

// Take limits the number of results.
func Take(n int) Option {
	return func(o *Options) { o.Take = n }
}

// Skip skips the first n results.
func Skip(n int) Option {
	return func(o *Options) { o.Skip = n }
}

// Query is a list request against one entity type.
type Query struct {
	Type     reflect.Type
	Criteria []Criterion
	Options  Options
}

// New builds a query.
func New(t reflect.Type, criteria []Criterion, opts ...Option) Query {
	q := Query{Type: t, Criteria: append([]Criterion(nil), criteria...)}
	for _, opt := range opts {
		if opt != nil {
			opt(&q.Options)
		}
	}
	return q
}

// ForType returns a copy of q targeting t. Used when fanning a polymorphic
// query out to concrete providers.
func (q Query) ForType(t reflect.Type) Query {
	out := q
	out.Type = t
	out.Criteria = append([]Criterion(nil), q.Criteria...)
	return out
}

// WithoutPaging returns a copy of q keeping the sort but no skip/take.
func (q Query) WithoutPaging() Query {
	out := q
	out.Options.Skip = 0
	out.Options.Take = 0
	return out
}

// IsCacheSafe reports whether the list cache can track a query using criteria.
// Any property containing a dot, or any Direct criterion not flagged safe,
// makes the whole query unsafe.
func IsCacheSafe(criteria []Criterion) bool {
	for _, c := range criteria {
		switch v := c.(type) {
		case Condition:
			if strings.Contains(v.Property, ".") {
				return false
			}
		case *Condition:
			if v == nil || strings.Contains(v.Property, ".") {
				return false
			}
		case Direct:
			if !v.CacheSafe {
				return false
			}
		case *Direct:
			if v == nil || !v.CacheSafe {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// UnsupportedCriterionError is returned by in-memory evaluation for criteria it
// cannot interpret.
type UnsupportedCriterionError struct {
	Criterion Criterion
}

func (e *UnsupportedCriterionError) Error() string {
	return fmt.Sprintf("query: unsupported criterion %T", e.Criterion)
}
