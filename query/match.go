package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-entity-store/entity"
)

// Property resolves a dotted path of exported field names on v. The second
// result is false when any segment is missing or crosses a nil pointer.
func Property(v any, path string) (any, bool) {
	rv := reflect.ValueOf(v)
	for _, name := range strings.Split(path, ".") {
		for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return nil, false
			}
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			return nil, false
		}
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		rv = f
	}
	if (rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface) && rv.IsNil() {
		return nil, true
	}
	return rv.Interface(), true
}

// Match evaluates criteria against e. Direct criteria cannot be evaluated in
// memory and yield an UnsupportedCriterionError.
func Match(e entity.Entity, criteria []Criterion) (bool, error) {
	for _, c := range criteria {
		var cond Condition
		switch v := c.(type) {
		case Condition:
			cond = v
		case *Condition:
			cond = *v
		default:
			return false, &UnsupportedCriterionError{Criterion: c}
		}
		ok, err := matchCondition(e, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchCondition(e entity.Entity, c Condition) (bool, error) {
	actual, found := Property(e, c.Property)
	if !found {
		if strings.Contains(c.Property, ".") {
			// a nil hop in a traversal path compares as null
			return c.Operator == IsNull || (c.Operator == Eq && c.Value == nil), nil
		}
		return false, fmt.Errorf("query: %s has no property %q", entity.ShortName(entity.TypeOf(e)), c.Property)
	}

	switch c.Operator {
	case IsNull:
		return isNil(actual), nil
	case Eq:
		return compare(actual, c.Value) == 0, nil
	case NotEq:
		return compare(actual, c.Value) != 0, nil
	case Lt:
		return compare(actual, c.Value) < 0, nil
	case Lte:
		return compare(actual, c.Value) <= 0, nil
	case Gt:
		return compare(actual, c.Value) > 0, nil
	case Gte:
		return compare(actual, c.Value) >= 0, nil
	case Contains:
		return strings.Contains(strings.ToLower(fmt.Sprint(actual)), strings.ToLower(fmt.Sprint(c.Value))), nil
	case In:
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false, fmt.Errorf("query: operator in expects a slice, got %T", c.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			if compare(actual, rv.Index(i).Interface()) == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("query: unknown operator %q", c.Operator)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// compare orders two values of compatible kinds. Numbers compare numerically
// across int/uint/float kinds; everything else falls back to strings.
func compare(a, b any) int {
	a, b = deref(a), deref(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func deref(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// Filter keeps the entities matching criteria.
func Filter(list []entity.Entity, criteria []Criterion) ([]entity.Entity, error) {
	if len(criteria) == 0 {
		return list, nil
	}
	out := make([]entity.Entity, 0, len(list))
	for _, e := range list {
		ok, err := Match(e, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// SortEntities orders list in place by sorts, keeping the relative order of
// equal elements.
func SortEntities(list []entity.Entity, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		for _, s := range sorts {
			a, _ := Property(list[i], s.Property)
			b, _ := Property(list[j], s.Property)
			c := compare(a, b)
			if c == 0 {
				continue
			}
			if s.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// SortNatural orders list by entity.Ordered when implemented, otherwise by
// fmt.Stringer, otherwise by key. Mixed lists keep their order.
func SortNatural(list []entity.Entity) {
	if len(list) < 2 {
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		if o, ok := list[i].(entity.Ordered); ok {
			return o.CompareTo(list[j]) < 0
		}
		si, iok := list[i].(fmt.Stringer)
		sj, jok := list[j].(fmt.Stringer)
		if iok && jok {
			return si.String() < sj.String()
		}
		return compare(list[i].GetID(), list[j].GetID()) < 0
	})
}

// Page applies skip and take.
func Page(list []entity.Entity, skip, take int) []entity.Entity {
	if skip > 0 {
		if skip >= len(list) {
			return list[:0]
		}
		list = list[skip:]
	}
	if take > 0 && take < len(list) {
		list = list[:take]
	}
	return list
}

// Apply filters, sorts and pages list the way a storage engine would.
func Apply(list []entity.Entity, q Query) ([]entity.Entity, error) {
	out, err := Filter(list, q.Criteria)
	if err != nil {
		return nil, err
	}
	SortEntities(out, q.Options.Sort)
	return Page(out, q.Options.Skip, q.Options.Take), nil
}
