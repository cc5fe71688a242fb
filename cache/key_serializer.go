package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/query"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = entity.KeySeparator

const (
	itemPrefix = "item" + KeySeparator
	listPrefix = "list" + KeySeparator
)

var (
	reflectTypeType = reflect.TypeOf((*reflect.Type)(nil)).Elem()
	timeType        = reflect.TypeOf(time.Time{})
)

// KeySerializer builds a canonical string from a method name and arguments.
// Equal inputs must produce equal keys within a process.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// defaultKeySerializer walks values with reflection. Struct values are
// tagged with their type name so criteria of different kinds never collide,
// and maps are emitted in sorted key order.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey joins method and the serialized args with KeySeparator.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)
	for _, arg := range args {
		parts = append(parts, s.serializeValue(arg))
	}
	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	if rt.Implements(reflectTypeType) {
		return "type:" + entity.TypeName(v.(reflect.Type))
	}
	if rt == timeType {
		return "time:" + v.(time.Time).UTC().Format(time.RFC3339Nano)
	}

	switch rt.Kind() {
	case reflect.Func:
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return fmt.Sprintf("slice[%d]:{%s}", rv.Len(), s.serializeElems(rv))
	case reflect.Array:
		return fmt.Sprintf("array[%d]:{%s}", rv.Len(), s.serializeElems(rv))
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv)
	case reflect.Struct:
		return s.serializeStruct(rv, rt)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("%v", v)
	}

	return s.jsonFallback(v)
}

func (s *defaultKeySerializer) serializeElems(rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = s.serializeValue(rv.Index(i).Interface())
	}
	return strings.Join(parts, ",")
}

func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.serializeValue(iter.Key().Interface())+"="+s.serializeValue(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s *defaultKeySerializer) serializeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if !fv.CanInterface() {
			continue
		}
		parts = append(parts, field.Name+":"+s.serializeValue(fv.Interface()))
	}
	return fmt.Sprintf("%s{%s}", rt.Name(), strings.Join(parts, ","))
}

func (s *defaultKeySerializer) jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "json:" + string(data)
}

// ItemKey is the store key of one entity.
func ItemKey(k entity.Key) string {
	return itemPrefix + k.String()
}

// ListKey is the store key of a cached result set. The canonical form of the
// query is hashed so keys stay short; the type name stays in clear text so a
// whole type can be dropped by prefix.
func ListKey(s KeySerializer, q query.Query) string {
	canonical := s.SerializeKey("GetList", q.Type, q.Criteria, q.Options)
	return listTypePrefix(q.Type) + strconv.FormatUint(xxhash.Sum64String(canonical), 16)
}

func listTypePrefix(t reflect.Type) string {
	return listPrefix + entity.TypeName(t) + KeySeparator
}
