package cache

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/pkg/testsupport"
	"github.com/goliatone/go-entity-store/query"
)

type serializerScenario struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Cases       []struct {
		Method      string `json:"method"`
		Args        []any  `json:"args"`
		ExpectedKey string `json:"expectedKey"`
	} `json:"cases"`
}

func joinWithSeparator(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}

func TestDefaultKeySerializer_Scenarios(t *testing.T) {
	var fixtures struct {
		Scenarios []serializerScenario `json:"scenarios"`
	}
	testsupport.LoadFixtureJSON(t, testsupport.FixturePath("key_serializer_scenarios.json"), &fixtures)

	if len(fixtures.Scenarios) == 0 {
		t.Fatal("expected fixture scenarios")
	}

	serializer := NewDefaultKeySerializer()
	for _, sc := range fixtures.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			for _, tc := range sc.Cases {
				got := serializer.SerializeKey(tc.Method, tc.Args...)
				if got != tc.ExpectedKey {
					t.Errorf("SerializeKey() = %v, want %v", got, tc.ExpectedKey)
				}
			}
		})
	}
}

func TestDefaultKeySerializer_Values(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	n := 42
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))

	type filter struct {
		Name   string
		Age    int
		secret string
	}

	tests := []struct {
		name string
		args []any
		want string
	}{
		{name: "no args", args: nil, want: "GetList"},
		{name: "nil pointer", args: []any{(*int)(nil)}, want: joinWithSeparator("GetList", "nil")},
		{name: "pointer", args: []any{&n}, want: joinWithSeparator("GetList", "42")},
		{name: "nil slice", args: []any{([]int)(nil)}, want: joinWithSeparator("GetList", "slice:nil")},
		{name: "nested slice", args: []any{[][]int{{1, 2}, {3}}}, want: joinWithSeparator("GetList", "slice[2]:{slice[2]:{1,2},slice[1]:{3}}")},
		{name: "array", args: []any{[2]string{"a", "b"}}, want: joinWithSeparator("GetList", "array[2]:{a,b}")},
		{name: "nil map", args: []any{(map[string]int)(nil)}, want: joinWithSeparator("GetList", "map:nil")},
		{name: "struct skips unexported", args: []any{filter{Name: "x", Age: 3, secret: "s"}}, want: joinWithSeparator("GetList", "filter{Name:x,Age:3}")},
		{name: "time normalized to UTC", args: []any{at}, want: joinWithSeparator("GetList", "time:2024-03-01T09:00:00Z")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey("GetList", tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_Types(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	got := serializer.SerializeKey("GetList", reflect.TypeOf(&customer{}))
	want := joinWithSeparator("GetList", "type:"+entity.TypeName(reflect.TypeOf(customer{})))
	if got != want {
		t.Errorf("SerializeKey() = %v, want %v", got, want)
	}
}

func TestDefaultKeySerializer_Functions(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	fn := func() {}

	key1 := serializer.SerializeKey("GetList", fn)
	key2 := serializer.SerializeKey("GetList", fn)
	if key1 != key2 {
		t.Errorf("function serialization should be stable: %v != %v", key1, key2)
	}
	if !strings.HasPrefix(key1, joinWithSeparator("GetList", "func:")) {
		t.Errorf("expected func: prefix, got %v", key1)
	}

	ch := make(chan int)
	if key := serializer.SerializeKey("GetList", ch); !strings.HasPrefix(key, joinWithSeparator("GetList", "chan:")) {
		t.Errorf("expected chan: prefix, got %v", key)
	}
}

func TestItemKey(t *testing.T) {
	key := ItemKey(entity.NewKey(reflect.TypeOf(customer{}), 7))
	want := "item::" + entity.TypeName(reflect.TypeOf(customer{})) + "::7"
	if key != want {
		t.Errorf("expected %q, got %q", want, key)
	}
}

func TestListKey(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	typ := reflect.TypeOf(&customer{})

	a := query.New(typ, []query.Criterion{query.Where("Name", "ada")}, query.OrderBy("Name"))
	b := query.New(typ, []query.Criterion{query.Where("Name", "ada")}, query.OrderBy("Name"))
	c := query.New(typ, []query.Criterion{query.Where("Name", "bob")}, query.OrderBy("Name"))
	d := query.New(typ, []query.Criterion{query.Where("Name", "ada")}, query.OrderBy("Name"), query.Take(1))

	ka, kb, kc, kd := ListKey(serializer, a), ListKey(serializer, b), ListKey(serializer, c), ListKey(serializer, d)

	if ka != kb {
		t.Errorf("expected equal queries to share a key: %v != %v", ka, kb)
	}
	if ka == kc {
		t.Error("expected different criteria to produce different keys")
	}
	if ka == kd {
		t.Error("expected different paging to produce different keys")
	}

	prefix := "list::" + entity.TypeName(typ) + "::"
	if !strings.HasPrefix(ka, prefix) {
		t.Errorf("expected list key to start with %q, got %q", prefix, ka)
	}
}

func BenchmarkListKey(b *testing.B) {
	serializer := NewDefaultKeySerializer()
	q := query.New(reflect.TypeOf(&customer{}),
		[]query.Criterion{query.Where("Name", "ada"), query.Cond("Age", query.Gt, 30)},
		query.OrderBy("Name"), query.Take(10))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ListKey(serializer, q)
	}
}
