package entity

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Clone returns a mutable deep copy of e. Entities implementing Cloner copy
// themselves; everything else is copied through a msgpack round trip, which
// carries exported fields only. The copy inherits the persisted flag and the
// version token of its source so stale detection keeps working.
func Clone(e Entity) (Entity, error) {
	if e == nil {
		return nil, fmt.Errorf("entity: clone of nil entity")
	}

	var out Entity
	if c, ok := e.(Cloner); ok {
		out = c.CloneEntity()
		if out == nil {
			return nil, fmt.Errorf("entity: %s.CloneEntity returned nil", ShortName(TypeOf(e)))
		}
	} else {
		data, err := Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("entity: clone %s: %w", ShortName(TypeOf(e)), err)
		}
		out, err = Unmarshal(TypeOf(e), data)
		if err != nil {
			return nil, fmt.Errorf("entity: clone %s: %w", ShortName(TypeOf(e)), err)
		}
	}

	out.EntityMeta().copyFrom(e.EntityMeta())
	return out, nil
}

// Marshal encodes the exported fields of e.
func Marshal(e Entity) ([]byte, error) {
	return msgpack.Marshal(e)
}

// Unmarshal decodes data into a fresh instance of t.
func Unmarshal(t reflect.Type, data []byte) (Entity, error) {
	out, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
