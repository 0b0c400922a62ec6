package data

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
)

// Presence reports whether a record field carries a value.
type Presence uint8

const (
	Absent Presence = iota
	Present
	// Defaulted means the value came from the field's schema default.
	Defaulted
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Defaulted:
		return "defaulted"
	default:
		return "absent"
	}
}

// Record is a data map bound to a record schema.
type Record struct {
	schema    *Schema
	data      map[string]any
	defaulted map[string]bool
}

// NewRecord returns an empty record of schema s.
func NewRecord(s *Schema) *Record {
	return &Record{schema: s.Dereference(), data: map[string]any{}}
}

func (r *Record) Schema() *Schema { return r.schema }

// Get returns the raw value of a field.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.data[name]
	return v, ok
}

func (r *Record) GetString(name string) string {
	s, _ := r.data[name].(string)
	return s
}

func (r *Record) GetLong(name string) int64 {
	switch n := r.data[name].(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	}
	return 0
}

// Set coerces v to the field's type and stores it. A nil value removes the field.
func (r *Record) Set(name string, v any) error {
	f, ok := r.schema.Field(name)
	if !ok {
		return fmt.Errorf("record %s has no field %s", r.schema.Name(), name)
	}
	if v == nil {
		r.Remove(name)
		return nil
	}
	cv, err := Coerce(f.Type, v)
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	r.data[name] = cv
	delete(r.defaulted, name)
	return nil
}

// MustSet is Set for values known to be valid.
func (r *Record) MustSet(name string, v any) *Record {
	if err := r.Set(name, v); err != nil {
		panic(err)
	}
	return r
}

func (r *Record) Remove(name string) {
	delete(r.data, name)
	delete(r.defaulted, name)
}

func (r *Record) Presence(name string) Presence {
	if _, ok := r.data[name]; !ok {
		return Absent
	}
	if r.defaulted[name] {
		return Defaulted
	}
	return Present
}

// RecordAt returns the nested record stored in a record-typed field.
func (r *Record) RecordAt(name string) (*Record, bool) {
	f, ok := r.schema.Field(name)
	if !ok || f.Type.Dereference().Kind() != KindRecord {
		return nil, false
	}
	m, ok := r.data[name].(map[string]any)
	if !ok {
		return nil, false
	}
	return &Record{schema: f.Type.Dereference(), data: m}, true
}

// Data exposes the underlying data map. Callers must not mutate it.
func (r *Record) Data() map[string]any { return r.data }

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := &Record{schema: r.schema, data: copyValue(r.data).(map[string]any)}
	if len(r.defaulted) > 0 {
		cp.defaulted = make(map[string]bool, len(r.defaulted))
		for k, v := range r.defaulted {
			cp.defaulted[k] = v
		}
	}
	return cp
}

// Equal compares schema identity and data.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.schema == o.schema && EqualData(r.data, o.data)
}

// Keys returns set field names in sorted order.
func (r *Record) Keys() []string {
	out := make([]string, 0, len(r.data))
	for k := range r.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EqualData compares two canonical data values.
func EqualData(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
