// Package data models typed records: schemas, coercion of wire data into
// records, validation, codecs and patches.
package data

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Kind identifies the shape of a schema.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindBoolean
	KindBytes
	KindEnum
	KindArray
	KindMap
	KindRecord
	KindUnion
	KindTyperef
)

var kindNames = map[Kind]string{
	KindString:  "string",
	KindInt:     "int",
	KindLong:    "long",
	KindFloat:   "float",
	KindDouble:  "double",
	KindBoolean: "boolean",
	KindBytes:   "bytes",
	KindEnum:    "enum",
	KindArray:   "array",
	KindMap:     "map",
	KindRecord:  "record",
	KindUnion:   "union",
	KindTyperef: "typeref",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Primitive reports whether values of this kind are scalars.
func (k Kind) Primitive() bool {
	return k >= KindString && k <= KindBytes
}

// Schema describes a value. Schemas are immutable once constructed.
type Schema struct {
	kind    Kind
	name    string
	fields  []*Field
	index   map[string]*Field
	symbols []string
	items   *Schema
	values  *Schema
	members []*Schema
	ref     *Schema
	pattern *regexp.Regexp
	minLen  int
	maxLen  int
}

var (
	stringSchema  = &Schema{kind: KindString}
	intSchema     = &Schema{kind: KindInt}
	longSchema    = &Schema{kind: KindLong}
	floatSchema   = &Schema{kind: KindFloat}
	doubleSchema  = &Schema{kind: KindDouble}
	booleanSchema = &Schema{kind: KindBoolean}
	bytesSchema   = &Schema{kind: KindBytes}
)

func String() *Schema  { return stringSchema }
func Int() *Schema     { return intSchema }
func Long() *Schema    { return longSchema }
func Float() *Schema   { return floatSchema }
func Double() *Schema  { return doubleSchema }
func Boolean() *Schema { return booleanSchema }
func Bytes() *Schema   { return bytesSchema }

// Enum returns an enum schema with the given symbols.
func Enum(name string, symbols ...string) *Schema {
	cp := append([]string(nil), symbols...)
	return &Schema{kind: KindEnum, name: name, symbols: cp}
}

// ArrayOf returns an array schema.
func ArrayOf(items *Schema) *Schema {
	return &Schema{kind: KindArray, items: items}
}

// MapOf returns a map schema with string keys.
func MapOf(values *Schema) *Schema {
	return &Schema{kind: KindMap, values: values}
}

// NewRecordSchema builds a record schema, validating field names and defaults.
func NewRecordSchema(name string, fields ...*Field) (*Schema, error) {
	if name == "" {
		return nil, errors.New("record schema name is required")
	}
	s := &Schema{kind: KindRecord, name: name, index: make(map[string]*Field, len(fields))}
	for _, f := range fields {
		if f == nil || f.Name == "" {
			return nil, fmt.Errorf("record %s has a field without a name", name)
		}
		if f.Type == nil {
			return nil, fmt.Errorf("record %s field %s has no type", name, f.Name)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("record %s declares field %s twice", name, f.Name)
		}
		cp := *f
		if cp.HasDefault {
			v, err := Coerce(cp.Type, cp.Default)
			if err != nil {
				return nil, fmt.Errorf("record %s field %s has invalid default: %w", name, f.Name, err)
			}
			cp.Default = v
		}
		s.fields = append(s.fields, &cp)
		s.index[cp.Name] = &cp
	}
	return s, nil
}

// MustRecord is NewRecordSchema that panics on error, for package-level schemas.
func MustRecord(name string, fields ...*Field) *Schema {
	s, err := NewRecordSchema(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// NewUnion builds a union schema. Member keys must be unique.
func NewUnion(members ...*Schema) (*Schema, error) {
	if len(members) == 0 {
		return nil, errors.New("union requires at least one member")
	}
	seen := map[string]bool{}
	for _, m := range members {
		if m == nil {
			return nil, errors.New("union member is nil")
		}
		if m.kind == KindUnion {
			return nil, errors.New("union cannot directly contain a union")
		}
		key := m.MemberKey()
		if seen[key] {
			return nil, fmt.Errorf("union member %s declared twice", key)
		}
		seen[key] = true
	}
	return &Schema{kind: KindUnion, members: append([]*Schema(nil), members...)}, nil
}

// MustUnion is NewUnion that panics on error.
func MustUnion(members ...*Schema) *Schema {
	s, err := NewUnion(members...)
	if err != nil {
		panic(err)
	}
	return s
}

// Constraint restricts values of a typeref.
type Constraint func(*Schema) error

// Pattern requires string values to fully match expr.
func Pattern(expr string) Constraint {
	return func(s *Schema) error {
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", expr, err)
		}
		s.pattern = re
		return nil
	}
}

// Length bounds string length; max 0 means unbounded.
func Length(min, max int) Constraint {
	return func(s *Schema) error {
		if min < 0 || (max > 0 && max < min) {
			return fmt.Errorf("invalid length bounds [%d,%d]", min, max)
		}
		s.minLen, s.maxLen = min, max
		return nil
	}
}

// NewTyperef returns a named alias of ref. Constraints only apply to string refs.
func NewTyperef(name string, ref *Schema, constraints ...Constraint) (*Schema, error) {
	if name == "" {
		return nil, errors.New("typeref name is required")
	}
	if ref == nil {
		return nil, fmt.Errorf("typeref %s has no referenced type", name)
	}
	s := &Schema{kind: KindTyperef, name: name, ref: ref}
	for _, c := range constraints {
		if err := c(s); err != nil {
			return nil, fmt.Errorf("typeref %s: %w", name, err)
		}
	}
	if (s.pattern != nil || s.minLen > 0 || s.maxLen > 0) && ref.Dereference().kind != KindString {
		return nil, fmt.Errorf("typeref %s: string constraints on %s", name, ref.Dereference().kind)
	}
	return s, nil
}

// MustTyperef is NewTyperef that panics on error.
func MustTyperef(name string, ref *Schema, constraints ...Constraint) *Schema {
	s, err := NewTyperef(name, ref, constraints...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Kind() Kind         { return s.kind }
func (s *Schema) Name() string       { return s.name }
func (s *Schema) Fields() []*Field   { return s.fields }
func (s *Schema) Symbols() []string  { return s.symbols }
func (s *Schema) Items() *Schema     { return s.items }
func (s *Schema) Values() *Schema    { return s.values }
func (s *Schema) Members() []*Schema { return s.members }
func (s *Schema) Ref() *Schema       { return s.ref }

// Field looks up a record field by name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.index[name]
	return f, ok
}

// Dereference follows typerefs down to the underlying schema.
func (s *Schema) Dereference() *Schema {
	for s != nil && s.kind == KindTyperef {
		s = s.ref
	}
	return s
}

// MemberKey is the key a value of this schema uses inside a union.
func (s *Schema) MemberKey() string {
	switch s.kind {
	case KindRecord, KindEnum, KindTyperef:
		return s.name
	default:
		return s.kind.String()
	}
}

// Member finds a union member by key.
func (s *Schema) Member(key string) (*Schema, bool) {
	for _, m := range s.members {
		if m.MemberKey() == key {
			return m, true
		}
	}
	return nil, false
}

// TypeName is the name used in coercion messages, e.g. "Float" or "Greeting".
func (s *Schema) TypeName() string {
	if s.name != "" {
		return s.name
	}
	k := s.kind.String()
	return string(k[0]-'a'+'A') + k[1:]
}

// RequiredFields lists record fields that have neither Optional nor a default.
func (s *Schema) RequiredFields() []string {
	var out []string
	for _, f := range s.fields {
		if !f.Optional && !f.HasDefault {
			out = append(out, f.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Field is a record field declaration.
type Field struct {
	Name       string
	Type       *Schema
	Optional   bool
	Default    any
	HasDefault bool
	// ReadOnly fields are set by the server and rejected in create and partial update input.
	ReadOnly bool
	// CreateOnly fields may be set on create but not changed by partial update.
	CreateOnly bool
}

// Required declares a required field.
func Required(name string, t *Schema) *Field {
	return &Field{Name: name, Type: t}
}

// Optional declares an optional field.
func Optional(name string, t *Schema) *Field {
	return &Field{Name: name, Type: t, Optional: true}
}

// WithDefault returns a copy of f with a default value.
func (f *Field) WithDefault(v any) *Field {
	cp := *f
	cp.Default = v
	cp.HasDefault = true
	return &cp
}

// AsReadOnly returns a copy of f flagged ReadOnly.
func (f *Field) AsReadOnly() *Field {
	cp := *f
	cp.ReadOnly = true
	return &cp
}

// AsCreateOnly returns a copy of f flagged CreateOnly.
func (f *Field) AsCreateOnly() *Field {
	cp := *f
	cp.CreateOnly = true
	return &cp
}
