package protocol

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"restline/internal/data"
)

// KeyKind distinguishes the three key shapes.
type KeyKind uint8

const (
	KeySimple KeyKind = iota + 1
	KeyCompound
	KeyComplex
)

func (k KeyKind) String() string {
	switch k {
	case KeySimple:
		return "simple"
	case KeyCompound:
		return "compound"
	case KeyComplex:
		return "complex"
	}
	return "none"
}

// Key identifies an entity. The zero Key means "no key".
type Key struct {
	kind   KeyKind
	value  any
	parts  map[string]any
	params map[string]any
}

// SimpleKey wraps a scalar key value.
func SimpleKey(v any) Key { return Key{kind: KeySimple, value: v} }

// CompoundKey builds an association key from named parts.
func CompoundKey(parts map[string]any) Key {
	cp := make(map[string]any, len(parts))
	for k, v := range parts {
		cp[k] = v
	}
	return Key{kind: KeyCompound, parts: cp}
}

// ComplexKey builds a key from a key record and a params record.
func ComplexKey(key, params map[string]any) Key {
	if params == nil {
		params = map[string]any{}
	}
	return Key{kind: KeyComplex, parts: key, params: params}
}

func (k Key) Kind() KeyKind { return k.kind }
func (k Key) IsZero() bool  { return k.kind == 0 }

// Value is the scalar of a simple key.
func (k Key) Value() any { return k.value }

// Part returns one part of a compound key.
func (k Key) Part(name string) (any, bool) {
	v, ok := k.parts[name]
	return v, ok
}

// Parts returns compound key parts, or the key record of a complex key.
func (k Key) Parts() map[string]any { return k.parts }

// Params returns the params record of a complex key.
func (k Key) Params() map[string]any { return k.params }

// Equal compares keys structurally. Complex keys compare both sub-records.
func (k Key) Equal(o Key) bool {
	if k.kind != o.kind {
		return false
	}
	switch k.kind {
	case KeySimple:
		return data.EqualData(k.value, o.value)
	case KeyCompound:
		return data.EqualData(k.parts, o.parts)
	case KeyComplex:
		return data.EqualData(k.parts, o.parts) && data.EqualData(k.params, o.params)
	}
	return true
}

// String is a canonical rendering, stable across map orderings.
func (k Key) String() string {
	if k.kind == 0 {
		return ""
	}
	return EncodeKey(k, V2)
}

// Data is the key as a data value, the way batch response maps and complex id lists carry it.
func (k Key) Data() any {
	switch k.kind {
	case KeySimple:
		return k.value
	case KeyCompound:
		return k.parts
	case KeyComplex:
		out := make(map[string]any, len(k.parts)+1)
		for f, v := range k.parts {
			out[f] = v
		}
		out["$params"] = k.params
		return out
	}
	return nil
}

// KeyPart declares one part of a compound key.
type KeyPart struct {
	Name   string
	Schema *data.Schema
}

// KeySpec says how to decode the keys of a resource.
type KeySpec struct {
	Kind KeyKind
	// Name is the path key name, e.g. "greetingId".
	Name   string
	Simple *data.Schema
	Parts  []KeyPart
	Key    *data.Schema
	Params *data.Schema
}

// Validate checks the spec is internally consistent.
func (s KeySpec) Validate() error {
	switch s.Kind {
	case KeySimple:
		if s.Simple == nil {
			return fmt.Errorf("simple key %s has no schema", s.Name)
		}
		if !s.Simple.Dereference().Kind().Primitive() && s.Simple.Dereference().Kind() != data.KindEnum {
			return fmt.Errorf("simple key %s must be a primitive, got %s", s.Name, s.Simple.Dereference().Kind())
		}
	case KeyCompound:
		if len(s.Parts) == 0 {
			return fmt.Errorf("compound key %s has no parts", s.Name)
		}
		seen := map[string]bool{}
		for _, p := range s.Parts {
			if p.Name == "" || p.Schema == nil || seen[p.Name] {
				return fmt.Errorf("compound key %s has an invalid or duplicate part %q", s.Name, p.Name)
			}
			seen[p.Name] = true
		}
	case KeyComplex:
		if s.Key == nil || s.Key.Dereference().Kind() != data.KindRecord {
			return fmt.Errorf("complex key %s needs a key record", s.Name)
		}
		if s.Params != nil && s.Params.Dereference().Kind() != data.KindRecord {
			return fmt.Errorf("complex key %s params must be a record", s.Name)
		}
	default:
		return fmt.Errorf("key %s has no kind", s.Name)
	}
	return nil
}

// EncodeKey renders a key for a path segment in the given protocol version.
func EncodeKey(k Key, v Version) string {
	switch k.kind {
	case KeySimple:
		if v.AtLeast2() {
			return EscapeV2(Scalar(k.value))
		}
		return url.PathEscape(Scalar(k.value))
	case KeyCompound:
		if v.AtLeast2() {
			return EncodeValue(k.parts)
		}
		return encodeFlat(k.parts, "")
	case KeyComplex:
		if v.AtLeast2() {
			return EncodeValue(k.Data())
		}
		flat := encodeFlat(k.parts, "")
		if len(k.params) > 0 {
			if flat != "" {
				flat += "&"
			}
			flat += encodeFlat(k.params, "$params.")
		}
		return flat
	}
	return ""
}

func encodeFlat(m map[string]any, prefix string) string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	var parts []string
	for _, n := range names {
		if sub, ok := m[n].(map[string]any); ok {
			parts = append(parts, encodeFlat(sub, prefix+n+"."))
			continue
		}
		parts = append(parts, url.QueryEscape(prefix+n)+"="+url.QueryEscape(Scalar(m[n])))
	}
	return strings.Join(parts, "&")
}

// DecodeKey parses a raw (escaped) key and coerces it per spec.
func DecodeKey(raw string, spec KeySpec, v Version) (Key, error) {
	if raw == "" {
		return Key{}, fmt.Errorf("%w: empty key", ErrMalformedURI)
	}
	switch spec.Kind {
	case KeySimple:
		var s string
		var err error
		if v.AtLeast2() {
			s, err = unescapeScalar(raw)
		} else {
			s, err = url.PathUnescape(raw)
		}
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrMalformedURI, err)
		}
		cv, err := data.CoerceURI(spec.Simple, s)
		if err != nil {
			return Key{}, fmt.Errorf("key %s: %w", spec.Name, err)
		}
		return SimpleKey(cv), nil
	case KeyCompound:
		parts, err := rawStructure(raw, v)
		if err != nil {
			return Key{}, err
		}
		return decodeCompound(parts, spec)
	case KeyComplex:
		m, err := rawStructure(raw, v)
		if err != nil {
			return Key{}, err
		}
		return decodeComplex(m, spec)
	}
	return Key{}, fmt.Errorf("key %s has no kind", spec.Name)
}

// DecodeKeyData coerces an already parsed data value, e.g. a key inside a batch body or id list.
func DecodeKeyData(raw any, spec KeySpec) (Key, error) {
	switch spec.Kind {
	case KeySimple:
		cv, err := data.CoerceURI(spec.Simple, raw)
		if err != nil {
			return Key{}, fmt.Errorf("key %s: %w", spec.Name, err)
		}
		return SimpleKey(cv), nil
	case KeyCompound, KeyComplex:
		m, ok := raw.(map[string]any)
		if !ok {
			return Key{}, fmt.Errorf("%w: %s key must be a map", ErrMalformedURI, spec.Kind)
		}
		if spec.Kind == KeyCompound {
			return decodeCompound(m, spec)
		}
		return decodeComplex(m, spec)
	}
	return Key{}, fmt.Errorf("key %s has no kind", spec.Name)
}

func unescapeScalar(raw string) (string, error) {
	if raw == "''" {
		return "", nil
	}
	if strings.ContainsAny(raw, "(),:") {
		return "", fmt.Errorf("unexpected structure in simple key %q", raw)
	}
	return unescape(raw)
}

func rawStructure(raw string, v Version) (map[string]any, error) {
	if v.AtLeast2() {
		val, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		m, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected (k:v,...) got %q", ErrMalformedURI, raw)
		}
		return m, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	out := map[string]any{}
	for name, vs := range values {
		if len(vs) != 1 {
			return nil, fmt.Errorf("%w: key part %s repeated", ErrMalformedURI, name)
		}
		setDotted(out, name, vs[0])
	}
	return out, nil
}

func setDotted(m map[string]any, path, v string) {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		m[path] = v
		return
	}
	sub, ok := m[head].(map[string]any)
	if !ok {
		sub = map[string]any{}
		m[head] = sub
	}
	setDotted(sub, rest, v)
}

func decodeCompound(raw map[string]any, spec KeySpec) (Key, error) {
	parts := make(map[string]any, len(spec.Parts))
	for _, p := range spec.Parts {
		v, ok := raw[p.Name]
		if !ok {
			return Key{}, fmt.Errorf("%w: key part %s is missing", ErrMalformedURI, p.Name)
		}
		cv, err := data.CoerceURI(p.Schema, v)
		if err != nil {
			return Key{}, fmt.Errorf("key part %s: %w", p.Name, err)
		}
		parts[p.Name] = cv
	}
	for name := range raw {
		if _, ok := parts[name]; !ok {
			return Key{}, fmt.Errorf("%w: unknown key part %s", ErrMalformedURI, name)
		}
	}
	return Key{kind: KeyCompound, parts: parts}, nil
}

func decodeComplex(raw map[string]any, spec KeySpec) (Key, error) {
	keyData := make(map[string]any, len(raw))
	var paramsData map[string]any
	for k, v := range raw {
		if k == "$params" {
			m, ok := v.(map[string]any)
			if !ok {
				return Key{}, fmt.Errorf("%w: $params must be a map", ErrMalformedURI)
			}
			paramsData = m
			continue
		}
		keyData[k] = v
	}
	keyVal, err := data.CoerceURI(spec.Key, keyData)
	if err != nil {
		return Key{}, fmt.Errorf("key %s: %w", spec.Name, err)
	}
	params := map[string]any{}
	if spec.Params != nil {
		if paramsData == nil {
			paramsData = map[string]any{}
		}
		pv, err := data.CoerceURI(spec.Params, paramsData)
		if err != nil {
			return Key{}, fmt.Errorf("key %s params: %w", spec.Name, err)
		}
		params = pv.(map[string]any)
	}
	return ComplexKey(keyVal.(map[string]any), params), nil
}

// EncodeIDs renders the batch ids parameter(s) for keys, without a leading '&'.
func EncodeIDs(keys []Key, v Version) string {
	if v.AtLeast2() {
		var sb strings.Builder
		sb.WriteString(ParamIDs + "=List(")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(EncodeKey(k, V2))
		}
		sb.WriteByte(')')
		return sb.String()
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, ParamIDs+"="+url.QueryEscape(v1ID(k)))
	}
	return strings.Join(parts, "&")
}

// v1ID is the id value before query escaping; compound parts stay escaped inside it.
func v1ID(k Key) string {
	if k.kind == KeySimple {
		return Scalar(k.value)
	}
	return EncodeKey(k, V1)
}

// DecodeIDs extracts the batch keys from a query.
func DecodeIDs(q Query, spec KeySpec, v Version) ([]Key, error) {
	raws := q.RawAll(ParamIDs)
	if len(raws) == 0 {
		return nil, nil
	}
	var keys []Key
	if v.AtLeast2() {
		if len(raws) != 1 {
			return nil, fmt.Errorf("%w: ids must be a single List(...)", ErrMalformedURI)
		}
		val, err := DecodeValue(raws[0])
		if err != nil {
			return nil, err
		}
		list, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: ids must be a List(...)", ErrMalformedURI)
		}
		for _, item := range list {
			k, err := DecodeKeyData(item, spec)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		return keys, nil
	}
	for _, raw := range raws {
		s, err := url.QueryUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
		}
		var k Key
		if spec.Kind == KeySimple {
			k, err = DecodeKeyData(s, spec)
		} else {
			k, err = DecodeKey(s, spec, V1)
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// DecodeParam decodes raw query values of one parameter against its schema.
// Structured values (records, maps) use the 2.0.0 syntax in both versions;
// under 1.0.0 arrays may also be given as repeated parameters.
func DecodeParam(raws []string, s *data.Schema, v Version) (any, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	kind := s.Dereference().Kind()
	if kind == data.KindArray && (len(raws) > 1 || !strings.HasPrefix(raws[0], "List(")) && !v.AtLeast2() {
		list := make([]any, 0, len(raws))
		for _, r := range raws {
			u, err := url.QueryUnescape(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
			}
			list = append(list, u)
		}
		return data.CoerceURI(s, list)
	}
	if len(raws) > 1 {
		return nil, fmt.Errorf("%w: parameter repeated", ErrMalformedURI)
	}
	var val any
	var err error
	if kind.Primitive() || kind == data.KindEnum {
		if v.AtLeast2() {
			val, err = unescapeScalar(raws[0])
		} else {
			val, err = url.QueryUnescape(raws[0])
		}
	} else {
		val, err = DecodeValue(raws[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	return data.CoerceURI(s, val)
}

// EncodeParam renders a parameter value for the given version.
func EncodeParam(val any, v Version) string {
	switch val.(type) {
	case map[string]any, []any:
		return EncodeValue(val)
	}
	if v.AtLeast2() {
		return EscapeV2(Scalar(val))
	}
	return url.QueryEscape(Scalar(val))
}

// ResponseKey renders a key as it appears in batch bodies: simple keys as their
// plain scalar, others in the version's key encoding.
func ResponseKey(k Key, v Version) string {
	if k.kind == KeySimple {
		return Scalar(k.value)
	}
	return EncodeKey(k, v)
}

// ParseResponseKey is the inverse of ResponseKey.
func ParseResponseKey(s string, spec KeySpec, v Version) (Key, error) {
	if spec.Kind == KeySimple {
		return DecodeKeyData(s, spec)
	}
	return DecodeKey(s, spec, v)
}
