package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ErrSchemaMismatch reports a required field with neither value nor default.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrTypeMismatch reports a value whose wire type does not match the declared type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrConstraint reports a value that violates a typeref constraint.
	ErrConstraint = errors.New("constraint violation")
	// ErrFieldAccess reports ReadOnly/CreateOnly violations.
	ErrFieldAccess = errors.New("field access violation")
)

// Violation is a single validation failure at a data path.
type Violation struct {
	Path    string
	Message string
	// Typeref names the typeref whose constraint failed, if any.
	Typeref string
	Err     error
}

func (v Violation) String() string {
	path := v.Path
	if path == "" {
		path = "/"
	}
	return "ERROR :: " + path + " :: " + v.Message
}

// ValidationError aggregates violations, one line per violation.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, v.String())
	}
	return strings.Join(lines, "\n")
}

// Is matches the sentinel of any contained violation.
func (e *ValidationError) Is(target error) bool {
	for _, v := range e.Violations {
		if errors.Is(v.Err, target) {
			return true
		}
	}
	return false
}

// Paths lists the violating paths in order.
func (e *ValidationError) Paths() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Path)
	}
	return out
}

type coercer struct {
	violations   []Violation
	fillDefaults bool
	// fromString parses scalar kinds out of strings, for URI-encoded keys and params.
	fromString bool
	// defaulted collects top-level fields filled from defaults.
	defaulted map[string]bool
	// input treats required ReadOnly fields as optional; the server assigns them.
	input bool
}

func (c *coercer) fail(path string, err error, format string, args ...any) {
	c.violations = append(c.violations, Violation{Path: path, Message: fmt.Sprintf(format, args...), Err: err})
}

func (c *coercer) err() error {
	if len(c.violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: c.violations}
}

// FromData coerces a generic data map into a record of schema s, filling defaults.
func FromData(s *Schema, raw map[string]any) (*Record, error) {
	return fromData(&coercer{fillDefaults: true, defaulted: map[string]bool{}}, s, raw)
}

// FromInput is FromData for request entities: required ReadOnly fields may be absent.
func FromInput(s *Schema, raw map[string]any) (*Record, error) {
	return fromData(&coercer{fillDefaults: true, defaulted: map[string]bool{}, input: true}, s, raw)
}

func fromData(c *coercer, s *Schema, raw map[string]any) (*Record, error) {
	if s.Dereference().kind != KindRecord {
		return nil, fmt.Errorf("schema %s is not a record", s.TypeName())
	}
	v, _ := c.record("", s.Dereference(), raw, true)
	if err := c.err(); err != nil {
		return nil, err
	}
	return &Record{schema: s.Dereference(), data: v, defaulted: c.defaulted}, nil
}

// Coerce converts v to the canonical representation for s.
func Coerce(s *Schema, v any) (any, error) {
	c := &coercer{fillDefaults: true}
	out, _ := c.value("", s, v)
	return out, c.err()
}

// CoerceURI is Coerce for values decoded from a URI, where scalars arrive as strings.
func CoerceURI(s *Schema, v any) (any, error) {
	c := &coercer{fillDefaults: true, fromString: true}
	out, _ := c.value("", s, v)
	return out, c.err()
}

// Validate checks a record built in code against its schema.
func Validate(r *Record) error {
	c := &coercer{}
	c.record("", r.schema, r.data, false)
	return c.err()
}

func (c *coercer) value(path string, s *Schema, v any) (any, bool) {
	switch s.kind {
	case KindTyperef:
		out, ok := c.value(path, s.ref, v)
		if ok {
			c.constrain(path, s, out)
		}
		return out, ok
	case KindString:
		str, ok := v.(string)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		return str, true
	case KindInt:
		n, ok := c.integer(v, math.MinInt32, math.MaxInt32)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		return int32(n), true
	case KindLong:
		n, ok := c.integer(v, math.MinInt64, math.MaxInt64)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		return n, true
	case KindFloat:
		f, ok := c.float(v)
		if !ok || math.Abs(f) > math.MaxFloat32 {
			c.mismatch(path, s, v)
			return nil, false
		}
		return float32(f), true
	case KindDouble:
		f, ok := c.float(v)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		return f, true
	case KindBoolean:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			if c.fromString {
				if parsed, err := strconv.ParseBool(b); err == nil {
					return parsed, true
				}
			}
		}
		c.mismatch(path, s, v)
		return nil, false
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), true
		case string:
			out, ok := bytesFromString(b)
			if ok {
				return out, true
			}
		}
		c.mismatch(path, s, v)
		return nil, false
	case KindEnum:
		str, ok := v.(string)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		for _, sym := range s.symbols {
			if sym == str {
				return str, true
			}
		}
		c.fail(path, ErrTypeMismatch, "%q is not an enum symbol", str)
		return nil, false
	case KindArray:
		list, ok := asList(v)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		out := make([]any, 0, len(list))
		good := true
		for i, item := range list {
			cv, ok := c.value(path+"/"+strconv.Itoa(i), s.items, item)
			good = good && ok
			out = append(out, cv)
		}
		return out, good
	case KindMap:
		m, ok := asMap(v)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		out := make(map[string]any, len(m))
		good := true
		for k, item := range m {
			cv, ok := c.value(path+"/"+k, s.values, item)
			good = good && ok
			out[k] = cv
		}
		return out, good
	case KindRecord:
		m, ok := asMap(v)
		if !ok {
			c.mismatch(path, s, v)
			return nil, false
		}
		return c.record(path, s, m, false)
	case KindUnion:
		m, ok := asMap(v)
		if !ok || len(m) != 1 {
			c.fail(path, ErrTypeMismatch, "union value must be a map with exactly one member")
			return nil, false
		}
		for key, inner := range m {
			member, found := s.Member(key)
			if !found {
				c.fail(path, ErrTypeMismatch, "%q is not a member of the union", key)
				return nil, false
			}
			cv, ok := c.value(path+"/"+key, member, inner)
			return map[string]any{key: cv}, ok
		}
	}
	c.fail(path, ErrTypeMismatch, "unsupported schema kind %s", s.kind)
	return nil, false
}

func (c *coercer) record(path string, s *Schema, m map[string]any, top bool) (map[string]any, bool) {
	out := make(map[string]any, len(s.fields))
	good := true
	for _, f := range s.fields {
		fpath := path + "/" + f.Name
		raw, present := m[f.Name]
		if present && raw == nil {
			present = false
		}
		if !present {
			switch {
			case f.HasDefault && c.fillDefaults:
				out[f.Name] = copyValue(f.Default)
				if top && c.defaulted != nil {
					c.defaulted[f.Name] = true
				}
			case f.Optional || f.HasDefault:
			case f.ReadOnly && c.input:
			default:
				c.fail(fpath, ErrSchemaMismatch, "field is required but not found and has no default value")
				good = false
			}
			continue
		}
		cv, ok := c.value(fpath, f.Type, raw)
		if !ok {
			good = false
			continue
		}
		out[f.Name] = cv
	}
	return out, good
}

func (c *coercer) constrain(path string, s *Schema, v any) {
	str, ok := v.(string)
	if !ok {
		return
	}
	if s.pattern != nil && !s.pattern.MatchString(str) {
		c.violations = append(c.violations, Violation{
			Path:    path,
			Message: fmt.Sprintf("%q does not match %s", str, trimAnchors(s.pattern.String())),
			Typeref: s.name,
			Err:     ErrConstraint,
		})
	}
	n := utf8.RuneCountInString(str)
	if n < s.minLen || (s.maxLen > 0 && n > s.maxLen) {
		c.violations = append(c.violations, Violation{
			Path:    path,
			Message: fmt.Sprintf("length of %q is out of range %d...%d", str, s.minLen, s.maxLen),
			Typeref: s.name,
			Err:     ErrConstraint,
		})
	}
}

func (c *coercer) mismatch(path string, s *Schema, v any) {
	c.fail(path, ErrTypeMismatch, "%s cannot be coerced to %s", describe(v), s.TypeName())
}

func (c *coercer) integer(v any, min, max int64) (int64, bool) {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int8:
		n = int64(t)
	case int16:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case uint8:
		n = int64(t)
	case uint16:
		n = int64(t)
	case uint32:
		n = int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		n = int64(t)
	case float32:
		return c.integer(float64(t), min, max)
	case float64:
		if t != math.Trunc(t) || t < float64(min) || t > float64(max) {
			return 0, false
		}
		n = int64(t)
	case json.Number:
		parsed, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	case string:
		if !c.fromString {
			return 0, false
		}
		parsed, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n < min || n > max {
		return 0, false
	}
	return n, true
}

func (c *coercer) float(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		n, ok := c.integer(t, math.MinInt64, math.MaxInt64)
		return float64(n), ok
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		if !c.fromString {
			return 0, false
		}
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func bytesFromString(s string) ([]byte, bool) {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case map[string]any, map[any]any:
		return "map"
	case []any:
		return "list"
	default:
		return fmt.Sprint(t)
	}
}

func trimAnchors(expr string) string {
	expr = strings.TrimPrefix(expr, "^(?:")
	return strings.TrimSuffix(expr, ")$")
}
