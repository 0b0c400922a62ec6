package protocol

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedURI reports a key or parameter that cannot be parsed.
var ErrMalformedURI = errors.New("malformed uri value")

const hexDigits = "0123456789ABCDEF"

func unreservedV2(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', '$', '!', '*', '@', ';':
		return true
	}
	return false
}

// EscapeV2 percent-encodes everything that is not safe inside a 2.0.0 URI value,
// including the structural characters (),:' and the query delimiters &=+.
func EscapeV2(s string) string {
	if s == "" {
		return "''"
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedV2(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0F])
	}
	return sb.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape in %q", ErrMalformedURI, s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("%w: bad escape in %q", ErrMalformedURI, s)
		}
		sb.WriteByte(byte(n))
		i += 2
	}
	return sb.String(), nil
}

// EncodeValue renders a data value in the 2.0.0 URI syntax: (k:v), List(a,b), escaped scalars.
func EncodeValue(v any) string {
	var sb strings.Builder
	encodeValue(&sb, v)
	return sb.String()
}

func encodeValue(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('(')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(EscapeV2(k))
			sb.WriteByte(':')
			encodeValue(sb, t[k])
		}
		sb.WriteByte(')')
	case []any:
		sb.WriteString("List(")
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeValue(sb, item)
		}
		sb.WriteByte(')')
	default:
		sb.WriteString(EscapeV2(Scalar(v)))
	}
}

// Scalar formats a primitive data value the way it appears in a URI.
func Scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return formatFloat(float64(t), 32)
	case float64:
		return formatFloat(t, 64)
	case []byte:
		var sb strings.Builder
		for _, c := range t {
			sb.WriteRune(rune(c))
		}
		return sb.String()
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64, bits int) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 1, bits)
	}
	return strconv.FormatFloat(f, 'g', -1, bits)
}

// DecodeValue parses a raw (still escaped) 2.0.0 URI value into strings, maps and lists.
func DecodeValue(raw string) (any, error) {
	p := &uriParser{in: raw}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.in) {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d of %q", ErrMalformedURI, p.in[p.pos], p.pos, raw)
	}
	return v, nil
}

type uriParser struct {
	in  string
	pos int
}

func (p *uriParser) value() (any, error) {
	switch {
	case strings.HasPrefix(p.in[p.pos:], "List("):
		p.pos += len("List(")
		return p.list()
	case p.pos < len(p.in) && p.in[p.pos] == '(':
		p.pos++
		return p.object()
	}
	return p.scalar()
}

func (p *uriParser) list() (any, error) {
	out := []any{}
	if p.consume(')') {
		return out, nil
	}
	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if p.consume(')') {
			return out, nil
		}
		if !p.consume(',') {
			return nil, p.unexpected("',' or ')' in list")
		}
	}
}

func (p *uriParser) object() (any, error) {
	out := map[string]any{}
	if p.consume(')') {
		return out, nil
	}
	for {
		k, err := p.scalar()
		if err != nil {
			return nil, err
		}
		if !p.consume(':') {
			return nil, p.unexpected("':' after map key")
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out[k.(string)] = v
		if p.consume(')') {
			return out, nil
		}
		if !p.consume(',') {
			return nil, p.unexpected("',' or ')' in map")
		}
	}
}

func (p *uriParser) scalar() (any, error) {
	start := p.pos
	for p.pos < len(p.in) && !strings.ContainsRune("(),:", rune(p.in[p.pos])) {
		p.pos++
	}
	tok := p.in[start:p.pos]
	if tok == "''" {
		return "", nil
	}
	if tok == "" {
		return nil, p.unexpected("a value")
	}
	return unescape(tok)
}

func (p *uriParser) consume(c byte) bool {
	if p.pos < len(p.in) && p.in[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *uriParser) unexpected(want string) error {
	if p.pos >= len(p.in) {
		return fmt.Errorf("%w: expected %s at end of %q", ErrMalformedURI, want, p.in)
	}
	return fmt.Errorf("%w: expected %s at offset %d of %q", ErrMalformedURI, want, p.pos, p.in)
}

// Query is a parsed query string. Values stay escaped; 2.0.0 structured values
// are parsed before they are unescaped.
type Query struct {
	values map[string][]string
	names  []string
}

// ParseQuery splits a raw query string. Names are unescaped; values are not.
func ParseQuery(raw string) (Query, error) {
	q := Query{values: map[string][]string{}}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		n, err := unescape(strings.ReplaceAll(name, "+", " "))
		if err != nil {
			return Query{}, err
		}
		if _, seen := q.values[n]; !seen {
			q.names = append(q.names, n)
		}
		q.values[n] = append(q.values[n], value)
	}
	return q, nil
}

func (q Query) Has(name string) bool {
	_, ok := q.values[name]
	return ok
}

// Raw returns the first raw value of name.
func (q Query) Raw(name string) (string, bool) {
	vs := q.values[name]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func (q Query) RawAll(name string) []string { return q.values[name] }

// Get returns the first value unescaped as a plain string.
func (q Query) Get(name string) (string, error) {
	raw, ok := q.Raw(name)
	if !ok {
		return "", nil
	}
	return unescape(strings.ReplaceAll(raw, "+", " "))
}

// Names lists parameter names in first-appearance order.
func (q Query) Names() []string { return append([]string(nil), q.names...) }

// Add appends a raw value; callers escape it first.
func (q *Query) Add(name, raw string) {
	if q.values == nil {
		q.values = map[string][]string{}
	}
	if _, seen := q.values[name]; !seen {
		q.names = append(q.names, name)
	}
	q.values[name] = append(q.values[name], raw)
}

// Encode renders the query in insertion order.
func (q Query) Encode() string {
	var parts []string
	for _, n := range q.names {
		for _, v := range q.values[n] {
			parts = append(parts, EscapeV2(n)+"="+v)
		}
	}
	return strings.Join(parts, "&")
}
