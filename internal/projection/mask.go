// Package projection implements field masks: parsing from the fields query
// parameter, composition, and application to data maps.
package projection

import (
	"fmt"
	"strconv"
	"strings"

	"restline/internal/protocol"
)

// Wildcard selects every array item or map value.
const Wildcard = "$*"

// Op is what a mask entry does with its field.
type Op uint8

const (
	Include Op = iota + 1
	Exclude
	// Nested applies a sub-mask to the field's value.
	Nested
)

type entry struct {
	op  Op
	sub *Mask
}

// Mask is an ordered tree of field selections.
type Mask struct {
	order   []string
	entries map[string]*entry
	start   *int
	count   *int
}

// New returns an empty mask, which selects nothing.
func New() *Mask {
	return &Mask{entries: map[string]*entry{}}
}

// Include adds fields (dot-separated paths) as positive selections.
func (m *Mask) Include(paths ...string) *Mask {
	for _, p := range paths {
		m.addPath(strings.Split(p, "."), Include)
	}
	return m
}

// Exclude adds a negative selection for a dot-separated path.
func (m *Mask) Exclude(paths ...string) *Mask {
	for _, p := range paths {
		m.addPath(strings.Split(p, "."), Exclude)
	}
	return m
}

// Range limits an array to items [start, start+count).
func (m *Mask) Range(start, count int) *Mask {
	m.start, m.count = &start, &count
	return m
}

func (m *Mask) addPath(segs []string, op Op) {
	name := segs[0]
	if len(segs) == 1 {
		m.set(name, &entry{op: op})
		return
	}
	e := m.entries[name]
	switch {
	case e == nil:
		e = &entry{op: Nested, sub: New()}
		m.set(name, e)
	case e.op != Nested:
		// an excluded or whole-field selection already covers the child
		return
	}
	e.sub.addPath(segs[1:], op)
}

func (m *Mask) set(name string, e *entry) {
	if _, ok := m.entries[name]; !ok {
		m.order = append(m.order, name)
	}
	m.entries[name] = e
}

// FromPaths builds a positive mask from dot-separated paths.
func FromPaths(paths ...string) *Mask {
	return New().Include(paths...)
}

// IsEmpty reports whether the mask selects nothing.
func (m *Mask) IsEmpty() bool {
	return m == nil || (len(m.order) == 0 && m.start == nil && m.count == nil)
}

// Fields lists top-level entries in order.
func (m *Mask) Fields() []string { return append([]string(nil), m.order...) }

// Lookup returns the op and sub-mask for a top-level field.
func (m *Mask) Lookup(name string) (Op, *Mask) {
	if e, ok := m.entries[name]; ok {
		return e.op, e.sub
	}
	return 0, nil
}

// hasPositive reports whether m selects fields explicitly. A mask made only of
// exclusions keeps everything it does not name.
func (m *Mask) hasPositive() bool {
	for _, n := range m.order {
		if m.entries[n].positive() {
			return true
		}
	}
	return false
}

func (e *entry) positive() bool {
	switch e.op {
	case Include:
		return true
	case Nested:
		return e.sub.start != nil || len(e.sub.order) == 0 || e.sub.hasPositive()
	}
	return false
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	out := New()
	for _, n := range m.order {
		e := m.entries[n]
		out.set(n, &entry{op: e.op, sub: e.sub.Clone()})
	}
	if m.start != nil {
		s, c := *m.start, *m.count
		out.start, out.count = &s, &c
	}
	return out
}

// Equal compares masks structurally, ignoring entry order.
func (m *Mask) Equal(o *Mask) bool {
	if m.IsEmpty() || o.IsEmpty() {
		return m.IsEmpty() == o.IsEmpty()
	}
	if len(m.entries) != len(o.entries) || !eqInt(m.start, o.start) || !eqInt(m.count, o.count) {
		return false
	}
	for n, e := range m.entries {
		oe, ok := o.entries[n]
		if !ok || oe.op != e.op {
			return false
		}
		if e.op == Nested && !e.sub.Equal(oe.sub) {
			return false
		}
	}
	return true
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Parse reads a fields parameter value (already query-unescaped).
// 2.0.0 syntax: a,b:(c,d),-e,f:($*:(g)),h:($start:0,$count:5)
// 1.0.0 syntax: a,b/c,b/d,-e
func Parse(fields string, v protocol.Version) (*Mask, error) {
	m := New()
	if strings.TrimSpace(fields) == "" {
		return m, nil
	}
	if !v.AtLeast2() {
		for _, p := range strings.Split(fields, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				return nil, fmt.Errorf("invalid projection %q: empty field", fields)
			}
			op := Include
			if strings.HasPrefix(p, "-") {
				op, p = Exclude, p[1:]
			}
			segs := strings.Split(p, "/")
			for _, s := range segs {
				if s == "" {
					return nil, fmt.Errorf("invalid projection %q: empty path segment", fields)
				}
			}
			m.addPath(segs, op)
		}
		return m, nil
	}
	p := &parser{in: fields}
	if err := p.list(m, false); err != nil {
		return nil, fmt.Errorf("invalid projection %q: %w", fields, err)
	}
	if p.pos != len(p.in) {
		return nil, fmt.Errorf("invalid projection %q: unexpected %q at %d", fields, p.in[p.pos], p.pos)
	}
	return m, nil
}

type parser struct {
	in  string
	pos int
}

func (p *parser) list(m *Mask, nested bool) error {
	for {
		if err := p.item(m); err != nil {
			return err
		}
		if p.pos >= len(p.in) {
			if nested {
				return fmt.Errorf("missing ')'")
			}
			return nil
		}
		switch p.in[p.pos] {
		case ',':
			p.pos++
		case ')':
			if !nested {
				return fmt.Errorf("unbalanced ')' at %d", p.pos)
			}
			return nil
		default:
			return fmt.Errorf("unexpected %q at %d", p.in[p.pos], p.pos)
		}
	}
}

func (p *parser) item(m *Mask) error {
	op := Include
	if p.pos < len(p.in) && p.in[p.pos] == '-' {
		op = Exclude
		p.pos++
	}
	start := p.pos
	for p.pos < len(p.in) && !strings.ContainsRune(",:()", rune(p.in[p.pos])) {
		p.pos++
	}
	name := strings.TrimSpace(p.in[start:p.pos])
	if name == "" {
		return fmt.Errorf("empty field name at %d", start)
	}
	if p.pos < len(p.in) && p.in[p.pos] == ':' {
		p.pos++
		if name == "$start" || name == "$count" {
			return p.rangeValue(m, name)
		}
		if op == Exclude {
			return fmt.Errorf("excluded field %s cannot have a sub-mask", name)
		}
		if p.pos >= len(p.in) || p.in[p.pos] != '(' {
			return fmt.Errorf("expected '(' after %s:", name)
		}
		p.pos++
		sub := New()
		if p.pos < len(p.in) && p.in[p.pos] == ')' {
			p.pos++
			m.set(name, &entry{op: Nested, sub: sub})
			return nil
		}
		if err := p.list(sub, true); err != nil {
			return err
		}
		p.pos++ // ')'
		m.set(name, &entry{op: Nested, sub: sub})
		return nil
	}
	m.set(name, &entry{op: op})
	return nil
}

func (p *parser) rangeValue(m *Mask, name string) error {
	start := p.pos
	for p.pos < len(p.in) && p.in[p.pos] >= '0' && p.in[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.in[start:p.pos])
	if err != nil {
		return fmt.Errorf("%s needs a non-negative integer", name)
	}
	if name == "$start" {
		m.start = &n
		if m.count == nil {
			c := -1
			m.count = &c
		}
	} else {
		m.count = &n
		if m.start == nil {
			s := 0
			m.start = &s
		}
	}
	return nil
}

// String renders the mask in the syntax of version v.
func (m *Mask) String(v protocol.Version) string {
	if m.IsEmpty() {
		return ""
	}
	if !v.AtLeast2() {
		var out []string
		m.flatten("", &out)
		return strings.Join(out, ",")
	}
	var sb strings.Builder
	m.write(&sb)
	return sb.String()
}

func (m *Mask) write(sb *strings.Builder) {
	first := true
	sep := func() {
		if !first {
			sb.WriteByte(',')
		}
		first = false
	}
	if m.start != nil {
		sep()
		sb.WriteString("$start:" + strconv.Itoa(*m.start))
		if *m.count >= 0 {
			sb.WriteString(",$count:" + strconv.Itoa(*m.count))
		}
	}
	for _, n := range m.order {
		e := m.entries[n]
		sep()
		switch e.op {
		case Exclude:
			sb.WriteString("-" + n)
		case Include:
			sb.WriteString(n)
		case Nested:
			sb.WriteString(n + ":(")
			e.sub.write(sb)
			sb.WriteByte(')')
		}
	}
}

func (m *Mask) flatten(prefix string, out *[]string) {
	for _, n := range m.order {
		e := m.entries[n]
		switch e.op {
		case Exclude:
			*out = append(*out, "-"+prefix+n)
		case Include:
			*out = append(*out, prefix+n)
		case Nested:
			if e.sub.IsEmpty() {
				*out = append(*out, prefix+n)
				continue
			}
			e.sub.flatten(prefix+n+"/", out)
		}
	}
}
