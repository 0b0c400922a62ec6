package projection

// Mode says who applies the projection to a handler's result.
type Mode uint8

const (
	// Automatic: the dispatcher trims results after the handler returns.
	Automatic Mode = iota
	// Manual: the handler receives the mask and returns already projected data.
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "automatic"
}

// Union merges two masks. An excluded entry wins over any positive entry at the
// same path, and a whole-field include wins over a nested selection.
func Union(a, b *Mask) *Mask {
	switch {
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}
	out := a.Clone()
	for _, n := range b.order {
		be := b.entries[n]
		ae, ok := out.entries[n]
		if !ok {
			out.set(n, &entry{op: be.op, sub: be.sub.Clone()})
			continue
		}
		switch {
		case ae.op == Exclude || be.op == Exclude:
			out.entries[n] = &entry{op: Exclude}
		case ae.op == Include || be.op == Include:
			out.entries[n] = &entry{op: Include}
		default:
			out.entries[n] = &entry{op: Nested, sub: Union(ae.sub, be.sub)}
		}
	}
	switch {
	case out.start == nil || b.start == nil:
		if b.start == nil && !b.IsEmpty() {
			out.start, out.count = nil, nil
		}
	default:
		s := min(*out.start, *b.start)
		c := unionCount(*out.start, *out.count, *b.start, *b.count, s)
		out.start, out.count = &s, &c
	}
	return out
}

func unionCount(s1, c1, s2, c2, s int) int {
	if c1 < 0 || c2 < 0 {
		return -1
	}
	return max(s1+c1, s2+c2) - s
}

// Apply returns the parts of v selected by m. v is not modified. Array ranges
// are ignored here, so Apply(Apply(v, m), m) equals Apply(v, m) for every mask;
// Slice applies them.
func Apply(v any, m *Mask) any {
	switch t := v.(type) {
	case map[string]any:
		return applyMap(t, m)
	case []any:
		return applyList(t, m)
	}
	return v
}

func applyMap(in map[string]any, m *Mask) map[string]any {
	out := map[string]any{}
	if m.IsEmpty() {
		return out
	}
	wildOp, wildSub := m.Lookup(Wildcard)
	positive := m.hasPositive()
	for k, v := range in {
		op, sub := m.Lookup(k)
		if op == 0 {
			op, sub = wildOp, wildSub
		}
		switch op {
		case Exclude:
			continue
		case Include:
			out[k] = v
		case Nested:
			out[k] = Apply(v, sub)
		default:
			if !positive {
				out[k] = v
			}
		}
	}
	return out
}

func applyList(in []any, m *Mask) []any {
	if m == nil {
		return in
	}
	op, sub := m.Lookup(Wildcard)
	out := make([]any, 0, len(in))
	for _, item := range in {
		switch {
		case op == Include:
			out = append(out, item)
		case op == Nested:
			out = append(out, Apply(item, sub))
		case len(m.order) == 0:
			// range only
			out = append(out, item)
		default:
			out = append(out, Apply(item, m))
		}
	}
	return out
}

// Slice cuts the arrays that m gives a $start/$count range to. It selects no
// fields and must run once per response: slicing twice shifts the window.
func Slice(v any, m *Mask) any {
	if m == nil {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		wildOp, wildSub := m.Lookup(Wildcard)
		var out map[string]any
		for k, fv := range t {
			op, sub := m.Lookup(k)
			if op == 0 {
				op, sub = wildOp, wildSub
			}
			if op != Nested {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(t))
				for ck, cv := range t {
					out[ck] = cv
				}
			}
			out[k] = Slice(fv, sub)
		}
		if out == nil {
			return t
		}
		return out
	case []any:
		items := t
		if m.start != nil {
			s := min(*m.start, len(items))
			e := len(items)
			if *m.count >= 0 {
				e = min(s+*m.count, len(items))
			}
			items = items[s:e]
		}
		op, sub := m.Lookup(Wildcard)
		out := make([]any, 0, len(items))
		for _, item := range items {
			switch {
			case op == Nested:
				out = append(out, Slice(item, sub))
			case op == 0 && len(m.order) > 0:
				out = append(out, Slice(item, m))
			default:
				out = append(out, item)
			}
		}
		return out
	}
	return v
}

// Project trims v to what the caller asked for. A nil requested mask means the
// whole entity; an empty one selects only the always-projected fields. Fields
// selected by always are present whatever requested excludes.
func Project(v map[string]any, requested, always *Mask) map[string]any {
	if requested == nil {
		return v
	}
	out := Slice(applyMap(v, requested), requested).(map[string]any)
	if always.IsEmpty() {
		return out
	}
	return merge(out, applyMap(v, always))
}

// merge overlays src onto a copy of dst, descending into records present in both.
func merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		dm, dok := out[k].(map[string]any)
		sm, sok := sv.(map[string]any)
		if dok && sok {
			out[k] = merge(dm, sm)
			continue
		}
		out[k] = sv
	}
	return out
}
