package data

import (
	"fmt"
	"sort"
	"strings"
)

const (
	patchSet    = "$set"
	patchDelete = "$delete"
)

// Patch is a partial update in wire form: {"$set": {...}, "$delete": [...], "<field>": <nested patch>}.
type Patch map[string]any

// NewPatch returns an empty patch.
func NewPatch() Patch { return Patch{} }

// Set adds a field assignment.
func (p Patch) Set(field string, v any) Patch {
	set, _ := p[patchSet].(map[string]any)
	if set == nil {
		set = map[string]any{}
		p[patchSet] = set
	}
	set[field] = v
	return p
}

// Delete adds field removals.
func (p Patch) Delete(fields ...string) Patch {
	del, _ := p[patchDelete].([]any)
	for _, f := range fields {
		del = append(del, f)
	}
	p[patchDelete] = del
	return p
}

// Nested returns the sub-patch for field, creating it if needed.
func (p Patch) Nested(field string) Patch {
	if sub, ok := p[field].(Patch); ok {
		return sub
	}
	if m, ok := p[field].(map[string]any); ok {
		sub := Patch(m)
		p[field] = sub
		return sub
	}
	sub := Patch{}
	p[field] = sub
	return sub
}

func (p Patch) IsEmpty() bool {
	for k, v := range p {
		switch k {
		case patchSet:
			if m, _ := v.(map[string]any); len(m) > 0 {
				return false
			}
		case patchDelete:
			if l, _ := v.([]any); len(l) > 0 {
				return false
			}
		default:
			if !asPatch(v).IsEmpty() {
				return false
			}
		}
	}
	return true
}

func (p Patch) sets() map[string]any {
	if m, ok := asMap(p[patchSet]); ok {
		return m
	}
	return nil
}

func (p Patch) deletes() []string {
	l, _ := asList(p[patchDelete])
	out := make([]string, 0, len(l))
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p Patch) nestedKeys() []string {
	var out []string
	for k := range p {
		if k != patchSet && k != patchDelete {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func asPatch(v any) Patch {
	switch t := v.(type) {
	case Patch:
		return t
	case map[string]any:
		return Patch(t)
	}
	if m, ok := asMap(v); ok {
		return Patch(m)
	}
	return nil
}

// ParsePatch checks the structure of a decoded patch document.
func ParsePatch(raw any) (Patch, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, fmt.Errorf("patch must be a map, got %s", describe(raw))
	}
	p := Patch(m)
	if err := p.checkShape("", 0); err != nil {
		return nil, err
	}
	return p, nil
}

func (p Patch) checkShape(path string, depth int) error {
	if depth > 32 {
		return fmt.Errorf("patch at %s is nested too deeply", path)
	}
	for k, v := range p {
		switch k {
		case patchSet:
			if _, ok := asMap(v); !ok {
				return fmt.Errorf("patch %s/$set must be a map", path)
			}
		case patchDelete:
			l, ok := asList(v)
			if !ok {
				return fmt.Errorf("patch %s/$delete must be a list", path)
			}
			for _, item := range l {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("patch %s/$delete must list field names", path)
				}
			}
		default:
			if strings.HasPrefix(k, "$") {
				return fmt.Errorf("patch %s has unknown operation %s", path, k)
			}
			sub := asPatch(v)
			if sub == nil {
				return fmt.Errorf("patch %s/%s must be a map", path, k)
			}
			if err := sub.checkShape(path+"/"+k, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyPatch returns a new record with p applied. r is left untouched, also on failure.
func ApplyPatch(r *Record, p Patch) (*Record, error) {
	if p.IsEmpty() {
		return r.Clone(), nil
	}
	out := r.Clone()
	c := &coercer{fillDefaults: true}
	c.applyPatch("", r.schema, out.data, p)
	if err := c.err(); err != nil {
		return nil, err
	}
	c.record("", r.schema, out.data, false)
	if err := c.err(); err != nil {
		return nil, err
	}
	for _, f := range p.deletes() {
		delete(out.defaulted, f)
	}
	for f := range p.sets() {
		delete(out.defaulted, f)
	}
	return out, nil
}

func (c *coercer) applyPatch(path string, s *Schema, target map[string]any, p Patch) {
	s = s.Dereference()
	for _, name := range p.deletes() {
		delete(target, name)
	}
	for name, v := range p.sets() {
		child, ok := childSchema(s, name)
		if !ok {
			c.fail(path+"/"+name, ErrSchemaMismatch, "field is not declared by %s", s.TypeName())
			continue
		}
		if cv, ok := c.value(path+"/"+name, child, v); ok {
			target[name] = cv
		}
	}
	for _, name := range p.nestedKeys() {
		child, ok := childSchema(s, name)
		if !ok {
			c.fail(path+"/"+name, ErrSchemaMismatch, "field is not declared by %s", s.TypeName())
			continue
		}
		inner, _ := target[name].(map[string]any)
		if inner == nil {
			inner = map[string]any{}
		}
		if s.kind == KindUnion {
			// A union patch replaces the value with the patched member.
			for k := range target {
				delete(target, k)
			}
		}
		c.applyPatch(path+"/"+name, child, inner, asPatch(p[name]))
		target[name] = inner
	}
}

func childSchema(s *Schema, name string) (*Schema, bool) {
	switch s.kind {
	case KindRecord:
		f, ok := s.Field(name)
		if !ok {
			return nil, false
		}
		return f.Type, true
	case KindMap:
		return s.values, true
	case KindUnion:
		return s.Member(name)
	}
	return nil, false
}

// Diff returns the minimal patch turning old into new.
func Diff(old, new *Record) Patch {
	return diffMaps(old.schema, old.data, new.data)
}

func diffMaps(s *Schema, a, b map[string]any) Patch {
	p := Patch{}
	var removed []string
	for k := range a {
		if _, ok := b[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		p.Delete(removed...)
	}
	for k, bv := range b {
		av, had := a[k]
		if had && EqualData(av, bv) {
			continue
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if had && aIsMap && bIsMap {
			if child, ok := childSchema(s.Dereference(), k); ok {
				if ck := child.Dereference().kind; ck == KindRecord || ck == KindMap {
					p[k] = diffMaps(child, am, bm)
					continue
				}
			}
		}
		p.Set(k, copyValue(bv))
	}
	return p
}

// CheckCreate rejects ReadOnly fields in create input. method names the request type in messages.
func CheckCreate(s *Schema, data map[string]any, method string) error {
	c := &coercer{}
	c.checkCreate("", s, data, method)
	return c.err()
}

func (c *coercer) checkCreate(path string, s *Schema, v any, method string) {
	s = s.Dereference()
	switch s.kind {
	case KindRecord:
		m, ok := asMap(v)
		if !ok {
			return
		}
		for _, f := range s.fields {
			fv, present := m[f.Name]
			if !present {
				continue
			}
			fpath := path + "/" + f.Name
			if f.ReadOnly {
				c.fail(fpath, ErrFieldAccess, "ReadOnly field present in a %s request", method)
				continue
			}
			c.checkCreate(fpath, f.Type, fv, method)
		}
	case KindArray:
		l, _ := asList(v)
		for i, item := range l {
			c.checkCreate(fmt.Sprintf("%s/%d", path, i), s.items, item, method)
		}
	case KindMap:
		m, _ := asMap(v)
		for _, k := range sortedKeys(m) {
			c.checkCreate(path+"/"+k, s.values, m[k], method)
		}
	case KindUnion:
		m, _ := asMap(v)
		for k, item := range m {
			if member, ok := s.Member(k); ok {
				c.checkCreate(path+"/"+k, member, item, method)
			}
		}
	}
}

// CheckPatch rejects patches that set or delete ReadOnly or CreateOnly fields.
func CheckPatch(s *Schema, p Patch, method string) error {
	c := &coercer{}
	c.checkPatch("", s, p, method)
	return c.err()
}

func (c *coercer) checkPatch(path string, s *Schema, p Patch, method string) {
	s = s.Dereference()
	flags := func(name string) (readOnly, createOnly bool) {
		if s.kind != KindRecord {
			return false, false
		}
		f, ok := s.Field(name)
		if !ok {
			return false, false
		}
		return f.ReadOnly, f.CreateOnly
	}
	for _, name := range p.deletes() {
		ro, co := flags(name)
		switch {
		case ro:
			c.fail(path+"/"+name, ErrFieldAccess, "delete operation on a ReadOnly field is forbidden")
		case co:
			c.fail(path+"/"+name, ErrFieldAccess, "delete operation on a CreateOnly field is forbidden")
		}
	}
	sets := p.sets()
	for _, name := range sortedKeys(sets) {
		fpath := path + "/" + name
		ro, co := flags(name)
		switch {
		case ro:
			c.fail(fpath, ErrFieldAccess, "ReadOnly field present in a %s request", method)
		case co:
			c.fail(fpath, ErrFieldAccess, "CreateOnly field present in a %s request", method)
		default:
			if child, ok := childSchema(s, name); ok {
				c.checkCreate(fpath, child, sets[name], method)
				c.checkCreateOnly(fpath, child, sets[name], method)
			}
		}
	}
	for _, name := range p.nestedKeys() {
		fpath := path + "/" + name
		ro, co := flags(name)
		switch {
		case ro:
			c.fail(fpath, ErrFieldAccess, "ReadOnly field present in a %s request", method)
		case co:
			c.fail(fpath, ErrFieldAccess, "CreateOnly field present in a %s request", method)
		default:
			if child, ok := childSchema(s, name); ok {
				c.checkPatch(fpath, child, asPatch(p[name]), method)
			}
		}
	}
}

// checkCreateOnly reports CreateOnly fields inside a value set wholesale by a patch.
func (c *coercer) checkCreateOnly(path string, s *Schema, v any, method string) {
	s = s.Dereference()
	if s.kind != KindRecord {
		return
	}
	m, ok := asMap(v)
	if !ok {
		return
	}
	for _, f := range s.fields {
		fv, present := m[f.Name]
		if !present || f.ReadOnly {
			continue
		}
		fpath := path + "/" + f.Name
		if f.CreateOnly {
			c.fail(fpath, ErrFieldAccess, "CreateOnly field present in a %s request", method)
			continue
		}
		c.checkCreateOnly(fpath, f.Type, fv, method)
	}
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
