package dispatch

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/protocol"
)

var reservedParams = map[string]bool{
	protocol.ParamQuery:          true,
	protocol.ParamBatchQuery:     true,
	protocol.ParamIDs:            true,
	protocol.ParamAction:         true,
	protocol.ParamFields:         true,
	protocol.ParamMetadataFields: true,
	protocol.ParamPagingFields:   true,
	protocol.ParamStart:          true,
	protocol.ParamCount:          true,
}

type methodKey struct {
	typ      protocol.MethodType
	name     string
	onEntity bool
}

type resource struct {
	def      *ResourceDef
	parent   *resource
	children map[string]*resource
	methods  map[methodKey]*MethodDef
	path     string
}

// Registry holds validated resource definitions and resolves routes.
type Registry struct {
	byName map[string]*resource
	roots  map[string]*resource
	names  []string
}

// NewRegistry validates defs and builds the routing tree.
func NewRegistry(defs ...ResourceDef) (*Registry, error) {
	reg := &Registry{byName: map[string]*resource{}, roots: map[string]*resource{}}
	for i := range defs {
		def := defs[i]
		if def.Name == "" || strings.ContainsAny(def.Name, "/?.") {
			return nil, fmt.Errorf("resource %d has an invalid name %q", i, def.Name)
		}
		if _, dup := reg.byName[def.Name]; dup {
			return nil, fmt.Errorf("resource %s declared twice", def.Name)
		}
		if def.Schema == nil || def.Schema.Dereference().Kind() != data.KindRecord {
			return nil, fmt.Errorf("resource %s needs a record schema", def.Name)
		}
		if def.Key.Name == "" {
			def.Key.Name = def.Name + "Id"
		}
		if err := def.Key.Validate(); err != nil {
			return nil, fmt.Errorf("resource %s: %w", def.Name, err)
		}
		def.Methods = append([]MethodDef(nil), def.Methods...)
		for j := range def.Methods {
			def.Methods[j].Params = append([]ParamDef(nil), def.Methods[j].Params...)
		}
		r := &resource{def: &def, children: map[string]*resource{}, methods: map[methodKey]*MethodDef{}}
		for j := range def.Methods {
			m := &def.Methods[j]
			if err := validateMethod(m); err != nil {
				return nil, fmt.Errorf("resource %s: %w", def.Name, err)
			}
			k := methodKey{typ: m.Type, name: m.Name, onEntity: m.OnEntity}
			if _, dup := r.methods[k]; dup {
				return nil, fmt.Errorf("resource %s declares %s twice", def.Name, m)
			}
			r.methods[k] = m
		}
		reg.byName[def.Name] = r
		reg.names = append(reg.names, def.Name)
	}
	for _, name := range reg.names {
		r := reg.byName[name]
		if r.def.Parent == "" {
			reg.roots[name] = r
			continue
		}
		p, ok := reg.byName[r.def.Parent]
		if !ok {
			return nil, fmt.Errorf("resource %s has unknown parent %s", name, r.def.Parent)
		}
		r.parent = p
		p.children[name] = r
	}
	for _, name := range reg.names {
		r := reg.byName[name]
		depth := 0
		for p := r.parent; p != nil; p = p.parent {
			if depth++; depth > len(reg.names) {
				return nil, fmt.Errorf("resource %s has a parent cycle", name)
			}
		}
		r.path = pathTemplate(r)
	}
	sort.Strings(reg.names)
	return reg, nil
}

func pathTemplate(r *resource) string {
	if r.parent == nil {
		return r.def.Name
	}
	return pathTemplate(r.parent) + "/{" + r.parent.def.Key.Name + "}/" + r.def.Name
}

func validateMethod(m *MethodDef) error {
	if m.Handler == nil || async.IsNil(m.Handler) {
		return fmt.Errorf("%s has no handler", m)
	}
	if err := checkHandler(m); err != nil {
		return err
	}
	if m.Type.Named() && m.Name == "" {
		return fmt.Errorf("%s needs a name", m.Type)
	}
	if !m.Type.Named() && m.Name != "" {
		return fmt.Errorf("%s cannot be named", m.Type)
	}
	if m.OnEntity && m.Type != protocol.MethodAction {
		return fmt.Errorf("%s cannot be on the entity level", m)
	}
	if m.Type == protocol.MethodBatchFinder && (m.Criteria == nil || m.Criteria.Dereference().Kind() != data.KindRecord) {
		return fmt.Errorf("%s needs a criteria record", m)
	}
	if m.MaxBatchSize < 0 {
		return fmt.Errorf("%s has a negative max batch size", m)
	}
	seen := map[string]bool{}
	for i := range m.Params {
		p := &m.Params[i]
		if p.Name == "" || p.Schema == nil {
			return fmt.Errorf("%s has a parameter without name or schema", m)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s declares parameter %s twice", m, p.Name)
		}
		seen[p.Name] = true
		if reservedParams[p.Name] || (m.Type == protocol.MethodBatchFinder && p.Name == protocol.ParamCriteria) {
			return fmt.Errorf("%s parameter %s uses a reserved name", m, p.Name)
		}
		if p.Default != nil {
			v, err := data.Coerce(p.Schema, p.Default)
			if err != nil {
				return fmt.Errorf("%s parameter %s has invalid default: %w", m, p.Name, err)
			}
			p.Default = v
		}
	}
	return nil
}

// Resource returns the definition of a resource by name.
func (r *Registry) Resource(name string) (*ResourceDef, bool) {
	res, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return res.def, true
}

// Path returns the URI template of a resource, e.g. "greetings/{greetingsId}/replies".
func (r *Registry) Path(name string) string {
	if res, ok := r.byName[name]; ok {
		return res.path
	}
	return ""
}

// Names lists resource names in order.
func (r *Registry) Names() []string { return append([]string(nil), r.names...) }

// Methods lists a resource's methods ordered by type then name.
func (r *Registry) Methods(name string) []*MethodDef {
	res, ok := r.byName[name]
	if !ok {
		return nil
	}
	out := make([]*MethodDef, 0, len(res.methods))
	for _, m := range res.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// rawKey is an undecoded path key together with how to decode it.
type rawKey struct {
	spec protocol.KeySpec
	raw  string
}

// Route is a resolved request target.
type Route struct {
	Resource *ResourceDef
	Method   *MethodDef
	// Entity reports whether the path addressed a single entity.
	Entity bool
	// Path is the resource path with the entity key stripped.
	Path string
	keys []rawKey
}

// Resolve finds the one method that serves a request. Unknown resources and
// methods are 404; contradictory method markers are 400.
func (r *Registry) Resolve(verb, path string, q protocol.Query, methodHeader string) (*Route, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	res, ok := r.roots[segs[0]]
	if !ok || segs[0] == "" {
		return nil, envelope.NotFound("no resource found for path /%s", strings.Trim(path, "/"))
	}
	route := &Route{}
	collPath := []string{segs[0]}
	i := 1
	for i < len(segs) {
		route.keys = append(route.keys, rawKey{spec: res.def.Key, raw: segs[i]})
		if i+1 == len(segs) {
			route.Entity = true
			break
		}
		child, ok := res.children[segs[i+1]]
		if !ok {
			return nil, envelope.NotFound("resource %s has no sub-resource %s", res.def.Name, segs[i+1])
		}
		collPath = append(collPath, segs[i], segs[i+1])
		res = child
		i += 2
	}
	route.Resource = res.def
	route.Path = strings.Join(collPath, "/")

	typ, name, err := methodFor(verb, route.Entity, q, methodHeader)
	if err != nil {
		return nil, err
	}
	m, ok := res.methods[methodKey{typ: typ, name: name, onEntity: typ == protocol.MethodAction && route.Entity}]
	if !ok {
		if name != "" {
			return nil, envelope.NotFound("resource %s has no %s named %s", res.def.Name, typ, name)
		}
		return nil, envelope.NotFound("resource %s does not support %s", res.def.Name, typ)
	}
	route.Method = m
	return route, nil
}

type verbLevel struct {
	verb   string
	entity bool
}

var allowed = map[protocol.MethodType][]verbLevel{
	protocol.MethodGet:                {{http.MethodGet, true}},
	protocol.MethodBatchGet:           {{http.MethodGet, false}},
	protocol.MethodGetAll:             {{http.MethodGet, false}},
	protocol.MethodFinder:             {{http.MethodGet, false}},
	protocol.MethodBatchFinder:        {{http.MethodGet, false}},
	protocol.MethodCreate:             {{http.MethodPost, false}},
	protocol.MethodBatchCreate:        {{http.MethodPost, false}},
	protocol.MethodAction:             {{http.MethodPost, false}, {http.MethodPost, true}},
	protocol.MethodPartialUpdate:      {{http.MethodPost, true}},
	protocol.MethodBatchPartialUpdate: {{http.MethodPost, false}},
	protocol.MethodUpdate:             {{http.MethodPut, true}},
	protocol.MethodBatchUpdate:        {{http.MethodPut, false}},
	protocol.MethodDelete:             {{http.MethodDelete, true}},
	protocol.MethodBatchDelete:        {{http.MethodDelete, false}},
}

// methodFor derives the method type from the verb and the reserved query
// parameters, or checks the X-RestLi-Method header when one is sent.
func methodFor(verb string, entity bool, q protocol.Query, header string) (protocol.MethodType, string, error) {
	var typ protocol.MethodType
	if header != "" {
		t, err := protocol.ParseMethodType(header)
		if err != nil {
			return "", "", envelope.BadRequest("%v", err)
		}
		typ = t
	} else {
		typ = deduce(verb, entity, q)
		if typ == "" {
			return "", "", envelope.NotFound("no method for %s on a %s", verb, level(entity))
		}
	}
	fits := false
	for _, vl := range allowed[typ] {
		if vl.verb == verb && vl.entity == entity {
			fits = true
		}
	}
	if !fits {
		return "", "", envelope.BadRequest("method %s is not allowed for %s on a %s", typ, verb, level(entity))
	}
	var param string
	switch typ {
	case protocol.MethodFinder:
		param = protocol.ParamQuery
	case protocol.MethodBatchFinder:
		param = protocol.ParamBatchQuery
	case protocol.MethodAction:
		param = protocol.ParamAction
	default:
		return typ, "", nil
	}
	name, err := q.Get(param)
	if err != nil || name == "" {
		return "", "", envelope.BadRequest("%s requires the %q parameter", typ, param)
	}
	return typ, name, nil
}

func deduce(verb string, entity bool, q protocol.Query) protocol.MethodType {
	switch verb {
	case http.MethodGet:
		switch {
		case entity:
			return protocol.MethodGet
		case q.Has(protocol.ParamQuery):
			return protocol.MethodFinder
		case q.Has(protocol.ParamBatchQuery):
			return protocol.MethodBatchFinder
		case q.Has(protocol.ParamIDs):
			return protocol.MethodBatchGet
		}
		return protocol.MethodGetAll
	case http.MethodPost:
		switch {
		case q.Has(protocol.ParamAction):
			return protocol.MethodAction
		case entity:
			return protocol.MethodPartialUpdate
		case q.Has(protocol.ParamIDs):
			return protocol.MethodBatchPartialUpdate
		}
		return protocol.MethodCreate
	case http.MethodPut:
		if entity {
			return protocol.MethodUpdate
		}
		return protocol.MethodBatchUpdate
	case http.MethodDelete:
		if entity {
			return protocol.MethodDelete
		}
		return protocol.MethodBatchDelete
	}
	return ""
}

func level(entity bool) string {
	if entity {
		return "entity"
	}
	return "collection"
}
