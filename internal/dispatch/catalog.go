package dispatch

import "restline/internal/protocol"

// ParamInfo describes a declared parameter.
type ParamInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
}

// MethodInfo describes one resource method.
type MethodInfo struct {
	Method       protocol.MethodType `json:"method"`
	Name         string              `json:"name,omitempty"`
	Operation    string              `json:"operation"`
	OnEntity     bool                `json:"on_entity,omitempty"`
	Params       []ParamInfo         `json:"params,omitempty"`
	Criteria     string              `json:"criteria,omitempty"`
	Returns      string              `json:"returns,omitempty"`
	MaxBatchSize int                 `json:"max_batch_size,omitempty"`
	Doc          string              `json:"doc,omitempty"`
}

// ResourceInfo describes a resource and its methods.
type ResourceInfo struct {
	Name    string       `json:"name"`
	Path    string       `json:"path"`
	Key     string       `json:"key"`
	KeyKind string       `json:"key_kind"`
	Schema  string       `json:"schema"`
	Doc     string       `json:"doc,omitempty"`
	Methods []MethodInfo `json:"methods"`
}

// Catalog describes every registered resource, ordered by name.
func Catalog(reg *Registry) []ResourceInfo {
	out := make([]ResourceInfo, 0, len(reg.names))
	for _, name := range reg.Names() {
		def, _ := reg.Resource(name)
		info := ResourceInfo{
			Name:    name,
			Path:    reg.Path(name),
			Key:     def.Key.Name,
			KeyKind: def.Key.Kind.String(),
			Schema:  def.Schema.TypeName(),
			Doc:     def.Doc,
			Methods: []MethodInfo{},
		}
		for _, m := range reg.Methods(name) {
			mi := MethodInfo{
				Method:       m.Type,
				Name:         m.Name,
				Operation:    m.Operation(),
				OnEntity:     m.OnEntity,
				MaxBatchSize: m.MaxBatchSize,
				Doc:          m.Doc,
			}
			for _, p := range m.Params {
				mi.Params = append(mi.Params, ParamInfo{Name: p.Name, Type: p.Schema.TypeName(), Optional: p.Optional || p.Default != nil})
			}
			if m.Criteria != nil {
				mi.Criteria = m.Criteria.TypeName()
			}
			if m.Returns != nil {
				mi.Returns = m.Returns.TypeName()
			}
			info.Methods = append(info.Methods, mi)
		}
		out = append(out, info)
	}
	return out
}
