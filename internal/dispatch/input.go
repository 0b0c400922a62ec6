package dispatch

import (
	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/protocol"
)

// input is the validated request payload handed to a handler.
type input struct {
	entity   *data.Record
	patch    data.Patch
	criteria []*data.Record
	// creates keeps batch create elements in input order; invalid ones carry an error.
	creates []async.Outcome[*data.Record]
	updates []KeyedEntity
	patches []KeyedPatch
	// rejected holds batch keys whose input failed validation.
	rejected map[string]*envelope.ServiceError
}

// validateInput reads projections, parameters, paging and the request entity.
func (d *Dispatcher) validateInput(c *Call, req *Request) (*input, error) {
	in := &input{rejected: map[string]*envelope.ServiceError{}}
	if err := parseProjections(c, req.Query); err != nil {
		return nil, err
	}
	var err error
	if c.Method.Type == protocol.MethodAction {
		err = d.actionParams(c, req.Body)
	} else {
		err = d.validateParams(c, req.Query)
	}
	if err != nil {
		return nil, err
	}
	schema := c.Resource.Schema
	switch c.Method.Type {
	case protocol.MethodGetAll, protocol.MethodFinder:
		return in, d.parsePaging(c, req.Query)
	case protocol.MethodBatchFinder:
		if err := d.parsePaging(c, req.Query); err != nil {
			return nil, err
		}
		in.criteria, err = d.criteria(c, req.Query)
		return in, err
	case protocol.MethodCreate:
		in.entity, err = createEntity(schema, req.Body, string(c.Method.Type))
		return in, err
	case protocol.MethodBatchCreate:
		elems, ok := field(req.Body, "elements").([]any)
		if !ok {
			return nil, envelope.BadRequest("Input field validation failure, reason: batch create needs an elements list")
		}
		if err := d.checkBatchSize(c, len(elems)); err != nil {
			return nil, err
		}
		for _, el := range elems {
			rec, err := createEntity(schema, el, string(c.Method.Type))
			if err != nil {
				in.creates = append(in.creates, async.Failure[*data.Record](err))
				continue
			}
			in.creates = append(in.creates, async.Ok(rec))
		}
		return in, nil
	case protocol.MethodUpdate:
		in.entity, err = updateEntity(schema, req.Body)
		return in, err
	case protocol.MethodPartialUpdate:
		in.patch, err = inputPatch(schema, req.Body)
		return in, err
	case protocol.MethodBatchUpdate:
		raws, err := d.batchEntities(c, req.Body)
		if err != nil {
			return nil, err
		}
		for _, k := range c.Keys {
			rec, err := updateEntity(schema, raws[k.String()])
			if err != nil {
				in.rejected[k.String()] = Classify(err)
				continue
			}
			in.updates = append(in.updates, KeyedEntity{Key: k, Entity: rec})
		}
		return in, nil
	case protocol.MethodBatchPartialUpdate:
		raws, err := d.batchEntities(c, req.Body)
		if err != nil {
			return nil, err
		}
		for _, k := range c.Keys {
			p, err := inputPatch(schema, raws[k.String()])
			if err != nil {
				in.rejected[k.String()] = Classify(err)
				continue
			}
			in.patches = append(in.patches, KeyedPatch{Key: k, Patch: p})
		}
		return in, nil
	}
	return in, nil
}

func field(body any, name string) any {
	m, _ := body.(map[string]any)
	return m[name]
}

func createEntity(s *data.Schema, raw any, method string) (*data.Record, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, envelope.BadRequest("Input field validation failure, reason: entity must be a record")
	}
	if err := data.CheckCreate(s, m, method); err != nil {
		return nil, Classify(err)
	}
	rec, err := data.FromInput(s, m)
	if err != nil {
		return nil, Classify(err)
	}
	return rec, nil
}

func updateEntity(s *data.Schema, raw any) (*data.Record, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, envelope.BadRequest("Input field validation failure, reason: entity must be a record")
	}
	rec, err := data.FromInput(s, m)
	if err != nil {
		return nil, Classify(err)
	}
	return rec, nil
}

func inputPatch(s *data.Schema, body any) (data.Patch, error) {
	raw := field(body, "patch")
	if raw == nil {
		return nil, envelope.BadRequest("Input field validation failure, reason: partial update needs a patch")
	}
	p, err := data.ParsePatch(raw)
	if err != nil {
		return nil, envelope.BadRequest("Input field validation failure, reason: %v", err).WithCause(err)
	}
	if err := data.CheckPatch(s, p, string(protocol.MethodPartialUpdate)); err != nil {
		return nil, Classify(err)
	}
	return p, nil
}

// batchEntities reads {"entities": {<key>: value}} and checks the keys match the ids.
func (d *Dispatcher) batchEntities(c *Call, body any) (map[string]any, error) {
	raw, ok := field(body, "entities").(map[string]any)
	if !ok {
		return nil, envelope.BadRequest("Input field validation failure, reason: batch request needs an entities map")
	}
	want := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		want[k.String()] = true
	}
	out := make(map[string]any, len(raw))
	for ks, v := range raw {
		k, err := protocol.ParseResponseKey(ks, c.Resource.Key, c.Version)
		if err != nil {
			return nil, envelope.BadRequest("Invalid key %s in batch request: %v", ks, err).WithCause(err)
		}
		if !want[k.String()] {
			return nil, envelope.BadRequest("Batch request mismatch: key %s is not in ids", ks)
		}
		out[k.String()] = v
	}
	if len(out) != len(want) {
		return nil, envelope.BadRequest("Batch request mismatch: %d ids but %d entities", len(want), len(out))
	}
	return out, nil
}

// criteria decodes the batch finder criteria list.
func (d *Dispatcher) criteria(c *Call, q protocol.Query) ([]*data.Record, error) {
	raws := q.RawAll(protocol.ParamCriteria)
	if len(raws) == 0 {
		return nil, envelope.BadRequest("Parameter '%s' is required", protocol.ParamCriteria)
	}
	v, err := protocol.DecodeParam(raws, data.ArrayOf(c.Method.Criteria), c.Version)
	if err != nil {
		return nil, envelope.BadRequest("Invalid value for parameter '%s': %v", protocol.ParamCriteria, err).WithCause(err)
	}
	list, _ := v.([]any)
	if err := d.checkBatchSize(c, len(list)); err != nil {
		return nil, err
	}
	out := make([]*data.Record, 0, len(list))
	for _, item := range list {
		m, _ := item.(map[string]any)
		rec, err := data.FromData(c.Method.Criteria, m)
		if err != nil {
			return nil, envelope.BadRequest("Invalid value for parameter '%s': %v", protocol.ParamCriteria, err).WithCause(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func coerceParam(p ParamDef, raw any) (any, error) {
	return data.Coerce(p.Schema, raw)
}
