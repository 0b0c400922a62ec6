package dispatch

import (
	"context"
	"net/http"

	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/projection"
	"restline/internal/protocol"
)

func await[T any](ctx context.Context, e *async.Engine, inv async.Invokable[T]) (T, error) {
	return async.Invoke(ctx, e, inv).Await(ctx)
}

func (d *Dispatcher) invoke(ctx context.Context, c *Call, in *input, rnd envelope.Renderer) (*envelope.Response, error) {
	switch h := c.Method.Handler.(type) {
	case GetFunc:
		rec, err := await(ctx, d.engine, h(ctx, c, c.Key))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, envelope.NotFound("Entity %s of resource %s not found", c.Key, c.Resource.Name)
		}
		return envelope.Entity(c.project(rec.Data())), nil

	case BatchGetFunc:
		res, err := await(ctx, d.engine, h(ctx, c, c.Keys))
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, envelope.Misuse("%s handler returned no result", c.Method.Type)
		}
		items := make([]envelope.KVItem, 0, len(c.Keys))
		for _, k := range c.Keys {
			item := envelope.KVItem{Key: protocol.ResponseKey(k, c.Version)}
			o, ok := res.Get(k)
			switch {
			case o.Err != nil:
				item.Err = Classify(o.Err)
			case !ok || o.Value == nil:
				item.Err = envelope.NotFound("Entity %s of resource %s not found", k, c.Resource.Name)
			default:
				item.Status = http.StatusOK
				item.Entity = c.project(o.Value.Data())
			}
			items = append(items, item)
		}
		return rnd.BatchKV(items), nil

	case GetAllFunc:
		return d.collection(ctx, c, h(ctx, c))

	case FinderFunc:
		return d.collection(ctx, c, h(ctx, c))

	case BatchFinderFunc:
		res, err := await(ctx, d.engine, h(ctx, c, in.criteria))
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, envelope.Misuse("%s handler returned no result", c.Method.Type)
		}
		slots := make([]envelope.FinderSlot, len(in.criteria))
		for i := range in.criteria {
			o, ok := res.slot(i)
			switch {
			case o.Err != nil:
				slots[i].Err = Classify(o.Err)
			case !ok || o.Value == nil:
				slots[i].Err = envelope.NotFound("The server didn't find any entity for the criteria")
			default:
				slots[i].Collection = c.collectionBody(o.Value)
			}
		}
		resp := rnd.BatchFinder(slots)
		for _, el := range resp.Body.(map[string]any)["elements"].([]any) {
			c.projectPaging(el.(map[string]any))
		}
		return resp, nil

	case CreateFunc:
		cr, err := await(ctx, d.engine, h(ctx, c, in.entity))
		if err != nil {
			return nil, err
		}
		if cr == nil {
			return nil, envelope.Misuse("%s handler returned no result", c.Method.Type)
		}
		var id, location string
		if !cr.ID.IsZero() {
			id = protocol.EncodeKey(cr.ID, c.Version)
			location = "/" + c.path + "/" + id
		}
		var entity map[string]any
		if c.Method.ReturnEntity && cr.Entity != nil {
			entity = c.project(cr.Entity.Data())
		}
		resp := envelope.Created(id, location, entity)
		if cr.Status != 0 {
			resp.Status = cr.Status
		}
		return resp, nil

	case BatchCreateFunc:
		var valid []*data.Record
		for _, o := range in.creates {
			if o.Err == nil {
				valid = append(valid, o.Value)
			}
		}
		var outs []async.Outcome[*CreateResult]
		if len(valid) > 0 {
			var err error
			outs, err = await(ctx, d.engine, h(ctx, c, valid))
			if err != nil {
				return nil, err
			}
			if len(outs) != len(valid) {
				return nil, envelope.Misuse("%s handler returned %d results for %d entities", c.Method.Type, len(outs), len(valid))
			}
		}
		items := make([]envelope.CreateItem, 0, len(in.creates))
		next := 0
		for _, o := range in.creates {
			if o.Err != nil {
				items = append(items, envelope.CreateItem{Err: Classify(o.Err)})
				continue
			}
			out := outs[next]
			next++
			switch {
			case out.Err != nil:
				items = append(items, envelope.CreateItem{Err: Classify(out.Err)})
			case out.Value == nil:
				items = append(items, envelope.CreateItem{Err: envelope.Misuse("%s handler returned a nil result", c.Method.Type)})
			default:
				item := envelope.CreateItem{ID: protocol.ResponseKey(out.Value.ID, c.Version), Status: out.Value.Status}
				if item.Status == 0 {
					item.Status = http.StatusCreated
				}
				if c.Method.ReturnEntity && out.Value.Entity != nil {
					item.Entity = c.project(out.Value.Entity.Data())
				}
				items = append(items, item)
			}
		}
		return rnd.BatchCreate(items), nil

	case UpdateFunc:
		return statusResponse(await(ctx, d.engine, h(ctx, c, c.Key, in.entity)))

	case PartialUpdateFunc:
		return statusResponse(await(ctx, d.engine, h(ctx, c, c.Key, in.patch)))

	case DeleteFunc:
		return statusResponse(await(ctx, d.engine, h(ctx, c, c.Key)))

	case BatchUpdateFunc:
		return d.keyedStatuses(ctx, c, rnd, in, len(in.updates) > 0, func() async.Invokable[*KeyedResult[Status]] {
			return h(ctx, c, in.updates)
		})

	case BatchPartialUpdateFunc:
		return d.keyedStatuses(ctx, c, rnd, in, len(in.patches) > 0, func() async.Invokable[*KeyedResult[Status]] {
			return h(ctx, c, in.patches)
		})

	case BatchDeleteFunc:
		return d.keyedStatuses(ctx, c, rnd, in, len(c.Keys) > 0, func() async.Invokable[*KeyedResult[Status]] {
			return h(ctx, c, c.Keys)
		})

	case ActionFunc:
		ar, err := await(ctx, d.engine, h(ctx, c))
		if err != nil {
			return nil, err
		}
		v := ar.Value
		if rec, ok := v.(*data.Record); ok {
			v = rec.Data()
		}
		if v != nil && c.Method.Returns != nil {
			cv, err := data.Coerce(c.Method.Returns, v)
			if err != nil {
				return nil, envelope.Internal("action %s returned an invalid value: %v", c.Method.Name, err).WithCause(err)
			}
			v = cv
		}
		return envelope.Action(v), nil
	}
	return nil, envelope.Internal("no invoker for %s", c.Method)
}

func statusResponse(st Status, err error) (*envelope.Response, error) {
	if err != nil {
		return nil, err
	}
	resp := envelope.NoContent()
	if st != 0 {
		resp.Status = int(st)
	}
	return resp, nil
}

func (d *Dispatcher) keyedStatuses(ctx context.Context, c *Call, rnd envelope.Renderer, in *input, call bool, fn func() async.Invokable[*KeyedResult[Status]]) (*envelope.Response, error) {
	res := NewKeyedResult[Status]()
	if call {
		var err error
		res, err = await(ctx, d.engine, fn())
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, envelope.Misuse("%s handler returned no result", c.Method.Type)
		}
	}
	items := make([]envelope.KVItem, 0, len(c.Keys))
	for _, k := range c.Keys {
		item := envelope.KVItem{Key: protocol.ResponseKey(k, c.Version)}
		if se, rejected := in.rejected[k.String()]; rejected {
			item.Err = se
			items = append(items, item)
			continue
		}
		o, ok := res.Get(k)
		switch {
		case o.Err != nil:
			item.Err = Classify(o.Err)
		case !ok:
			item.Err = envelope.NotFound("Entity %s of resource %s not found", k, c.Resource.Name)
		default:
			item.Status = int(o.Value)
			if item.Status == 0 {
				item.Status = http.StatusNoContent
			}
		}
		items = append(items, item)
	}
	return rnd.BatchKV(items), nil
}

func (d *Dispatcher) collection(ctx context.Context, c *Call, inv async.Invokable[*Collection]) (*envelope.Response, error) {
	col, err := await(ctx, d.engine, inv)
	if err != nil {
		return nil, err
	}
	if col == nil {
		col = &Collection{}
	}
	resp := envelope.Collection(c.collectionBody(col))
	c.projectPaging(resp.Body.(map[string]any))
	return resp, nil
}

// collectionBody projects elements and metadata and computes paging links.
func (c *Call) collectionBody(col *Collection) envelope.CollectionBody {
	body := envelope.CollectionBody{
		Paging: envelope.Paging{
			Start:    c.Paging.Start,
			Count:    c.Paging.Count,
			Total:    col.Total,
			HasTotal: col.HasTotal,
		},
	}
	for _, e := range col.Elements {
		if e != nil {
			body.Elements = append(body.Elements, c.project(e.Data()))
		}
	}
	if col.Metadata != nil {
		md := col.Metadata.Data()
		if c.MetadataProjection != nil && !c.ManualProjection() {
			md = projection.Apply(md, c.MetadataProjection).(map[string]any)
		}
		body.Metadata = md
	}
	more := len(col.Elements) >= c.Paging.Count && c.Paging.Count > 0
	if col.HasTotal {
		more = c.Paging.Start+c.Paging.Count < col.Total
	}
	if more {
		body.Paging.Links = append(body.Paging.Links, envelope.Link{Rel: "next", Href: c.pageHref(c.Paging.Start + c.Paging.Count)})
	}
	return body
}

func (c *Call) pageHref(start int) string {
	var q protocol.Query
	for _, n := range c.query.Names() {
		if n == protocol.ParamStart || n == protocol.ParamCount {
			continue
		}
		for _, raw := range c.query.RawAll(n) {
			q.Add(n, raw)
		}
	}
	q.Add(protocol.ParamStart, protocol.Scalar(int64(start)))
	q.Add(protocol.ParamCount, protocol.Scalar(int64(c.Paging.Count)))
	return "/" + c.path + "?" + q.Encode()
}

func (c *Call) projectPaging(body map[string]any) {
	if c.PagingProjection == nil || c.ManualProjection() {
		return
	}
	if p, ok := body["paging"]; ok {
		body["paging"] = projection.Apply(p, c.PagingProjection)
	}
}
