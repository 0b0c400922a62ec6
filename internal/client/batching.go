package client

import (
	"context"
	"net/http"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/envelope"
	"restline/internal/projection"
	"restline/internal/protocol"
)

// Batching collapses GETs declared into an async.Group into BATCH_GET calls
// when method configuration enables batching for the resource.
type Batching struct {
	Client  *Client
	Methods config.Methods
}

type getCall struct {
	key    protocol.Key
	fields *projection.Mask
}

// Get declares a GET of key into g. The handle is readable once g executes.
// Collapsed calls share one request whose projection is the union of theirs;
// a nil fields mask asks for every field.
func (b *Batching) Get(g *async.Group, resource string, key protocol.Key, fields *projection.Mask) *async.Handle[map[string]any] {
	settings := b.Methods.Resolve(resource, string(protocol.MethodGet))
	if !settings.BatchingEnabled {
		return async.Declare(g, async.Batcher[getCall, map[string]any]{
			Op:      "get:" + resource,
			MaxSize: 1,
			Do: func(ctx context.Context, reqs []getCall) []async.Outcome[map[string]any] {
				resp, err := b.Client.Send(ctx, Request{Method: protocol.MethodGet, Resource: resource, Key: reqs[0].key, Fields: reqs[0].fields})
				if err != nil {
					return []async.Outcome[map[string]any]{async.Failure[map[string]any](err)}
				}
				m, _ := resp.Map()
				return []async.Outcome[map[string]any]{async.Ok(m)}
			},
		}, getCall{key: key, fields: fields})
	}
	return async.Declare(g, async.Batcher[getCall, map[string]any]{
		Op:      "batch_get:" + resource,
		MaxSize: settings.MaxBatchSize,
		Do: func(ctx context.Context, reqs []getCall) []async.Outcome[map[string]any] {
			return b.batchGet(ctx, resource, reqs)
		},
	}, getCall{key: key, fields: fields})
}

func (b *Batching) batchGet(ctx context.Context, resource string, reqs []getCall) []async.Outcome[map[string]any] {
	out := make([]async.Outcome[map[string]any], len(reqs))
	var ids []protocol.Key
	seen := map[string]bool{}
	var mask *projection.Mask
	all := false
	for _, r := range reqs {
		s := partitionKey(r.key)
		if !seen[s] {
			seen[s] = true
			ids = append(ids, r.key)
		}
		if r.fields == nil {
			all = true
		} else if !all {
			mask = projection.Union(mask, r.fields)
		}
	}
	if all {
		mask = nil
	}
	res, err := b.Client.BatchGet(ctx, Request{Resource: resource, IDs: ids, Fields: mask})
	if err != nil {
		for i := range out {
			out[i] = async.Failure[map[string]any](err)
		}
		return out
	}
	v := b.Client.version()
	for i, r := range reqs {
		k := protocol.ResponseKey(r.key, v)
		if er, failed := res.Errors[k]; failed {
			out[i] = async.Failure[map[string]any](&ResponseError{Status: er.Status, Response: er})
			continue
		}
		entity, ok := res.Results[k]
		if !ok {
			er := envelope.ErrorResponse{Status: http.StatusNotFound, Code: "not_found", Message: "no result for key " + k}
			out[i] = async.Failure[map[string]any](&ResponseError{Status: http.StatusNotFound, Response: er})
			continue
		}
		out[i] = async.Ok(entity)
	}
	return out
}
