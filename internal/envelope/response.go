package envelope

import (
	"net/http"

	"restline/internal/protocol"
)

// Response is the transport-neutral result of a resource method. Body is a data
// value (maps, lists, scalars) ready for a wire codec; nil means no body.
type Response struct {
	Status  int
	Headers http.Header
	Body    any
	Error   *ServiceError
}

// Renderer turns service errors into wire bodies for one request.
type Renderer struct {
	RequestID   string
	StackTraces bool
}

func (r Renderer) Error(e *ServiceError) map[string]any {
	return e.ToResponse(r.RequestID, r.StackTraces).Data()
}

// Failure is the response for a failed request; Body is the error envelope.
func (r Renderer) Failure(e *ServiceError) *Response {
	h := http.Header{}
	h.Set(protocol.HeaderErrorResponse, "true")
	return &Response{Status: e.Status, Headers: h, Body: r.Error(e), Error: e}
}

func newResponse(status int, body any) *Response {
	return &Response{Status: status, Headers: http.Header{}, Body: body}
}

// Entity is a 200 carrying a single record.
func Entity(entity map[string]any) *Response {
	return newResponse(http.StatusOK, entity)
}

// NoContent is the 204 returned by update and delete.
func NoContent() *Response {
	return newResponse(http.StatusNoContent, nil)
}

// Link is a paging link, e.g. rel "next".
type Link struct {
	Rel  string
	Href string
}

// Paging is collection metadata. Total is reported only when HasTotal is set.
type Paging struct {
	Start    int
	Count    int
	Total    int
	HasTotal bool
	Links    []Link
}

func (p Paging) Data() map[string]any {
	m := map[string]any{"start": int64(p.Start), "count": int64(p.Count)}
	if p.HasTotal {
		m["total"] = int64(p.Total)
	}
	links := make([]any, 0, len(p.Links))
	for _, l := range p.Links {
		links = append(links, map[string]any{"rel": l.Rel, "href": l.Href, "type": "application/json"})
	}
	m["links"] = links
	return m
}

// CollectionBody is the shape returned by GET_ALL and FINDER, and each batch finder slot.
type CollectionBody struct {
	Elements []map[string]any
	Paging   Paging
	Metadata map[string]any
}

func (c CollectionBody) Data() map[string]any {
	elems := make([]any, 0, len(c.Elements))
	for _, e := range c.Elements {
		elems = append(elems, e)
	}
	m := map[string]any{"elements": elems, "paging": c.Paging.Data()}
	if c.Metadata != nil {
		m["metadata"] = c.Metadata
	}
	return m
}

func Collection(c CollectionBody) *Response {
	return newResponse(http.StatusOK, c.Data())
}

// Created is the 201 for CREATE. The id travels in X-RestLi-Id; entity is only
// present when the method returns the created entity.
func Created(id, location string, entity map[string]any) *Response {
	r := newResponse(http.StatusCreated, nil)
	r.Headers.Set(protocol.HeaderID, id)
	if location != "" {
		r.Headers.Set(protocol.HeaderLocation, location)
	}
	if entity != nil {
		r.Body = entity
	}
	return r
}

// KVItem is one key's outcome in a batch keyed response. Entity is nil for
// status-only outcomes such as batch update.
type KVItem struct {
	Key    string
	Status int
	Entity map[string]any
	Err    *ServiceError
}

// BatchKV builds {results, statuses, errors} keyed by encoded key. The response
// status is 200 whatever the item outcomes are.
func (r Renderer) BatchKV(items []KVItem) *Response {
	results := map[string]any{}
	statuses := map[string]any{}
	errs := map[string]any{}
	for _, it := range items {
		if it.Err != nil {
			errs[it.Key] = r.Error(it.Err)
			statuses[it.Key] = int64(it.Err.Status)
			continue
		}
		statuses[it.Key] = int64(it.Status)
		if it.Entity != nil {
			results[it.Key] = it.Entity
		} else {
			results[it.Key] = map[string]any{"status": int64(it.Status)}
		}
	}
	return newResponse(http.StatusOK, map[string]any{
		"results":  results,
		"statuses": statuses,
		"errors":   errs,
	})
}

// CreateItem is one element of a batch create, in input order.
type CreateItem struct {
	ID     string
	Status int
	Entity map[string]any
	Err    *ServiceError
}

// BatchCreate builds {elements: [...]} with one status per input entity.
func (r Renderer) BatchCreate(items []CreateItem) *Response {
	elems := make([]any, 0, len(items))
	for _, it := range items {
		if it.Err != nil {
			elems = append(elems, map[string]any{
				"status": int64(it.Err.Status),
				"error":  r.Error(it.Err),
			})
			continue
		}
		el := map[string]any{"status": int64(it.Status), "id": it.ID}
		if it.Entity != nil {
			el["entity"] = it.Entity
		}
		elems = append(elems, el)
	}
	return newResponse(http.StatusOK, map[string]any{"elements": elems})
}

// FinderSlot is the result for one batch finder criteria.
type FinderSlot struct {
	Collection CollectionBody
	Err        *ServiceError
}

// BatchFinder builds {elements: [...]} with one slot per criteria, in input order.
func (r Renderer) BatchFinder(slots []FinderSlot) *Response {
	elems := make([]any, 0, len(slots))
	for _, s := range slots {
		if s.Err != nil {
			elems = append(elems, map[string]any{
				"elements": []any{},
				"isError":  true,
				"error":    r.Error(s.Err),
			})
			continue
		}
		el := s.Collection.Data()
		el["isError"] = false
		elems = append(elems, el)
	}
	return newResponse(http.StatusOK, map[string]any{"elements": elems})
}

// Action wraps an action's return value; a void action has no body.
func Action(value any) *Response {
	if value == nil {
		return newResponse(http.StatusOK, nil)
	}
	return newResponse(http.StatusOK, map[string]any{"value": value})
}
