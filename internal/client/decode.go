package client

import (
	"encoding/json"
	"fmt"

	"restline/internal/envelope"
)

// BatchResult is a decoded batch keyed response, keyed by the response key
// rendering (the plain scalar for simple keys).
type BatchResult struct {
	Results  map[string]map[string]any         `json:"results"`
	Statuses map[string]int                    `json:"statuses"`
	Errors   map[string]envelope.ErrorResponse `json:"errors"`
}

func newBatchResult() *BatchResult {
	return &BatchResult{
		Results:  map[string]map[string]any{},
		Statuses: map[string]int{},
		Errors:   map[string]envelope.ErrorResponse{},
	}
}

func (b *BatchResult) merge(o *BatchResult) {
	for k, v := range o.Results {
		b.Results[k] = v
	}
	for k, v := range o.Statuses {
		b.Statuses[k] = v
	}
	for k, v := range o.Errors {
		b.Errors[k] = v
	}
}

func (b *BatchResult) fail(key string, er envelope.ErrorResponse) {
	delete(b.Results, key)
	b.Statuses[key] = er.Status
	b.Errors[key] = er
}

// DecodeBatchKV decodes a {results, statuses, errors} body.
func DecodeBatchKV(body any) (*BatchResult, error) {
	m, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("batch response is %T, not a record", body)
	}
	out := newBatchResult()
	if results, ok := m["results"].(map[string]any); ok {
		for k, v := range results {
			if rec, ok := v.(map[string]any); ok {
				out.Results[k] = rec
			}
		}
	}
	if statuses, ok := m["statuses"].(map[string]any); ok {
		for k, v := range statuses {
			out.Statuses[k] = toInt(v)
		}
	}
	if errs, ok := m["errors"].(map[string]any); ok {
		for k, v := range errs {
			if em, ok := v.(map[string]any); ok {
				out.Errors[k] = envelope.ErrorResponseFromData(em)
			}
		}
	}
	return out, nil
}

// CreateStatus is one element of a batch create response.
type CreateStatus struct {
	Status int
	ID     string
	Entity map[string]any
	Error  *envelope.ErrorResponse
}

// DecodeCreateStatuses decodes a batch create body, in input order.
func DecodeCreateStatuses(body any) ([]CreateStatus, error) {
	elems, err := elements(body)
	if err != nil {
		return nil, err
	}
	out := make([]CreateStatus, 0, len(elems))
	for i, e := range elems {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("create status %d is %T", i, e)
		}
		cs := CreateStatus{Status: toInt(m["status"])}
		switch id := m["id"].(type) {
		case string:
			cs.ID = id
		case nil:
		default:
			cs.ID = fmt.Sprint(id)
		}
		cs.Entity, _ = m["entity"].(map[string]any)
		if em, ok := m["error"].(map[string]any); ok {
			er := envelope.ErrorResponseFromData(em)
			cs.Error = &er
		}
		out = append(out, cs)
	}
	return out, nil
}

// Link is a paging link.
type Link struct {
	Rel  string
	Href string
}

// Paging is decoded collection metadata.
type Paging struct {
	Start    int
	Count    int
	Total    int
	HasTotal bool
	Links    []Link
}

// Next is the href of the "next" link, empty on the last page.
func (p Paging) Next() string {
	for _, l := range p.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// Collection is a decoded GET_ALL, FINDER or batch finder slot body.
type Collection struct {
	Elements []map[string]any
	Paging   Paging
	Metadata map[string]any
}

// DecodeCollection decodes an {elements, paging, metadata} body.
func DecodeCollection(body any) (*Collection, error) {
	m, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("collection response is %T, not a record", body)
	}
	return decodeCollection(m)
}

func decodeCollection(m map[string]any) (*Collection, error) {
	elems, err := elements(m)
	if err != nil {
		return nil, err
	}
	c := &Collection{Elements: make([]map[string]any, 0, len(elems))}
	for i, e := range elems {
		rec, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d is %T", i, e)
		}
		c.Elements = append(c.Elements, rec)
	}
	if p, ok := m["paging"].(map[string]any); ok {
		c.Paging.Start = toInt(p["start"])
		c.Paging.Count = toInt(p["count"])
		if t, ok := p["total"]; ok {
			c.Paging.Total = toInt(t)
			c.Paging.HasTotal = true
		}
		links, _ := p["links"].([]any)
		for _, l := range links {
			lm, ok := l.(map[string]any)
			if !ok {
				continue
			}
			rel, _ := lm["rel"].(string)
			href, _ := lm["href"].(string)
			c.Paging.Links = append(c.Paging.Links, Link{Rel: rel, Href: href})
		}
	}
	c.Metadata, _ = m["metadata"].(map[string]any)
	return c, nil
}

// FinderSlot is one criteria's result in a batch finder response.
type FinderSlot struct {
	Collection *Collection
	Error      *envelope.ErrorResponse
}

// DecodeBatchFinder decodes a batch finder body, one slot per criteria.
func DecodeBatchFinder(body any) ([]FinderSlot, error) {
	elems, err := elements(body)
	if err != nil {
		return nil, err
	}
	out := make([]FinderSlot, 0, len(elems))
	for i, e := range elems {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("batch finder slot %d is %T", i, e)
		}
		if isErr, _ := m["isError"].(bool); isErr {
			em, _ := m["error"].(map[string]any)
			er := envelope.ErrorResponseFromData(em)
			out = append(out, FinderSlot{Error: &er})
			continue
		}
		c, err := decodeCollection(m)
		if err != nil {
			return nil, fmt.Errorf("batch finder slot %d: %w", i, err)
		}
		out = append(out, FinderSlot{Collection: c})
	}
	return out, nil
}

// ActionValue returns the value of an action response, nil for void actions.
func ActionValue(body any) any {
	m, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	return m["value"]
}

func elements(body any) ([]any, error) {
	m, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("response is %T, not a record", body)
	}
	elems, ok := m["elements"].([]any)
	if !ok {
		return nil, fmt.Errorf("response has no elements")
	}
	return elems, nil
}

// toInt reads a number as decoded by either wire codec.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
