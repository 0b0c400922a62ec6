// Package client sends protocol requests to restline servers, optionally
// routing them over a partition table.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"restline/internal/data"
	"restline/internal/envelope"
	"restline/internal/partition"
	"restline/internal/projection"
	"restline/internal/protocol"
)

// Client is a protocol client. The zero value is not usable; use New.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// Version is the protocol version sent; zero means protocol.Latest.
	Version protocol.Version
	// Codec encodes request bodies and is asked for in Accept; nil means JSON.
	Codec data.Codec
	// Table routes keyed requests to partition hosts; nil sends everything to BaseURL.
	Table  *partition.Table
	Logger *zap.Logger
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request describes one call. It is a value: the With methods return copies
// and never modify the receiver.
type Request struct {
	Method protocol.MethodType
	// Resource is the collection path, e.g. "greetings" or "greetings/1/replies".
	Resource string
	Key      protocol.Key
	IDs      []protocol.Key
	// Name is the finder, batch finder or action name.
	Name    string
	Params  map[string]any
	Fields  *projection.Mask
	Body    any
	Headers http.Header
	// TreatServerErrorAsSuccess returns error responses as a Response
	// instead of a *ResponseError.
	TreatServerErrorAsSuccess bool
	// Host sends the request to this base URL, bypassing routing.
	Host string
}

func (r Request) WithParam(name string, v any) Request {
	params := make(map[string]any, len(r.Params)+1)
	for k, pv := range r.Params {
		params[k] = pv
	}
	params[name] = v
	r.Params = params
	return r
}

func (r Request) WithHeader(name, value string) Request {
	h := r.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(name, value)
	r.Headers = h
	return r
}

func (r Request) WithIDs(ids ...protocol.Key) Request {
	r.IDs = append([]protocol.Key(nil), ids...)
	return r
}

func (r Request) WithFields(m *projection.Mask) Request {
	r.Fields = m
	return r
}

func (r Request) WithHost(host string) Request {
	r.Host = host
	return r
}

// Response is a decoded protocol response.
type Response struct {
	Status  int
	Headers http.Header
	// Body is the decoded data value, nil when the response had no body.
	Body any
	// Error is set for error responses returned under TreatServerErrorAsSuccess.
	Error *envelope.ErrorResponse
	Host  string
}

// ID is the created entity's id from a CREATE response.
func (r *Response) ID() string { return r.Headers.Get(protocol.HeaderID) }

// Map returns the body as a record map.
func (r *Response) Map() (map[string]any, bool) {
	m, ok := r.Body.(map[string]any)
	return m, ok
}

// ResponseError wraps non-2xx responses.
type ResponseError struct {
	Status   int
	Response envelope.ErrorResponse
	Headers  http.Header
	Host     string
}

func (e *ResponseError) Error() string {
	msg := e.Response.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("restline: status=%d code=%s: %s", e.Status, e.Response.Code, msg)
}

// AsResponseError unwraps a *ResponseError from err.
func AsResponseError(err error) (*ResponseError, bool) {
	var re *ResponseError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func (c *Client) version() protocol.Version {
	if c.Version.IsZero() {
		return protocol.Latest
	}
	return c.Version
}

func (c *Client) codec() data.Codec {
	if c.Codec == nil {
		return data.JSON
	}
	return c.Codec
}

func (c *Client) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

// Send performs req against the host it routes to.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	base, err := c.route(req)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, base, req)
}

// partitionKey is the string a key is placed on the ring by.
func partitionKey(k protocol.Key) string {
	return protocol.ResponseKey(k, protocol.V2)
}

func (c *Client) route(req Request) (string, error) {
	if req.Host != "" {
		return req.Host, nil
	}
	if c.Table == nil || c.Table.Load() == nil {
		if c.BaseURL == "" {
			return "", errors.New("client: no base url and no partition table")
		}
		return c.BaseURL, nil
	}
	snap := c.Table.Load()
	if !req.Key.IsZero() {
		t, err := snap.MapKey(partitionKey(req.Key))
		if err != nil {
			return "", err
		}
		return t.Host.URI, nil
	}
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	targets, err := snap.AllPartitionsFanout(req.Resource)
	if len(targets) == 0 {
		if err == nil {
			err = fmt.Errorf("%w: service %s has no hosts", partition.ErrServiceUnavailable, snap.Service)
		}
		return "", err
	}
	return targets[0].Host.URI, nil
}

// verb is the HTTP verb for a method type.
func verb(m protocol.MethodType) string {
	switch m {
	case protocol.MethodCreate, protocol.MethodBatchCreate, protocol.MethodAction,
		protocol.MethodPartialUpdate, protocol.MethodBatchPartialUpdate:
		return http.MethodPost
	case protocol.MethodUpdate, protocol.MethodBatchUpdate:
		return http.MethodPut
	case protocol.MethodDelete, protocol.MethodBatchDelete:
		return http.MethodDelete
	}
	return http.MethodGet
}

// Target renders the path and query of req, e.g. "/greetings/1?fields=message".
func Target(req Request, v protocol.Version) string {
	var sb strings.Builder
	sb.WriteByte('/')
	sb.WriteString(strings.Trim(req.Resource, "/"))
	if !req.Key.IsZero() {
		sb.WriteByte('/')
		sb.WriteString(protocol.EncodeKey(req.Key, v))
	}
	var parts []string
	switch req.Method {
	case protocol.MethodFinder:
		parts = append(parts, protocol.ParamQuery+"="+protocol.EscapeV2(req.Name))
	case protocol.MethodBatchFinder:
		parts = append(parts, protocol.ParamBatchQuery+"="+protocol.EscapeV2(req.Name))
	case protocol.MethodAction:
		parts = append(parts, protocol.ParamAction+"="+protocol.EscapeV2(req.Name))
	}
	if len(req.IDs) > 0 {
		parts = append(parts, protocol.EncodeIDs(req.IDs, v))
	}
	names := make([]string, 0, len(req.Params))
	for n := range req.Params {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		parts = append(parts, protocol.EscapeV2(n)+"="+protocol.EncodeParam(req.Params[n], v))
	}
	if !req.Fields.IsEmpty() {
		parts = append(parts, protocol.ParamFields+"="+req.Fields.String(v))
	}
	if len(parts) > 0 {
		sb.WriteByte('?')
		sb.WriteString(strings.Join(parts, "&"))
	}
	return sb.String()
}

func (c *Client) send(ctx context.Context, base string, req Request) (*Response, error) {
	v := c.version()
	codec := c.codec()
	url := strings.TrimRight(base, "/") + Target(req, v)
	var body io.Reader
	if req.Body != nil {
		b, err := codec.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	hreq, err := http.NewRequestWithContext(ctx, verb(req.Method), url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, hv := range vs {
			hreq.Header.Add(k, hv)
		}
	}
	hreq.Header.Set(protocol.HeaderProtocolVersion, v.String())
	hreq.Header.Set(protocol.HeaderMethod, string(req.Method))
	hreq.Header.Set("Accept", codec.ContentType())
	if req.Body != nil {
		hreq.Header.Set("Content-Type", codec.ContentType())
	}
	if c.BearerToken != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	c.log().Debug("send request", zap.String("method", string(req.Method)), zap.String("url", url))
	hresp, err := c.httpClient().Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	raw, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp := &Response{Status: hresp.StatusCode, Headers: hresp.Header, Host: base}
	if len(bytes.TrimSpace(raw)) > 0 {
		resp.Body, err = data.CodecFor(hresp.Header.Get("Content-Type")).Unmarshal(raw)
		if err != nil && hresp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if hresp.StatusCode < 300 {
		return resp, nil
	}
	er := envelope.ErrorResponse{Status: hresp.StatusCode}
	if m, ok := resp.Body.(map[string]any); ok {
		er = envelope.ErrorResponseFromData(m)
		if er.Status == 0 {
			er.Status = hresp.StatusCode
		}
	}
	if req.TreatServerErrorAsSuccess {
		resp.Error = &er
		return resp, nil
	}
	return nil, &ResponseError{Status: hresp.StatusCode, Response: er, Headers: hresp.Header, Host: base}
}
