package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"restline/internal/config"
	"restline/internal/envelope"
	"restline/internal/projection"
	"restline/internal/protocol"
)

// Request is a protocol request after transport decoding. Path is relative to
// the base path and still escaped; Body is a decoded data value or nil.
type Request struct {
	Verb      string
	Path      string
	Query     protocol.Query
	Headers   http.Header
	Body      any
	RequestID string
	// Actor is the authenticated principal, empty when anonymous.
	Actor string
}

// State is a step of the per-request state machine.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateKeyValidated   State = "KEY_VALIDATED"
	StateParamValidated State = "PARAM_VALIDATED"
	StateDispatched     State = "DISPATCHED"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

var transitions = map[State][]State{
	StateReceived:       {StateKeyValidated, StateFailed},
	StateKeyValidated:   {StateParamValidated, StateFailed},
	StateParamValidated: {StateDispatched, StateFailed},
	StateDispatched:     {StateCompleted, StateFailed},
}

// PagingContext is the requested page of a collection.
type PagingContext struct {
	Start int
	Count int
}

// Call is everything a handler learns about the request it serves. Handlers
// must treat it as read-only except for ResponseHeaders.
type Call struct {
	Resource  *ResourceDef
	Method    *MethodDef
	Version   protocol.Version
	RequestID string
	Actor     string
	Headers   http.Header
	// ResponseHeaders are copied onto the response.
	ResponseHeaders http.Header

	// PathKeys holds decoded keys by key name, ancestors and the entity itself.
	PathKeys map[string]protocol.Key
	Key      protocol.Key
	Keys     []protocol.Key
	Params   map[string]any
	Paging   PagingContext

	// Projection is the requested field mask; nil when the request sent none.
	Projection         *projection.Mask
	MetadataProjection *projection.Mask
	PagingProjection   *projection.Mask
	Settings           config.MethodSettings

	path    string
	query   protocol.Query
	state   State
	history []State
	log     *zap.Logger
}

// Operation is the configuration name of the called method.
func (c *Call) Operation() string { return c.Method.Operation() }

func (c *Call) State() State { return c.state }

// History lists the states the call went through.
func (c *Call) History() []State { return append([]State(nil), c.history...) }

// Param returns a decoded parameter, including defaults.
func (c *Call) Param(name string) (any, bool) {
	v, ok := c.Params[name]
	return v, ok
}

func (c *Call) ParamString(name string) string {
	s, _ := c.Params[name].(string)
	return s
}

// PathKey returns an ancestor's key by key name.
func (c *Call) PathKey(name string) (protocol.Key, bool) {
	k, ok := c.PathKeys[name]
	return k, ok
}

// ManualProjection reports whether the handler is expected to project results itself.
func (c *Call) ManualProjection() bool { return c.Method.Projection == projection.Manual }

func (c *Call) advance(to State) error {
	for _, next := range transitions[c.state] {
		if next == to {
			c.log.Debug("dispatch transition",
				zap.String("request_id", c.RequestID),
				zap.String("resource", c.Resource.Name),
				zap.String("operation", c.Operation()),
				zap.String("from", string(c.state)),
				zap.String("to", string(to)))
			c.state = to
			c.history = append(c.history, to)
			return nil
		}
	}
	return fmt.Errorf("invalid dispatch transition %s -> %s", c.state, to)
}

// fail moves the call to FAILED unless it already finished.
func (c *Call) fail() {
	if c.state != StateCompleted && c.state != StateFailed {
		_ = c.advance(StateFailed)
	}
}

// Filter observes calls around the handler. OnRequest runs once the target
// method is known and before keys and parameters are validated; an error
// rejects the call. OnResponse runs after the response is built.
type Filter interface {
	OnRequest(ctx context.Context, c *Call) error
	OnResponse(ctx context.Context, c *Call, resp *envelope.Response)
}

// RequestFilter adapts a function to a Filter that only inspects requests.
type RequestFilter func(ctx context.Context, c *Call) error

func (f RequestFilter) OnRequest(ctx context.Context, c *Call) error { return f(ctx, c) }

func (RequestFilter) OnResponse(context.Context, *Call, *envelope.Response) {}
