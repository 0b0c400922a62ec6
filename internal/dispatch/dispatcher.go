package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"

	"go.uber.org/zap"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/envelope"
	"restline/internal/projection"
	"restline/internal/protocol"
)

// DefaultCount is the page size when a request sends no count.
const DefaultCount = 10

// Options configures a Dispatcher.
type Options struct {
	Engine  *async.Engine
	Methods config.Methods
	Filters []Filter
	Logger  *zap.Logger
	// StackTraces exposes stack traces in error responses.
	StackTraces  bool
	MaxVersion   protocol.Version
	DefaultCount int
}

// Dispatcher serves requests against a Registry.
type Dispatcher struct {
	reg          *Registry
	engine       *async.Engine
	methods      config.Methods
	filters      []Filter
	log          *zap.Logger
	stackTraces  bool
	maxVersion   protocol.Version
	defaultCount int
}

func New(reg *Registry, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Engine == nil {
		opts.Engine = async.NewEngine(0, opts.Logger)
	}
	if opts.MaxVersion.IsZero() {
		opts.MaxVersion = protocol.Latest
	}
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = DefaultCount
	}
	return &Dispatcher{
		reg:          reg,
		engine:       opts.Engine,
		methods:      opts.Methods,
		filters:      append([]Filter(nil), opts.Filters...),
		log:          opts.Logger.Named("dispatch"),
		stackTraces:  opts.StackTraces,
		maxVersion:   opts.MaxVersion,
		defaultCount: opts.DefaultCount,
	}
}

// Registry returns the served resources.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// MaxVersion is the highest protocol version accepted.
func (d *Dispatcher) MaxVersion() protocol.Version { return d.maxVersion }

// Handle serves one request. It never returns nil and never panics.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *envelope.Response {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	rnd := envelope.Renderer{RequestID: req.RequestID, StackTraces: d.stackTraces}
	version, err := protocol.Negotiate(req.Headers.Get(protocol.HeaderProtocolVersion), d.maxVersion)
	if err != nil {
		return rnd.Failure(envelope.BadRequest("%v", err).WithCause(err))
	}
	route, err := d.reg.Resolve(req.Verb, req.Path, req.Query, req.Headers.Get(protocol.HeaderMethod))
	if err != nil {
		resp := rnd.Failure(Classify(err))
		resp.Headers.Set(protocol.HeaderProtocolVersion, version.String())
		return resp
	}
	c := &Call{
		Resource:        route.Resource,
		Method:          route.Method,
		Version:         version,
		RequestID:       req.RequestID,
		Actor:           req.Actor,
		Headers:         req.Headers,
		ResponseHeaders: http.Header{},
		PathKeys:        map[string]protocol.Key{},
		Params:          map[string]any{},
		Settings:        d.methods.Resolve(route.Resource.Name, route.Method.Operation()),
		path:            route.Path,
		query:           req.Query,
		state:           StateReceived,
		history:         []State{StateReceived},
		log:             d.log,
	}
	resp := d.serve(ctx, c, route, req, rnd)
	for k, vs := range c.ResponseHeaders {
		for _, v := range vs {
			resp.Headers.Add(k, v)
		}
	}
	for i := len(d.filters) - 1; i >= 0; i-- {
		d.filters[i].OnResponse(ctx, c, resp)
	}
	resp.Headers.Set(protocol.HeaderProtocolVersion, version.String())
	return resp
}

func (d *Dispatcher) serve(ctx context.Context, c *Call, route *Route, req *Request, rnd envelope.Renderer) (resp *envelope.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked",
				zap.String("request_id", c.RequestID),
				zap.String("resource", c.Resource.Name),
				zap.String("operation", c.Operation()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			c.fail()
			resp = rnd.Failure(envelope.Internal("handler panicked: %v", r))
		}
	}()
	failed := func(err error) *envelope.Response {
		c.fail()
		se := Classify(err)
		if se.Status >= http.StatusInternalServerError {
			d.log.Error("request failed",
				zap.String("request_id", c.RequestID),
				zap.String("resource", c.Resource.Name),
				zap.String("operation", c.Operation()),
				zap.Int("status", se.Status),
				zap.Error(err))
		} else {
			d.log.Debug("request rejected",
				zap.String("request_id", c.RequestID),
				zap.Int("status", se.Status),
				zap.String("message", se.Message))
		}
		return rnd.Failure(se)
	}

	for _, f := range d.filters {
		if err := f.OnRequest(ctx, c); err != nil {
			return failed(err)
		}
	}
	if err := d.validateKeys(c, route, req.Query); err != nil {
		return failed(err)
	}
	if err := c.advance(StateKeyValidated); err != nil {
		return failed(err)
	}
	in, err := d.validateInput(c, req)
	if err != nil {
		return failed(err)
	}
	if err := c.advance(StateParamValidated); err != nil {
		return failed(err)
	}
	if err := c.advance(StateDispatched); err != nil {
		return failed(err)
	}
	if c.Settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Settings.Timeout)
		defer cancel()
	}
	resp, err = d.invoke(ctx, c, in, rnd)
	if err != nil {
		return failed(err)
	}
	if err := c.advance(StateCompleted); err != nil {
		return failed(err)
	}
	return resp
}

// validateKeys decodes path keys and batch ids.
func (d *Dispatcher) validateKeys(c *Call, route *Route, q protocol.Query) error {
	for i, rk := range route.keys {
		if rk.raw == "" {
			return envelope.BadRequest("Missing key for path segment %s", rk.spec.Name)
		}
		k, err := protocol.DecodeKey(rk.raw, rk.spec, c.Version)
		if err != nil {
			return envelope.BadRequest("Invalid key %s for %s: %v", rk.raw, rk.spec.Name, err).WithCause(err)
		}
		c.PathKeys[rk.spec.Name] = k
		if route.Entity && i == len(route.keys)-1 {
			c.Key = k
		}
	}
	switch c.Method.Type {
	case protocol.MethodBatchGet, protocol.MethodBatchUpdate, protocol.MethodBatchPartialUpdate, protocol.MethodBatchDelete:
		if !q.Has(protocol.ParamIDs) {
			return envelope.BadRequest("Missing ids for %s", c.Method.Type)
		}
		keys, err := protocol.DecodeIDs(q, c.Resource.Key, c.Version)
		if err != nil {
			return envelope.BadRequest("Invalid ids: %v", err).WithCause(err)
		}
		c.Keys = dedupe(keys)
		if err := d.checkBatchSize(c, len(c.Keys)); err != nil {
			return err
		}
	}
	return nil
}

func dedupe(keys []protocol.Key) []protocol.Key {
	seen := make(map[string]bool, len(keys))
	out := make([]protocol.Key, 0, len(keys))
	for _, k := range keys {
		s := k.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, k)
	}
	return out
}

func (d *Dispatcher) checkBatchSize(c *Call, n int) error {
	max := c.Settings.MaxBatchSize
	if c.Method.MaxBatchSize > 0 && (max == 0 || c.Method.MaxBatchSize < max) {
		max = c.Method.MaxBatchSize
	}
	if max > 0 && n > max {
		return envelope.BadRequest("The request batch size: %d is larger than the allowed max batch size: %d for method: %s",
			n, max, c.Method.Type)
	}
	return nil
}

// validateParams decodes declared parameters from the query, applying defaults.
func (d *Dispatcher) validateParams(c *Call, q protocol.Query) error {
	for _, p := range c.Method.Params {
		raws := q.RawAll(p.Name)
		if len(raws) == 0 {
			if p.Default != nil {
				c.Params[p.Name] = p.Default
				continue
			}
			if !p.Optional {
				return envelope.BadRequest("Parameter '%s' is required", p.Name)
			}
			continue
		}
		v, err := protocol.DecodeParam(raws, p.Schema, c.Version)
		if err != nil {
			return envelope.BadRequest("Invalid value for parameter '%s': %v", p.Name, err).WithCause(err)
		}
		c.Params[p.Name] = v
	}
	return nil
}

// actionParams reads action parameters from the request body.
func (d *Dispatcher) actionParams(c *Call, body any) error {
	m, _ := body.(map[string]any)
	if body != nil && m == nil {
		return envelope.BadRequest("Action parameters must be a record")
	}
	for _, p := range c.Method.Params {
		raw, ok := m[p.Name]
		if !ok || raw == nil {
			if p.Default != nil {
				c.Params[p.Name] = p.Default
				continue
			}
			if !p.Optional {
				return envelope.BadRequest("Parameter '%s' is required", p.Name)
			}
			continue
		}
		v, err := coerceParam(p, raw)
		if err != nil {
			return envelope.BadRequest("Invalid value for parameter '%s': %v", p.Name, err).WithCause(err)
		}
		c.Params[p.Name] = v
	}
	return nil
}

// parseProjections reads fields, metadataFields and pagingFields.
func parseProjections(c *Call, q protocol.Query) error {
	parse := func(name string) (*projection.Mask, error) {
		if !q.Has(name) {
			return nil, nil
		}
		raw, err := q.Get(name)
		if err != nil {
			return nil, envelope.BadRequest("Invalid %s projection: %v", name, err).WithCause(err)
		}
		m, err := projection.Parse(raw, c.Version)
		if err != nil {
			return nil, envelope.BadRequest("Invalid %s projection: %v", name, err).WithCause(err)
		}
		return m, nil
	}
	var err error
	if c.Projection, err = parse(protocol.ParamFields); err != nil {
		return err
	}
	if c.MetadataProjection, err = parse(protocol.ParamMetadataFields); err != nil {
		return err
	}
	c.PagingProjection, err = parse(protocol.ParamPagingFields)
	return err
}

func (d *Dispatcher) parsePaging(c *Call, q protocol.Query) error {
	c.Paging = PagingContext{Start: 0, Count: d.defaultCount}
	read := func(name string, dst *int) error {
		raw, err := q.Get(name)
		if err != nil {
			return envelope.BadRequest("Invalid %s: %v", name, err)
		}
		if raw == "" {
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return envelope.BadRequest("Invalid %s parameter: %s", name, raw)
		}
		*dst = n
		return nil
	}
	if err := read(protocol.ParamStart, &c.Paging.Start); err != nil {
		return err
	}
	return read(protocol.ParamCount, &c.Paging.Count)
}

// always is the configured always-projected mask, nil when none.
func (c *Call) always() *projection.Mask {
	if len(c.Settings.AlwaysProjectedFields) == 0 {
		return nil
	}
	return projection.FromPaths(c.Settings.AlwaysProjectedFields...)
}

// project trims an entity unless the method projects manually.
func (c *Call) project(entity map[string]any) map[string]any {
	if entity == nil || c.ManualProjection() {
		return entity
	}
	return projection.Project(entity, c.Projection, c.always())
}

func (c *Call) String() string {
	return fmt.Sprintf("%s %s", c.Resource.Name, c.Operation())
}
