// Package dispatch routes protocol requests to typed resource handlers. It
// validates keys, parameters and input entities before any handler runs, runs
// handlers through the async core, applies projections and packages every
// outcome into an envelope response.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"restline/internal/async"
	"restline/internal/data"
	"restline/internal/projection"
	"restline/internal/protocol"
)

// ResourceDef declares a collection resource. Definitions are values; the
// registry copies them and never mutates them afterwards.
type ResourceDef struct {
	Name   string
	Schema *data.Schema
	Key    protocol.KeySpec
	// Parent names the enclosing resource for sub-resources, e.g. replies under greetings.
	Parent  string
	Methods []MethodDef
	Doc     string
}

// MethodDef declares one resource method. Handler must be the func type that
// matches Type; the constructors below take care of that.
type MethodDef struct {
	Type    protocol.MethodType
	Name    string
	Params  []ParamDef
	Handler any
	// Criteria is the record type of batch finder criteria.
	Criteria *data.Schema
	// Returns is the action return type; nil for void actions.
	Returns *data.Schema
	// OnEntity puts an action on the entity level (POST /resource/<key>?action=...).
	OnEntity     bool
	ReturnEntity bool
	Projection   projection.Mode
	MaxBatchSize int
	Doc          string
}

// ParamDef declares a query (or action body) parameter.
type ParamDef struct {
	Name     string
	Schema   *data.Schema
	Optional bool
	Default  any
}

func Param(name string, s *data.Schema) ParamDef { return ParamDef{Name: name, Schema: s} }

func OptionalParam(name string, s *data.Schema) ParamDef {
	return ParamDef{Name: name, Schema: s, Optional: true}
}

// Status is the outcome of an update or delete; zero means 204.
type Status int

// Collection is the result of GET_ALL, FINDER and each batch finder criteria.
type Collection struct {
	Elements []*data.Record
	Total    int
	HasTotal bool
	Metadata *data.Record
}

// CreateResult is the outcome of one created entity.
type CreateResult struct {
	ID     protocol.Key
	Entity *data.Record
	// Status defaults to 201.
	Status int
}

// ActionResult wraps an action's return value so void actions are not null results.
type ActionResult struct {
	Value any
}

// KeyedEntity pairs a key with its input entity for batch update.
type KeyedEntity struct {
	Key    protocol.Key
	Entity *data.Record
}

// KeyedPatch pairs a key with its patch for batch partial update.
type KeyedPatch struct {
	Key   protocol.Key
	Patch data.Patch
}

// KeyedResult collects per-key outcomes of a batch method. Keys the handler
// leaves out are reported as not found.
type KeyedResult[T any] struct {
	mu sync.Mutex
	m  map[string]async.Outcome[T]
}

func NewKeyedResult[T any]() *KeyedResult[T] {
	return &KeyedResult[T]{m: map[string]async.Outcome[T]{}}
}

func (r *KeyedResult[T]) Put(k protocol.Key, v T) *KeyedResult[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[k.String()] = async.Ok(v)
	return r
}

func (r *KeyedResult[T]) Fail(k protocol.Key, err error) *KeyedResult[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[k.String()] = async.Failure[T](err)
	return r
}

func (r *KeyedResult[T]) Get(k protocol.Key) (async.Outcome[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.m[k.String()]
	return o, ok
}

func (r *KeyedResult[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// BatchFinderResult holds one slot per criteria index. A criteria without a
// slot is reported as "not found for criteria".
type BatchFinderResult struct {
	mu    sync.Mutex
	slots map[int]async.Outcome[*Collection]
}

func NewBatchFinderResult() *BatchFinderResult {
	return &BatchFinderResult{slots: map[int]async.Outcome[*Collection]{}}
}

func (r *BatchFinderResult) Set(i int, c *Collection) *BatchFinderResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = async.Ok(c)
	return r
}

func (r *BatchFinderResult) Fail(i int, err error) *BatchFinderResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[i] = async.Failure[*Collection](err)
	return r
}

func (r *BatchFinderResult) slot(i int) (async.Outcome[*Collection], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.slots[i]
	return o, ok
}

// Handler signatures, one per method type.
type (
	GetFunc                func(ctx context.Context, c *Call, key protocol.Key) async.Invokable[*data.Record]
	BatchGetFunc           func(ctx context.Context, c *Call, keys []protocol.Key) async.Invokable[*KeyedResult[*data.Record]]
	GetAllFunc             func(ctx context.Context, c *Call) async.Invokable[*Collection]
	FinderFunc             func(ctx context.Context, c *Call) async.Invokable[*Collection]
	BatchFinderFunc        func(ctx context.Context, c *Call, criteria []*data.Record) async.Invokable[*BatchFinderResult]
	CreateFunc             func(ctx context.Context, c *Call, entity *data.Record) async.Invokable[*CreateResult]
	BatchCreateFunc        func(ctx context.Context, c *Call, entities []*data.Record) async.Invokable[[]async.Outcome[*CreateResult]]
	UpdateFunc             func(ctx context.Context, c *Call, key protocol.Key, entity *data.Record) async.Invokable[Status]
	PartialUpdateFunc      func(ctx context.Context, c *Call, key protocol.Key, patch data.Patch) async.Invokable[Status]
	DeleteFunc             func(ctx context.Context, c *Call, key protocol.Key) async.Invokable[Status]
	BatchUpdateFunc        func(ctx context.Context, c *Call, entities []KeyedEntity) async.Invokable[*KeyedResult[Status]]
	BatchPartialUpdateFunc func(ctx context.Context, c *Call, patches []KeyedPatch) async.Invokable[*KeyedResult[Status]]
	BatchDeleteFunc        func(ctx context.Context, c *Call, keys []protocol.Key) async.Invokable[*KeyedResult[Status]]
	ActionFunc             func(ctx context.Context, c *Call) async.Invokable[ActionResult]
)

func Get(fn GetFunc) MethodDef { return MethodDef{Type: protocol.MethodGet, Handler: fn} }

func BatchGet(fn BatchGetFunc) MethodDef {
	return MethodDef{Type: protocol.MethodBatchGet, Handler: fn}
}

func GetAll(fn GetAllFunc, params ...ParamDef) MethodDef {
	return MethodDef{Type: protocol.MethodGetAll, Handler: fn, Params: params}
}

func Finder(name string, fn FinderFunc, params ...ParamDef) MethodDef {
	return MethodDef{Type: protocol.MethodFinder, Name: name, Handler: fn, Params: params}
}

func BatchFinder(name string, criteria *data.Schema, fn BatchFinderFunc, params ...ParamDef) MethodDef {
	return MethodDef{Type: protocol.MethodBatchFinder, Name: name, Criteria: criteria, Handler: fn, Params: params}
}

func Create(fn CreateFunc) MethodDef { return MethodDef{Type: protocol.MethodCreate, Handler: fn} }

func BatchCreate(fn BatchCreateFunc) MethodDef {
	return MethodDef{Type: protocol.MethodBatchCreate, Handler: fn}
}

func Update(fn UpdateFunc) MethodDef { return MethodDef{Type: protocol.MethodUpdate, Handler: fn} }

func PartialUpdate(fn PartialUpdateFunc) MethodDef {
	return MethodDef{Type: protocol.MethodPartialUpdate, Handler: fn}
}

func Delete(fn DeleteFunc) MethodDef { return MethodDef{Type: protocol.MethodDelete, Handler: fn} }

func BatchUpdate(fn BatchUpdateFunc) MethodDef {
	return MethodDef{Type: protocol.MethodBatchUpdate, Handler: fn}
}

func BatchPartialUpdate(fn BatchPartialUpdateFunc) MethodDef {
	return MethodDef{Type: protocol.MethodBatchPartialUpdate, Handler: fn}
}

func BatchDelete(fn BatchDeleteFunc) MethodDef {
	return MethodDef{Type: protocol.MethodBatchDelete, Handler: fn}
}

func Action(name string, returns *data.Schema, fn ActionFunc, params ...ParamDef) MethodDef {
	return MethodDef{Type: protocol.MethodAction, Name: name, Returns: returns, Handler: fn, Params: params}
}

// WithProjection sets who applies projections to this method's results.
func (m MethodDef) WithProjection(mode projection.Mode) MethodDef {
	m.Projection = mode
	return m
}

// WithMaxBatchSize caps batch sizes unless configuration overrides it.
func (m MethodDef) WithMaxBatchSize(n int) MethodDef {
	m.MaxBatchSize = n
	return m
}

// ReturningEntity makes create methods return the created entity.
func (m MethodDef) ReturningEntity() MethodDef {
	m.ReturnEntity = true
	return m
}

// OnEntityLevel moves an action to the entity level.
func (m MethodDef) OnEntityLevel() MethodDef {
	m.OnEntity = true
	return m
}

func (m MethodDef) WithDoc(doc string) MethodDef {
	m.Doc = doc
	return m
}

// Operation is the configuration name of the method, e.g. "finder-search".
func (m *MethodDef) Operation() string { return protocol.Operation(m.Type, m.Name) }

func (m *MethodDef) String() string {
	if m.Name != "" {
		return fmt.Sprintf("%s %s", m.Type, m.Name)
	}
	return string(m.Type)
}

func checkHandler(m *MethodDef) error {
	var ok bool
	switch m.Type {
	case protocol.MethodGet:
		_, ok = m.Handler.(GetFunc)
	case protocol.MethodBatchGet:
		_, ok = m.Handler.(BatchGetFunc)
	case protocol.MethodGetAll:
		_, ok = m.Handler.(GetAllFunc)
	case protocol.MethodFinder:
		_, ok = m.Handler.(FinderFunc)
	case protocol.MethodBatchFinder:
		_, ok = m.Handler.(BatchFinderFunc)
	case protocol.MethodCreate:
		_, ok = m.Handler.(CreateFunc)
	case protocol.MethodBatchCreate:
		_, ok = m.Handler.(BatchCreateFunc)
	case protocol.MethodUpdate:
		_, ok = m.Handler.(UpdateFunc)
	case protocol.MethodPartialUpdate:
		_, ok = m.Handler.(PartialUpdateFunc)
	case protocol.MethodDelete:
		_, ok = m.Handler.(DeleteFunc)
	case protocol.MethodBatchUpdate:
		_, ok = m.Handler.(BatchUpdateFunc)
	case protocol.MethodBatchPartialUpdate:
		_, ok = m.Handler.(BatchPartialUpdateFunc)
	case protocol.MethodBatchDelete:
		_, ok = m.Handler.(BatchDeleteFunc)
	case protocol.MethodAction:
		_, ok = m.Handler.(ActionFunc)
	default:
		return fmt.Errorf("unknown method type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("handler for %s has type %T", m, m.Handler)
	}
	return nil
}
