package async

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Outcome is the per-item result of a batched call.
type Outcome[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Outcome[T]            { return Outcome[T]{Value: v} }
func Failure[T any](err error) Outcome[T] { return Outcome[T]{Err: err} }

// Batcher collapses individual requests for one operation into physical calls of
// at most MaxSize requests. Do must return one outcome per request, in order.
type Batcher[Req, Res any] struct {
	Op      string
	MaxSize int
	Do      func(ctx context.Context, reqs []Req) []Outcome[Res]
}

// GroupOptions configures a Group.
type GroupOptions struct {
	// Timeout bounds the whole group from creation; zero means none.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Group is a batching scope: calls declared into it are queued per operation and
// sent when a batch fills up or when the group executes.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	engine *Engine
	log    *zap.Logger

	mu       sync.Mutex
	open     map[string]dispatcher
	order    []string
	inflight sync.WaitGroup
	pending  []expirer
	calls    atomic.Int64
}

type dispatcher interface {
	dispatch(g *Group)
}

type expirer interface {
	expire(err error)
}

// NewGroup creates a group bound to ctx and engine.
func NewGroup(ctx context.Context, e *Engine, opts GroupOptions) *Group {
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		engine: e,
		log:    opts.Logger.Named("group"),
		open:   map[string]dispatcher{},
	}
}

// PhysicalCalls counts batches dispatched so far.
func (g *Group) PhysicalCalls() int64 { return g.calls.Load() }

type batch[Req, Res any] struct {
	b          Batcher[Req, Res]
	reqs       []Req
	handles    []*Handle[Res]
	dispatched atomic.Bool
}

func (bt *batch[Req, Res]) expire(err error) {
	var zero Res
	for _, h := range bt.handles {
		h.complete(zero, err)
	}
}

func (bt *batch[Req, Res]) dispatch(g *Group) {
	bt.dispatched.Store(true)
	g.calls.Add(1)
	g.inflight.Add(1)
	job := func() {
		defer g.inflight.Done()
		outs, err := safeCall(bt.b.Op, func() ([]Outcome[Res], error) {
			return bt.b.Do(g.ctx, bt.reqs), nil
		})
		if err == nil && len(outs) != len(bt.reqs) {
			err = fmt.Errorf("batch %s returned %d outcomes for %d requests", bt.b.Op, len(outs), len(bt.reqs))
		}
		if err != nil {
			g.log.Warn("batch failed", zap.String("op", bt.b.Op), zap.Error(err))
			bt.expire(err)
			return
		}
		for i, h := range bt.handles {
			h.complete(outs[i].Value, outs[i].Err)
		}
	}
	if g.engine == nil || !g.engine.Go(job) {
		job()
	}
}

// Declare queues req into the open batch of b.Op. The returned handle is readable
// once its batch has been dispatched.
func Declare[Req, Res any](g *Group, b Batcher[Req, Res], req Req) *Handle[Res] {
	h := newHandle[Res]()
	g.mu.Lock()
	d, ok := g.open[b.Op]
	if !ok {
		nb := &batch[Req, Res]{b: b}
		d = nb
		g.open[b.Op] = d
		g.order = append(g.order, b.Op)
		g.pending = append(g.pending, nb)
	}
	bt, ok := d.(*batch[Req, Res])
	if !ok {
		g.mu.Unlock()
		var zero Res
		h.complete(zero, fmt.Errorf("batch op %s declared with mismatched types", b.Op))
		return h
	}
	h.premature = func() bool { return !bt.dispatched.Load() }
	bt.reqs = append(bt.reqs, req)
	bt.handles = append(bt.handles, h)
	full := b.MaxSize > 0 && len(bt.reqs) >= b.MaxSize
	if full {
		g.closeLocked(b.Op)
	}
	g.mu.Unlock()
	if full {
		bt.dispatch(g)
	}
	return h
}

func (g *Group) closeLocked(op string) {
	delete(g.open, op)
	for i, o := range g.order {
		if o == op {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Execute dispatches every open batch and waits for all dispatched batches.
// When the group deadline passes first, still pending handles fail with ErrTimeout.
func (g *Group) Execute() error {
	g.mu.Lock()
	var toSend []dispatcher
	for _, op := range g.order {
		toSend = append(toSend, g.open[op])
	}
	g.open = map[string]dispatcher{}
	g.order = nil
	g.mu.Unlock()

	for _, d := range toSend {
		d.dispatch(g)
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-g.ctx.Done():
		err := g.ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		g.mu.Lock()
		pending := g.pending
		g.mu.Unlock()
		for _, p := range pending {
			p.expire(err)
		}
		return fmt.Errorf("group: %w", err)
	}
}

// Close releases the group's context. Batches still running see cancellation.
func (g *Group) Close() { g.cancel() }

// Ops lists operations with open batches, sorted.
func (g *Group) Ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.order...)
	sort.Strings(out)
	return out
}

// RunGroup runs fn inside a fresh group and executes it afterwards. Handles
// declared in fn must not be awaited inside fn.
func RunGroup(ctx context.Context, e *Engine, opts GroupOptions, fn func(g *Group) error) error {
	g := NewGroup(ctx, e, opts)
	defer g.Close()
	if err := fn(g); err != nil {
		return err
	}
	return g.Execute()
}
