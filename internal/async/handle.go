// Package async is the execution core behind resource handlers: completion
// handles, the four invokable shapes a handler may return, composable tasks on a
// bounded engine, and groups that collapse individual calls into batches.
package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrPrematureRead is returned when a handle is read before its batch was dispatched.
	ErrPrematureRead = errors.New("handle read before its group was executed")
	// ErrTimeout is returned when a wait or a task exceeds its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrNullResult is returned when a deferred source completes with a nil value.
	ErrNullResult = errors.New("null result")
	// ErrEngineClosed is returned for work submitted after Shutdown.
	ErrEngineClosed = errors.New("engine closed")
)

// Handle is a single-assignment completion handle.
type Handle[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	completed bool
	callbacks []func(T, error)
	// premature reports whether the value cannot be produced yet.
	premature func() bool
}

func newHandle[T any]() *Handle[T] {
	return &Handle[T]{done: make(chan struct{})}
}

// Resolved returns a handle completed with v.
func Resolved[T any](v T) *Handle[T] {
	h := newHandle[T]()
	h.complete(v, nil)
	return h
}

// Failed returns a handle completed with err.
func Failed[T any](err error) *Handle[T] {
	h := newHandle[T]()
	var zero T
	h.complete(zero, err)
	return h
}

// complete assigns the outcome once; later calls are ignored and return false.
func (h *Handle[T]) complete(v T, err error) bool {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return false
	}
	h.value, h.err, h.completed = v, err, true
	cbs := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// OnComplete registers cb, running it immediately if the handle is already complete.
func (h *Handle[T]) OnComplete(cb func(T, error)) {
	h.mu.Lock()
	if h.completed {
		v, err := h.value, h.err
		h.mu.Unlock()
		cb(v, err)
		return
	}
	h.callbacks = append(h.callbacks, cb)
	h.mu.Unlock()
}

// Done is closed when the handle completes.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Peek returns the outcome without blocking; ok is false while pending.
func (h *Handle[T]) Peek() (v T, ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.completed, h.err
}

func (h *Handle[T]) checkPremature() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.premature != nil && h.premature() {
		return ErrPrematureRead
	}
	return nil
}

// Await blocks until completion or ctx is done.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := h.checkPremature(); err != nil {
		return zero, err
	}
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// AwaitTimeout blocks for at most d and fails with ErrTimeout past that.
func (h *Handle[T]) AwaitTimeout(d time.Duration) (T, error) {
	var zero T
	if err := h.checkPremature(); err != nil {
		return zero, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return h.value, h.err
	case <-t.C:
		return zero, ErrTimeout
	}
}

// Promise is the writable side of a handle.
type Promise[T any] struct {
	h *Handle[T]
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{h: newHandle[T]()}
}

// Resolve completes the promise with v. It reports false if already completed.
func (p *Promise[T]) Resolve(v T) bool { return p.h.complete(v, nil) }

// Reject completes the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.h.complete(zero, err)
}

// Complete resolves or rejects depending on err.
func (p *Promise[T]) Complete(v T, err error) bool { return p.h.complete(v, err) }

func (p *Promise[T]) Handle() *Handle[T] { return p.h }
