package async

import (
	"context"
	"fmt"
	"reflect"
)

// Invokable is what a resource handler returns. It is sealed to the four shapes
// below; Invoke normalizes each into a Handle.
type Invokable[T any] interface {
	invoke(ctx context.Context, e *Engine) *Handle[T]
	// Deferred reports whether the result is produced asynchronously.
	Deferred() bool
}

type direct[T any] struct {
	fn func(ctx context.Context) (T, error)
}

// Direct runs fn synchronously on the calling goroutine.
func Direct[T any](fn func(ctx context.Context) (T, error)) Invokable[T] {
	return direct[T]{fn: fn}
}

// Just is a Direct invokable with a precomputed outcome.
func Just[T any](v T, err error) Invokable[T] {
	return direct[T]{fn: func(context.Context) (T, error) { return v, err }}
}

func (d direct[T]) Deferred() bool { return false }

func (d direct[T]) invoke(ctx context.Context, _ *Engine) *Handle[T] {
	v, err := safeCall("direct", func() (T, error) { return d.fn(ctx) })
	h := newHandle[T]()
	h.complete(v, err)
	return h
}

type callback[T any] struct {
	fn func(ctx context.Context, done func(T, error))
}

// Callback hands fn a completion function that it calls exactly once, from any goroutine.
func Callback[T any](fn func(ctx context.Context, done func(T, error))) Invokable[T] {
	return callback[T]{fn: fn}
}

func (c callback[T]) Deferred() bool { return true }

func (c callback[T]) invoke(ctx context.Context, _ *Engine) *Handle[T] {
	h := newHandle[T]()
	done := func(v T, err error) { h.complete(v, err) }
	defer func() {
		if r := recover(); r != nil {
			var zero T
			h.complete(zero, fmt.Errorf("callback handler panicked: %v", r))
		}
	}()
	c.fn(ctx, done)
	return h
}

type fromPromise[T any] struct {
	fn func(ctx context.Context) *Promise[T]
}

// FromPromise uses the promise returned by fn as the result source.
func FromPromise[T any](fn func(ctx context.Context) *Promise[T]) Invokable[T] {
	return fromPromise[T]{fn: fn}
}

func (p fromPromise[T]) Deferred() bool { return true }

func (p fromPromise[T]) invoke(ctx context.Context, _ *Engine) *Handle[T] {
	pr, err := safeCall("promise", func() (*Promise[T], error) { return p.fn(ctx), nil })
	if err != nil {
		return Failed[T](err)
	}
	if pr == nil {
		return Failed[T](fmt.Errorf("promise handler returned no promise: %w", ErrNullResult))
	}
	return pr.h
}

type composable[T any] struct {
	fn func(ctx context.Context) *Task[T]
}

// Composable runs the task returned by fn on the engine.
func Composable[T any](fn func(ctx context.Context) *Task[T]) Invokable[T] {
	return composable[T]{fn: fn}
}

func (c composable[T]) Deferred() bool { return true }

func (c composable[T]) invoke(ctx context.Context, e *Engine) *Handle[T] {
	t, err := safeCall("composable", func() (*Task[T], error) { return c.fn(ctx), nil })
	if err != nil {
		return Failed[T](err)
	}
	if t == nil {
		return Failed[T](fmt.Errorf("task handler returned no task: %w", ErrNullResult))
	}
	return Run(ctx, e, t)
}

// Invoke starts inv and returns its handle. Deferred sources that complete with
// a nil value fail with ErrNullResult; a nil from a Direct source is passed through.
func Invoke[T any](ctx context.Context, e *Engine, inv Invokable[T]) *Handle[T] {
	if inv == nil {
		return Failed[T](fmt.Errorf("handler returned no invokable: %w", ErrNullResult))
	}
	h := inv.invoke(ctx, e)
	if !inv.Deferred() {
		return h
	}
	out := newHandle[T]()
	h.OnComplete(func(v T, err error) {
		if err == nil && IsNil(v) {
			err = ErrNullResult
		}
		out.complete(v, err)
	})
	return out
}

// IsNil reports whether v is nil or a nil pointer, map, slice, func, chan or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
