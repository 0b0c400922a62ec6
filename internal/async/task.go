package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Task is a lazily evaluated computation. Tasks compose with Map, FlatMap and Par
// and run on an Engine through Run or a Composable invokable.
type Task[T any] struct {
	name string
	run  func(ctx context.Context, e *Engine) (T, error)
}

// NewTask wraps fn. Panics inside fn surface as errors.
func NewTask[T any](name string, fn func(ctx context.Context) (T, error)) *Task[T] {
	return &Task[T]{name: name, run: func(ctx context.Context, _ *Engine) (T, error) {
		return safeCall(name, func() (T, error) { return fn(ctx) })
	}}
}

// Value is a task that yields v.
func Value[T any](v T) *Task[T] {
	return &Task[T]{name: "value", run: func(context.Context, *Engine) (T, error) { return v, nil }}
}

// Fail is a task that fails with err.
func Fail[T any](err error) *Task[T] {
	return &Task[T]{name: "failure", run: func(context.Context, *Engine) (T, error) {
		var zero T
		return zero, err
	}}
}

func (t *Task[T]) Name() string { return t.name }

// Map transforms the result of t.
func Map[T, U any](t *Task[T], fn func(T) (U, error)) *Task[U] {
	return &Task[U]{name: t.name + ".map", run: func(ctx context.Context, e *Engine) (U, error) {
		v, err := t.run(ctx, e)
		if err != nil {
			var zero U
			return zero, err
		}
		return safeCall(t.name+".map", func() (U, error) { return fn(v) })
	}}
}

// FlatMap chains a task built from the result of t.
func FlatMap[T, U any](t *Task[T], fn func(T) *Task[U]) *Task[U] {
	return &Task[U]{name: t.name + ".flatMap", run: func(ctx context.Context, e *Engine) (U, error) {
		v, err := t.run(ctx, e)
		if err != nil {
			var zero U
			return zero, err
		}
		next, err := safeCall(t.name+".flatMap", func() (*Task[U], error) { return fn(v), nil })
		if err != nil {
			var zero U
			return zero, err
		}
		if next == nil {
			var zero U
			return zero, fmt.Errorf("task %s: %w", t.name, ErrNullResult)
		}
		return next.run(ctx, e)
	}}
}

// Par runs tasks concurrently and collects their results in order. The first
// error wins; remaining tasks still finish.
func Par[T any](tasks ...*Task[T]) *Task[[]T] {
	return &Task[[]T]{name: "par", run: func(ctx context.Context, e *Engine) ([]T, error) {
		out := make([]T, len(tasks))
		errs := make([]error, len(tasks))
		var wg sync.WaitGroup
		for i, t := range tasks {
			wg.Add(1)
			job := func() {
				defer wg.Done()
				out[i], errs[i] = t.run(ctx, e)
			}
			if e == nil || !e.Go(job) {
				job()
			}
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}}
}

// WithTimeout fails the task with ErrTimeout if it runs longer than d.
func (t *Task[T]) WithTimeout(d time.Duration) *Task[T] {
	return &Task[T]{name: t.name, run: func(ctx context.Context, e *Engine) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		type result struct {
			v   T
			err error
		}
		ch := make(chan result, 1)
		go func() {
			v, err := t.run(ctx, e)
			ch <- result{v, err}
		}()
		select {
		case r := <-ch:
			return r.v, r.err
		case <-ctx.Done():
			var zero T
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, fmt.Errorf("task %s after %s: %w", t.name, d, ErrTimeout)
			}
			return zero, ctx.Err()
		}
	}}
}

// Recover replaces a failure of t with the outcome of fn.
func (t *Task[T]) Recover(fn func(error) (T, error)) *Task[T] {
	return &Task[T]{name: t.name, run: func(ctx context.Context, e *Engine) (T, error) {
		v, err := t.run(ctx, e)
		if err == nil {
			return v, nil
		}
		return fn(err)
	}}
}

// Run submits t to e and returns its handle.
func Run[T any](ctx context.Context, e *Engine, t *Task[T]) *Handle[T] {
	h := newHandle[T]()
	job := func() {
		v, err := t.run(ctx, e)
		h.complete(v, err)
	}
	if e == nil {
		job()
		return h
	}
	if !e.Go(job) {
		var zero T
		h.complete(zero, ErrEngineClosed)
	}
	return h
}

func safeCall[T any](name string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn()
}
