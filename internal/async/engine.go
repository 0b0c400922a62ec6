package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine runs tasks on a bounded set of goroutines. When every worker is busy,
// submitted work runs inline on the submitting goroutine, so a task waiting on its
// children can never starve them of a worker.
type Engine struct {
	grp    errgroup.Group
	closed atomic.Bool
	log    *zap.Logger
}

// NewEngine returns an engine with at most workers concurrent goroutines.
// workers <= 0 means unbounded.
func NewEngine(workers int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{log: logger.Named("engine")}
	if workers > 0 {
		e.grp.SetLimit(workers)
	}
	return e
}

// Go runs fn on a worker, or inline when saturated. It reports false after Shutdown.
func (e *Engine) Go(fn func()) bool {
	if e.closed.Load() {
		return false
	}
	wrapped := func() error {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("engine job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
		return nil
	}
	if !e.grp.TryGo(wrapped) {
		_ = wrapped()
	}
	return true
}

// Shutdown stops accepting work and waits for running jobs or ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closed.Store(true)
	done := make(chan struct{})
	go func() {
		_ = e.grp.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}
