// Package app wires configuration, storage and resources into a runtime.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/db"
	"restline/internal/dispatch"
	"restline/internal/greetings"
	"restline/internal/migrate"
	"restline/internal/partition"
	"restline/internal/server"
)

// Runtime holds everything a running server needs. Build it with New and
// release it with Close.
type Runtime struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *sql.DB
	Store      *greetings.Store
	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Engine     *async.Engine
	Table      *partition.Table
	Health     *partition.HealthMonitor
}

// New opens the store under workspace, migrates it and builds the dispatcher.
func New(workspace string, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Log: log, DB: conn}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.Store = greetings.NewStore(conn)
	rt.Registry, err = dispatch.NewRegistry(greetings.Resource(rt.Store, log))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}
	snap, err := cfg.Cluster.Snapshot()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cluster: %w", err)
	}
	rt.Table = partition.NewTable(snap)
	rt.Health = partition.NewHealthMonitor(rt.Table, partition.HealthMonitorConfig{
		Interval:    time.Duration(cfg.Cluster.Health.IntervalMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.Cluster.Health.TimeoutMS) * time.Millisecond,
		MaxFailures: cfg.Cluster.Health.MaxFailures,
		Logger:      log,
	})
	rt.Engine = async.NewEngine(cfg.Server.Workers, log)
	rt.Dispatcher = dispatch.New(rt.Registry, dispatch.Options{
		Engine:      rt.Engine,
		Methods:     cfg.Methods,
		Filters:     []dispatch.Filter{server.PermissionFilter(cfg.Server.Auth.Permissions)},
		Logger:      log,
		StackTraces: cfg.Server.StackTraces,
		MaxVersion:  cfg.Server.MaxVersion(),
	})
	return rt, nil
}

// Handler builds the HTTP handler for the runtime.
func (rt *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Dispatcher:  rt.Dispatcher,
		BasePath:    rt.Config.Server.BasePath,
		Auth:        server.AuthConfig{JWTSecret: rt.Config.Server.Auth.JWTSecret},
		Table:       rt.Table,
		Health:      rt.Health,
		StackTraces: rt.Config.Server.StackTraces,
		Logger:      rt.Log,
	})
}

// Serve listens on the configured address until ctx is done, then shuts down
// gracefully. Host health probing runs for the lifetime of the server.
func (rt *Runtime) Serve(ctx context.Context) error {
	handler, err := rt.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: rt.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	rt.Health.Start(ctx)
	defer rt.Health.Stop()

	errCh := make(chan error, 1)
	go func() {
		rt.Log.Info("listening", zap.String("addr", srv.Addr), zap.String("base_path", rt.Config.Server.BasePath))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// Close stops workers and closes the store.
func (rt *Runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	engineErr := rt.Engine.Shutdown(ctx)
	return errors.Join(engineErr, rt.DB.Close())
}
