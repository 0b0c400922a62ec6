package partition

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HostHealth tracks check results for one host.
type HostHealth struct {
	HostID           string
	Healthy          bool
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// HealthMonitor checks every host in a table and publishes health changes as new snapshots.
// A host is marked down after MaxFailures consecutive failed checks and up after one success.
type HealthMonitor struct {
	table       *Table
	log         *zap.Logger
	httpClient  *http.Client
	check       func(ctx context.Context, h Host) error
	interval    time.Duration
	maxFailures int

	mu     sync.RWMutex
	hosts  map[string]*HostHealth
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HealthMonitorConfig configures a HealthMonitor. Zero values get defaults.
type HealthMonitorConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Logger      *zap.Logger
	// Check overrides the HTTP check.
	Check func(ctx context.Context, h Host) error
}

func NewHealthMonitor(table *Table, cfg HealthMonitorConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &HealthMonitor{
		table:       table,
		log:         cfg.Logger.Named("health"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		interval:    cfg.Interval,
		maxFailures: cfg.MaxFailures,
		hosts:       map[string]*HostHealth{},
		check:       cfg.Check,
	}
	if m.check == nil {
		m.check = m.httpCheck
	}
	return m
}

// Start runs checks in the background until ctx is done or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.log.Info("health monitor started", zap.Duration("interval", m.interval))
		m.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the background loop and waits for it.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckAll checks every host of the current snapshot once.
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	snap := m.table.Load()
	if snap == nil {
		return
	}
	current := map[string]bool{}
	for _, h := range snap.AllHosts() {
		current[h.ID] = true
		m.checkHost(ctx, h)
	}
	m.mu.Lock()
	for id := range m.hosts {
		if !current[id] {
			delete(m.hosts, id)
		}
	}
	m.mu.Unlock()
}

func (m *HealthMonitor) checkHost(ctx context.Context, h Host) {
	err := m.check(ctx, h)
	now := time.Now()

	m.mu.Lock()
	st, ok := m.hosts[h.ID]
	if !ok {
		st = &HostHealth{HostID: h.ID, Healthy: h.Healthy}
		m.hosts[h.ID] = st
	}
	st.LastCheck = now
	var publish, healthy bool
	if err != nil {
		st.ConsecutiveFails++
		m.log.Debug("health check failed", zap.String("host", h.ID), zap.Int("fails", st.ConsecutiveFails), zap.Error(err))
		if st.ConsecutiveFails >= m.maxFailures && st.Healthy {
			st.Healthy = false
			publish, healthy = true, false
		}
	} else {
		st.ConsecutiveFails = 0
		st.LastHealthy = now
		if !st.Healthy {
			st.Healthy = true
			publish, healthy = true, true
		}
	}
	m.mu.Unlock()

	if publish {
		m.log.Info("host health changed", zap.String("host", h.ID), zap.Bool("healthy", healthy))
		m.table.Update(func(s *Snapshot) *Snapshot { return s.WithHostHealth(h.ID, healthy) })
	}
}

func (m *HealthMonitor) httpCheck(ctx context.Context, h Host) error {
	url := h.URI
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/admin/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of the tracked state of a host.
func (m *HealthMonitor) Health(hostID string) (HostHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.hosts[hostID]
	if !ok {
		return HostHealth{}, false
	}
	return *st, true
}
