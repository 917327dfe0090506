// Package jobs runs periodic platform maintenance: sweeping the signed-URL
// cache, expiring stale sessions, and keeping weather alerts warm.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldworks/agrihub/signedurl"
	"github.com/fieldworks/agrihub/store"
	"github.com/fieldworks/agrihub/telemetry"
	"github.com/fieldworks/agrihub/weather"
)

// Config holds maintenance configuration.
type Config struct {
	// Interval is how often the maintenance cycle runs.
	// Default is 1 hour.
	Interval time.Duration

	// RefreshAlerts keeps the weather alerts cache warm each cycle, so
	// reads rarely wait on the upstream.
	RefreshAlerts bool

	// Logger for maintenance events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      1 * time.Hour,
		RefreshAlerts: true,
		Logger:        slog.Default(),
	}
}

// Manager runs the maintenance cycle in the background.
type Manager struct {
	config Config
	urls   *signedurl.Cache
	alerts *weather.Cache
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a maintenance manager. alerts may be nil when no
// weather upstream is configured.
func NewManager(urls *signedurl.Cache, alerts *weather.Cache, st *store.Store, cfg Config) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		urls:   urls,
		alerts: alerts,
		store:  st,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background maintenance cycles.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background maintenance and waits for an in-flight cycle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance cycle.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

// Result contains the results of one maintenance cycle.
type Result struct {
	URLsSwept       int
	SessionsSwept   int
	AlertsRefreshed bool
	Errors          int
	Duration        time.Duration
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting maintenance cycle")

	result.URLsSwept = m.sweepURLs(ctx)
	result.SessionsSwept = m.sweepSessions(ctx, result)

	if m.config.RefreshAlerts && m.alerts != nil {
		result.AlertsRefreshed = m.refreshAlerts(ctx, result)
	}

	result.Duration = m.now().Sub(start)

	if result.URLsSwept > 0 || result.SessionsSwept > 0 || result.Errors > 0 {
		m.logger.Info("maintenance cycle complete",
			"urls_swept", result.URLsSwept,
			"sessions_swept", result.SessionsSwept,
			"alerts_refreshed", result.AlertsRefreshed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("maintenance cycle complete, nothing to sweep")
	}

	return result
}

func (m *Manager) sweepURLs(ctx context.Context) int {
	start := m.now()
	removed := m.urls.CleanExpired()
	telemetry.RecordSweep(ctx, "signed_url", removed, m.now().Sub(start))
	telemetry.RecordJobRun(ctx, "cache_cleanup", "ok")
	return removed
}

func (m *Manager) sweepSessions(ctx context.Context, result *Result) int {
	start := m.now()
	removed, err := m.store.SweepSessions(ctx)
	if err != nil {
		m.logger.Warn("failed to sweep sessions", "error", err)
		telemetry.RecordJobRun(ctx, "session_cleanup", "error")
		result.Errors++
		return 0
	}
	telemetry.RecordSweep(ctx, "sessions", removed, m.now().Sub(start))
	telemetry.RecordJobRun(ctx, "session_cleanup", "ok")
	return removed
}

func (m *Manager) refreshAlerts(ctx context.Context, result *Result) bool {
	if _, err := m.alerts.Refresh(ctx); err != nil {
		m.logger.Warn("failed to refresh weather alerts", "error", err)
		telemetry.RecordJobRun(ctx, "alerts_refresh", "error")
		result.Errors++
		return false
	}
	telemetry.RecordJobRun(ctx, "alerts_refresh", "ok")
	return true
}
