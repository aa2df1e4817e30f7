package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically reports a disconnected session outside maintenance
type Monitor struct {
	connected func() bool
	window    MaintenanceWindow
	reporter  *Reporter
	interval  time.Duration
	republish time.Duration
	sessionID string
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	lastReport time.Time
	count      int
}

// MonitorOptions tune the monitor
type MonitorOptions struct {
	Interval          time.Duration
	RepublishInterval time.Duration
	Window            MaintenanceWindow
}

// NewMonitor creates a monitor over the connected probe
func NewMonitor(connected func() bool, sessionID string, reporter *Reporter, opts MonitorOptions, logger *zap.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.RepublishInterval <= 0 {
		opts.RepublishInterval = 30 * time.Second
	}
	return &Monitor{
		connected: connected,
		window:    opts.Window,
		reporter:  reporter,
		interval:  opts.Interval,
		republish: opts.RepublishInterval,
		sessionID: sessionID,
		logger:    logger,
		now:       time.Now,
	}
}

// Run ticks until ctx is canceled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one monitoring pass and reports whether an error was published
func (m *Monitor) Check(ctx context.Context) bool {
	now := m.now()

	m.mu.Lock()
	if m.connected() {
		if m.count > 0 {
			m.logger.Info("gateway connection restored", zap.Int("reports", m.count))
		}
		m.count = 0
		m.lastReport = time.Time{}
		m.mu.Unlock()
		return false
	}
	if m.window.Contains(now) {
		m.mu.Unlock()
		return false
	}
	if !m.lastReport.IsZero() && now.Sub(m.lastReport) < m.republish {
		m.mu.Unlock()
		return false
	}
	m.lastReport = now
	count := m.count
	m.count++
	m.mu.Unlock()

	m.reporter.Report(ctx, ProtocolError{
		Type:           ConnectionError,
		Message:        fmt.Sprintf("session %s disconnected", m.sessionID),
		SessionID:      m.sessionID,
		RepublishCount: count,
		At:             now,
	})
	return true
}

// InMaintenance reports whether now is inside the maintenance window
func (m *Monitor) InMaintenance() bool {
	return m.window.Contains(m.now())
}
