// Package health tracks whether the chat service is reachable.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the connection state shown to the user.
type Status string

const (
	Connected    Status = "connected"
	Disconnected Status = "disconnected"
	// Reconnecting is a display label used while a queued send waits for a
	// probe. The monitor itself only ever decides Connected or Disconnected.
	Reconnecting Status = "reconnecting"
)

// failureWarnThreshold is the consecutive-failure count at which probe
// failures are logged as warnings instead of debug lines.
const failureWarnThreshold = 3

// Prober performs one liveness check.
type Prober interface {
	Health(ctx context.Context) error
}

// Options tunes a Monitor. Zero values fall back to 30s and 5s.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Monitor probes the service on an interval and reports transitions.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	group    singleflight.Group

	mu          sync.Mutex
	status      Status
	failures    int
	lastProbe   time.Time
	onReconnect []func()
	onStatus    []func(Status)
}

// New creates a Monitor. It starts Disconnected until the first probe.
func New(p Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		prober:   p,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		status:   Disconnected,
	}
}

// OnReconnect registers fn to run on every transition into Connected.
// Hooks run on the probing goroutine and must not block.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// OnStatus registers fn to run whenever the status label changes.
// Hooks must not block.
func (m *Monitor) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = append(m.onStatus, fn)
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one liveness check and returns whether the service is up.
// Concurrent callers share a single in-flight probe.
func (m *Monitor) Probe(ctx context.Context) bool {
	v, _, _ := m.group.Do("probe", func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		err := m.prober.Health(pctx)
		m.record(err)
		return err == nil, nil
	})
	return v.(bool)
}

func (m *Monitor) record(err error) {
	m.mu.Lock()
	was := m.status
	m.lastProbe = time.Now()
	if err == nil {
		m.status = Connected
		m.failures = 0
	} else {
		m.status = Disconnected
		m.failures++
	}
	now, failures := m.status, m.failures
	var reconnectHooks []func()
	if was != Connected && now == Connected {
		reconnectHooks = append(reconnectHooks, m.onReconnect...)
	}
	var statusHooks []func(Status)
	if was != now {
		statusHooks = append(statusHooks, m.onStatus...)
	}
	m.mu.Unlock()

	if err != nil {
		if failures >= failureWarnThreshold {
			m.logger.Warn("chat service unreachable", "consecutive_failures", failures, "error", err)
		} else {
			m.logger.Debug("health probe failed", "consecutive_failures", failures, "error", err)
		}
	}
	if was != now {
		m.logger.Info("connection status changed", "from", was, "to", now)
	}

	for _, fn := range statusHooks {
		fn(now)
	}
	for _, fn := range reconnectHooks {
		fn()
	}
}

// MarkReconnecting switches the label to Reconnecting unless the service is
// already known to be up.
func (m *Monitor) MarkReconnecting() {
	m.mu.Lock()
	if m.status == Connected || m.status == Reconnecting {
		m.mu.Unlock()
		return
	}
	m.status = Reconnecting
	hooks := append([]func(Status){}, m.onStatus...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(Reconnecting)
	}
}

// Status returns the current label.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the last probe succeeded.
func (m *Monitor) Connected() bool {
	return m.Status() == Connected
}

// ConsecutiveFailures returns the number of failed probes since the last success.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// LastProbe returns when the last probe finished, or the zero time.
func (m *Monitor) LastProbe() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe
}
