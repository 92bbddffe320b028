package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siteflux/ingest/adapter"
	"github.com/siteflux/ingest/metric"
)

// Observable is what the monitor needs from an adapter. *adapter.Runner
// satisfies it.
type Observable interface {
	Name() string
	Protocol() string
	State() adapter.State
	Stats() adapter.Snapshot
}

// Config controls health evaluation.
type Config struct {
	// CheckInterval is the evaluation period for Run.
	CheckInterval time.Duration
	// RecentErrorAge marks an adapter degraded when its last error is
	// younger than this.
	RecentErrorAge time.Duration
	// StartupGrace is how long after start an adapter may stay silent
	// before silence itself is degraded.
	StartupGrace time.Duration
	// DegradedSuccessRate and UnhealthySuccessRate are the success-rate
	// floors for the corresponding levels.
	DegradedSuccessRate  float64
	UnhealthySuccessRate float64
}

// DefaultConfig returns the standard evaluation thresholds.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        30 * time.Second,
		RecentErrorAge:       5 * time.Minute,
		StartupGrace:         60 * time.Second,
		DegradedSuccessRate:  0.95,
		UnhealthySuccessRate: 0.80,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.RecentErrorAge <= 0 {
		c.RecentErrorAge = d.RecentErrorAge
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = d.StartupGrace
	}
	if c.DegradedSuccessRate <= 0 {
		c.DegradedSuccessRate = d.DegradedSuccessRate
	}
	if c.UnhealthySuccessRate <= 0 {
		c.UnhealthySuccessRate = d.UnhealthySuccessRate
	}
	return c
}

// ChangeCallback fires when an adapter's health level changes. Callbacks
// run synchronously on the evaluation pass in registration order.
type ChangeCallback func(previous, current Status)

// Metrics are system-wide ingestion rates, recomputed on every evaluation
// pass from the delta of the aggregated adapter counters divided by the
// elapsed wall time. The first pass after start reports zero rates.
type Metrics struct {
	PointsPerSecond float64   `json:"points_per_second"`
	BytesPerSecond  float64   `json:"bytes_per_second"`
	ErrorRate       float64   `json:"error_rate"`
	TotalReceived   int64     `json:"total_received"`
	TotalFailed     int64     `json:"total_failed"`
	TotalBytes      int64     `json:"total_bytes"`
	Timestamp       time.Time `json:"timestamp"`
}

// counterTotals is one aggregated reading of all adapter counters.
type counterTotals struct {
	received int64
	failed   int64
	bytes    int64
}

type monitorMetrics struct {
	health *prometheus.GaugeVec
	rate   *prometheus.GaugeVec

	pointsPerSecond prometheus.Gauge
	bytesPerSecond  prometheus.Gauge
	errorRate       prometheus.Gauge
}

func newMonitorMetrics(registry *metric.Registry) *monitorMetrics {
	if registry == nil {
		return nil
	}
	m := &monitorMetrics{
		health: metric.GaugeVec("monitor", "adapter_health",
			"Adapter health level (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown)",
			"adapter", "protocol"),
		rate: metric.GaugeVec("monitor", "adapter_message_rate",
			"Data points per second over the last check interval",
			"adapter", "protocol"),
		pointsPerSecond: metric.Gauge("monitor", "ingest_points_per_second",
			"Data points per second across all adapters"),
		bytesPerSecond: metric.Gauge("monitor", "ingest_bytes_per_second",
			"Payload bytes per second across all adapters"),
		errorRate: metric.Gauge("monitor", "ingest_error_rate",
			"Failed fraction of all ingestion attempts over the last check interval"),
	}
	registry.MustRegister("monitor", "adapter_health", m.health)
	registry.MustRegister("monitor", "adapter_message_rate", m.rate)
	registry.MustRegister("monitor", "ingest_points_per_second", m.pointsPerSecond)
	registry.MustRegister("monitor", "ingest_bytes_per_second", m.bytesPerSecond)
	registry.MustRegister("monitor", "ingest_error_rate", m.errorRate)
	return m
}

// Monitor evaluates registered adapters on an interval.
type Monitor struct {
	config Config
	logger *slog.Logger

	mu          sync.RWMutex
	observables map[string]Observable
	statuses    map[string]Status
	lastCounts  map[string]int64
	lastTotals  counterTotals
	system      Metrics
	lastCheck   time.Time
	callbacks   []ChangeCallback

	metrics *monitorMetrics
}

// New creates a Monitor.
func New(cfg Config, logger *slog.Logger, registry *metric.Registry) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		config:      cfg.normalized(),
		logger:      logger.With("component", "monitor"),
		observables: make(map[string]Observable),
		statuses:    make(map[string]Status),
		lastCounts:  make(map[string]int64),
		metrics:     newMonitorMetrics(registry),
	}
}

// Register adds an adapter to monitoring. Re-registering a name replaces
// the previous observable.
func (m *Monitor) Register(obs Observable) {
	m.mu.Lock()
	m.observables[obs.Name()] = obs
	m.mu.Unlock()
}

// Unregister removes an adapter from monitoring.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	delete(m.observables, name)
	delete(m.statuses, name)
	delete(m.lastCounts, name)
	m.mu.Unlock()
}

// OnChange registers a health-change callback.
func (m *Monitor) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Run evaluates on the configured interval until the context is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow()
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow evaluates every registered adapter immediately and returns the
// statuses sorted by adapter name.
func (m *Monitor) CheckNow() []Status {
	m.mu.Lock()

	now := time.Now()
	elapsed := now.Sub(m.lastCheck)
	firstPass := m.lastCheck.IsZero()
	m.lastCheck = now

	var changes [][2]Status
	var totals counterTotals
	results := make([]Status, 0, len(m.observables))

	for name, obs := range m.observables {
		snap := obs.Stats()
		totals.received += snap.MessagesReceived
		totals.failed += snap.MessagesFailed
		totals.bytes += snap.BytesReceived

		var rate float64
		if !firstPass && elapsed > 0 {
			rate = float64(snap.MessagesReceived-m.lastCounts[name]) / elapsed.Seconds()
			if rate < 0 {
				rate = 0
			}
		}
		m.lastCounts[name] = snap.MessagesReceived

		status := m.evaluate(obs, snap, now)
		status.MessageRate = rate

		previous, seen := m.statuses[name]
		m.statuses[name] = status
		results = append(results, status)

		if m.metrics != nil {
			labels := prometheus.Labels{"adapter": name, "protocol": status.Protocol}
			m.metrics.health.With(labels).Set(status.Health.gaugeValue())
			m.metrics.rate.With(labels).Set(rate)
		}
		if seen && previous.Health != status.Health {
			changes = append(changes, [2]Status{previous, status})
		}
	}

	m.system = m.systemMetrics(totals, elapsed, firstPass, now)
	m.lastTotals = totals
	if m.metrics != nil {
		m.metrics.pointsPerSecond.Set(m.system.PointsPerSecond)
		m.metrics.bytesPerSecond.Set(m.system.BytesPerSecond)
		m.metrics.errorRate.Set(m.system.ErrorRate)
	}

	callbacks := m.callbacks
	m.mu.Unlock()

	for _, change := range changes {
		m.logger.Info("adapter health changed",
			"adapter", change[1].Adapter,
			"from", change[0].Health,
			"to", change[1].Health,
			"message", change[1].Message)
		for _, cb := range callbacks {
			cb(change[0], change[1])
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Adapter < results[j].Adapter })
	return results
}

// systemMetrics derives the system-wide rates from the counter deltas since
// the previous pass. Negative deltas (an adapter re-registered with fresh
// counters) clamp to zero.
func (m *Monitor) systemMetrics(totals counterTotals, elapsed time.Duration, firstPass bool, now time.Time) Metrics {
	sys := Metrics{
		TotalReceived: totals.received,
		TotalFailed:   totals.failed,
		TotalBytes:    totals.bytes,
		Timestamp:     now,
	}
	if firstPass || elapsed <= 0 {
		return sys
	}

	receivedDelta := max(totals.received-m.lastTotals.received, 0)
	failedDelta := max(totals.failed-m.lastTotals.failed, 0)
	bytesDelta := max(totals.bytes-m.lastTotals.bytes, 0)

	secs := elapsed.Seconds()
	sys.PointsPerSecond = float64(receivedDelta) / secs
	sys.BytesPerSecond = float64(bytesDelta) / secs
	if attempts := receivedDelta + failedDelta; attempts > 0 {
		sys.ErrorRate = float64(failedDelta) / float64(attempts)
	}
	return sys
}

// Metrics returns the system-wide rates computed on the most recent pass.
func (m *Monitor) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

// evaluate applies the health rules in order; the first rule that matches
// decides the level.
func (m *Monitor) evaluate(obs Observable, snap adapter.Snapshot, now time.Time) Status {
	status := Status{
		Adapter:   obs.Name(),
		Protocol:  obs.Protocol(),
		Timestamp: now,
		Stats:     snap,
	}

	state := obs.State()
	switch state {
	case adapter.StateError:
		status.Health = Unhealthy
		status.Message = sanitizeMessage(fmt.Sprintf("adapter failed: %s", snap.LastError))
		return status
	case adapter.StateStopped, adapter.StateStopping, adapter.StateStarting:
		status.Health = Unknown
		status.Message = fmt.Sprintf("adapter is %s", state)
		return status
	case adapter.StateReconnecting:
		status.Health = Degraded
		status.Message = "adapter is reconnecting"
		return status
	}

	rate := snap.SuccessRate()
	if rate < m.config.UnhealthySuccessRate {
		status.Health = Unhealthy
		status.Message = fmt.Sprintf("success rate %.1f%% below %.0f%%", rate*100, m.config.UnhealthySuccessRate*100)
		return status
	}
	if rate < m.config.DegradedSuccessRate {
		status.Health = Degraded
		status.Message = fmt.Sprintf("success rate %.1f%% below %.0f%%", rate*100, m.config.DegradedSuccessRate*100)
		return status
	}

	if !snap.LastErrorTime.IsZero() && now.Sub(snap.LastErrorTime) < m.config.RecentErrorAge {
		status.Health = Degraded
		status.Message = sanitizeMessage(fmt.Sprintf("recent error: %s", snap.LastError))
		return status
	}

	if snap.MessagesReceived == 0 && !snap.StartTime.IsZero() &&
		now.Sub(snap.StartTime) > m.config.StartupGrace {
		status.Health = Degraded
		status.Message = "no data received since start"
		return status
	}

	status.Health = Healthy
	status.Message = "ok"
	return status
}

// Statuses returns the most recent evaluation results without re-evaluating.
func (m *Monitor) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

// Overall aggregates the latest statuses: unhealthy dominates, then
// degraded, then unknown; an empty monitor is unknown.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overall := Status{Adapter: "ingest", Health: Unknown, Timestamp: time.Now()}
	if len(m.statuses) == 0 {
		overall.Message = "no adapters registered"
		return overall
	}

	counts := map[Health]int{}
	for _, s := range m.statuses {
		counts[s.Health]++
	}

	switch {
	case counts[Unhealthy] > 0:
		overall.Health = Unhealthy
		overall.Message = fmt.Sprintf("%d of %d adapters unhealthy", counts[Unhealthy], len(m.statuses))
	case counts[Degraded] > 0:
		overall.Health = Degraded
		overall.Message = fmt.Sprintf("%d of %d adapters degraded", counts[Degraded], len(m.statuses))
	case counts[Healthy] > 0:
		overall.Health = Healthy
		overall.Message = fmt.Sprintf("all %d running adapters healthy", counts[Healthy])
	default:
		overall.Message = "no adapters running"
	}
	return overall
}
