package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/journal"
	"github.com/siteflux/ingest/metric"
	"github.com/siteflux/ingest/retry"
)

// Deps carries the Runner's external dependencies.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
	Retry   *retry.Manager
	Journal *journal.Journal

	// RetryConfig governs connect and reconnect attempts.
	RetryConfig retry.Config
}

// runnerMetrics holds Prometheus metrics for one adapter instance.
type runnerMetrics struct {
	messagesReceived prometheus.Counter
	messagesFailed   prometheus.Counter
	reconnects       prometheus.Counter
	state            prometheus.Gauge
}

func newRunnerMetrics(registry *metric.Registry, name string) *runnerMetrics {
	if registry == nil {
		return nil
	}
	m := &runnerMetrics{
		messagesReceived: metric.Counter("adapter", "messages_received_total",
			"Total data points successfully decoded"),
		messagesFailed: metric.Counter("adapter", "messages_failed_total",
			"Total payloads that failed to decode or deliver"),
		reconnects: metric.Counter("adapter", "reconnects_total",
			"Total successful reconnections"),
		state: metric.Gauge("adapter", "state",
			"Current adapter lifecycle state"),
	}
	registry.MustRegister(name, "messages_received", m.messagesReceived)
	registry.MustRegister(name, "messages_failed", m.messagesFailed)
	registry.MustRegister(name, "reconnects", m.reconnects)
	registry.MustRegister(name, "state", m.state)
	return m
}

// Runner drives a protocol Driver through the adapter lifecycle.
type Runner struct {
	name   string
	driver Driver
	deps   Deps
	logger *slog.Logger

	state atomic.Int32
	stats Statistics

	callbackMu     sync.RWMutex
	dataCallbacks  []DataCallback
	errorCallbacks []ErrorCallback

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	metrics *runnerMetrics
}

// NewRunner wraps a driver with lifecycle management. The returned Runner is
// in StateStopped; register callbacks, then call Start.
func NewRunner(name string, driver Driver, deps Deps) (*Runner, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.New("adapter name is required"),
			"adapter", "NewRunner", "validate name")
	}
	if driver == nil {
		return nil, errors.WrapInvalid(errors.New("driver is required"),
			"adapter", "NewRunner", "validate driver")
	}
	if issues := driver.ValidateConfig(); issues.HasErrors() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, issues.Error()),
			"adapter", "NewRunner", "validate driver config")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("adapter", name, "protocol", driver.Protocol())

	r := &Runner{
		name:    name,
		driver:  driver,
		deps:    deps,
		logger:  logger,
		metrics: newRunnerMetrics(deps.Metrics, name),
	}
	r.state.Store(int32(StateStopped))
	return r, nil
}

// Name returns the adapter instance name.
func (r *Runner) Name() string { return r.name }

// Protocol returns the driver's protocol discriminator.
func (r *Runner) Protocol() string { return r.driver.Protocol() }

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Stats returns a snapshot of the adapter's counters.
func (r *Runner) Stats() Snapshot { return r.stats.snapshot(r.State()) }

// OnData registers a data callback. Callbacks run synchronously on the
// ingest loop in registration order.
func (r *Runner) OnData(cb DataCallback) {
	r.callbackMu.Lock()
	r.dataCallbacks = append(r.dataCallbacks, cb)
	r.callbackMu.Unlock()
}

// OnError registers an error callback.
func (r *Runner) OnError(cb ErrorCallback) {
	r.callbackMu.Lock()
	r.errorCallbacks = append(r.errorCallbacks, cb)
	r.callbackMu.Unlock()
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	if r.metrics != nil {
		r.metrics.state.Set(float64(s))
	}
	r.logger.Debug("adapter state changed", "state", s.String())
}

// Start connects the driver and launches the ingest loop. Starting from any
// state other than StateStopped is an error; an adapter in StateError must
// be restarted instead.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch r.State() {
	case StateStopped:
	case StateError:
		return errors.WrapInvalid(
			fmt.Errorf("adapter %s is in error state, restart required", r.name),
			"adapter", "Start", "check state")
	default:
		return errors.WrapInvalid(
			fmt.Errorf("adapter %s already started (state %s)", r.name, r.State()),
			"adapter", "Start", "check state")
	}

	r.setState(StateStarting)
	r.stats.recordStart()
	r.logger.Info("starting adapter")

	if err := r.connect(ctx); err != nil {
		r.setState(StateError)
		r.stats.recordFailure(err)
		return errors.Wrap(err, "adapter", "Start", "connect")
	}

	r.stats.connects.Add(1)
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.setState(StateRunning)
	r.logger.Info("adapter running")

	go r.run(loopCtx)
	return nil
}

func (r *Runner) connect(ctx context.Context) error {
	source := fmt.Sprintf("adapter:%s:connect", r.name)
	if r.deps.Retry != nil {
		return r.deps.Retry.Do(ctx, source, r.deps.RetryConfig, r.driver.Connect)
	}
	return r.driver.Connect(ctx)
}

// run is the ingest loop. It owns all driver calls after Connect.
func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	for {
		if ctx.Err() != nil {
			return
		}

		dp, err := r.driver.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errors.ErrStreamClosed) {
				r.logger.Info("source stream ended")
				r.setState(StateStopped)
				return
			}
			if errors.Is(err, errors.ErrPollFailed) {
				// The driver already spent its in-tick retries; report and
				// wait for the next tick rather than cycling the connection.
				r.recordError(err, "poll")
				continue
			}
			if errors.IsTransient(err) {
				if !r.reconnect(ctx, err) {
					return
				}
				continue
			}
			// Malformed payloads and other non-transient errors are
			// journaled and reported without disturbing the connection.
			r.recordError(err, "decode")
			continue
		}

		r.stats.recordMessage(dp.PayloadSize)
		if r.metrics != nil {
			r.metrics.messagesReceived.Inc()
		}

		r.callbackMu.RLock()
		callbacks := r.dataCallbacks
		r.callbackMu.RUnlock()
		for _, cb := range callbacks {
			cb(ctx, dp)
		}
	}
}

// reconnect runs one reconnect cycle. It returns false when the adapter has
// entered a terminal state and the loop must exit.
func (r *Runner) reconnect(ctx context.Context, cause error) bool {
	r.setState(StateReconnecting)
	r.recordError(cause, "connection")
	r.logger.Warn("connection lost, reconnecting", "error", cause)

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := r.driver.Disconnect(disconnectCtx); err != nil {
		r.logger.Debug("disconnect before reconnect failed", "error", err)
	}
	cancel()

	if err := r.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		terminal := errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrReconnectExceeded, err),
			"adapter", "reconnect", "re-establish connection")
		r.recordError(terminal, "reconnect")
		r.setState(StateError)
		r.logger.Error("reconnection attempts exhausted, adapter entering error state",
			"error", err)
		return false
	}

	r.stats.connects.Add(1)
	r.stats.reconnects.Add(1)
	if r.metrics != nil {
		r.metrics.reconnects.Inc()
	}
	r.setState(StateRunning)
	r.logger.Info("reconnected")
	return true
}

func (r *Runner) recordError(err error, errorType string) {
	r.stats.recordFailure(err)
	if r.metrics != nil {
		r.metrics.messagesFailed.Inc()
	}
	if r.deps.Journal != nil {
		r.deps.Journal.Append(fmt.Sprintf("adapter:%s", r.name), errorType, err.Error(), 0, nil)
	}

	r.callbackMu.RLock()
	callbacks := r.errorCallbacks
	r.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(err)
	}
}

// Stop shuts the adapter down. It is idempotent, always attempts a driver
// disconnect even when the ingest loop already exited, and ends in
// StateStopped from every state, including a terminal error.
func (r *Runner) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	state := r.State()
	if state == StateStopped || state == StateStopping {
		return nil
	}

	r.setState(StateStopping)
	r.logger.Info("stopping adapter")

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-time.After(timeout):
			r.logger.Warn("ingest loop did not exit before timeout")
		}
		r.done = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := r.driver.Disconnect(ctx)
	if err != nil {
		r.logger.Warn("disconnect failed during stop", "error", err)
	}

	r.setState(StateStopped)
	return err
}

// Restart stops the adapter and starts it again from a clean state.
func (r *Runner) Restart(ctx context.Context, stopTimeout time.Duration) error {
	if err := r.Stop(stopTimeout); err != nil {
		r.logger.Warn("stop during restart reported error", "error", err)
	}
	return r.Start(ctx)
}

// LastError returns the most recent ingestion error, if any.
func (r *Runner) LastError() error {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()
	return r.stats.lastErr
}
