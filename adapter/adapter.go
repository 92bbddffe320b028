// Package adapter manages protocol adapter lifecycle for telemetry ingestion.
//
// A protocol-specific Driver produces canonical data points; the Runner wraps
// a driver with the connection state machine, retry handling, reconnection,
// statistics, and ordered delivery to registered callbacks. Drivers stay
// small: they only know how to speak their protocol and decode payloads.
package adapter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siteflux/ingest/config"
	"github.com/siteflux/ingest/datapoint"
)

// State represents the current lifecycle state of an adapter
type State int32

const (
	// StateStopped indicates the adapter is not running
	StateStopped State = iota
	// StateStarting indicates the adapter is establishing its connection
	StateStarting
	// StateRunning indicates the adapter is connected and ingesting
	StateRunning
	// StateReconnecting indicates the connection was lost and is being re-established
	StateReconnecting
	// StateStopping indicates a shutdown is in progress
	StateStopping
	// StateError indicates the adapter failed terminally; only Restart leaves this state
	StateError
)

// String returns a string representation of the adapter state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Driver is the protocol-specific half of an adapter. Implementations are
// not safe for concurrent use; the Runner serializes all calls.
//
// Next blocks until a data point is available, the context is done, or the
// stream ends. A lost connection surfaces as a transient error
// (errors.ErrConnectionLost et al.), which the Runner answers with a
// reconnect cycle. errors.ErrStreamClosed means the source is exhausted and
// the adapter should stop cleanly.
type Driver interface {
	// Protocol returns the protocol discriminator ("mqtt", "http", ...).
	Protocol() string
	// ValidateConfig checks the driver's configuration, returning structured
	// findings instead of failing on the first problem.
	ValidateConfig() config.Issues
	// Connect establishes the protocol session.
	Connect(ctx context.Context) error
	// Next returns the next decoded data point.
	Next(ctx context.Context) (*datapoint.DataPoint, error)
	// Disconnect tears the session down. Must be safe to call in any state.
	Disconnect(ctx context.Context) error
}

// DataCallback receives each successfully decoded data point. Callbacks run
// synchronously on the ingest loop in registration order, so a slow callback
// delays ingestion rather than reordering it.
type DataCallback func(ctx context.Context, dp *datapoint.DataPoint)

// ErrorCallback receives ingestion errors after they are journaled.
type ErrorCallback func(err error)

// Statistics tracks adapter counters. All fields are updated atomically and
// may be read while the adapter runs.
type Statistics struct {
	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	bytesReceived    atomic.Int64
	connects         atomic.Int64
	reconnects       atomic.Int64

	mu          sync.RWMutex
	startTime   time.Time
	lastMessage time.Time
	lastError   time.Time
	lastErr     error
}

// Snapshot is a point-in-time copy of adapter statistics.
type Snapshot struct {
	State            State     `json:"state"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesFailed   int64     `json:"messages_failed"`
	BytesReceived    int64     `json:"bytes_received"`
	Connections      int64     `json:"connections"`
	Reconnects       int64     `json:"reconnects"`
	StartTime        time.Time `json:"start_time"`
	LastMessageTime  time.Time `json:"last_message_time"`
	LastErrorTime    time.Time `json:"last_error_time"`
	LastError        string    `json:"last_error,omitempty"`
	Uptime           float64   `json:"uptime_seconds"`
}

// SuccessRate returns received/(received+failed), or 1.0 when nothing has
// been attempted yet.
func (s Snapshot) SuccessRate() float64 {
	total := s.MessagesReceived + s.MessagesFailed
	if total == 0 {
		return 1.0
	}
	return float64(s.MessagesReceived) / float64(total)
}

func (st *Statistics) recordMessage(bytes int) {
	st.messagesReceived.Add(1)
	st.bytesReceived.Add(int64(bytes))
	st.mu.Lock()
	st.lastMessage = time.Now()
	st.mu.Unlock()
}

func (st *Statistics) recordFailure(err error) {
	st.messagesFailed.Add(1)
	st.mu.Lock()
	st.lastError = time.Now()
	st.lastErr = err
	st.mu.Unlock()
}

func (st *Statistics) recordStart() {
	st.mu.Lock()
	st.startTime = time.Now()
	st.mu.Unlock()
}

func (st *Statistics) snapshot(state State) Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	snap := Snapshot{
		State:            state,
		MessagesReceived: st.messagesReceived.Load(),
		MessagesFailed:   st.messagesFailed.Load(),
		BytesReceived:    st.bytesReceived.Load(),
		Connections:      st.connects.Load(),
		Reconnects:       st.reconnects.Load(),
		StartTime:        st.startTime,
		LastMessageTime:  st.lastMessage,
		LastErrorTime:    st.lastError,
	}
	if st.lastErr != nil {
		snap.LastError = st.lastErr.Error()
	}
	if !st.startTime.IsZero() {
		snap.Uptime = time.Since(st.startTime).Seconds()
	}
	return snap
}
