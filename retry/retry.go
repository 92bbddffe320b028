// Package retry provides configurable backoff retry for one-shot ingestion
// operations: adapter connects, poll requests, and store writes.
//
// Adapters own their long-lived reconnect loops; this package covers the
// bounded, per-call retries around them. Every failed attempt is journaled
// with its source and attempt number before the backoff sleep, and a success
// resolves the source's prior journal entries.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/journal"
)

// Strategy selects how the inter-attempt delay grows.
type Strategy int

const (
	// Fixed uses InitialDelay between every attempt.
	Fixed Strategy = iota
	// Linear grows the delay as InitialDelay * attempt.
	Linear
	// Exponential grows the delay as InitialDelay * Multiplier^(attempt-1).
	Exponential
	// ExponentialJitter is Exponential plus JitterFactor * base * rand[0,1).
	ExponentialJitter
)

// String returns a readable strategy name.
func (s Strategy) String() string {
	switch s {
	case Fixed:
		return "fixed"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	case ExponentialJitter:
		return "exponential_jitter"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "fixed":
		return Fixed, nil
	case "linear":
		return Linear, nil
	case "exponential":
		return Exponential, nil
	case "exponential_jitter":
		return ExponentialJitter, nil
	default:
		return Fixed, errors.WrapInvalid(
			fmt.Errorf("unknown retry strategy %q", s),
			"retry", "ParseStrategy", "parse strategy name")
	}
}

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config controls retry behavior for one call site. Timeouts are configured
// per call site, never globally.
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // base delay between attempts
	MaxDelay     time.Duration // cap applied to every strategy
	Multiplier   float64       // exponential growth factor
	JitterFactor float64       // fraction of the base delay added as jitter
	Strategy     Strategy
}

// DefaultConfig returns sensible defaults for transient network operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		Strategy:     ExponentialJitter,
	}
}

// normalized fills zero fields with defaults.
func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	return c
}

// Delay returns the backoff before attempt n+1, for 1-based attempt n.
// Every strategy is capped at MaxDelay. Exponential delays are
// non-decreasing in n.
func (c Config) Delay(attempt int) time.Duration {
	cfg := c.normalized()
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch cfg.Strategy {
	case Fixed:
		base = cfg.InitialDelay
	case Linear:
		base = cfg.InitialDelay * time.Duration(attempt)
	case Exponential, ExponentialJitter:
		base = cfg.InitialDelay
		for i := 1; i < attempt; i++ {
			base = time.Duration(float64(base) * cfg.Multiplier)
			if base > cfg.MaxDelay {
				break
			}
		}
	}

	if base > cfg.MaxDelay {
		base = cfg.MaxDelay
	}

	if cfg.Strategy == ExponentialJitter && cfg.JitterFactor > 0 {
		randMu.Lock()
		r := randSource.Float64()
		randMu.Unlock()
		base += time.Duration(cfg.JitterFactor * float64(base) * r)
		if base > cfg.MaxDelay {
			base = cfg.MaxDelay
		}
	}

	return base
}

// Manager drives retries and keeps per-source attempt state in the journal.
type Manager struct {
	journal *journal.Journal
}

// NewManager creates a retry manager backed by the given journal. A nil
// journal disables journaling but not retrying.
func NewManager(j *journal.Journal) *Manager {
	return &Manager{journal: j}
}

// Do invokes fn up to cfg.MaxAttempts times. Each failure is journaled under
// source before the backoff sleep. Errors classified as invalid or fatal are
// not retried. On success the source's prior journal entries are resolved.
// When all attempts fail, the last error is returned unchanged so the caller
// can decide whether it is terminal.
func (m *Manager) Do(ctx context.Context, source string, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if m.journal != nil {
				m.journal.Resolve(source)
			}
			return nil
		}
		lastErr = err

		if m.journal != nil {
			m.journal.Append(source, errors.Classify(err).String(), err.Error(), attempt, nil)
		}

		if errors.IsInvalid(err) || errors.IsFatal(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return errors.WrapTransient(ctx.Err(), "retry", "Do", source)
		}

		select {
		case <-time.After(cfg.Delay(attempt)):
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "retry", "Do", source)
		}
	}

	return lastErr
}

// DoWithResult is Do for operations that produce a value.
func DoWithResult[T any](ctx context.Context, m *Manager, source string, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, source, cfg, func(ctx context.Context) error {
		var inner error
		out, inner = fn(ctx)
		return inner
	})
	return out, err
}
