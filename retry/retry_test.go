package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflux/ingest/errors"
	"github.com/siteflux/ingest/journal"
)

func TestDelay_Strategies(t *testing.T) {
	base := 100 * time.Millisecond
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: base,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	cfg.Strategy = Fixed
	assert.Equal(t, base, cfg.Delay(1))
	assert.Equal(t, base, cfg.Delay(4))

	cfg.Strategy = Linear
	assert.Equal(t, base, cfg.Delay(1))
	assert.Equal(t, 3*base, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(50)) // capped

	cfg.Strategy = Exponential
	assert.Equal(t, base, cfg.Delay(1))
	assert.Equal(t, 2*base, cfg.Delay(2))
	assert.Equal(t, 4*base, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(10)) // capped
}

func TestDelay_ExponentialMonotonic(t *testing.T) {
	cfg := Config{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Strategy:     Exponential,
	}

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := cfg.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing at attempt %d", n)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
}

func TestDelay_JitterBounded(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
		Strategy:     ExponentialJitter,
	}

	for i := 0; i < 50; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestDo_SuccessResetsJournal(t *testing.T) {
	j := journal.New(10)
	m := NewManager(j)

	calls := 0
	err := m.Do(context.Background(), "src", quickConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient glitch")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// Both failed attempts were journaled and then resolved.
	recs := j.Find(journal.Query{Source: "src"})
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.Resolved)
	}
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 2, recs[1].Attempt)
}

func TestDo_FirstAttemptSuccessResolvesEarlierFailures(t *testing.T) {
	j := journal.New(10)
	m := NewManager(j)

	boom := errors.New("always broken")
	err := m.Do(context.Background(), "src", quickConfig(2), func(ctx context.Context) error {
		return boom
	})
	require.Error(t, err)

	// A later call that succeeds on its very first attempt still resolves
	// the records the exhausted run left behind.
	err = m.Do(context.Background(), "src", quickConfig(2), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	recs := j.Find(journal.Query{Source: "src"})
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.Resolved)
	}
}

func TestDo_ExhaustionReturnsLastError(t *testing.T) {
	m := NewManager(journal.New(10))

	boom := errors.New("always broken")
	calls := 0
	err := m.Do(context.Background(), "src", quickConfig(3), func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, boom, err) // the original error, not a wrapper
}

func TestDo_InvalidNotRetried(t *testing.T) {
	m := NewManager(journal.New(10))

	calls := 0
	err := m.Do(context.Background(), "src", quickConfig(5), func(ctx context.Context) error {
		calls++
		return errors.WrapInvalid(errors.ErrInvalidConfig, "test", "Do", "config")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsInvalid(err))
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	m := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	cfg := Config{MaxAttempts: 50, InitialDelay: 20 * time.Millisecond, Strategy: Fixed}
	err := m.Do(ctx, "src", cfg, func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})

	assert.Error(t, err)
	assert.Less(t, calls, 50)
}

func TestDoWithResult(t *testing.T) {
	m := NewManager(nil)

	calls := 0
	v, err := DoWithResult(context.Background(), m, "src", quickConfig(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("transient glitch")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func quickConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Strategy:     Fixed,
	}
}
