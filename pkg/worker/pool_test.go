package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesAll(t *testing.T) {
	var n atomic.Int64
	p := NewPool(4, 16, func(_ context.Context, v int) error {
		n.Add(int64(v))
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	total := 0
	for i := 1; i <= 50; i++ {
		require.NoError(t, p.Submit(context.Background(), i))
		total += i
	}
	p.Stop()

	assert.Equal(t, int64(total), n.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(2, 8, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), i))
	}
	p.Stop()

	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, int64(5), stats.Processed)
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	p.Stop()

	err := p.Submit(context.Background(), 1)
	assert.Error(t, err)
	assert.False(t, p.TrySubmit(2))
	assert.Equal(t, int64(2), p.Stats().Dropped)
}

func TestPoolDoubleStart(t *testing.T) {
	p := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	p.Stop()
}

func TestPoolStopIdempotent(t *testing.T) {
	p := NewPool(1, 4, func(_ context.Context, _ int) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(context.Background(), 1))
	p.Stop()
	p.Stop()
}
