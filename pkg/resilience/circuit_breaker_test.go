package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 2,
	}, "shard-1")

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.True(t, cb.IsOpen())
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerStatsCarryShardIdentity(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig(), "shard-3")
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))

	stats := cb.GetStats()
	assert.Equal(t, "shard-3", stats.Shard)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalSuccesses)
}

func TestPerShardCircuitBreakerIsolatesFailures(t *testing.T) {
	pscb := NewPerShardCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: 1,
	})

	boom := errors.New("shard-0 is down")
	for i := 0; i < 2; i++ {
		err := pscb.Execute(context.Background(), "shard-0", func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.False(t, pscb.IsShardHealthy("shard-0"))
	assert.True(t, pscb.IsShardHealthy("shard-1"), "a shard with no traffic yet must report healthy")

	require.NoError(t, pscb.Execute(context.Background(), "shard-1", func() error { return nil }))
	assert.True(t, pscb.IsShardHealthy("shard-1"))

	stats := pscb.GetAllStats()
	require.Contains(t, stats, "shard-0")
	assert.Equal(t, "shard-0", stats["shard-0"].Shard)
	assert.Equal(t, "open", stats["shard-0"].State)
}

func TestPerShardCircuitBreakerResetClearsOneShardOnly(t *testing.T) {
	pscb := NewPerShardCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Minute,
	})

	boom := errors.New("down")
	require.ErrorIs(t, pscb.Execute(context.Background(), "shard-0", func() error { return boom }), boom)
	assert.False(t, pscb.IsShardHealthy("shard-0"))
	require.ErrorIs(t, pscb.Execute(context.Background(), "shard-1", func() error { return boom }), boom)
	assert.False(t, pscb.IsShardHealthy("shard-1"))

	pscb.Reset("shard-0")
	assert.True(t, pscb.IsShardHealthy("shard-0"))
	assert.False(t, pscb.IsShardHealthy("shard-1"), "resetting shard-0 must leave shard-1 open")
}
