package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineUsesDistributedWhenHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultDistributedConfig()
	cfg.OpTimeout = time.Second
	dist, err := NewDistributedLimiter(cfg, map[string]*redis.Client{"shard-0": client})
	require.NoError(t, err)

	e := NewEngine(dist, NewLocalLimiter(10), "instance-1")
	defer e.local.Close()

	p, err := NewPolicy(time.Minute, 1, FixedWindow, 0, 0)
	require.NoError(t, err)

	d := e.Check(context.Background(), p, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, "shard-0", d.ShardID)
	assert.Equal(t, "instance-1", d.InstanceID)
}

func TestEngineFallsBackToLocalWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	cfg := DefaultDistributedConfig()
	cfg.OpTimeout = 50 * time.Millisecond
	dist, err := NewDistributedLimiter(cfg, map[string]*redis.Client{"shard-0": client})
	require.NoError(t, err)

	e := NewEngine(dist, NewLocalLimiter(10), "instance-1")
	defer e.local.Close()

	p, err := NewPolicy(time.Minute, 2, FixedWindow, 0, 0)
	require.NoError(t, err)

	d := e.Check(context.Background(), p, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, "fallback", d.ShardID)
}

func TestEngineLocalOnlyModeWithNilDistributed(t *testing.T) {
	e := NewEngine(nil, NewLocalLimiter(10), "instance-1")
	defer e.local.Close()

	p, err := NewPolicy(time.Minute, 1, FixedWindow, 0, 0)
	require.NoError(t, err)

	d := e.Check(context.Background(), p, "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, "fallback", d.ShardID)
}

func TestEngineOnFailOpenHookFires(t *testing.T) {
	e := NewEngine(nil, nil, "instance-1")
	defer e.local.Close()

	fired := false
	e.OnFailOpen(func() { fired = true })

	// force every stripe to nil so any key triggers a nil-pointer panic
	// inside LocalLimiter.Check, exercising the recover-and-fail-open path.
	for i := range e.local.stripes {
		e.local.stripes[i] = nil
	}

	p, err := NewPolicy(time.Minute, 1, FixedWindow, 0, 0)
	require.NoError(t, err)

	d := e.Check(context.Background(), p, "any-key")
	assert.True(t, d.Allowed)
	assert.True(t, d.Error)
	assert.True(t, fired)
}
