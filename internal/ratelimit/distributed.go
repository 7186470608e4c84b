package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/biodoia/ratelimiter/internal/hashring"
	"github.com/biodoia/ratelimiter/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CoordinationStrategy selects how the Distributed Client routes a key to a
// shard, per §4.2.
type CoordinationStrategy string

const (
	ConsistentHashing CoordinationStrategy = "consistent-hashing"
	Broadcast         CoordinationStrategy = "broadcast"
	LeaderFollower    CoordinationStrategy = "leader-follower"
)

// DistributedConfig configures the distributed limiter.
type DistributedConfig struct {
	Strategy     CoordinationStrategy
	VirtualNodes int
	OpTimeout    time.Duration // default 50ms, per §6
	Breaker      resilience.CircuitBreakerConfig
	InstanceID   string
}

// DefaultDistributedConfig mirrors §6's defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		Strategy:     ConsistentHashing,
		VirtualNodes: hashring.DefaultVirtualNodes,
		OpTimeout:    50 * time.Millisecond,
		Breaker:      resilience.DefaultCircuitBreakerConfig(),
	}
}

// DistributedLimiter routes rate-limit keys to Redis shards via a
// consistent hash ring, executes the atomic scripts, and gates every call
// through a per-shard circuit breaker.
type DistributedLimiter struct {
	cfg     DistributedConfig
	ring    *hashring.Ring
	clients map[string]*redis.Client
	breaker *resilience.PerShardCircuitBreaker
}

// NewDistributedLimiter builds a limiter over the given named shard clients.
func NewDistributedLimiter(cfg DistributedConfig, shardClients map[string]*redis.Client) (*DistributedLimiter, error) {
	if cfg.Strategy == LeaderFollower {
		return nil, fmt.Errorf("ratelimit: leader-follower coordination is not implemented in this version")
	}
	if len(shardClients) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one Redis shard is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultDistributedConfig().OpTimeout
	}
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = hashring.DefaultVirtualNodes
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	names := make([]string, 0, len(shardClients))
	for name := range shardClients {
		names = append(names, name)
	}

	return &DistributedLimiter{
		cfg:     cfg,
		ring:    hashring.New(cfg.VirtualNodes, names...),
		clients: shardClients,
		breaker: resilience.NewPerShardCircuitBreaker(cfg.Breaker),
	}, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ShardHealth reports, per shard, whether its circuit breaker is closed.
func (d *DistributedLimiter) ShardHealth() map[string]bool {
	out := make(map[string]bool, len(d.clients))
	for name := range d.clients {
		out[name] = d.breaker.IsShardHealthy(name)
	}
	return out
}

// BreakerStates reports each shard's circuit breaker state ("closed",
// "open", "half-open"), for the health endpoint's per-shard breakdown.
func (d *DistributedLimiter) BreakerStates() map[string]string {
	out := make(map[string]string, len(d.clients))
	for name, stats := range d.breaker.GetAllStats() {
		out[name] = stats.State
	}
	// A shard with no traffic yet has no breaker entry: report it closed.
	for name := range d.clients {
		if _, ok := out[name]; !ok {
			out[name] = "closed"
		}
	}
	return out
}

// Check implements CheckRateLimit(policy, key) -> Decision, the only
// hot-path operation of the Distributed Client. Returns a non-nil error
// only for ErrCorruption (wrong Redis value type); any other failure is
// reported via the bool return so the Engine can fall back without
// treating it as an application error.
func (d *DistributedLimiter) Check(ctx context.Context, policy Policy, key string) (Decision, bool, error) {
	shard, err := d.ring.ShardFor(key)
	if err != nil {
		return Decision{}, false, nil
	}

	client, ok := d.clients[shard]
	if !ok {
		return Decision{}, false, nil
	}

	var decision Decision
	execErr := d.breaker.Execute(ctx, shard, func() error {
		opCtx, cancel := context.WithTimeout(ctx, d.cfg.OpTimeout)
		defer cancel()

		dec, err := d.runScript(opCtx, client, policy, key)
		if err != nil {
			return err
		}
		decision = dec
		return nil
	})

	if execErr != nil {
		if errors.Is(execErr, resilience.ErrCircuitOpen) || errors.Is(execErr, resilience.ErrTooManyRequests) {
			return Decision{}, false, nil
		}
		if errors.Is(execErr, ErrCorruption) {
			log.Error().Err(execErr).Str("shard", shard).Str("key", key).Msg("redis key corruption detected")
			return Decision{Allowed: false, Corruption: true, ShardID: shard, InstanceID: d.cfg.InstanceID}, false, ErrCorruption
		}
		// Network error, timeout, or other non-retriable failure: increments
		// the breaker already happened inside Execute; caller falls back.
		return Decision{}, false, nil
	}

	decision.ShardID = shard
	decision.InstanceID = d.cfg.InstanceID
	return decision, true, nil
}

func (d *DistributedLimiter) runScript(ctx context.Context, client *redis.Client, policy Policy, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	windowMs := policy.Window.Milliseconds()

	var res []interface{}
	var err error

	switch policy.Algorithm {
	case TokenBucket:
		res, err = tokenBucketScript.Run(ctx, client, []string{"tb:" + key},
			policy.BurstCapacity, policy.RefillPerSec(), now, windowMs).Slice()
	case SlidingWindow:
		res, err = slidingWindowScript.Run(ctx, client, []string{"sw:" + key},
			windowMs, policy.MaxRequests, now, rand.Int63()).Slice()
	default:
		res, err = fixedWindowScript.Run(ctx, client, []string{"fw:" + key},
			policy.MaxRequests, windowMs, now).Slice()
	}

	if err != nil {
		if isWrongTypeErr(err) {
			return Decision{}, ErrCorruption
		}
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result shape")
	}

	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	resetHintMs, _ := res[2].(int64)

	return Decision{
		Allowed:   allowed == 1,
		Limit:     policy.MaxRequests,
		Remaining: int(remaining),
		ResetAtMs: now + resetHintMs,
		Algorithm: policy.Algorithm,
	}, nil
}

func isWrongTypeErr(err error) bool {
	return strings.Contains(err.Error(), "WRONGTYPE")
}

// ResetKey clears a key across every shard via the broadcast strategy,
// used only by the administrative reset endpoint, never the hot path.
func (d *DistributedLimiter) ResetKey(ctx context.Context, key string) error {
	var lastErr error
	for _, client := range d.clients {
		for _, prefix := range []string{"tb:", "sw:"} {
			if err := client.Del(ctx, prefix+key).Err(); err != nil {
				lastErr = err
			}
		}
		iter := client.Scan(ctx, 0, "fw:"+key+":*", 100).Iterator()
		for iter.Next(ctx) {
			if err := client.Del(ctx, iter.Val()).Err(); err != nil {
				lastErr = err
			}
		}
		if err := iter.Err(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
