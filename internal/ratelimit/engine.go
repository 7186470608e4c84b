package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Engine is the Decision Engine (§4.4): it receives a policy and key,
// dispatches to the Distributed Client, falls back to the Local Fallback
// Limiter when Redis is unreachable or the breaker is open, and assembles
// the final Decision. It never returns an error for infrastructure
// failures — those degrade silently into Decision.Error / Decision.ShardID.
type Engine struct {
	distributed *DistributedLimiter
	local       *LocalLimiter
	instanceID  string
	failOpens   func() // optional hook incrementing the stats engine's fail-open counter
}

// NewEngine builds a Decision Engine. distributed may be nil to force
// local-only operation (useful for tests and for a Redis-less deployment
// mode).
func NewEngine(distributed *DistributedLimiter, local *LocalLimiter, instanceID string) *Engine {
	if local == nil {
		local = NewLocalLimiter(0)
	}
	return &Engine{distributed: distributed, local: local, instanceID: instanceID}
}

// OnFailOpen registers a callback invoked every time the engine takes the
// fail-open path (both Redis and the local limiter failed to produce a
// decision). The Statistics Engine wires its counter here.
func (e *Engine) OnFailOpen(fn func()) { e.failOpens = fn }

// Check evaluates policy against key. It first tries the distributed
// limiter (if configured); on any failure it falls back to the in-process
// limiter; if that somehow also fails (it should not, absent a panic) it
// fails open.
func (e *Engine) Check(ctx context.Context, policy Policy, key string) Decision {
	if e.distributed != nil {
		decision, ok, err := e.distributed.Check(ctx, policy, key)
		if err != nil {
			// Corruption: denied with a distinct tag, per §7.
			return decision
		}
		if ok {
			return decision
		}
		log.Debug().Str("key", key).Msg("distributed limiter unavailable, falling back to local")
	}

	decision := e.safeLocalCheck(policy, key)
	return decision
}

// safeLocalCheck recovers from a panic in the local limiter (e.g. a
// poisoned internal invariant) and fails open rather than let the panic
// propagate to the HTTP handler, per the fail-open policy in §4.4.
func (e *Engine) safeLocalCheck(policy Policy, key string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("key", key).Msg("local limiter panicked, failing open")
			if e.failOpens != nil {
				e.failOpens()
			}
			decision = Decision{
				Allowed:    true,
				Limit:      policy.MaxRequests,
				Remaining:  policy.MaxRequests,
				ResetAtMs:  time.Now().Add(policy.Window).UnixMilli(),
				Algorithm:  policy.Algorithm,
				ShardID:    "fallback",
				InstanceID: e.instanceID,
				Error:      true,
			}
		}
	}()

	decision = e.local.Check(policy, key)
	decision.InstanceID = e.instanceID
	return decision
}

// ResetKey clears any state held for key in both the distributed limiter
// (if configured) and the local fallback limiter, used by the
// administrative reset endpoint.
func (e *Engine) ResetKey(ctx context.Context, key string) error {
	e.local.ResetKey(key)
	if e.distributed != nil {
		return e.distributed.ResetKey(ctx, key)
	}
	return nil
}

// ShardHealth reports per-shard circuit breaker health, or nil when the
// engine is running local-only.
func (e *Engine) ShardHealth() map[string]bool {
	if e.distributed == nil {
		return nil
	}
	return e.distributed.ShardHealth()
}

// BreakerStates reports each shard's circuit breaker state, or nil when the
// engine is running local-only.
func (e *Engine) BreakerStates() map[string]string {
	if e.distributed == nil {
		return nil
	}
	return e.distributed.BreakerStates()
}

// DistributedEnabled reports whether the engine has a distributed limiter
// configured at all (as opposed to running purely on the local fallback).
func (e *Engine) DistributedEnabled() bool {
	return e.distributed != nil
}
