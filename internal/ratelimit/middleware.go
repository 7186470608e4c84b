package ratelimit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/biodoia/ratelimiter/internal/identity"
	"github.com/biodoia/ratelimiter/internal/rules"
	"github.com/biodoia/ratelimiter/internal/stats"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// MiddlewareConfig wires the Decision Engine's dependencies into a fiber
// handler: identity resolution, rule selection, the Engine itself, and the
// Statistics Engine for recording outcomes.
type MiddlewareConfig struct {
	Engine     *Engine
	Resolver   *identity.Resolver
	Selector   *rules.Selector
	Stats      *stats.Engine
	Prometheus *stats.PrometheusExporter // optional; nil disables /metrics observations
	InstanceID string
}

// deniedBody is the JSON body returned on a 429 response.
type deniedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int    `json:"limit"`
	WindowMs   int64  `json:"windowMs"`
	Algorithm  string `json:"algorithm"`
}

// Middleware returns a fiber.Handler implementing the Decision Engine's
// request path: resolve identity, select a policy, check it, write headers,
// and allow or deny.
func Middleware(cfg MiddlewareConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		info := identity.RequestInfo{
			APIKeyHeader:        c.Get("X-API-Key"),
			APIKeyQueryParam:    c.Query("api_key"),
			AuthorizationHeader: c.Get("Authorization"),
			ForwardedFor:        c.Get("X-Forwarded-For"),
			RemoteAddr:          c.IP(),
		}

		remoteAddr := cfg.Resolver.RemoteAddr(info)
		switch cfg.Resolver.CheckIP(remoteAddr) {
		case identity.IPDenied:
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "ip_denied",
				"message": "this address is not permitted to access this service",
			})
		case identity.IPAllowed:
			recordOutcome(cfg.Stats, c.Path(), "ip:"+remoteAddr, start, false)
			return c.Next()
		}

		principal, err := cfg.Resolver.Resolve(info)
		path := c.Path()

		if err != nil {
			switch err {
			case ErrQuotaExceeded:
				c.Set("X-API-Key-Tier", principal.Tier)
				c.Set("X-Quota-Limit", strconv.FormatInt(principal.MonthlyQuota, 10))
				c.Set("X-Quota-Used", strconv.FormatInt(principal.CurrentMonthUsage, 10))
				c.Set("X-Quota-Remaining", strconv.FormatInt(principal.QuotaRemaining(), 10))
				recordOutcome(cfg.Stats, path, principal.IdentityID(), start, true)
				return c.Status(fiber.StatusTooManyRequests).JSON(deniedBody{
					Error:   "quota_exceeded",
					Message: "monthly API key quota has been exhausted",
				})
			default:
				recordOutcome(cfg.Stats, path, principal.IdentityID(), start, true)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error":   "invalid_api_key",
					"message": "the provided credential could not be validated",
				})
			}
		}

		policy, ruleID := cfg.Selector.Select(c.Method(), path)
		if principal.Policy != nil {
			policy = *principal.Policy
		}

		key := principal.Key(path)
		decision := cfg.Engine.Check(c.Context(), policy, key)

		writeHeaders(c, decision, policy, cfg.InstanceID, principal)

		recordOutcome(cfg.Stats, path, principal.IdentityID(), start, !decision.Allowed)
		if cfg.Prometheus != nil {
			cfg.Prometheus.ObserveDecision(path, algorithmName(decision.Algorithm), decision.ShardID, !decision.Allowed, time.Since(start).Seconds())
		}

		if principal.Kind == APIKeyPrincipal {
			cfg.Resolver.RecordUsageAsync(principal.KeyID)
		}

		if ruleID != "" {
			log.Debug().Str("rule", ruleID).Str("path", path).Msg("matched rate limit rule")
		}

		if !decision.Allowed {
			nowMs := time.Now().UnixMilli()
			return c.Status(fiber.StatusTooManyRequests).JSON(deniedBody{
				Error:      "rate_limited",
				Message:    "rate limit exceeded for this identity and endpoint",
				RetryAfter: decision.RetryAfterSeconds(nowMs),
				Limit:      decision.Limit,
				WindowMs:   policy.Window.Milliseconds(),
				Algorithm:  algorithmName(decision.Algorithm),
			})
		}

		return c.Next()
	}
}

func recordOutcome(s *stats.Engine, path, identityID string, start time.Time, denied bool) {
	if s == nil {
		return
	}
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	s.RecordRequest(path, identityID, latencyMs, denied)
}

func algorithmName(a Algorithm) string {
	switch a {
	case TokenBucket:
		return "token-bucket"
	case SlidingWindow:
		return "sliding-window"
	case FixedWindow:
		return "fixed-window"
	default:
		return "unknown"
	}
}

func writeHeaders(c fiber.Ctx, d Decision, policy Policy, instanceID string, p Principal) {
	nowMs := time.Now().UnixMilli()
	resetSec := d.RetryAfterSeconds(nowMs)
	algo := algorithmName(d.Algorithm)
	windowSec := int64(policy.Window.Seconds())

	c.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Set("RateLimit-Reset", strconv.FormatInt(resetSec, 10))
	c.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d;type=%s", d.Limit, windowSec, algo))

	c.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(resetSec, 10))
	c.Set("X-RateLimit-Algorithm", algo)

	c.Set("X-RateLimit-Instance", instanceID)
	c.Set("X-RateLimit-Shard", d.ShardID)

	if !d.Allowed {
		c.Set("Retry-After", strconv.FormatInt(resetSec, 10))
	}

	if p.Kind == APIKeyPrincipal {
		c.Set("X-API-Key-Tier", p.Tier)
		c.Set("X-Quota-Limit", strconv.FormatInt(p.MonthlyQuota, 10))
		c.Set("X-Quota-Used", strconv.FormatInt(p.CurrentMonthUsage, 10))
		c.Set("X-Quota-Remaining", strconv.FormatInt(p.QuotaRemaining(), 10))
	}

	if d.Error {
		c.Set("X-RateLimit-Error", "true")
	}
}
