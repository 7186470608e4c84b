package server

import (
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
)

// handlers groups the Observability Facade's route implementations. All
// methods read from deps; none of them sit on the hot decision path.
type handlers struct {
	deps Dependencies
}

// health answers the liveness/readiness contract: overall status, redis
// reachability (probed directly, bypassing the breaker, so a circuit that
// tripped a second ago doesn't masquerade as "redis down"), and the
// per-shard breaker states. With a distributed limiter configured and no
// shard answering a ping, the status is "degraded" (still 200), and
// "unhealthy" with 503 only when no breaker state is reported either. An
// instance without a distributed limiter always reports "ok": the local
// fallback alone is enough to serve traffic.
func (h *handlers) health(c fiber.Ctx) error {
	uptime := time.Since(h.deps.StartedAt).Seconds()

	redisConnected := false
	var latencyMs *float64
	if len(h.deps.ShardClients) > 0 {
		start := time.Now()
		for _, client := range h.deps.ShardClients {
			if err := client.Ping(c.Context()).Err(); err == nil {
				redisConnected = true
				ms := time.Since(start).Seconds() * 1000
				latencyMs = &ms
				break
			}
		}
	}

	breakers := map[string]string{}
	if h.deps.Engine.DistributedEnabled() {
		breakers = h.deps.Engine.BreakerStates()
		if h.deps.Prometheus != nil {
			for shard, state := range breakers {
				h.deps.Prometheus.SetBreakerState(shard, breakerStateValue(state))
			}
		}
	}

	status := "ok"
	code := fiber.StatusOK
	if h.deps.Engine.DistributedEnabled() && !redisConnected {
		status = "degraded"
	}
	if h.deps.Engine.DistributedEnabled() && !redisConnected && len(breakers) == 0 {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"uptimeSec": uptime,
		"redis": fiber.Map{
			"connected": redisConnected,
			"latencyMs": latencyMs,
		},
		"breaker": breakers,
	})
}

// breakerStateValue maps a breaker's string state to the numeric encoding
// PrometheusExporter.SetBreakerState publishes (closed=0, open=1, half-open=2).
func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

// statsHandler exposes the Statistics Engine's cached snapshot.
func (h *handlers) statsHandler(c fiber.Ctx) error {
	return c.JSON(h.deps.Stats.Snapshot())
}

// performance is a thin alias over the same snapshot, kept as its own route
// because it is the name operators dashboard against for percentile and
// resource-usage trends, separate from the request/denial counters /stats
// emphasizes.
func (h *handlers) performance(c fiber.Ctx) error {
	snap := h.deps.Stats.Snapshot()
	return c.JSON(fiber.Map{
		"p50":         snap.P50,
		"p95":         snap.P95,
		"p99":         snap.P99,
		"rps":         snap.RPS,
		"memoryBytes": snap.MemoryBytes,
		"goroutines":  snap.Goroutines,
		"uptimeSec":   snap.UptimeSec,
	})
}

type resetRequest struct {
	Key string `json:"key"`
}

// resetKey clears any rate-limit state held for a single key, in both the
// distributed limiter and the local fallback, independent of which one is
// currently serving traffic.
func (h *handlers) resetKey(c fiber.Ctx) error {
	var req resetRequest
	if err := c.Bind().JSON(&req); err != nil || req.Key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key is required"})
	}
	if err := h.deps.Engine.ResetKey(c.Context(), req.Key); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"reset": req.Key})
}

type cidrRequest struct {
	CIDR string `json:"cidr"`
}

// addWhitelist appends a CIDR to the IP allow list without a restart.
func (h *handlers) addWhitelist(c fiber.Ctx) error {
	return h.addIPRule(c, h.deps.Resolver.AddWhitelist)
}

// addBlacklist appends a CIDR to the IP deny list without a restart.
func (h *handlers) addBlacklist(c fiber.Ctx) error {
	return h.addIPRule(c, h.deps.Resolver.AddBlacklist)
}

func (h *handlers) addIPRule(c fiber.Ctx, add func(*net.IPNet)) error {
	var req cidrRequest
	if err := c.Bind().JSON(&req); err != nil || req.CIDR == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cidr is required"})
	}
	_, ipNet, err := net.ParseCIDR(req.CIDR)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid cidr: " + err.Error()})
	}
	add(ipNet)
	return c.JSON(fiber.Map{"added": req.CIDR})
}

type ruleView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Policy   struct {
		Algorithm   string `json:"algorithm"`
		WindowMs    int64  `json:"windowMs"`
		MaxRequests int    `json:"maxRequests"`
	} `json:"policy"`
}

// listRules reports the currently active rule set, as loaded into the Rule
// Selector, in priority order.
func (h *handlers) listRules(c fiber.Ctx) error {
	set := h.deps.Selector.Current()
	if set == nil {
		return c.JSON([]ruleView{})
	}
	views := make([]ruleView, 0, len(set.Rules))
	for _, r := range set.Rules {
		v := ruleView{
			ID:       r.ID,
			Name:     r.Name,
			Method:   r.Method,
			Enabled:  r.Enabled,
			Priority: r.Priority,
		}
		if r.PathPattern != nil {
			v.Path = r.PathPattern.String()
		}
		v.Policy.Algorithm = string(r.Policy.Algorithm)
		v.Policy.WindowMs = r.Policy.Window.Milliseconds()
		v.Policy.MaxRequests = r.Policy.MaxRequests
		views = append(views, v)
	}
	return c.JSON(views)
}
