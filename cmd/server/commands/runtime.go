package commands

import (
	"fmt"
	"regexp"
	"time"

	"github.com/biodoia/ratelimiter/internal/hashring"
	"github.com/biodoia/ratelimiter/internal/identity"
	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/internal/rules"
	"github.com/biodoia/ratelimiter/internal/server"
	"github.com/biodoia/ratelimiter/internal/stats"
	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/biodoia/ratelimiter/pkg/config"
	"github.com/biodoia/ratelimiter/pkg/database"
	"github.com/biodoia/ratelimiter/pkg/middleware"
	"github.com/biodoia/ratelimiter/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Runtime bundles everything built from a loaded Config: the database
// handle, the server Dependencies, and the underlying pieces commands
// outside "serve" (reset-key, validate-config) need direct access to.
type Runtime struct {
	Cfg  *config.Config
	DB   *database.DB
	Deps server.Dependencies

	jwtManager    *auth.JWTManager
	apiKeyManager *auth.APIKeyManager
}

// BuildRuntime loads the database, identity resolver, rule selector,
// statistics engine, and Decision Engine (distributed + local fallback)
// from cfg. It is shared by "serve" and the administrative one-shot
// commands so they observe exactly the same wiring.
func BuildRuntime(cfg *config.Config) (*Runtime, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:       cfg.JWT.SecretKey,
		Issuer:          cfg.JWT.Issuer,
		AccessDuration:  cfg.JWT.AccessDuration,
		RefreshDuration: cfg.JWT.RefreshDuration,
	})
	apiKeyManager := auth.NewAPIKeyManager()

	statsEngine := stats.New(stats.Config{
		BufferSize:      cfg.Stats.BufferSize,
		EndpointCap:     cfg.Stats.EndpointCap,
		IdentityCap:     cfg.Stats.IdentityCap,
		SnapshotCacheMs: time.Duration(cfg.Stats.SnapshotCacheMs) * time.Millisecond,
	})

	resolver := identity.New(identity.Config{
		JWTManager:    jwtManager,
		APIKeyManager: apiKeyManager,
		LookupAPIKey: func(lookupHash string) (*auth.APIKey, bool) {
			record, err := db.GetAPIKeyByLookupHash(lookupHash)
			if err != nil {
				return nil, false
			}
			return toAuthAPIKey(record), true
		},
		RecordUsage: func(keyID string) {
			if err := db.IncrementAPIKeyUsage(keyID); err != nil {
				return
			}
		},
		TrustProxy:    cfg.TrustProxy,
		AllowQueryKey: false,
	})

	whitelist, err := cfg.ParsedWhitelist()
	if err != nil {
		return nil, fmt.Errorf("ipWhitelist: %w", err)
	}
	blacklist, err := cfg.ParsedBlacklist()
	if err != nil {
		return nil, fmt.Errorf("ipBlacklist: %w", err)
	}
	for _, n := range whitelist {
		resolver.AddWhitelist(n)
	}
	for _, n := range blacklist {
		resolver.AddBlacklist(n)
	}

	defaultPolicy, err := cfg.DefaultPolicy.ToPolicy()
	if err != nil {
		return nil, fmt.Errorf("defaultPolicy: %w", err)
	}
	ruleSet, err := buildRuleSet(cfg.Rules, defaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	selector := rules.NewSelector(ruleSet)

	shardClients := buildShardClients(cfg.Redis)

	var distributed *ratelimit.DistributedLimiter
	if len(shardClients) > 0 {
		distCfg := ratelimit.DefaultDistributedConfig()
		distCfg.VirtualNodes = hashring.DefaultVirtualNodes
		distCfg.OpTimeout = time.Duration(cfg.Redis.OpTimeoutMs) * time.Millisecond
		distCfg.Breaker = cfg.Breaker.ToResilienceConfig()
		distCfg.InstanceID = cfg.InstanceID
		distributed, err = ratelimit.NewDistributedLimiter(distCfg, shardClients)
		if err != nil {
			return nil, fmt.Errorf("building distributed limiter: %w", err)
		}
	}

	prometheusExporter := stats.NewPrometheusExporter(prometheus.DefaultRegisterer)

	local := ratelimit.NewLocalLimiter(0)
	engine := ratelimit.NewEngine(distributed, local, cfg.InstanceID)
	engine.OnFailOpen(func() {
		statsEngine.RecordFailOpen()
		prometheusExporter.ObserveFailOpen()
	})

	deps := server.Dependencies{
		Engine:       engine,
		Distributed:  distributed,
		Selector:     selector,
		Resolver:     resolver,
		Stats:        statsEngine,
		Prometheus:   prometheusExporter,
		ShardClients: shardClients,
		InstanceID:   cfg.InstanceID,
		StartedAt:    time.Now(),
		AdminAuth: middleware.AuthConfig{
			JWTManager:    jwtManager,
			APIKeyManager: apiKeyManager,
			GetAPIKeyFunc: func(keyHash string) (*auth.APIKey, error) {
				record, err := db.GetAPIKeyByLookupHash(keyHash)
				if err != nil {
					return nil, err
				}
				return toAuthAPIKey(record), nil
			},
			AdminRateLimit: cfg.Admin.RateLimit,
		},
	}

	return &Runtime{Cfg: cfg, DB: db, Deps: deps, jwtManager: jwtManager, apiKeyManager: apiKeyManager}, nil
}

// Close releases resources BuildRuntime acquired (the database handle; Redis
// clients are left open for the process lifetime and closed by the OS on
// exit, matching the teacher's own serve.go shutdown scope).
func (r *Runtime) Close() error {
	if r.Deps.Resolver != nil {
		r.Deps.Resolver.Close()
	}
	return r.DB.Close()
}

func toAuthAPIKey(m *models.APIKey) *auth.APIKey {
	k := &auth.APIKey{
		ID:                m.ID,
		UserID:            m.UserID,
		Name:              m.Name,
		KeyHash:           m.KeyHash,
		LookupHash:        m.LookupHash,
		KeyPreview:        m.KeyPreview,
		Permissions:       []string(m.Permissions),
		Tier:              m.Tier,
		MonthlyQuota:      m.MonthlyQuota,
		CurrentMonthUsage: m.CurrentMonthUsage,
		QuotaPeriodStart:  m.QuotaPeriodStart,
		Active:            m.Active,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.ExpiresAt != nil {
		k.ExpiresAt = *m.ExpiresAt
	}
	return k
}

func buildShardClients(cfg config.RedisConfig) map[string]*redis.Client {
	clients := make(map[string]*redis.Client)

	if len(cfg.Cluster.Nodes) > 0 {
		for _, addr := range cfg.Cluster.Nodes {
			clients[addr] = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
		return clients
	}

	if cfg.Host == "" {
		return clients
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	clients[addr] = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return clients
}

func buildRuleSet(rs []config.RuleConfig, def ratelimit.Policy) (*ratelimit.RuleSet, error) {
	rules := make([]ratelimit.Rule, 0, len(rs))
	for _, rc := range rs {
		policy, err := rc.Policy.ToPolicy()
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		var pattern *regexp.Regexp
		if rc.Path != "" {
			pattern, err = regexp.Compile(rc.Path)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid path pattern: %w", rc.ID, err)
			}
		}
		rules = append(rules, ratelimit.Rule{
			ID:          rc.ID,
			Name:        rc.Name,
			PathPattern: pattern,
			Method:      rc.Method,
			Policy:      policy,
			Enabled:     rc.Enabled,
			Priority:    rc.Priority,
		})
	}
	return ratelimit.NewRuleSet(rules, def)
}
