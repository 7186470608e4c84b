package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/pkg/database"
	"github.com/biodoia/ratelimiter/pkg/resilience"
	"github.com/spf13/viper"
)

// Config rappresenta la configurazione completa del servizio di rate limiting
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      database.Config     `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	DefaultPolicy PolicyConfig        `yaml:"defaultPolicy"`
	Rules         []RuleConfig        `yaml:"rules"`
	TrustProxy    bool                `yaml:"trustProxy"`
	IPWhitelist   []string            `yaml:"ipWhitelist"`
	IPBlacklist   []string            `yaml:"ipBlacklist"`
	Stats         StatsConfig         `yaml:"stats"`
	InstanceID    string              `yaml:"instanceId"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	JWT           JWTSettings         `yaml:"jwt"`
	Admin         AdminConfig         `yaml:"admin"`
}

// JWTSettings configures the bearer-token principal the Identity Resolver
// validates, shared with the administrative surface's own Auth gate.
type JWTSettings struct {
	SecretKey       string        `yaml:"secretKey"`
	Issuer          string        `yaml:"issuer"`
	AccessDuration  time.Duration `yaml:"accessDuration"`
	RefreshDuration time.Duration `yaml:"refreshDuration"`
}

// AdminConfig configures the Observability Facade's administrative gate.
type AdminConfig struct {
	RateLimit int `yaml:"rateLimit"` // requests/minute per caller, 0 disables throttling
}

// ServerConfig configurazione del server HTTP
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	TLS  struct {
		Enabled bool   `yaml:"enabled"`
		Cert    string `yaml:"cert"`
		Key     string `yaml:"key"`
	} `yaml:"tls"`
}

// RedisConfig configurazione delle connessioni Redis per lo shard singolo o
// per un cluster di shard, più il timeout per-call del Distributed Client.
type RedisConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Cluster     ClusterConfig `yaml:"cluster"`
	OpTimeoutMs int           `yaml:"opTimeoutMs"`
}

// ClusterConfig lists Redis shard endpoints. When non-empty, each node is
// added to the hash ring instead of the single Host/Port endpoint above.
type ClusterConfig struct {
	Nodes []string `yaml:"nodes"`
}

// BreakerConfig configurazione del circuit breaker per ogni shard Redis
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	SuccessThreshold int `yaml:"successThreshold"`
	CooldownMs       int `yaml:"cooldownMs"`
	RollingWindowMs  int `yaml:"rollingWindowMs"`
}

// PolicyConfig is the YAML-friendly shape of ratelimit.Policy.
type PolicyConfig struct {
	WindowMs          int64   `yaml:"windowMs"`
	MaxRequests       int     `yaml:"maxRequests"`
	Algorithm         string  `yaml:"algorithm"`
	BurstCapacity     int     `yaml:"burstCapacity"`
	TokensPerInterval float64 `yaml:"tokensPerInterval"`
}

// ToPolicy validates and converts a PolicyConfig into a ratelimit.Policy.
// Misconfiguration here is fatal at startup, per the error-handling design.
func (pc PolicyConfig) ToPolicy() (ratelimit.Policy, error) {
	return ratelimit.NewPolicy(
		time.Duration(pc.WindowMs)*time.Millisecond,
		pc.MaxRequests,
		ratelimit.Algorithm(pc.Algorithm),
		pc.TokensPerInterval,
		pc.BurstCapacity,
	)
}

// RuleConfig is the YAML-friendly shape of ratelimit.Rule.
type RuleConfig struct {
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name"`
	Path     string       `yaml:"path"` // regex, compiled as written (use ^ and $ to anchor)
	Method   string       `yaml:"method"`
	Policy   PolicyConfig `yaml:"policy"`
	Enabled  bool         `yaml:"enabled"`
	Priority int          `yaml:"priority"`
}

// StatsConfig configurazione del motore di statistiche
type StatsConfig struct {
	BufferSize      int `yaml:"bufferSize"`
	EndpointCap     int `yaml:"endpointCap"`
	IdentityCap     int `yaml:"identityCap"`
	SnapshotCacheMs int `yaml:"snapshotCacheMs"`
}

// MonitoringConfig configurazione dell'esportatore Prometheus e del logging
type MonitoringConfig struct {
	Prometheus struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"prometheus"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load carica la configurazione da file, con fallback sulle variabili
// d'ambiente e sui default impostati da setDefaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// setDefaults imposta i valori di default per l'intera superficie di
// configurazione, per §6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.connection", "./data/ratelimiter.db")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.opTimeoutMs", 50)

	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.successThreshold", 2)
	v.SetDefault("breaker.cooldownMs", 30000)
	v.SetDefault("breaker.rollingWindowMs", 60000)

	v.SetDefault("defaultPolicy.windowMs", 60000)
	v.SetDefault("defaultPolicy.maxRequests", 100)
	v.SetDefault("defaultPolicy.algorithm", "fixed_window")

	v.SetDefault("trustProxy", false)

	v.SetDefault("stats.bufferSize", 1024)
	v.SetDefault("stats.endpointCap", 500)
	v.SetDefault("stats.identityCap", 1000)
	v.SetDefault("stats.snapshotCacheMs", 1000)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.port", 9090)
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "json")

	v.SetDefault("jwt.issuer", "ratelimiter")
	v.SetDefault("jwt.accessDuration", 15*time.Minute)
	v.SetDefault("jwt.refreshDuration", 24*time.Hour)

	v.SetDefault("admin.rateLimit", 60)
}

// Validate valida l'intera configurazione. Un errore qui è fatale: il
// processo deve rifiutarsi di avviarsi piuttosto che girare con limiti
// indefiniti, per §7.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.TLS.Enabled {
		if _, err := os.Stat(c.Server.TLS.Cert); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate not found: %s", c.Server.TLS.Cert)
		}
		if _, err := os.Stat(c.Server.TLS.Key); os.IsNotExist(err) {
			return fmt.Errorf("TLS key not found: %s", c.Server.TLS.Key)
		}
	}

	if _, err := c.DefaultPolicy.ToPolicy(); err != nil {
		return fmt.Errorf("defaultPolicy: %w", err)
	}

	for _, r := range c.Rules {
		if _, err := r.Policy.ToPolicy(); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}

	if _, err := c.ParsedWhitelist(); err != nil {
		return fmt.Errorf("ipWhitelist: %w", err)
	}
	if _, err := c.ParsedBlacklist(); err != nil {
		return fmt.Errorf("ipBlacklist: %w", err)
	}

	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secretKey must be set")
	}

	return nil
}

// ParsedWhitelist parses IPWhitelist's CIDR strings.
func (c *Config) ParsedWhitelist() ([]*net.IPNet, error) {
	return parseCIDRList(c.IPWhitelist)
}

// ParsedBlacklist parses IPBlacklist's CIDR strings.
func (c *Config) ParsedBlacklist() ([]*net.IPNet, error) {
	return parseCIDRList(c.IPBlacklist)
}

func parseCIDRList(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// ToResilienceConfig converts the YAML breaker block into
// resilience.CircuitBreakerConfig.
func (bc BreakerConfig) ToResilienceConfig() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	if bc.FailureThreshold > 0 {
		cfg.FailureThreshold = bc.FailureThreshold
	}
	if bc.SuccessThreshold > 0 {
		cfg.SuccessThreshold = bc.SuccessThreshold
	}
	if bc.CooldownMs > 0 {
		cfg.Timeout = time.Duration(bc.CooldownMs) * time.Millisecond
	}
	return cfg
}
