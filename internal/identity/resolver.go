// Package identity implements the Identity Resolver (§4.5): credential
// extraction in priority order (API key > bearer token > IP), key/token
// validation, and the principal-to-key derivation the Decision Engine
// consumes.
package identity

import (
	"net"
	"strings"
	"sync"

	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/rs/zerolog/log"
)

// APIKeyLookup resolves a SHA-256 lookup hash to a stored API key. Returning
// (nil, false) means no such key exists.
type APIKeyLookup func(lookupHash string) (*auth.APIKey, bool)

// UsageRecorder is invoked asynchronously after a successful decision to
// increment an API key's monthly usage counter. It must never block the
// request; RecordUsageAsync hands it off to the resolver's bounded queue.
type UsageRecorder func(keyID string)

// usageQueueCapacity bounds the in-memory usage-recording queue: during a
// sustained database outage the drain goroutine falls behind, but the
// resolver must never grow unbounded goroutines or memory to compensate.
// Overflow drops the oldest queued key, not the newest.
const usageQueueCapacity = 10_000

// Config wires the resolver's dependencies.
type Config struct {
	JWTManager    *auth.JWTManager
	APIKeyManager *auth.APIKeyManager
	LookupAPIKey  APIKeyLookup
	RecordUsage   UsageRecorder

	TrustProxy    bool
	AllowQueryKey bool // honor ?api_key= in addition to X-API-Key

	Whitelist []*net.IPNet
	Blacklist []*net.IPNet
}

// Resolver extracts and validates credentials from an inbound request.
type Resolver struct {
	cfg Config

	ipMu      sync.RWMutex
	whitelist []*net.IPNet
	blacklist []*net.IPNet

	usageQueue chan string
	stopDrain  chan struct{}
	drainOnce  sync.Once
	drainDone  chan struct{}
}

// New builds a Resolver and, when cfg.RecordUsage is set, starts the
// background goroutine draining its bounded usage queue.
func New(cfg Config) *Resolver {
	r := &Resolver{
		cfg:        cfg,
		whitelist:  cfg.Whitelist,
		blacklist:  cfg.Blacklist,
		usageQueue: make(chan string, usageQueueCapacity),
		stopDrain:  make(chan struct{}),
		drainDone:  make(chan struct{}),
	}
	if cfg.RecordUsage != nil {
		go r.drainUsageQueue()
	} else {
		close(r.drainDone)
	}
	return r
}

// drainUsageQueue runs for the resolver's lifetime, recording each queued
// key's usage one at a time. A slow or failing RecordUsage backs up the
// channel rather than spawning concurrent DB calls per request.
func (r *Resolver) drainUsageQueue() {
	defer close(r.drainDone)
	for {
		select {
		case keyID := <-r.usageQueue:
			r.cfg.RecordUsage(keyID)
		case <-r.stopDrain:
			return
		}
	}
}

// Close stops the usage-queue drain goroutine and waits for it to exit.
func (r *Resolver) Close() {
	r.drainOnce.Do(func() { close(r.stopDrain) })
	<-r.drainDone
}

// AddWhitelist appends a CIDR to the allow list at runtime, used by the
// administrative whitelist endpoint.
func (r *Resolver) AddWhitelist(n *net.IPNet) {
	r.ipMu.Lock()
	r.whitelist = append(r.whitelist, n)
	r.ipMu.Unlock()
}

// AddBlacklist appends a CIDR to the deny list at runtime, used by the
// administrative blacklist endpoint.
func (r *Resolver) AddBlacklist(n *net.IPNet) {
	r.ipMu.Lock()
	r.blacklist = append(r.blacklist, n)
	r.ipMu.Unlock()
}

// RequestInfo is the transport-agnostic view of an inbound request the
// resolver needs. Framework adapters (e.g. the fiber middleware) populate
// this from the live request.
type RequestInfo struct {
	APIKeyHeader    string
	APIKeyQueryParam string
	AuthorizationHeader string
	ForwardedFor    string
	RemoteAddr      string
}

// IPDecision communicates an early allow/deny from the IP allow/deny list,
// checked before any credential resolution (§6's ipWhitelist/ipBlacklist).
type IPDecision int

const (
	IPNeutral IPDecision = iota
	IPAllowed
	IPDenied
)

// CheckIP classifies the resolved remote address against the configured
// CIDR lists. The blacklist is checked first: a blacklist hit always denies
// regardless of any whitelist entry, since blacklist is the stronger,
// security-relevant signal. A whitelist hit bypasses rate limiting.
func (r *Resolver) CheckIP(remoteAddr string) IPDecision {
	ip := net.ParseIP(remoteAddr)
	if ip == nil {
		return IPNeutral
	}
	r.ipMu.RLock()
	defer r.ipMu.RUnlock()
	for _, n := range r.blacklist {
		if n.Contains(ip) {
			return IPDenied
		}
	}
	for _, n := range r.whitelist {
		if n.Contains(ip) {
			return IPAllowed
		}
	}
	return IPNeutral
}

// RemoteAddr resolves the effective client address, honoring trust-proxy
// configuration: when enabled, the first non-loopback value in
// X-Forwarded-For is used; otherwise the socket address.
func (r *Resolver) RemoteAddr(info RequestInfo) string {
	if r.cfg.TrustProxy && info.ForwardedFor != "" {
		for _, part := range strings.Split(info.ForwardedFor, ",") {
			addr := strings.TrimSpace(part)
			ip := net.ParseIP(addr)
			if ip != nil && !ip.IsLoopback() {
				return addr
			}
		}
	}
	return info.RemoteAddr
}

// Resolve extracts credentials in priority order and returns the resolved
// Principal. It never returns an error for the Anonymous fallback path;
// ErrAuthInvalid/ErrQuotaExceeded are returned only when a
// credential was actually presented and failed validation, since a bare
// missing credential silently falls through to IP identity per §4.5 (the
// "AuthMissing" kind applies to routes that require a credential, enforced
// by the host application above this resolver, not by the resolver itself).
func (r *Resolver) Resolve(info RequestInfo) (ratelimit.Principal, error) {
	apiKey := info.APIKeyHeader
	if apiKey == "" && r.cfg.AllowQueryKey {
		apiKey = info.APIKeyQueryParam
	}
	if apiKey != "" {
		return r.resolveAPIKey(apiKey)
	}

	if strings.HasPrefix(info.AuthorizationHeader, "Bearer ") {
		token := strings.TrimPrefix(info.AuthorizationHeader, "Bearer ")
		return r.resolveToken(token)
	}

	return ratelimit.Principal{
		Kind:       ratelimit.Anonymous,
		RemoteAddr: r.RemoteAddr(info),
	}, nil
}

func (r *Resolver) resolveAPIKey(key string) (ratelimit.Principal, error) {
	if r.cfg.APIKeyManager == nil || r.cfg.LookupAPIKey == nil {
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	lookupHash := r.cfg.APIKeyManager.HashAPIKey(key)
	stored, found := r.cfg.LookupAPIKey(lookupHash)
	if !found {
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	if err := r.cfg.APIKeyManager.ValidateAPIKey(key, stored); err != nil {
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	if !stored.Active {
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	principal := ratelimit.Principal{
		Kind:              ratelimit.APIKeyPrincipal,
		KeyID:             stored.ID.String(),
		Tier:              stored.Tier,
		MonthlyQuota:      stored.MonthlyQuota,
		CurrentMonthUsage: stored.CurrentMonthUsage,
	}

	if principal.QuotaExceeded() {
		return principal, ratelimit.ErrQuotaExceeded
	}

	return principal, nil
}

func (r *Resolver) resolveToken(token string) (ratelimit.Principal, error) {
	if r.cfg.JWTManager == nil {
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	claims, err := r.cfg.JWTManager.ValidateToken(token)
	if err != nil {
		log.Debug().Err(err).Msg("bearer token validation failed")
		return ratelimit.Principal{}, ratelimit.ErrAuthInvalid
	}

	return ratelimit.Principal{
		Kind:        ratelimit.TokenPrincipal,
		Subject:     claims.Subject,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// RecordUsageAsync enqueues keyID onto the bounded usage queue so the
// background drain goroutine records it without ever delaying the
// response. When the queue is full (the drain goroutine has fallen behind,
// typically during a database outage), the oldest queued key is dropped to
// make room for this one rather than blocking or spawning another
// goroutine.
func (r *Resolver) RecordUsageAsync(keyID string) {
	if r.cfg.RecordUsage == nil || keyID == "" {
		return
	}
	select {
	case r.usageQueue <- keyID:
		return
	default:
	}
	select {
	case <-r.usageQueue:
	default:
	}
	select {
	case r.usageQueue <- keyID:
	default:
		// Lost the race with the drain goroutine for the freed slot; the
		// queue is full again and this key is dropped.
	}
}
