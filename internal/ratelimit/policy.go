// Package ratelimit implements the rate-limiting decision engine: policies,
// rules, the Redis-backed distributed limiter, the in-process fallback
// limiter, and the circuit breaker that routes between them.
package ratelimit

import (
	"fmt"
	"regexp"
	"time"
)

// Algorithm identifies one of the three counting strategies a Policy uses.
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
)

// Policy is an immutable rate-limit configuration. Construct with NewPolicy
// so the algorithm-specific invariants are checked once, at load time.
type Policy struct {
	Window            time.Duration
	MaxRequests       int
	Algorithm         Algorithm
	TokensPerInterval float64 // token bucket only: tokens refilled per Window
	BurstCapacity     int     // token bucket only: bucket capacity
}

// RefillPerSec converts TokensPerInterval (tokens refilled per Window) into
// the tokens/sec rate the bucket actually refills at. A policy refilling 10
// tokens over a 60s window adds ~0.167 tokens/sec, not 10.
func (p Policy) RefillPerSec() float64 {
	return p.TokensPerInterval / p.Window.Seconds()
}

// NewPolicy validates and returns a Policy. Misconfiguration is fatal at
// startup per the error-handling design: the process refuses to start
// rather than run with an ill-defined limit.
func NewPolicy(window time.Duration, maxRequests int, algo Algorithm, tokensPerInterval float64, burstCapacity int) (Policy, error) {
	p := Policy{
		Window:            window,
		MaxRequests:       maxRequests,
		Algorithm:         algo,
		TokensPerInterval: tokensPerInterval,
		BurstCapacity:     burstCapacity,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the invariants from the data model: windowMs > 0,
// maxRequests > 0, and for TokenBucket, burstCapacity >= maxRequests and
// tokensPerInterval > 0.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: maxRequests must be positive, got %d", ErrInvalidPolicy, p.MaxRequests)
	}
	switch p.Algorithm {
	case TokenBucket:
		if p.BurstCapacity < p.MaxRequests {
			return fmt.Errorf("%w: burstCapacity (%d) must be >= maxRequests (%d)", ErrInvalidPolicy, p.BurstCapacity, p.MaxRequests)
		}
		if p.TokensPerInterval <= 0 {
			return fmt.Errorf("%w: tokensPerInterval must be positive for token bucket", ErrInvalidPolicy)
		}
	case SlidingWindow, FixedWindow:
		// no additional invariants
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidPolicy, p.Algorithm)
	}
	return nil
}

// Rule pairs a path/method match against a Policy. Rules are evaluated in
// priority order (highest first, ties broken by insertion order) by the
// Rule Selector.
type Rule struct {
	ID          string
	Name        string
	PathPattern *regexp.Regexp
	Method      string // empty matches any method
	Policy      Policy
	Enabled     bool
	Priority    int
}

// RuleSet is an ordered, immutable collection of rules plus the mandatory
// default policy applied when nothing matches. Build with NewRuleSet;
// callers swap RuleSets atomically via atomic.Pointer (see Selector).
type RuleSet struct {
	Rules   []Rule
	Default Policy
}

// NewRuleSet sorts rules by descending priority, preserving insertion order
// among ties (stable sort), and returns the set. The default policy is
// validated as any other Policy would be.
func NewRuleSet(rules []Rule, def Policy) (*RuleSet, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	for i := range rules {
		if err := rules[i].Policy.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rules[i].ID, err)
		}
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	stableSortByPriorityDesc(sorted)
	return &RuleSet{Rules: sorted, Default: def}, nil
}

// stableSortByPriorityDesc is a small insertion sort: rule sets are small
// (tens of entries), and insertion sort is stable without importing sort's
// interface-based Stable, which would need an extra type per call site.
func stableSortByPriorityDesc(rules []Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority > rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}
