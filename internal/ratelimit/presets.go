package ratelimit

import "time"

// TierPolicies is the default tier-to-policy map (§6), keyed by API key
// tier. Neither config loading nor the Identity Resolver reads this map:
// an API key's tier does not select its policy.
func TierPolicies() map[string]Policy {
	free, _ := NewPolicy(time.Minute, 100, FixedWindow, 0, 0)
	premium, _ := NewPolicy(time.Minute, 1000, TokenBucket, 1000.0, 150)
	enterprise, _ := NewPolicy(time.Minute, 10000, TokenBucket, 10000.0, 1500)

	return map[string]Policy{
		"free":       free,
		"premium":    premium,
		"enterprise": enterprise,
	}
}

// RolePolicies is the default role-to-policy map (§6), keyed by bearer
// token role. Nothing applies it: token principals get the rule-selected
// policy like any other principal.
func RolePolicies() map[string]Policy {
	admin, _ := NewPolicy(time.Minute, 10000, TokenBucket, 10000.0, 1500)
	premium, _ := NewPolicy(time.Minute, 1000, TokenBucket, 1000.0, 150)
	user, _ := NewPolicy(time.Minute, 500, SlidingWindow, 0, 0)
	guest, _ := NewPolicy(time.Minute, 100, FixedWindow, 0, 0)

	return map[string]Policy{
		"admin":   admin,
		"premium": premium,
		"user":    user,
		"guest":   guest,
	}
}

// Builder assembles a RuleSet fluently, grounded on the teacher's
// configuration builder idiom. It is a convenience for programmatic
// construction (tests, the admin API); rules from config files are turned
// into a RuleSet by buildRuleSet in cmd/server/commands.
type Builder struct {
	rules   []Rule
	def     Policy
	nextPri int
}

// NewBuilder starts a Builder with defaultPolicy as the RuleSet's fallback.
func NewBuilder(defaultPolicy Policy) *Builder {
	return &Builder{def: defaultPolicy}
}

// WithRule appends a rule. Rules added earlier get a lower priority than
// ones added later unless priority is set explicitly via WithRuleAt.
func (b *Builder) WithRule(r Rule) *Builder {
	if r.Priority == 0 {
		b.nextPri++
		r.Priority = b.nextPri
	}
	b.rules = append(b.rules, r)
	return b
}

// WithRuleAt appends a rule pinned to an explicit priority.
func (b *Builder) WithRuleAt(r Rule, priority int) *Builder {
	r.Priority = priority
	b.rules = append(b.rules, r)
	return b
}

// Build validates the accumulated rules and default policy and returns the
// finished RuleSet.
func (b *Builder) Build() (*RuleSet, error) {
	return NewRuleSet(b.rules, b.def)
}
