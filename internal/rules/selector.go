// Package rules implements the Rule Selector (§4.6): priority-ordered
// regex matching of path and method against an immutable rule set.
//
// No third-party router fits this shape. gorilla/mux (present elsewhere in
// the retrieval pack) dispatches a static route tree built at startup; this
// component instead evaluates an arbitrary, user-supplied, priority-ordered
// list of anchored regexes against one incoming (method, path) pair per
// request, with "highest priority wins, ties by insertion order" semantics
// that a route tree does not express. Standard library regexp is used
// directly.
package rules

import (
	"sync/atomic"

	"github.com/biodoia/ratelimiter/internal/ratelimit"
)

// Selector holds an atomically-swappable RuleSet. Readers always observe a
// consistent set even while an update is in flight.
type Selector struct {
	set atomic.Pointer[ratelimit.RuleSet]
}

// NewSelector builds a Selector initialized with set.
func NewSelector(set *ratelimit.RuleSet) *Selector {
	s := &Selector{}
	s.set.Store(set)
	return s
}

// Swap atomically replaces the active rule set.
func (s *Selector) Swap(set *ratelimit.RuleSet) {
	s.set.Store(set)
}

// Current returns the active rule set, for read-only inspection by the
// administrative rules listing.
func (s *Selector) Current() *ratelimit.RuleSet {
	return s.set.Load()
}

// Select returns the Policy for the highest-priority enabled rule whose
// PathPattern matches path and whose Method is empty or equal to method. If
// no rule matches, the RuleSet's default policy is returned. Rules are
// pre-sorted by NewRuleSet, so the first match in iteration order wins.
func (s *Selector) Select(method, path string) (ratelimit.Policy, string) {
	set := s.set.Load()
	if set == nil {
		return ratelimit.Policy{}, ""
	}
	for _, r := range set.Rules {
		if !r.Enabled {
			continue
		}
		if r.Method != "" && r.Method != method {
			continue
		}
		if r.PathPattern != nil && r.PathPattern.MatchString(path) {
			return r.Policy, r.ID
		}
	}
	return set.Default, ""
}
