package ratelimit

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicyRejectsNonPositiveWindow(t *testing.T) {
	_, err := NewPolicy(0, 10, FixedWindow, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewPolicyRejectsNonPositiveMaxRequests(t *testing.T) {
	_, err := NewPolicy(time.Minute, 0, FixedWindow, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewPolicyTokenBucketRequiresBurstAboveMax(t *testing.T) {
	_, err := NewPolicy(time.Minute, 100, TokenBucket, 1.0, 50)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewPolicyTokenBucketRequiresPositiveRefill(t *testing.T) {
	_, err := NewPolicy(time.Minute, 100, TokenBucket, 0, 150)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewPolicyRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewPolicy(time.Minute, 100, Algorithm("bogus"), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewPolicyAcceptsValidTokenBucket(t *testing.T) {
	p, err := NewPolicy(time.Minute, 100, TokenBucket, 1.5, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, p.MaxRequests)
}

func TestNewRuleSetSortsByPriorityDescendingStable(t *testing.T) {
	p, _ := NewPolicy(time.Minute, 10, FixedWindow, 0, 0)
	rules := []Rule{
		{ID: "a", Priority: 5, Enabled: true, PathPattern: regexp.MustCompile(".*"), Policy: p},
		{ID: "b", Priority: 5, Enabled: true, PathPattern: regexp.MustCompile(".*"), Policy: p},
		{ID: "c", Priority: 10, Enabled: true, PathPattern: regexp.MustCompile(".*"), Policy: p},
	}
	set, err := NewRuleSet(rules, p)
	require.NoError(t, err)
	require.Len(t, set.Rules, 3)
	assert.Equal(t, "c", set.Rules[0].ID)
	assert.Equal(t, "a", set.Rules[1].ID, "ties must preserve insertion order")
	assert.Equal(t, "b", set.Rules[2].ID)
}

func TestNewRuleSetRejectsInvalidDefaultPolicy(t *testing.T) {
	bad := Policy{Window: 0, MaxRequests: 10}
	_, err := NewRuleSet(nil, bad)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestNewRuleSetRejectsInvalidRulePolicy(t *testing.T) {
	def, _ := NewPolicy(time.Minute, 10, FixedWindow, 0, 0)
	bad := Rule{ID: "bad", Policy: Policy{Window: 0, MaxRequests: 10}}
	_, err := NewRuleSet([]Rule{bad}, def)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
