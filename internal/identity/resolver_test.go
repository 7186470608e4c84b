package identity

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAnonymousFallsBackToIP(t *testing.T) {
	r := New(Config{})
	p, err := r.Resolve(RequestInfo{RemoteAddr: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Anonymous, p.Kind)
	assert.Equal(t, "203.0.113.5", p.RemoteAddr)
	assert.Equal(t, "ip:203.0.113.5:/x", p.Key("/x"))
}

func TestResolveTrustProxyHonorsForwardedFor(t *testing.T) {
	r := New(Config{TrustProxy: true})
	info := RequestInfo{
		ForwardedFor: "127.0.0.1, 198.51.100.9",
		RemoteAddr:   "10.0.0.1",
	}
	p, err := r.Resolve(info)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", p.RemoteAddr)
}

func TestResolveAPIKeyValid(t *testing.T) {
	mgr := auth.NewAPIKeyManager()
	stored, fullKey, err := mgr.GenerateAPIKey(uuid.New(), "test key", []string{"read"}, "pro", 1000, time.Hour)
	require.NoError(t, err)

	r := New(Config{
		APIKeyManager: mgr,
		LookupAPIKey: func(hash string) (*auth.APIKey, bool) {
			if hash == stored.LookupHash {
				return stored, true
			}
			return nil, false
		},
	})

	p, err := r.Resolve(RequestInfo{APIKeyHeader: fullKey})
	require.NoError(t, err)
	assert.Equal(t, ratelimit.APIKeyPrincipal, p.Kind)
	assert.Equal(t, "pro", p.Tier)
}

func TestResolveAPIKeyQuotaExceeded(t *testing.T) {
	mgr := auth.NewAPIKeyManager()
	stored, fullKey, err := mgr.GenerateAPIKey(uuid.New(), "test key", nil, "free", 10, time.Hour)
	require.NoError(t, err)
	stored.CurrentMonthUsage = 10

	r := New(Config{
		APIKeyManager: mgr,
		LookupAPIKey:  func(hash string) (*auth.APIKey, bool) { return stored, true },
	})

	p, err := r.Resolve(RequestInfo{APIKeyHeader: fullKey})
	assert.ErrorIs(t, err, ratelimit.ErrQuotaExceeded)
	assert.True(t, p.QuotaExceeded())
}

func TestResolveAPIKeyUnknownHash(t *testing.T) {
	mgr := auth.NewAPIKeyManager()
	r := New(Config{
		APIKeyManager: mgr,
		LookupAPIKey:  func(hash string) (*auth.APIKey, bool) { return nil, false },
	})

	_, err := r.Resolve(RequestInfo{APIKeyHeader: "rlk_bogus"})
	assert.ErrorIs(t, err, ratelimit.ErrAuthInvalid)
}

func TestRecordUsageAsyncDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var recorded []string
	done := make(chan struct{})

	r := New(Config{
		RecordUsage: func(keyID string) {
			mu.Lock()
			recorded = append(recorded, keyID)
			if len(recorded) == 2 {
				close(done)
			}
			mu.Unlock()
		},
	})
	defer r.Close()

	r.RecordUsageAsync("key-a")
	r.RecordUsageAsync("key-b")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("usage queue was not drained in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"key-a", "key-b"}, recorded)
}

func TestRecordUsageAsyncIgnoresEmptyKey(t *testing.T) {
	called := false
	r := New(Config{
		RecordUsage: func(keyID string) { called = true },
	})
	defer r.Close()

	r.RecordUsageAsync("")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
}

func TestRecordUsageAsyncDropsOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var recorded []string

	r := New(Config{
		RecordUsage: func(keyID string) {
			<-block // first call blocks the drain goroutine so the queue backs up
			mu.Lock()
			recorded = append(recorded, keyID)
			mu.Unlock()
		},
	})
	defer func() {
		close(block)
		r.Close()
	}()

	r.RecordUsageAsync("first") // picked up immediately, blocks on <-block

	for i := 0; i < usageQueueCapacity; i++ {
		r.RecordUsageAsync("fill")
	}
	// Queue is now full of "fill"; this push must evict the oldest "fill"
	// entry rather than blocking or growing the queue.
	r.RecordUsageAsync("newest")

	assert.Equal(t, usageQueueCapacity, len(r.usageQueue))
}

func TestCheckIPBlacklistWinsOverWhitelist(t *testing.T) {
	_, whitelistNet, _ := net.ParseCIDR("203.0.113.0/24")
	_, blacklistNet, _ := net.ParseCIDR("203.0.113.5/32")

	r := New(Config{
		Whitelist: []*net.IPNet{whitelistNet},
		Blacklist: []*net.IPNet{blacklistNet},
	})

	assert.Equal(t, IPDenied, r.CheckIP("203.0.113.5"))
	assert.Equal(t, IPAllowed, r.CheckIP("203.0.113.6"))
	assert.Equal(t, IPNeutral, r.CheckIP("198.51.100.1"))
}
