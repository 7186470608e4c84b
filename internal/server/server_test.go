package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/biodoia/ratelimiter/internal/identity"
	"github.com/biodoia/ratelimiter/internal/ratelimit"
	"github.com/biodoia/ratelimiter/internal/rules"
	"github.com/biodoia/ratelimiter/internal/stats"
	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/biodoia/ratelimiter/pkg/middleware"
	"github.com/google/uuid"
)

func testDeps(t *testing.T) (Dependencies, *auth.JWTManager) {
	t.Helper()

	engine := ratelimit.NewEngine(nil, ratelimit.NewLocalLimiter(0), "test-instance")
	statsEngine := stats.New(stats.DefaultConfig())
	engine.OnFailOpen(statsEngine.RecordFailOpen)

	def, err := ratelimit.NewPolicy(time.Minute, 100, ratelimit.FixedWindow, 0, 0)
	if err != nil {
		t.Fatalf("building default policy: %v", err)
	}
	set, err := ratelimit.NewRuleSet(nil, def)
	if err != nil {
		t.Fatalf("building rule set: %v", err)
	}
	selector := rules.NewSelector(set)

	resolver := identity.New(identity.Config{})

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:      "test-secret",
		Issuer:         "ratelimiter-test",
		AccessDuration: time.Hour,
	})

	deps := Dependencies{
		Engine:     engine,
		Selector:   selector,
		Resolver:   resolver,
		Stats:      statsEngine,
		InstanceID: "test-instance",
		StartedAt:  time.Now().Add(-time.Minute),
		AdminAuth: middleware.AuthConfig{
			JWTManager: jwtManager,
		},
	}
	return deps, jwtManager
}

func decodeJSON(t *testing.T, body io.Reader, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHealthReportsOkWithoutDistributedLimiter(t *testing.T) {
	deps, _ := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}

func TestStatsRouteReturnsSnapshot(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Stats.RecordRequest("/widgets", "ip:1.2.3.4", 12.5, false)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap stats.Snapshot
	decodeJSON(t, resp.Body, &snap)
	if snap.TotalRequests != 1 {
		t.Errorf("expected 1 total request, got %d", snap.TotalRequests)
	}
}

func TestPerformanceRouteReturnsPercentiles(t *testing.T) {
	deps, _ := testDeps(t)
	deps.Stats.RecordRequest("/widgets", "ip:1.2.3.4", 42, false)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/performance", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesRejectMissingAuth(t *testing.T) {
	deps, _ := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func adminToken(t *testing.T, jwtManager *auth.JWTManager) string {
	t.Helper()
	token, err := jwtManager.GenerateAccessToken(uuid.New().String(), "admin@example.com", "admin")
	if err != nil {
		t.Fatalf("generating admin token: %v", err)
	}
	return token
}

func TestAdminListRulesWithValidToken(t *testing.T) {
	deps, jwtManager := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, jwtManager))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var rulesList []ruleView
	decodeJSON(t, resp.Body, &rulesList)
	if len(rulesList) != 0 {
		t.Errorf("expected no configured rules, got %d", len(rulesList))
	}
}

func TestAdminResetKeyRequiresKey(t *testing.T) {
	deps, jwtManager := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, jwtManager))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAdminResetKeyClearsState(t *testing.T) {
	deps, jwtManager := testDeps(t)
	app := New(deps)

	key := "ip:1.2.3.4:/widgets"
	p, err := ratelimit.NewPolicy(time.Minute, 1, ratelimit.FixedWindow, 0, 0)
	if err != nil {
		t.Fatalf("building policy: %v", err)
	}
	deps.Engine.Check(context.Background(), p, key)
	if deps.Engine.Check(context.Background(), p, key).Allowed {
		t.Fatalf("expected the key to be exhausted before the reset")
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", strings.NewReader(`{"key":"ip:1.2.3.4:/widgets"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, jwtManager))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !deps.Engine.Check(context.Background(), p, key).Allowed {
		t.Errorf("expected the key to be allowed again after the reset")
	}
}

func TestAdminAddWhitelistAcceptsCIDR(t *testing.T) {
	deps, jwtManager := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/whitelist", strings.NewReader(`{"cidr":"10.0.0.0/8"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, jwtManager))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if deps.Resolver.CheckIP("10.1.2.3") != identity.IPAllowed {
		t.Error("expected 10.1.2.3 to be allowed after whitelisting 10.0.0.0/8")
	}
}

func TestAdminAddBlacklistRejectsInvalidCIDR(t *testing.T) {
	deps, jwtManager := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/admin/blacklist", strings.NewReader(`{"cidr":"not-a-cidr"}`))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, jwtManager))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	deps, _ := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	deps, _ := testDeps(t)
	app := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
