package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())

	var seen string
	app.Get("/test", func(c fiber.Ctx) error {
		seen = GetRequestID(c)
		if seen == "" {
			t.Error("Request ID should not be empty")
		}
		return c.SendString("OK")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") != seen {
		t.Errorf("expected X-Request-ID header %q to match context value, got %q", seen, resp.Header.Get("X-Request-ID"))
	}
}

func TestRecovery(t *testing.T) {
	app := fiber.New()
	app.Use(RecoveryWithLogger())

	app.Get("/panic", func(c fiber.Ctx) error {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected panic to be recovered into a 500, got %d", resp.StatusCode)
	}
}

func TestJWTManager(t *testing.T) {
	manager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:       "test-secret",
		Issuer:          "test",
		AccessDuration:  15 * time.Minute,
		RefreshDuration: 24 * time.Hour,
	})

	userID := uuid.New().String()
	email := "test@example.com"
	role := "user"

	token, err := manager.GenerateAccessToken(userID, email, role, "read", "write")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}

	if claims.UserID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, claims.UserID)
	}
	if claims.Email != email {
		t.Errorf("Expected email %s, got %s", email, claims.Email)
	}
	if claims.Role != role {
		t.Errorf("Expected role %s, got %s", role, claims.Role)
	}
	if !claims.HasPermission("read") {
		t.Error("Expected claims to carry the read permission")
	}

	refreshToken, err := manager.GenerateRefreshToken(userID)
	if err != nil {
		t.Fatalf("Failed to generate refresh token: %v", err)
	}

	validatedUserID, err := manager.ValidateRefreshToken(refreshToken)
	if err != nil {
		t.Fatalf("Failed to validate refresh token: %v", err)
	}

	if validatedUserID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, validatedUserID)
	}
}

func TestAPIKeyManager(t *testing.T) {
	manager := auth.NewAPIKeyManager()
	userID := uuid.New()

	apiKey, plainKey, err := manager.GenerateAPIKey(
		userID,
		"Test Key",
		[]string{"read", "write"},
		"premium",
		1000,
		365*24*time.Hour,
	)
	if err != nil {
		t.Fatalf("Failed to generate API key: %v", err)
	}

	if apiKey.UserID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, apiKey.UserID)
	}

	if plainKey == "" {
		t.Error("Plain key should not be empty")
	}

	if !apiKey.Active {
		t.Error("Expected newly generated key to be active")
	}

	err = manager.ValidateAPIKey(plainKey, apiKey)
	if err != nil {
		t.Errorf("Failed to validate API key: %v", err)
	}

	err = manager.ValidateAPIKey("invalid_key", apiKey)
	if err == nil {
		t.Error("Expected validation to fail for invalid key")
	}

	hash := manager.HashAPIKey(plainKey)
	if hash == "" {
		t.Error("Hash should not be empty")
	}
	if hash != apiKey.LookupHash {
		t.Error("Expected HashAPIKey to match the key's own LookupHash")
	}

	manager.RevokeAPIKey(apiKey)
	if apiKey.Active {
		t.Error("Expected RevokeAPIKey to clear Active")
	}
	err = manager.ValidateAPIKey(plainKey, apiKey)
	if err != auth.ErrAPIKeyRevoked {
		t.Error("Expected key to be revoked")
	}
}

func TestAPIKeyPermissions(t *testing.T) {
	apiKey := &auth.APIKey{
		Permissions: []string{"read", "write"},
	}

	if !apiKey.HasPermission("read") {
		t.Error("Expected key to have read permission")
	}

	if !apiKey.HasPermission("write") {
		t.Error("Expected key to have write permission")
	}

	if apiKey.HasPermission("admin") {
		t.Error("Expected key to not have admin permission")
	}

	wildcardKey := &auth.APIKey{
		Permissions: []string{"*"},
	}

	if !wildcardKey.HasPermission("anything") {
		t.Error("Expected wildcard key to have any permission")
	}
}

func TestAPIKeyExpiration(t *testing.T) {
	expiredKey := &auth.APIKey{
		ExpiresAt: time.Now().Add(-1 * time.Hour),
	}
	if !expiredKey.IsExpired() {
		t.Error("Expected key to be expired")
	}

	futureKey := &auth.APIKey{
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if futureKey.IsExpired() {
		t.Error("Expected key to not be expired")
	}
}

func TestAPIKeyQuota(t *testing.T) {
	key := &auth.APIKey{MonthlyQuota: 100, CurrentMonthUsage: 100}
	if !key.QuotaExceeded() {
		t.Error("Expected quota to be exceeded when usage equals the monthly quota")
	}
	if key.QuotaRemaining() != 0 {
		t.Error("Expected zero remaining quota")
	}

	fresh := &auth.APIKey{MonthlyQuota: 100, CurrentMonthUsage: 40}
	if fresh.QuotaExceeded() {
		t.Error("Expected quota to not be exceeded")
	}
	if fresh.QuotaRemaining() != 60 {
		t.Errorf("Expected 60 remaining, got %d", fresh.QuotaRemaining())
	}
}

func BenchmarkJWTGeneration(b *testing.B) {
	manager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:       "test-secret",
		Issuer:          "test",
		AccessDuration:  15 * time.Minute,
		RefreshDuration: 24 * time.Hour,
	})

	userID := uuid.New().String()
	email := "test@example.com"
	role := "user"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := manager.GenerateAccessToken(userID, email, role)
		if err != nil {
			b.Fatalf("Failed to generate token: %v", err)
		}
	}
}

func BenchmarkJWTValidation(b *testing.B) {
	manager := auth.NewJWTManager(auth.JWTConfig{
		SecretKey:       "test-secret",
		Issuer:          "test",
		AccessDuration:  15 * time.Minute,
		RefreshDuration: 24 * time.Hour,
	})

	token, _ := manager.GenerateAccessToken(uuid.New().String(), "test@example.com", "user")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := manager.ValidateToken(token)
		if err != nil {
			b.Fatalf("Failed to validate token: %v", err)
		}
	}
}

func BenchmarkAPIKeyGeneration(b *testing.B) {
	manager := auth.NewAPIKeyManager()
	userID := uuid.New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := manager.GenerateAPIKey(
			userID,
			"Test Key",
			[]string{"read", "write"},
			"free",
			100,
			365*24*time.Hour,
		)
		if err != nil {
			b.Fatalf("Failed to generate API key: %v", err)
		}
	}
}
