package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/biodoia/ratelimiter/pkg/auth"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ContextKey tipo per le chiavi del context
type ContextKey string

const (
	// UserIDKey chiave per l'ID utente nel context
	UserIDKey ContextKey = "user_id"
	// UserEmailKey chiave per l'email utente nel context
	UserEmailKey ContextKey = "user_email"
	// UserRoleKey chiave per il ruolo utente nel context
	UserRoleKey ContextKey = "user_role"
	// APIKeyIDKey chiave per l'ID della API key nel context
	APIKeyIDKey ContextKey = "api_key_id"
)

// AuthConfig configura il gate di autenticazione per le rotte
// amministrative dell'Observability Facade (reset, whitelist, gestione
// regole). Il rate limiting delle richieste applicative è responsabilità
// del Decision Engine, non di questo middleware: qui serve solo a
// proteggere la superficie di amministrazione stessa.
type AuthConfig struct {
	JWTManager    *auth.JWTManager
	APIKeyManager *auth.APIKeyManager
	GetAPIKeyFunc func(keyHash string) (*auth.APIKey, error)
	// AdminRateLimit throttles calls into the admin surface itself
	// (requests per minute per caller), independent of the core limiter.
	AdminRateLimit int
}

type userRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
}

func newUserRateLimiter(requestsPerMinute int) *userRateLimiter {
	return &userRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerMinute) / 60.0,
		burst:    requestsPerMinute,
	}
}

func (rl *userRateLimiter) getLimiter(userID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[userID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[userID] = limiter
		rl.mu.Unlock()
	}

	return limiter
}

func (rl *userRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for userID, limiter := range rl.limiters {
		if limiter.Tokens() == float64(rl.burst) {
			delete(rl.limiters, userID)
		}
	}
}

// Auth gates the administrative surface: it requires a Bearer token or an
// ApiKey header, populates the request context with the resolved
// identity, and (when AdminRateLimit > 0) throttles callers to protect the
// admin endpoints from abuse independent of the core rate limiter.
func Auth(config AuthConfig) fiber.Handler {
	var limiter *userRateLimiter
	if config.AdminRateLimit > 0 {
		limiter = newUserRateLimiter(config.AdminRateLimit)
		ticker := time.NewTicker(5 * time.Minute)
		go func() {
			for range ticker.C {
				limiter.cleanup()
			}
		}()
	}

	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization header",
			})
		}

		var userID, email, role string
		var apiKeyID string

		switch {
		case strings.HasPrefix(authHeader, "Bearer "):
			token := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := config.JWTManager.ValidateToken(token)
			if err != nil {
				log.Debug().Err(err).Msg("JWT validation failed")
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid or expired token",
				})
			}

			userID = claims.UserID
			email = claims.Email
			role = claims.Role
			apiKeyID = claims.ApiKeyID

		case strings.HasPrefix(authHeader, "ApiKey "):
			key := strings.TrimPrefix(authHeader, "ApiKey ")
			keyHash := config.APIKeyManager.HashAPIKey(key)

			apiKey, err := config.GetAPIKeyFunc(keyHash)
			if err != nil {
				log.Debug().Err(err).Msg("API key lookup failed")
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid api key",
				})
			}

			if err := config.APIKeyManager.ValidateAPIKey(key, apiKey); err != nil {
				log.Debug().Err(err).Msg("API key validation failed")
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": err.Error(),
				})
			}

			userID = apiKey.UserID.String()
			role = "api_key"
			apiKeyID = apiKey.ID.String()

		default:
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization format (use 'Bearer <token>' or 'ApiKey <key>')",
			})
		}

		if limiter != nil {
			if !limiter.getLimiter(userID).Allow() {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "admin rate limit exceeded",
				})
			}
		}

		ctx := context.WithValue(c.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, UserEmailKey, email)
		ctx = context.WithValue(ctx, UserRoleKey, role)
		if apiKeyID != "" {
			ctx = context.WithValue(ctx, APIKeyIDKey, apiKeyID)
		}
		c.SetContext(ctx)

		c.Set("X-User-ID", userID)
		if apiKeyID != "" {
			c.Set("X-API-Key-ID", apiKeyID)
		}

		return c.Next()
	}
}

// RequireRole restricts a route to callers whose resolved role matches one
// of roles (or "admin", which always passes).
func RequireRole(roles ...string) fiber.Handler {
	return func(c fiber.Ctx) error {
		userRole := c.Context().Value(UserRoleKey)
		if userRole == nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "insufficient permissions",
			})
		}

		roleStr := userRole.(string)
		for _, role := range roles {
			if roleStr == role || roleStr == "admin" {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient permissions",
		})
	}
}

// GetUserID estrae l'ID utente dal context
func GetUserID(c fiber.Ctx) (uuid.UUID, error) {
	userID := c.Context().Value(UserIDKey)
	if userID == nil {
		return uuid.Nil, fiber.ErrUnauthorized
	}
	return uuid.Parse(userID.(string))
}

// GetUserEmail estrae l'email utente dal context
func GetUserEmail(c fiber.Ctx) (string, error) {
	email := c.Context().Value(UserEmailKey)
	if email == nil {
		return "", fiber.ErrUnauthorized
	}
	return email.(string), nil
}

// GetUserRole estrae il ruolo utente dal context
func GetUserRole(c fiber.Ctx) (string, error) {
	role := c.Context().Value(UserRoleKey)
	if role == nil {
		return "", fiber.ErrUnauthorized
	}
	return role.(string), nil
}
