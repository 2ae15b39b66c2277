package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/visitor"
)

const (
	// defaultMinAuthDuration is the floor on auth time so failures and
	// successes are indistinguishable by latency.
	defaultMinAuthDuration = 200 * time.Millisecond
	lastUsedTimeout        = 5 * time.Second
)

// KeyStore looks up API keys. repository.Repository satisfies it.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// AuthCache caches verified auth contexts. cache.Cache satisfies it.
type AuthCache interface {
	GetAuthContext(ctx context.Context, cacheKey string) (*model.AuthContext, error)
	SetAuthContext(ctx context.Context, cacheKey string, auth *model.AuthContext) error
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger *slog.Logger
	Keys   KeyStore
	// Cache is optional; without it every request verifies the argon2id hash.
	Cache AuthCache
	// MinDuration overrides the timing floor. Negative disables it.
	MinDuration time.Duration
}

// Auth returns a middleware that authenticates API requests.
// It extracts the API key from the Authorization or X-API-Key header,
// verifies it, and injects the auth context into the request.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger.With("component", "middleware.auth")
	minDuration := cfg.MinDuration
	if minDuration == 0 {
		minDuration = defaultMinAuthDuration
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fail := func(reason string) {
				logger.Warn("auth_failed",
					"reason", reason,
					"ip", visitor.ClientIP(r),
					"endpoint", r.Method+" "+r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				if wait := minDuration - time.Since(start); wait > 0 {
					time.Sleep(wait)
				}
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
			}

			key := extractAPIKey(r)
			if key == "" {
				fail("missing_key")
				return
			}

			parsed, err := auth.ParseAPIKey(key)
			if err != nil {
				fail("invalid_format")
				return
			}

			cacheKey := auth.CacheKey(key)
			if cfg.Cache != nil {
				if authCtx, _ := cfg.Cache.GetAuthContext(r.Context(), cacheKey); authCtx != nil {
					logger.Debug("auth_success",
						"key_id", authCtx.KeyID,
						"account_id", authCtx.AccountID,
						"cache_hit", true,
						"request_id", GetRequestID(r.Context()),
					)
					next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(r.Context(), authCtx)))
					return
				}
			}

			candidates, err := cfg.Keys.GetAPIKeysByPrefix(r.Context(), parsed.Prefix)
			if err != nil {
				logger.Error("auth_lookup_failed",
					"error", err,
					"request_id", GetRequestID(r.Context()),
				)
				fail("lookup_error")
				return
			}

			// Several keys may share a prefix; verify each.
			var matched *model.APIKey
			for _, k := range candidates {
				if k.IsRevoked() {
					continue
				}
				if ok, err := auth.VerifyKey(key, k.KeyHash); err == nil && ok {
					matched = k
					break
				}
			}
			if matched == nil {
				fail("invalid_key")
				return
			}

			authCtx := model.NewAuthContext(matched)
			if cfg.Cache != nil {
				if err := cfg.Cache.SetAuthContext(r.Context(), cacheKey, authCtx); err != nil {
					logger.Warn("auth_cache_set_failed", "error", err)
				}
			}

			go func(ctx context.Context, id string) {
				ctx, cancel := context.WithTimeout(ctx, lastUsedTimeout)
				defer cancel()
				if err := cfg.Keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
					logger.Warn("api_key_last_used_failed", "key_id", id, "error", err)
				}
			}(context.WithoutCancel(r.Context()), matched.ID)

			logger.Debug("auth_success",
				"key_id", authCtx.KeyID,
				"account_id", authCtx.AccountID,
				"cache_hit", false,
				"request_id", GetRequestID(r.Context()),
			)

			if wait := minDuration - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(r.Context(), authCtx)))
		})
	}
}

// extractAPIKey supports "Authorization: Bearer <key>" and "X-API-Key: <key>".
func extractAPIKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
