package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/cache"
	"github.com/trackroute/trackroute/internal/visitor"
)

// Limiter checks token buckets. cache.Cache satisfies it.
type Limiter interface {
	CheckAPIRateLimit(ctx context.Context, keyID string, ratePerMinute, burst int) (*cache.RateLimitResult, error)
	CheckIPRateLimit(ctx context.Context, ip string, ratePerSecond float64, burst int) (*cache.RateLimitResult, error)
}

// RateLimitConfig holds configuration for rate limiting middleware.
type RateLimitConfig struct {
	Logger  *slog.Logger
	Limiter Limiter
	// APIEnabled limits management API requests per key tier.
	APIEnabled bool
	// RedirectEnabled limits resolution requests per client IP.
	RedirectEnabled bool
	RedirectRPS     float64
	RedirectBurst   int
}

// RateLimitAPI returns middleware that rate limits API requests per API key.
// Must be applied after Auth.
func RateLimitAPI(cfg RateLimitConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger.With("component", "middleware.ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.AuthFromContext(r.Context())
			if !cfg.APIEnabled || cfg.Limiter == nil || authCtx == nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := authCtx.RateLimit()
			if limit.RequestsPerMinute == 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := cfg.Limiter.CheckAPIRateLimit(r.Context(), authCtx.KeyID, limit.RequestsPerMinute, limit.Burst)
			if err != nil {
				// Fail open.
				logger.Error("rate_limit_check_failed", "error", err, "key_id", authCtx.KeyID)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit.RequestsPerMinute, result.Remaining, result.ResetAt)
			if !result.Allowed {
				logger.Warn("rate_limit_exceeded",
					"type", "api",
					"key_id", authCtx.KeyID,
					"endpoint", r.Method+" "+r.URL.Path,
					"retry_after_seconds", retryAfterSeconds(result.RetryAfter),
					"request_id", GetRequestID(r.Context()),
				)
				writeRateLimitError(w, result.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitIP returns middleware that rate limits resolution requests per client IP.
func RateLimitIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger.With("component", "middleware.ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RedirectEnabled || cfg.Limiter == nil || cfg.RedirectRPS <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := visitor.ClientIP(r)
			result, err := cfg.Limiter.CheckIPRateLimit(r.Context(), ip, cfg.RedirectRPS, cfg.RedirectBurst)
			if err != nil {
				logger.Error("rate_limit_check_failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if !result.Allowed {
				logger.Warn("rate_limit_exceeded",
					"type", "redirect",
					"endpoint", r.Method+" "+r.URL.Path,
					"retry_after_seconds", retryAfterSeconds(result.RetryAfter),
					"request_id", GetRequestID(r.Context()),
				)
				writeRateLimitError(w, result.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, remaining int64, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(max(remaining, 0), 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func writeRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	secs := retryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
		"Rate limit exceeded. Retry after "+strconv.Itoa(secs)+" seconds.")
}
