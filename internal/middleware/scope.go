package middleware

import (
	"net/http"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/model"
)

// RequireScope returns middleware that enforces scope requirements.
// Must be applied after Auth. Any one of the required scopes is sufficient,
// and admin satisfies all of them.
func RequireScope(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := auth.AuthFromContext(r.Context())
			if authCtx == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}

			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			for _, scope := range required {
				if authCtx.HasScope(scope) {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions. Required scope: "+required[0])
		})
	}
}

// RequireRead requires the read scope.
func RequireRead() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeRead)
}

// RequireWrite requires the write scope.
func RequireWrite() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeWrite)
}

// RequireTrack requires the track scope used by advertiser postbacks.
func RequireTrack() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeTrack)
}

// RequireAdmin requires the admin scope.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireScope(model.ScopeAdmin)
}
