package handler

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/visitor"
)

// Resolver turns an inbound visit into a routing decision. *engine.Engine satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string, rc *model.RequestContext) (engine.Result, error)
	ResolveCode(ctx context.Context, code string, rc *model.RequestContext) (engine.Result, error)
}

var interstitial = template.Must(template.New("interstitial").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<meta http-equiv="refresh" content="{{.Delay}};url={{.URL}}">
<title>Redirecting</title>
</head>
<body>
<p>Redirecting in {{.Delay}} seconds. <a href="{{.URL}}">Continue</a></p>
</body>
</html>
`))

// ResolveHandler serves tracked links.
type ResolveHandler struct {
	resolver Resolver
	visitors *visitor.Enricher
	logger   *slog.Logger
}

// NewResolveHandler creates a new ResolveHandler.
func NewResolveHandler(resolver Resolver, visitors *visitor.Enricher, logger *slog.Logger) *ResolveHandler {
	return &ResolveHandler{
		resolver: resolver,
		visitors: visitors,
		logger:   logger.With("component", "handler.resolve"),
	}
}

// Resolve handles any GET or HEAD not claimed by another route, matching the
// full inbound URL against the rule set.
func (h *ResolveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}

	start := time.Now()
	rc := h.visitors.RequestContext(r)
	res, err := h.resolver.Resolve(r.Context(), rc.URL, rc)
	h.respond(w, r, rc, res, err, time.Since(start))
}

// ResolveCode handles GET /t/{code}.
func (h *ResolveHandler) ResolveCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		h.writeError(w, http.StatusNotFound, "NO_MATCH", engine.ReasonNoMatch)
		return
	}

	start := time.Now()
	rc := h.visitors.RequestContext(r)
	res, err := h.resolver.ResolveCode(r.Context(), code, rc)
	h.respond(w, r, rc, res, err, time.Since(start))
}

func (h *ResolveHandler) respond(w http.ResponseWriter, r *http.Request, rc *model.RequestContext, res engine.Result, err error, duration time.Duration) {
	durationMS := float64(duration.Microseconds()) / 1000

	if err != nil {
		h.logger.Error("redirect_error",
			"url", rc.URL,
			"error", err,
			"duration_ms", durationMS,
		)
		h.writeError(w, http.StatusServiceUnavailable, "REDIRECT_UNAVAILABLE", "redirect unavailable")
		return
	}

	if !res.Redirect {
		status, code := rejectionStatus(res.Err)
		h.logger.Info("redirect_rejected",
			"url", rc.URL,
			"rule_id", res.RuleID,
			"reason", res.Reason,
			"duration_ms", durationMS,
		)
		h.writeError(w, status, code, res.Reason)
		return
	}

	h.logger.Info("redirect_success",
		"rule_id", res.RuleID,
		"click_id", res.ClickID,
		"status_code", res.StatusCode,
		"delay", res.Delay,
		"duration_ms", durationMS,
	)

	setRedirectHeaders(w)
	if res.Delay > 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		if err := interstitial.Execute(w, struct {
			Delay int
			URL   string
		}{res.Delay, res.TargetURL}); err != nil {
			h.logger.Warn("interstitial_render_failed", "rule_id", res.RuleID, "error", err)
		}
		return
	}

	http.Redirect(w, r, res.TargetURL, res.StatusCode)
}

// rejectionStatus maps a resolution outcome to an HTTP status and error code.
func rejectionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrBlocked):
		return http.StatusForbidden, "BLOCKED"
	case errors.Is(err, engine.ErrRuleInactive):
		// Inactive links look like missing ones.
		return http.StatusNotFound, "RULE_INACTIVE"
	case errors.Is(err, engine.ErrConditionsNotMet):
		return http.StatusNotFound, "CONDITIONS_NOT_MET"
	case errors.Is(err, engine.ErrInvalidTarget):
		return http.StatusNotFound, "INVALID_TARGET"
	default:
		return http.StatusNotFound, "NO_MATCH"
	}
}

func setRedirectHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Cache-Control", "private, max-age=0")
}

// writeError writes a JSON error response for redirect failures.
func (h *ResolveHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	// Set security headers even on errors
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=0")
	writeError(w, status, code, message)
}
