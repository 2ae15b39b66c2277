package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/handler/dto"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/service"
	"github.com/trackroute/trackroute/internal/visitor"
)

// Previewer dry-runs resolution against one account's rules. *engine.Engine satisfies it.
type Previewer interface {
	Preview(ctx context.Context, accountID, sourceURL string, rc *model.RequestContext) (engine.Result, error)
}

// StatsRecomputer rebuilds a rule's stats from its events. *engine.Aggregator satisfies it.
type StatsRecomputer interface {
	Recompute(ctx context.Context, ruleID string) (model.Stats, error)
}

// RuleHandler handles HTTP requests for rule management.
type RuleHandler struct {
	svc     *service.RuleService
	preview Previewer
	stats   StatsRecomputer
	logger  *slog.Logger
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(svc *service.RuleService, preview Previewer, stats StatsRecomputer, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{
		svc:     svc,
		preview: preview,
		stats:   stats,
		logger:  logger.With("component", "handler.rules"),
	}
}

// Create handles POST /api/v1/rules.
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	rule, err := h.svc.CreateRule(r.Context(), auth.AccountIDFromContext(r.Context()), service.RuleInput{
		Name:        req.Name,
		Description: req.Description,
		SourceURL:   req.SourceURL,
		TargetURL:   req.TargetURL,
		Type:        req.Type,
		Status:      req.Status,
		AffiliateID: req.AffiliateID,
		OfferID:     req.OfferID,
		Conditions:  req.Conditions,
		Settings:    req.Settings,
		ActionRules: req.ActionRules,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.ToRuleResponse(rule, h.svc.TrackingURL(rule)))
}

// Get handles GET /api/v1/rules/{id}.
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.GetRule(r.Context(), auth.AccountIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToRuleResponse(rule, h.svc.TrackingURL(rule)))
}

// List handles GET /api/v1/rules.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if l := query.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	result, err := h.svc.ListRules(r.Context(), service.ListRulesInput{
		AccountID: auth.AccountIDFromContext(r.Context()),
		Status:    model.RuleStatus(strings.ToUpper(query.Get("status"))),
		Cursor:    query.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ToRuleListResponse(result.Rules, h.svc.TrackingURL, result.NextCursor, result.HasMore))
}

// Update handles PATCH /api/v1/rules/{id}.
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req dto.UpdateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	rule, err := h.svc.UpdateRule(r.Context(), auth.AccountIDFromContext(r.Context()), chi.URLParam(r, "id"), service.UpdateRuleInput{
		Name:        req.Name,
		Description: req.Description,
		SourceURL:   req.SourceURL,
		TargetURL:   req.TargetURL,
		Type:        req.Type,
		Status:      req.Status,
		AffiliateID: req.AffiliateID,
		OfferID:     req.OfferID,
		Conditions:  req.Conditions,
		Settings:    req.Settings,
		ActionRules: req.ActionRules,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToRuleResponse(rule, h.svc.TrackingURL(rule)))
}

// Delete handles DELETE /api/v1/rules/{id}.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRule(r.Context(), auth.AccountIDFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/v1/rules/{id}/stats.
func (h *RuleHandler) Stats(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.GetRule(r.Context(), auth.AccountIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule.Stats)
}

// RecomputeStats handles POST /api/v1/rules/{id}/stats/recompute.
func (h *RuleHandler) RecomputeStats(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.GetRule(r.Context(), auth.AccountIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	stats, err := h.stats.Recompute(r.Context(), rule.ID)
	if err != nil {
		h.logger.Error("stats_recompute_failed", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "STATS_UNAVAILABLE", "stats could not be recomputed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Preview handles POST /api/v1/rules/preview. It resolves the given URL as if
// a visitor had requested it, without recording anything. Rules of other
// accounts are invisible.
func (h *RuleHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req dto.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, err)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "INVALID_URL", "url must be an absolute http(s) URL")
		return
	}

	res, err := h.preview.Preview(r.Context(), auth.AccountIDFromContext(r.Context()), req.URL, previewContext(u, req))
	if err != nil {
		h.logger.Error("preview_failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "REDIRECT_UNAVAILABLE", "redirect unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// previewContext builds the visitor a preview pretends to be.
func previewContext(u *url.URL, req dto.PreviewRequest) *model.RequestContext {
	device, browser, os := visitor.ParseUserAgent(req.UserAgent)

	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}
	if req.UserAgent != "" {
		headers["user-agent"] = req.UserAgent
	}
	if req.Referrer != "" {
		headers["referer"] = req.Referrer
	}

	return &model.RequestContext{
		URL:       req.URL,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Referrer:  req.Referrer,
		Country:   strings.ToUpper(req.Country),
		Device:    device,
		Browser:   browser,
		OS:        os,
		Query:     u.Query(),
		Fragment:  u.Fragment,
		Headers:   headers,
		Timestamp: time.Now(),
	}
}

func (h *RuleHandler) writeDecodeError(w http.ResponseWriter, err error) {
	if bodyTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body: "+err.Error())
}

// handleServiceError maps service errors to HTTP responses.
func (h *RuleHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "RULE_NOT_FOUND", "Rule not found")
	case errors.Is(err, service.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, "INVALID_RULE", err.Error())
	case errors.Is(err, model.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "Invalid pagination cursor")
	case errors.Is(err, service.ErrTrackingCodeTaken):
		writeError(w, http.StatusConflict, "TRACKING_CODE_TAKEN", "Could not allocate a tracking code, retry")
	default:
		h.logger.Error("rule_request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}
