package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/model"
)

// APIKeyStore persists API keys. repository.Repository satisfies it.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeysByAccount(ctx context.Context, accountID string) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// APIKeyHandler handles API key management endpoints.
type APIKeyHandler struct {
	store  APIKeyStore
	env    string
	logger *slog.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler. env selects the key prefix
// (auth.EnvLive or auth.EnvTest) of generated keys.
func NewAPIKeyHandler(store APIKeyStore, env string, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		store:  store,
		env:    env,
		logger: logger.With("component", "handler.apikeys"),
	}
}

type createAPIKeyRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	RateLimitTier string   `json:"rate_limit_tier,omitempty"`
}

type apiKeyResponse struct {
	ID            string     `json:"id"`
	Key           string     `json:"key,omitempty"` // plaintext, only on create
	Name          string     `json:"name,omitempty"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	RateLimitTier string     `json:"rate_limit_tier"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toAPIKeyResponse(k *model.APIKey) apiKeyResponse {
	return apiKeyResponse{
		ID:            k.ID,
		Name:          k.Name,
		KeyPrefix:     k.KeyPrefix,
		Scopes:        k.Scopes,
		RateLimitTier: k.RateLimitTier,
		RevokedAt:     k.RevokedAt,
		LastUsedAt:    k.LastUsedAt,
		CreatedAt:     k.CreatedAt,
	}
}

// Create handles POST /api/v1/api-keys. The plaintext key is returned once.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())

	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	for _, scope := range req.Scopes {
		if !model.IsValidScope(scope) {
			writeError(w, http.StatusBadRequest, "INVALID_SCOPE",
				"Invalid scope: "+scope+". Valid scopes: "+strings.Join(model.ValidScopes, ", "))
			return
		}
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{model.ScopeRead}
	}

	tier := req.RateLimitTier
	if tier == "" {
		tier = model.TierFree
	}
	if _, ok := model.TierConfigs[tier]; !ok {
		writeError(w, http.StatusBadRequest, "INVALID_TIER", "Unknown rate limit tier: "+tier)
		return
	}

	generated, err := auth.GenerateAPIKey(h.env)
	if err != nil {
		h.logger.Error("api_key_generate_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key")
		return
	}

	key := &model.APIKey{
		ID:            ulid.Make().String(),
		AccountID:     accountID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        req.Scopes,
		RateLimitTier: tier,
		Name:          strings.TrimSpace(req.Name),
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("api_key_create_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key")
		return
	}

	h.logger.Info("api_key_created",
		"key_id", key.ID,
		"key_prefix", key.KeyPrefix,
		"account_id", accountID,
	)

	resp := toAPIKeyResponse(key)
	resp.Key = generated.Plaintext
	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/api-keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeysByAccount(r.Context(), auth.AccountIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("api_key_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys")
		return
	}

	responses := make([]apiKeyResponse, 0, len(keys))
	for _, key := range keys {
		responses = append(responses, toAPIKeyResponse(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": responses})
}

// Revoke handles DELETE /api/v1/api-keys/{id}. Cached auth for the key
// expires with the auth cache TTL.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "id")

	key, err := h.store.GetAPIKeyByID(ctx, keyID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && key.AccountID != auth.AccountIDFromContext(ctx)) {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
		return
	}
	if err != nil {
		h.logger.Error("api_key_lookup_failed", "key_id", keyID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key")
		return
	}
	if keyID == auth.KeyIDFromContext(ctx) {
		writeError(w, http.StatusBadRequest, "CANNOT_REVOKE_SELF", "A key cannot revoke itself")
		return
	}

	if err := h.store.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
			return
		}
		h.logger.Error("api_key_revoke_failed", "key_id", keyID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key")
		return
	}

	h.logger.Info("api_key_revoked", "key_id", keyID, "account_id", key.AccountID)
	w.WriteHeader(http.StatusNoContent)
}
