package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/model"
)

type fakeKeyStore struct {
	mu       sync.Mutex
	keys     []*model.APIKey
	err      error
	lookups  int
	lastUsed chan string
}

func (s *fakeKeyStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *fakeKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	if s.lastUsed != nil {
		s.lastUsed <- id
	}
	return nil
}

type fakeAuthCache struct {
	mu      sync.Mutex
	entries map[string]*model.AuthContext
}

func (c *fakeAuthCache) GetAuthContext(_ context.Context, key string) (*model.AuthContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *fakeAuthCache) SetAuthContext(_ context.Context, key string, a *model.AuthContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = a
	return nil
}

func newTestKey(t *testing.T, scopes ...string) (string, *model.APIKey) {
	t.Helper()
	generated, err := auth.GenerateAPIKey(auth.EnvTest)
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	return generated.Plaintext, &model.APIKey{
		ID:            "key-" + generated.Prefix,
		AccountID:     "acct-1",
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        scopes,
		RateLimitTier: model.TierFree,
		CreatedAt:     time.Now(),
	}
}

func authHandler(cfg AuthConfig, seen **model.AuthContext) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.MinDuration == 0 {
		cfg.MinDuration = -1
	}
	return Auth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = auth.AuthFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuth(t *testing.T) {
	t.Parallel()

	plaintext, key := newTestKey(t, model.ScopeRead)
	revokedPlain, revoked := newTestKey(t, model.ScopeAdmin)
	revokedAt := time.Now()
	revoked.RevokedAt = &revokedAt
	otherPlain, _ := newTestKey(t)

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"bearer", "Authorization", "Bearer " + plaintext, http.StatusOK},
		{"x-api-key", "X-API-Key", plaintext, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic " + plaintext, http.StatusUnauthorized},
		{"malformed", "X-API-Key", "not-a-key", http.StatusUnauthorized},
		{"unknown key", "X-API-Key", otherPlain, http.StatusUnauthorized},
		{"revoked", "X-API-Key", revokedPlain, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeKeyStore{keys: []*model.APIKey{key, revoked}}
			var seen *model.AuthContext
			h := authHandler(AuthConfig{Keys: store}, &seen)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if body := decodeBody(t, rec); body["code"] != "UNAUTHORIZED" || body["error"] != "Invalid or missing API key" {
					t.Errorf("body = %v", body)
				}
				return
			}
			if seen == nil || seen.KeyID != key.ID || seen.AccountID != "acct-1" {
				t.Errorf("auth context = %+v", seen)
			}
		})
	}
}

func TestAuth_CachesVerifiedKey(t *testing.T) {
	t.Parallel()

	plaintext, key := newTestKey(t, model.ScopeWrite)
	store := &fakeKeyStore{keys: []*model.APIKey{key}, lastUsed: make(chan string, 2)}
	authCache := &fakeAuthCache{entries: map[string]*model.AuthContext{}}
	var seen *model.AuthContext
	h := authHandler(AuthConfig{Keys: store, Cache: authCache}, &seen)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
		req.Header.Set("X-API-Key", plaintext)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	if store.lookups != 1 {
		t.Errorf("store lookups = %d, want 1", store.lookups)
	}
	if cached := authCache.entries[auth.CacheKey(plaintext)]; cached == nil || cached.KeyID != key.ID {
		t.Errorf("cached = %+v", cached)
	}
	select {
	case id := <-store.lastUsed:
		if id != key.ID {
			t.Errorf("last used id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("last used was not updated")
	}
}

func TestAuth_StoreErrorIsUnauthorized(t *testing.T) {
	t.Parallel()

	plaintext, _ := newTestKey(t)
	var seen *model.AuthContext
	h := authHandler(AuthConfig{Keys: &fakeKeyStore{err: errors.New("db down")}}, &seen)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_MinDuration(t *testing.T) {
	t.Parallel()

	var seen *model.AuthContext
	h := authHandler(AuthConfig{Keys: &fakeKeyStore{}, MinDuration: 50 * time.Millisecond}, &seen)

	start := time.Now()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("rejected after %v, want at least 50ms", elapsed)
	}
}
