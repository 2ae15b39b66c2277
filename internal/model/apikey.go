package model

import (
	"slices"
	"time"
)

// API key scopes.
const (
	ScopeRead  = "read"  // list and inspect rules
	ScopeWrite = "write" // create, update, preview rules
	ScopeTrack = "track" // report conversions and bounces
	ScopeAdmin = "admin" // everything, including deletes
)

// ValidScopes lists every scope a key may carry.
var ValidScopes = []string{ScopeRead, ScopeWrite, ScopeTrack, ScopeAdmin}

// IsValidScope reports whether s is a known scope.
func IsValidScope(s string) bool {
	return slices.Contains(ValidScopes, s)
}

// Rate limit tiers.
const (
	TierFree      = "free"
	TierPro       = "pro"
	TierUnlimited = "unlimited"
)

// RateLimitConfig is the token bucket shape for a tier.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// TierConfigs maps tiers to limits. Zero requests per minute is unlimited.
var TierConfigs = map[string]RateLimitConfig{
	TierFree:      {RequestsPerMinute: 120, Burst: 20},
	TierPro:       {RequestsPerMinute: 1200, Burst: 100},
	TierUnlimited: {RequestsPerMinute: 0, Burst: 0},
}

// Account owns rules and API keys.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a hashed credential belonging to an account.
type APIKey struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	RateLimitTier string     `json:"rate_limit_tier"`
	Name          string     `json:"name,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsRevoked returns true once the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// AuthContext is attached to authenticated requests.
type AuthContext struct {
	KeyID         string   `json:"key_id"`
	KeyPrefix     string   `json:"key_prefix"`
	AccountID     string   `json:"account_id"`
	Scopes        []string `json:"scopes"`
	RateLimitTier string   `json:"rate_limit_tier"`
}

// NewAuthContext builds the request auth context for a verified key.
func NewAuthContext(k *APIKey) *AuthContext {
	return &AuthContext{
		KeyID:         k.ID,
		KeyPrefix:     k.KeyPrefix,
		AccountID:     k.AccountID,
		Scopes:        k.Scopes,
		RateLimitTier: k.RateLimitTier,
	}
}

// HasScope checks a scope. Admin implies all scopes.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, ScopeAdmin) || slices.Contains(a.Scopes, scope)
}

// RateLimit returns the limits for the key's tier, defaulting to free.
func (a *AuthContext) RateLimit() RateLimitConfig {
	if cfg, ok := TierConfigs[a.RateLimitTier]; ok {
		return cfg
	}
	return TierConfigs[TierFree]
}
