package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trackroute/trackroute/internal/model"
)

var counter atomic.Int64

// NewTestRule creates an ACTIVE TEMPORARY rule with default settings.
func NewTestRule(t testing.TB, sourceURL, targetURL string) *model.Rule {
	t.Helper()
	now := time.Now().UTC()
	return &model.Rule{
		ID:        UniqueID("rule"),
		AccountID: "acct-test",
		Name:      "Test Rule",
		SourceURL: sourceURL,
		TargetURL: targetURL,
		Type:      model.RuleTypeTemporary,
		Status:    model.RuleStatusActive,
		Settings:  model.DefaultSettings(),
		Stats:     model.EmptyStats(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestClick creates a click for the rule at the given time.
func NewTestClick(t testing.TB, ruleID, ip string, at time.Time) *model.ClickEvent {
	t.Helper()
	return &model.ClickEvent{
		ID:        UniqueID("click"),
		RuleID:    ruleID,
		AccountID: "acct-test",
		SourceURL: "https://track.example.com/go",
		TargetURL: "https://shop.example.com/",
		IP:        ip,
		Country:   "US",
		Device:    model.DeviceDesktop,
		ClickedAt: at.UTC(),
	}
}

// NewTestAPIKey creates a test API key with sensible defaults.
func NewTestAPIKey(t testing.TB, accountID string) *model.APIKey {
	t.Helper()
	now := time.Now().UTC()
	return &model.APIKey{
		ID:            UniqueID("key"),
		AccountID:     accountID,
		KeyHash:       UniqueID("hash"),
		KeyPrefix:     "tr_test_",
		Scopes:        []string{model.ScopeRead, model.ScopeWrite},
		RateLimitTier: model.TierFree,
		Name:          "Test Key",
		CreatedAt:     now,
	}
}

// UniqueID generates a unique, lexically increasing ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, time.Now().UnixNano(), counter.Add(1))
}
