package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
)

// Rule cache keys. Every entry is namespaced by the current version, so one
// INCR of rules:version invalidates all of them; old entries age out by TTL.
const (
	ruleVersionKey = "rules:version"

	// DefaultRuleTTL is the TTL for cached rule lookups.
	DefaultRuleTTL = 30 * time.Second

	// NegativeCacheTTL caps the TTL for "no such rule" entries.
	NegativeCacheTTL = 10 * time.Second
)

// RuleSource is the store a RuleCache fronts. repository.Repository satisfies it.
type RuleSource interface {
	FindActiveByKey(ctx context.Context, key string) ([]*model.Rule, error)
	ListActive(ctx context.Context) ([]*model.Rule, error)
	GetByTrackingCode(ctx context.Context, code string) (*model.Rule, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	UpdateStats(ctx context.Context, ruleID string, stats model.Stats) error
}

// RuleCache is a read-through cache over a RuleSource for the resolution hot path.
// Redis failures fall through to the source.
type RuleCache struct {
	client  *redis.Client
	next    RuleSource
	ttl     time.Duration
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewRuleCache wraps next. A zero ttl uses DefaultRuleTTL.
func NewRuleCache(c *Cache, next RuleSource, ttl time.Duration, recorder metrics.Recorder, logger *slog.Logger) *RuleCache {
	if ttl <= 0 {
		ttl = DefaultRuleTTL
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleCache{
		client:  c.client,
		next:    next,
		ttl:     ttl,
		metrics: recorder,
		logger:  logger.With("component", "cache.rules"),
	}
}

// FindActiveByKey serves exact-key lookups. Empty results are cached too.
func (rc *RuleCache) FindActiveByKey(ctx context.Context, key string) ([]*model.Rule, error) {
	return rc.cachedList(ctx, "key:"+digest(key), func() ([]*model.Rule, error) {
		return rc.next.FindActiveByKey(ctx, key)
	})
}

// ListActive serves the active-rule snapshot used for wildcard matching.
func (rc *RuleCache) ListActive(ctx context.Context) ([]*model.Rule, error) {
	return rc.cachedList(ctx, "active", func() ([]*model.Rule, error) {
		return rc.next.ListActive(ctx)
	})
}

// GetByTrackingCode serves /t/{code} lookups with negative caching.
func (rc *RuleCache) GetByTrackingCode(ctx context.Context, code string) (*model.Rule, error) {
	key, ok := rc.key(ctx, "code:"+code)
	if ok {
		data, err := rc.client.Get(ctx, key).Bytes()
		switch {
		case err == nil && len(data) == 0:
			rc.metrics.IncRuleCacheHit()
			return nil, model.ErrNotFound
		case err == nil:
			var rule model.Rule
			if jsonErr := json.Unmarshal(data, &rule); jsonErr == nil {
				rc.metrics.IncRuleCacheHit()
				return &rule, nil
			}
		case !errors.Is(err, redis.Nil):
			rc.logger.Warn("rule_cache_read_failed", "error", err)
		}
	}
	rc.metrics.IncRuleCacheMiss()

	rule, err := rc.next.GetByTrackingCode(ctx, code)
	if errors.Is(err, model.ErrNotFound) {
		if ok {
			rc.store(ctx, key, nil, rc.negativeTTL())
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if ok {
		if data, jsonErr := json.Marshal(rule); jsonErr == nil {
			rc.store(ctx, key, data, rc.ttl)
		}
	}
	return rule, nil
}

// GetRule is not cached; conversions and stats need the stored row.
func (rc *RuleCache) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	return rc.next.GetRule(ctx, id)
}

// UpdateStats writes through. Stats do not affect matching, so nothing is invalidated.
func (rc *RuleCache) UpdateStats(ctx context.Context, ruleID string, stats model.Stats) error {
	return rc.next.UpdateStats(ctx, ruleID, stats)
}

// InvalidateRules drops every cached lookup by bumping the version.
func (rc *RuleCache) InvalidateRules(ctx context.Context) error {
	if err := rc.client.Incr(ctx, ruleVersionKey).Err(); err != nil {
		return fmt.Errorf("failed to bump rule cache version: %w", err)
	}
	return nil
}

func (rc *RuleCache) cachedList(ctx context.Context, suffix string, load func() ([]*model.Rule, error)) ([]*model.Rule, error) {
	key, ok := rc.key(ctx, suffix)
	if ok {
		data, err := rc.client.Get(ctx, key).Bytes()
		if err == nil {
			var rules []*model.Rule
			if jsonErr := json.Unmarshal(data, &rules); jsonErr == nil {
				rc.metrics.IncRuleCacheHit()
				return rules, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			rc.logger.Warn("rule_cache_read_failed", "error", err)
		}
	}
	rc.metrics.IncRuleCacheMiss()

	rules, err := load()
	if err != nil {
		return nil, err
	}

	if ok {
		ttl := rc.ttl
		if len(rules) == 0 {
			ttl = rc.negativeTTL()
			rules = []*model.Rule{}
		}
		if data, jsonErr := json.Marshal(rules); jsonErr == nil {
			rc.store(ctx, key, data, ttl)
		}
	}
	return rules, nil
}

// key builds the versioned key. ok is false when Redis is unreachable.
func (rc *RuleCache) key(ctx context.Context, suffix string) (string, bool) {
	version, err := rc.client.Get(ctx, ruleVersionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		rc.logger.Warn("rule_cache_read_failed", "error", err)
		return "", false
	}
	return "rules:" + strconv.FormatInt(version, 10) + ":" + suffix, true
}

func (rc *RuleCache) store(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		rc.logger.Warn("rule_cache_write_failed", "error", err)
	}
}

func (rc *RuleCache) negativeTTL() time.Duration {
	if rc.ttl < NegativeCacheTTL {
		return rc.ttl
	}
	return NegativeCacheTTL
}

// digest keeps arbitrary inbound URLs out of Redis key names.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
