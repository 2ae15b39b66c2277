// Package service holds the rule management logic behind the admin API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
)

// Service errors.
var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrTrackingCodeTaken = errors.New("could not allocate a tracking code")
)

const (
	trackingCodeLength  = 8
	maxTrackingAttempts = 5
	defaultPageSize     = 20
	maxPageSize         = 100
)

// RuleStore is the persistence the service needs. repository.Repository satisfies it.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *model.Rule) error
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	UpdateRule(ctx context.Context, rule *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, filter model.RuleFilter, cursor string, limit int) ([]*model.Rule, string, error)
	TrackingCodeExists(ctx context.Context, code string) (bool, error)
}

// Invalidator drops cached rule lookups after a mutation.
type Invalidator interface {
	InvalidateRules(ctx context.Context) error
}

// FormulaValidator compiles conversion formulas.
type FormulaValidator interface {
	Validate(expression string) error
}

// Config wires a RuleService. Store is required.
type Config struct {
	Store    RuleStore
	Cache    Invalidator
	Formulas FormulaValidator
	// CallbackURL vets pixel and postback URLs. dispatch.ValidateURL in production.
	CallbackURL func(ctx context.Context, rawURL string) error
	BaseURL     string
	Metrics     metrics.Recorder
	Logger      *slog.Logger
	Now         func() time.Time
}

// RuleService handles rule CRUD scoped to an account.
type RuleService struct {
	store       RuleStore
	cache       Invalidator
	formulas    FormulaValidator
	callbackURL func(ctx context.Context, rawURL string) error
	baseURL     string
	metrics     metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewRuleService creates a RuleService.
func NewRuleService(cfg Config) *RuleService {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RuleService{
		store:       cfg.Store,
		cache:       cfg.Cache,
		formulas:    cfg.Formulas,
		callbackURL: cfg.CallbackURL,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "service.rules"),
		now:         cfg.Now,
	}
}

// RuleInput defines the fields of a new rule. Nil Settings gets the defaults;
// empty Type and Status become TEMPORARY and ACTIVE.
type RuleInput struct {
	Name        string
	Description string
	SourceURL   string
	TargetURL   string
	Type        model.RuleType
	Status      model.RuleStatus
	AffiliateID string
	OfferID     string
	Conditions  []model.Condition
	Settings    *model.Settings
	ActionRules []model.ActionRule
}

// CreateRule validates input, fills defaults, assigns a tracking code and stores the rule.
func (s *RuleService) CreateRule(ctx context.Context, accountID string, in RuleInput) (*model.Rule, error) {
	now := s.now().UTC()
	rule := &model.Rule{
		ID:          ulid.Make().String(),
		AccountID:   accountID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		SourceURL:   strings.TrimSpace(in.SourceURL),
		TargetURL:   strings.TrimSpace(in.TargetURL),
		Type:        in.Type,
		Status:      in.Status,
		AffiliateID: in.AffiliateID,
		OfferID:     in.OfferID,
		Conditions:  in.Conditions,
		Settings:    model.DefaultSettings(),
		ActionRules: in.ActionRules,
		Stats:       model.EmptyStats(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rule.Type == "" {
		rule.Type = model.RuleTypeTemporary
	}
	if rule.Status == "" {
		rule.Status = model.RuleStatusActive
	}
	if in.Settings != nil {
		rule.Settings = *in.Settings
	}

	if err := s.validate(ctx, rule); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxTrackingAttempts {
			return nil, ErrTrackingCodeTaken
		}
		code, err := s.newTrackingCode(ctx)
		if err != nil {
			return nil, err
		}
		rule.TrackingCode = code

		err = s.store.CreateRule(ctx, rule)
		if errors.Is(err, model.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create rule: %w", err)
		}
		break
	}

	s.metrics.IncRuleCreated()
	s.invalidate(ctx)
	s.logger.Info("rule_created", "rule_id", rule.ID, "account_id", accountID, "tracking_code", rule.TrackingCode)
	return rule, nil
}

// GetRule returns a rule owned by accountID.
func (s *RuleService) GetRule(ctx context.Context, accountID, id string) (*model.Rule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	if rule.AccountID != accountID {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// ListRulesInput defines input for listing rules.
type ListRulesInput struct {
	AccountID string
	Status    model.RuleStatus
	Cursor    string
	Limit     int
}

// ListRulesOutput is one page of rules.
type ListRulesOutput struct {
	Rules      []*model.Rule
	NextCursor string
	HasMore    bool
}

// ListRules returns a page of the account's rules, newest first.
func (s *RuleService) ListRules(ctx context.Context, in ListRulesInput) (*ListRulesOutput, error) {
	if in.Limit <= 0 || in.Limit > maxPageSize {
		in.Limit = defaultPageSize
	}
	if in.Status != "" && !in.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRule, in.Status)
	}

	rules, next, err := s.store.ListRules(ctx, model.RuleFilter{AccountID: in.AccountID, Status: in.Status}, in.Cursor, in.Limit)
	if err != nil {
		return nil, err
	}
	return &ListRulesOutput{Rules: rules, NextCursor: next, HasMore: next != ""}, nil
}

// UpdateRuleInput carries a partial update. Nil fields are left unchanged.
type UpdateRuleInput struct {
	Name        *string
	Description *string
	SourceURL   *string
	TargetURL   *string
	Type        *model.RuleType
	Status      *model.RuleStatus
	AffiliateID *string
	OfferID     *string
	Conditions  *[]model.Condition
	Settings    *model.Settings
	ActionRules *[]model.ActionRule
}

// UpdateRule applies in to the rule. Stats and the tracking code never change here.
func (s *RuleService) UpdateRule(ctx context.Context, accountID, id string, in UpdateRuleInput) (*model.Rule, error) {
	rule, err := s.GetRule(ctx, accountID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		rule.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		rule.Description = *in.Description
	}
	if in.SourceURL != nil {
		rule.SourceURL = strings.TrimSpace(*in.SourceURL)
	}
	if in.TargetURL != nil {
		rule.TargetURL = strings.TrimSpace(*in.TargetURL)
	}
	if in.Type != nil {
		rule.Type = *in.Type
	}
	if in.Status != nil {
		rule.Status = *in.Status
	}
	if in.AffiliateID != nil {
		rule.AffiliateID = *in.AffiliateID
	}
	if in.OfferID != nil {
		rule.OfferID = *in.OfferID
	}
	if in.Conditions != nil {
		rule.Conditions = *in.Conditions
	}
	if in.Settings != nil {
		rule.Settings = *in.Settings
	}
	if in.ActionRules != nil {
		rule.ActionRules = *in.ActionRules
	}

	if err := s.validate(ctx, rule); err != nil {
		return nil, err
	}

	rule.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	s.metrics.IncRuleUpdated()
	s.invalidate(ctx)
	s.logger.Info("rule_updated", "rule_id", rule.ID, "account_id", accountID)
	return rule, nil
}

// DeleteRule soft-deletes a rule owned by accountID.
func (s *RuleService) DeleteRule(ctx context.Context, accountID, id string) error {
	if _, err := s.GetRule(ctx, accountID, id); err != nil {
		return err
	}
	if err := s.store.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	s.metrics.IncRuleDeleted()
	s.invalidate(ctx)
	s.logger.Info("rule_deleted", "rule_id", id, "account_id", accountID)
	return nil
}

// TrackingURL returns the public link for the rule's tracking code.
func (s *RuleService) TrackingURL(rule *model.Rule) string {
	if rule.TrackingCode == "" {
		return ""
	}
	return s.baseURL + "/t/" + rule.TrackingCode
}

// invalidate is best effort; cached entries expire by TTL anyway.
func (s *RuleService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateRules(ctx); err != nil {
		s.logger.Warn("rule_cache_invalidate_failed", "error", err)
	}
}

func (s *RuleService) newTrackingCode(ctx context.Context) (string, error) {
	for i := 0; i < maxTrackingAttempts; i++ {
		code, err := auth.RandomCode(trackingCodeLength)
		if err != nil {
			return "", fmt.Errorf("generate tracking code: %w", err)
		}
		exists, err := s.store.TrackingCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrTrackingCodeTaken
}
