// Package dto defines the JSON request and response bodies of the HTTP API.
package dto

import (
	"time"

	"github.com/trackroute/trackroute/internal/model"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateRuleRequest is the body of POST /api/v1/rules.
type CreateRuleRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	SourceURL   string             `json:"source_url,omitempty"`
	TargetURL   string             `json:"target_url"`
	Type        model.RuleType     `json:"type,omitempty"`
	Status      model.RuleStatus   `json:"status,omitempty"`
	AffiliateID string             `json:"affiliate_id,omitempty"`
	OfferID     string             `json:"offer_id,omitempty"`
	Conditions  []model.Condition  `json:"conditions,omitempty"`
	Settings    *model.Settings    `json:"settings,omitempty"`
	ActionRules []model.ActionRule `json:"action_rules,omitempty"`
}

// UpdateRuleRequest is the body of PATCH /api/v1/rules/{id}. Omitted fields are unchanged.
type UpdateRuleRequest struct {
	Name        *string             `json:"name,omitempty"`
	Description *string             `json:"description,omitempty"`
	SourceURL   *string             `json:"source_url,omitempty"`
	TargetURL   *string             `json:"target_url,omitempty"`
	Type        *model.RuleType     `json:"type,omitempty"`
	Status      *model.RuleStatus   `json:"status,omitempty"`
	AffiliateID *string             `json:"affiliate_id,omitempty"`
	OfferID     *string             `json:"offer_id,omitempty"`
	Conditions  *[]model.Condition  `json:"conditions,omitempty"`
	Settings    *model.Settings     `json:"settings,omitempty"`
	ActionRules *[]model.ActionRule `json:"action_rules,omitempty"`
}

// RuleResponse is a rule as returned by the API.
type RuleResponse struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	SourceURL    string             `json:"source_url,omitempty"`
	TrackingCode string             `json:"tracking_code,omitempty"`
	TrackingURL  string             `json:"tracking_url,omitempty"`
	TargetURL    string             `json:"target_url"`
	Type         model.RuleType     `json:"type"`
	Status       model.RuleStatus   `json:"status"`
	AffiliateID  string             `json:"affiliate_id,omitempty"`
	OfferID      string             `json:"offer_id,omitempty"`
	Conditions   []model.Condition  `json:"conditions"`
	Settings     model.Settings     `json:"settings"`
	ActionRules  []model.ActionRule `json:"action_rules"`
	Stats        model.Stats        `json:"stats"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// RuleListResponse is one page of rules.
type RuleListResponse struct {
	Data       []RuleResponse `json:"data"`
	Pagination *Pagination    `json:"pagination"`
}

// Pagination contains cursor pagination info.
type Pagination struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// PreviewRequest is the body of POST /api/v1/rules/preview.
type PreviewRequest struct {
	URL       string            `json:"url"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Referrer  string            `json:"referrer,omitempty"`
	Country   string            `json:"country,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ToRuleResponse converts a Rule model to its API representation.
func ToRuleResponse(rule *model.Rule, trackingURL string) *RuleResponse {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []model.Condition{}
	}
	actions := rule.ActionRules
	if actions == nil {
		actions = []model.ActionRule{}
	}
	return &RuleResponse{
		ID:           rule.ID,
		Name:         rule.Name,
		Description:  rule.Description,
		SourceURL:    rule.SourceURL,
		TrackingCode: rule.TrackingCode,
		TrackingURL:  trackingURL,
		TargetURL:    rule.TargetURL,
		Type:         rule.Type,
		Status:       rule.Status,
		AffiliateID:  rule.AffiliateID,
		OfferID:      rule.OfferID,
		Conditions:   conditions,
		Settings:     rule.Settings,
		ActionRules:  actions,
		Stats:        rule.Stats,
		CreatedAt:    rule.CreatedAt,
		UpdatedAt:    rule.UpdatedAt,
	}
}

// ToRuleListResponse converts a page of rules.
func ToRuleListResponse(rules []*model.Rule, trackingURL func(*model.Rule) string, nextCursor string, hasMore bool) *RuleListResponse {
	responses := make([]RuleResponse, len(rules))
	for i, rule := range rules {
		responses[i] = *ToRuleResponse(rule, trackingURL(rule))
	}
	return &RuleListResponse{
		Data: responses,
		Pagination: &Pagination{
			NextCursor: nextCursor,
			HasMore:    hasMore,
		},
	}
}
