// Package model defines domain entities for the application.
package model

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RuleType governs the status code and templating behavior of a rule.
type RuleType string

const (
	RuleTypePermanent RuleType = "PERMANENT"
	RuleTypeTemporary RuleType = "TEMPORARY"
	RuleTypeStandard  RuleType = "STANDARD"
	RuleTypeSmart     RuleType = "SMART"
	RuleTypeDynamic   RuleType = "DYNAMIC"
	RuleTypeCustom    RuleType = "CUSTOM"
)

// IsValid reports whether t is a known rule type.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypePermanent, RuleTypeTemporary, RuleTypeStandard,
		RuleTypeSmart, RuleTypeDynamic, RuleTypeCustom:
		return true
	}
	return false
}

// StatusCode returns the HTTP redirect status for the rule type.
func (t RuleType) StatusCode() int {
	if t == RuleTypePermanent {
		return http.StatusMovedPermanently
	}
	return http.StatusFound
}

// UnmarshalJSON rejects unknown rule types.
func (t *RuleType) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, (*string)(t), "rule type", func(s string) bool { return RuleType(s).IsValid() })
}

// RuleStatus is the lifecycle state of a rule. Only ACTIVE rules resolve.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
	RuleStatusPaused   RuleStatus = "PAUSED"
)

// IsValid reports whether s is a known status.
func (s RuleStatus) IsValid() bool {
	return s == RuleStatusActive || s == RuleStatusInactive || s == RuleStatusPaused
}

// UnmarshalJSON rejects unknown statuses.
func (s *RuleStatus) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, (*string)(s), "rule status", func(v string) bool { return RuleStatus(v).IsValid() })
}

// Rule maps an inbound tracked URL (exact, wildcard or tracking code) to a destination.
type Rule struct {
	ID           string       `json:"id"`
	AccountID    string       `json:"account_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	SourceURL    string       `json:"source_url,omitempty"`
	TrackingCode string       `json:"tracking_code,omitempty"`
	TargetURL    string       `json:"target_url"`
	Type         RuleType     `json:"type"`
	Status       RuleStatus   `json:"status"`
	AffiliateID  string       `json:"affiliate_id,omitempty"`
	OfferID      string       `json:"offer_id,omitempty"`
	Conditions   []Condition  `json:"conditions"`
	Settings     Settings     `json:"settings"`
	ActionRules  []ActionRule `json:"action_rules"`
	Stats        Stats        `json:"stats"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsActive returns true if the rule may produce a redirect.
func (r *Rule) IsActive() bool {
	return r.Status == RuleStatusActive
}

// unmarshalEnum decodes a JSON string into dst and validates it.
func unmarshalEnum(data []byte, dst *string, kind string, valid func(string) bool) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%s must be a string: %w", kind, err)
	}
	if !valid(s) {
		return fmt.Errorf("unknown %s %q", kind, s)
	}
	*dst = s
	return nil
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	AccountID string
	Status    RuleStatus // empty matches every status
}
