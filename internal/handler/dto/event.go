package dto

import (
	"time"

	"github.com/trackroute/trackroute/internal/model"
)

// ConversionRequest is the body of POST /api/v1/conversions. It names either
// click_id, or affiliate_id and offer_id.
type ConversionRequest struct {
	ClickID     string            `json:"click_id,omitempty"`
	AffiliateID string            `json:"affiliate_id,omitempty"`
	OfferID     string            `json:"offer_id,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Commission  *float64          `json:"commission,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	ExternalID  string            `json:"external_id,omitempty"`
	Status      string            `json:"status,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// BounceRequest is the body of POST /api/v1/bounces.
type BounceRequest struct {
	RedirectID  string  `json:"redirect_id"`
	TimeOnPage  float64 `json:"time_on_page"`
	PagesViewed int     `json:"pages_viewed"`
}

// ConversionResponse is a recorded conversion.
type ConversionResponse struct {
	ID         string            `json:"id"`
	ClickID    string            `json:"click_id"`
	RuleID     string            `json:"rule_id"`
	ExternalID string            `json:"external_id,omitempty"`
	Value      float64           `json:"value"`
	Commission float64           `json:"commission"`
	Currency   string            `json:"currency,omitempty"`
	Status     string            `json:"status"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// BounceResponse is a recorded bounce.
type BounceResponse struct {
	ID          string    `json:"id"`
	RedirectID  string    `json:"redirect_id"`
	RuleID      string    `json:"rule_id"`
	TimeOnPage  float64   `json:"time_on_page"`
	PagesViewed int       `json:"pages_viewed"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToConversionResponse converts a ConversionEvent.
func ToConversionResponse(c *model.ConversionEvent) *ConversionResponse {
	return &ConversionResponse{
		ID:         c.ID,
		ClickID:    c.ClickID,
		RuleID:     c.RuleID,
		ExternalID: c.ExternalID,
		Value:      c.Value,
		Commission: c.Commission,
		Currency:   c.Currency,
		Status:     c.Status,
		Data:       c.Data,
		CreatedAt:  c.CreatedAt,
	}
}

// ToBounceResponse converts a BounceEvent.
func ToBounceResponse(b *model.BounceEvent) *BounceResponse {
	return &BounceResponse{
		ID:          b.ID,
		RedirectID:  b.ClickID,
		RuleID:      b.RuleID,
		TimeOnPage:  b.TimeOnPage,
		PagesViewed: b.PagesViewed,
		CreatedAt:   b.CreatedAt,
	}
}
