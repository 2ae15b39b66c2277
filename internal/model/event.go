package model

import (
	"errors"
	"time"
)

// Store errors shared by every storage implementation.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("already exists")
	ErrInvalidCursor = errors.New("invalid pagination cursor")
)

// ClickEvent is the immutable record of one visit that passed filtering.
type ClickEvent struct {
	ID          string            `json:"id"` // ULID, doubles as the redirect event id
	RuleID      string            `json:"rule_id"`
	AccountID   string            `json:"account_id,omitempty"`
	AffiliateID string            `json:"affiliate_id,omitempty"`
	OfferID     string            `json:"offer_id,omitempty"`
	SourceURL   string            `json:"source_url"`
	TargetURL   string            `json:"target_url"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Referrer    string            `json:"referrer,omitempty"`
	Country     string            `json:"country,omitempty"`
	Device      string            `json:"device,omitempty"`
	Browser     string            `json:"browser,omitempty"`
	OS          string            `json:"os,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	ClickedAt   time.Time         `json:"clicked_at"`
}

// ConversionEvent is a sale or lead attributed to a prior click.
type ConversionEvent struct {
	ID         string            `json:"id"`
	ClickID    string            `json:"click_id"`
	RuleID     string            `json:"rule_id"`
	ExternalID string            `json:"external_id,omitempty"` // order / lead id from the advertiser
	Value      float64           `json:"value"`
	Commission float64           `json:"commission"`
	Currency   string            `json:"currency,omitempty"`
	Status     string            `json:"status,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// BounceEvent records engagement for a prior redirect.
type BounceEvent struct {
	ID          string    `json:"id"`
	ClickID     string    `json:"click_id"`
	RuleID      string    `json:"rule_id"`
	TimeOnPage  float64   `json:"time_on_page"` // seconds
	PagesViewed int       `json:"pages_viewed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is the aggregate snapshot owned by the stats aggregator.
// It is replaced wholesale on every recompute.
type Stats struct {
	TotalClicks       int64            `json:"total_clicks"`
	UniqueClicks      int64            `json:"unique_clicks"`
	Conversions       int64            `json:"conversions"`
	Revenue           float64          `json:"revenue"`
	Commission        float64          `json:"commission"`
	ConversionRate    float64          `json:"conversion_rate"`
	Bounces           int64            `json:"bounces"`
	BounceRate        float64          `json:"bounce_rate"`
	AverageTimeOnPage float64          `json:"average_time_on_page"`
	ByCountry         map[string]int64 `json:"by_country"`
	ByDevice          map[string]int64 `json:"by_device"`
	BySource          map[string]int64 `json:"by_source"`
	ByHour            map[string]int64 `json:"by_hour"`
	ByDay             map[string]int64 `json:"by_day"`
	LastClickAt       *time.Time       `json:"last_click_at,omitempty"`
}

// EmptyStats returns the zeroed stats assigned at rule creation.
func EmptyStats() Stats {
	return Stats{
		ByCountry: map[string]int64{},
		ByDevice:  map[string]int64{},
		BySource:  map[string]int64{},
		ByHour:    map[string]int64{},
		ByDay:     map[string]int64{},
	}
}
