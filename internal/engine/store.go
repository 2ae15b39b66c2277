// Package engine resolves inbound tracked URLs to redirect decisions and
// records the click, conversion and bounce events that feed rule stats.
package engine

import (
	"context"

	"github.com/trackroute/trackroute/internal/model"
)

// RuleStore is the read-mostly rule collection consulted at resolution time.
// Lookups that find nothing return model.ErrNotFound.
type RuleStore interface {
	// FindActiveByKey returns ACTIVE rules whose source URL or tracking code
	// equals key, most recently created first.
	FindActiveByKey(ctx context.Context, key string) ([]*model.Rule, error)
	// ListActive returns every ACTIVE rule, most recently created first.
	ListActive(ctx context.Context) ([]*model.Rule, error)
	// GetByTrackingCode returns the rule with the code regardless of status.
	GetByTrackingCode(ctx context.Context, code string) (*model.Rule, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	UpdateStats(ctx context.Context, ruleID string, stats model.Stats) error
}

// ClickRecorder persists or enqueues click events.
type ClickRecorder interface {
	RecordClick(ctx context.Context, click *model.ClickEvent) error
}

// EventStore holds click, conversion and bounce events.
// Listing methods return events ordered by creation time, then id.
type EventStore interface {
	ClickRecorder
	GetClick(ctx context.Context, id string) (*model.ClickEvent, error)
	// LatestClick returns the account's most recent click for the affiliate
	// and offer.
	LatestClick(ctx context.Context, accountID, affiliateID, offerID string) (*model.ClickEvent, error)
	FindConversion(ctx context.Context, clickID, externalID string) (*model.ConversionEvent, error)
	InsertConversion(ctx context.Context, conv *model.ConversionEvent) error
	InsertBounce(ctx context.Context, bounce *model.BounceEvent) error
	ListClicks(ctx context.Context, ruleID string) ([]*model.ClickEvent, error)
	ListConversions(ctx context.Context, clickIDs []string) ([]*model.ConversionEvent, error)
	ListBounces(ctx context.Context, clickIDs []string) ([]*model.BounceEvent, error)
}

// Dispatch kinds.
const (
	DispatchPixel    = "pixel"
	DispatchPostback = "postback"
)

// Dispatcher fires outbound callbacks without blocking the caller.
type Dispatcher interface {
	Dispatch(kind string, calls []model.Callback, vars map[string]string)
}

// FormulaEvaluator computes conversion value and commission formulas.
type FormulaEvaluator interface {
	Evaluate(ctx context.Context, expression string, value float64, data, click map[string]string) (float64, error)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, []model.Callback, map[string]string) {}
