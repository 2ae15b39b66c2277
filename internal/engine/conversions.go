package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/trackroute/trackroute/internal/model"
)

// ClickRef identifies the click a conversion is attributed to: either the
// click id itself, or an affiliate and offer pair resolved to their most
// recent click. Only clicks of AccountID's rules are visible.
type ClickRef struct {
	AccountID   string
	ClickID     string
	AffiliateID string
	OfferID     string
}

// ConversionInput is the advertiser-reported conversion. A nil Value or
// Commission is computed from the rule's formula when one is configured.
type ConversionInput struct {
	Value      *float64
	Commission *float64
	Currency   string
	ExternalID string
	Status     string
	Data       map[string]string
}

// BounceInput is the engagement reported for a prior redirect.
type BounceInput struct {
	TimeOnPage  float64
	PagesViewed int
}

// DefaultConversionStatus is stored when the caller omits a status.
const DefaultConversionStatus = "approved"

// RecordConversion attributes a conversion to a prior click, fires the rule's
// postbacks and recomputes the rule's stats. A repeated ExternalID for the
// same click returns the stored conversion unchanged.
func (e *Engine) RecordConversion(ctx context.Context, ref ClickRef, in ConversionInput) (*model.ConversionEvent, error) {
	click, err := e.findClick(ctx, ref)
	if err != nil {
		return nil, err
	}

	rule, err := e.rules.GetRule(ctx, click.RuleID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: rule %s no longer exists", ErrClickNotFound, click.RuleID)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	if rule.AccountID != ref.AccountID {
		return nil, ErrClickNotFound
	}
	if !rule.Settings.Analytics.TrackConversions {
		return nil, ErrTrackingDisabled
	}

	if in.ExternalID != "" {
		existing, err := e.events.FindConversion(ctx, click.ID, in.ExternalID)
		if err == nil {
			e.recompute(ctx, rule.ID)
			return existing, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("find conversion: %w", err)
		}
	}

	clickData := clickFields(click)
	value, commission, err := e.conversionAmounts(ctx, rule.Settings, in, clickData)
	if err != nil {
		return nil, err
	}

	status := in.Status
	if status == "" {
		status = DefaultConversionStatus
	}
	conv := &model.ConversionEvent{
		ID:         ulid.Make().String(),
		ClickID:    click.ID,
		RuleID:     rule.ID,
		ExternalID: in.ExternalID,
		Value:      value,
		Commission: commission,
		Currency:   strings.ToUpper(in.Currency),
		Status:     status,
		Data:       in.Data,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.events.InsertConversion(ctx, conv); err != nil {
		return nil, fmt.Errorf("insert conversion: %w", err)
	}
	e.metrics.IncConversionRecorded()
	e.logger.Info("conversion_recorded",
		"conversion_id", conv.ID,
		"click_id", click.ID,
		"rule_id", rule.ID,
		"value", value,
	)

	e.firePostbacks(rule, click, conv)
	e.recompute(ctx, rule.ID)
	return conv, nil
}

// RecordBounce stores engagement for the redirect identified by redirectID
// and recomputes the rule's stats. Redirects of other accounts are not found.
func (e *Engine) RecordBounce(ctx context.Context, accountID, redirectID string, in BounceInput) (*model.BounceEvent, error) {
	click, err := e.events.GetClick(ctx, redirectID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && !clickOwnedBy(click, accountID)) {
		return nil, ErrRedirectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load redirect event: %w", err)
	}

	rule, err := e.rules.GetRule(ctx, click.RuleID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: rule %s no longer exists", ErrRedirectNotFound, click.RuleID)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	if rule.AccountID != accountID {
		return nil, ErrRedirectNotFound
	}
	if !rule.Settings.Analytics.TrackBounces {
		return nil, ErrTrackingDisabled
	}

	bounce := &model.BounceEvent{
		ID:          ulid.Make().String(),
		ClickID:     click.ID,
		RuleID:      rule.ID,
		TimeOnPage:  in.TimeOnPage,
		PagesViewed: in.PagesViewed,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.events.InsertBounce(ctx, bounce); err != nil {
		return nil, fmt.Errorf("insert bounce: %w", err)
	}
	e.metrics.IncBounceRecorded()

	e.recompute(ctx, rule.ID)
	return bounce, nil
}

func (e *Engine) findClick(ctx context.Context, ref ClickRef) (*model.ClickEvent, error) {
	var (
		click *model.ClickEvent
		err   error
	)
	switch {
	case ref.ClickID != "":
		click, err = e.events.GetClick(ctx, ref.ClickID)
	case ref.AffiliateID != "" && ref.OfferID != "":
		click, err = e.events.LatestClick(ctx, ref.AccountID, ref.AffiliateID, ref.OfferID)
	default:
		return nil, ErrInvalidClickRef
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrClickNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load click event: %w", err)
	}
	if !clickOwnedBy(click, ref.AccountID) {
		return nil, ErrClickNotFound
	}
	return click, nil
}

// clickOwnedBy is a first check on the click's recorded account; callers
// confirm against the owning rule.
func clickOwnedBy(c *model.ClickEvent, accountID string) bool {
	return accountID != "" && (c.AccountID == "" || c.AccountID == accountID)
}

// conversionAmounts resolves value then commission. Explicit amounts win;
// the commission formula sees the resolved value.
func (e *Engine) conversionAmounts(ctx context.Context, s model.Settings, in ConversionInput, click map[string]string) (float64, float64, error) {
	var value, commission float64

	switch {
	case in.Value != nil:
		value = *in.Value
	case s.ConversionValueFormula != "" && e.formulas != nil:
		v, err := e.formulas.Evaluate(ctx, s.ConversionValueFormula, 0, in.Data, click)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: value: %v", ErrFormula, err)
		}
		value = v
	}

	switch {
	case in.Commission != nil:
		commission = *in.Commission
	case s.CommissionFormula != "" && e.formulas != nil:
		c, err := e.formulas.Evaluate(ctx, s.CommissionFormula, value, in.Data, click)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: commission: %v", ErrFormula, err)
		}
		commission = c
	}

	return value, commission, nil
}

func (e *Engine) firePostbacks(rule *model.Rule, click *model.ClickEvent, conv *model.ConversionEvent) {
	var calls []model.Callback
	for _, pb := range rule.Settings.Postbacks {
		if !pb.Enabled || pb.URL == "" {
			continue
		}
		method := strings.ToUpper(pb.Method)
		if method != http.MethodPost {
			method = http.MethodGet
		}
		calls = append(calls, model.Callback{URL: pb.URL, Method: method, Secret: pb.Secret})
	}
	if len(calls) == 0 {
		return
	}

	vars := clickFields(click)
	vars["accountId"] = rule.AccountID
	vars["conversionId"] = conv.ID
	vars["externalId"] = conv.ExternalID
	vars["value"] = strconv.FormatFloat(conv.Value, 'f', -1, 64)
	vars["commission"] = strconv.FormatFloat(conv.Commission, 'f', -1, 64)
	vars["currency"] = conv.Currency
	vars["status"] = conv.Status
	for k, v := range conv.Data {
		vars["data."+k] = v
	}
	e.dispatcher.Dispatch(DispatchPostback, calls, vars)
}

// recompute refreshes rule stats. Failures are logged, never returned.
func (e *Engine) recompute(ctx context.Context, ruleID string) {
	if _, err := e.stats.Recompute(ctx, ruleID); err != nil {
		e.logger.Error("stats_recompute_failed", "rule_id", ruleID, "error", err)
	}
}

// clickFields is the click as seen by formulas and postback templates.
func clickFields(c *model.ClickEvent) map[string]string {
	return map[string]string{
		"clickId":     c.ID,
		"ruleId":      c.RuleID,
		"affiliateId": c.AffiliateID,
		"offerId":     c.OfferID,
		"ip":          c.IP,
		"userAgent":   c.UserAgent,
		"referrer":    c.Referrer,
		"country":     c.Country,
		"device":      c.Device,
		"browser":     c.Browser,
		"os":          c.OS,
		"sourceUrl":   c.SourceURL,
		"targetUrl":   c.TargetURL,
		"timestamp":   strconv.FormatInt(c.ClickedAt.UnixMilli(), 10),
	}
}
