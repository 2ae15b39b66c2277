package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/testutil"
)

// stubFormulas understands two expressions, enough to exercise the wiring.
type stubFormulas struct{}

func (stubFormulas) Evaluate(_ context.Context, expr string, value float64, data, _ map[string]string) (float64, error) {
	switch expr {
	case "value * 0.1":
		return value * 0.1, nil
	case "data.amount":
		if data["amount"] == "120" {
			return 120, nil
		}
		return 0, nil
	}
	return 0, errors.New("unsupported expression")
}

func ptr(f float64) *float64 { return &f }

func seedClick(t *testing.T, env *testEnv, rule *model.Rule, ip string, at time.Time) *model.ClickEvent {
	t.Helper()
	c := testutil.NewTestClick(t, rule.ID, ip, at)
	c.AccountID = rule.AccountID
	c.AffiliateID = rule.AffiliateID
	c.OfferID = rule.OfferID
	if err := env.events.RecordClick(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRecordConversion_AttributionMissing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: "acct-test", ClickID: "nope"}, ConversionInput{})
	if !errors.Is(err, ErrClickNotFound) || !IsAttributionMissing(err) {
		t.Errorf("by click id: err = %v, want ErrClickNotFound", err)
	}
	if err.Error() != "click event not found" {
		t.Errorf("message = %q", err.Error())
	}

	_, err = env.engine.RecordConversion(ctx, ClickRef{AccountID: "acct-test", AffiliateID: "a", OfferID: "o"}, ConversionInput{})
	if !errors.Is(err, ErrClickNotFound) {
		t.Errorf("by affiliate+offer: err = %v, want ErrClickNotFound", err)
	}

	_, err = env.engine.RecordConversion(ctx, ClickRef{AccountID: "acct-test", AffiliateID: "a"}, ConversionInput{})
	if !errors.Is(err, ErrInvalidClickRef) {
		t.Errorf("incomplete ref: err = %v, want ErrInvalidClickRef", err)
	}

	_, err = env.engine.RecordBounce(ctx, "acct-test", "nope", BounceInput{TimeOnPage: 3})
	if !errors.Is(err, ErrRedirectNotFound) || err.Error() != "redirect event not found" {
		t.Errorf("bounce: err = %v, want ErrRedirectNotFound", err)
	}
}

func TestRecordConversion_LatestClickForAffiliateOffer(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	rule.AffiliateID = "aff-1"
	rule.OfferID = "off-1"
	env := newTestEnv(t, rule)

	seedClick(t, env, rule, "198.51.100.1", monday10)
	latest := seedClick(t, env, rule, "198.51.100.2", monday10.Add(time.Hour))

	conv, err := env.engine.RecordConversion(context.Background(),
		ClickRef{AccountID: rule.AccountID, AffiliateID: "aff-1", OfferID: "off-1"},
		ConversionInput{Value: ptr(50), Currency: "usd"},
	)
	if err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}
	if conv.ClickID != latest.ID {
		t.Errorf("ClickID = %s, want latest click %s", conv.ClickID, latest.ID)
	}
	if conv.Currency != "USD" || conv.Status != DefaultConversionStatus || conv.RuleID != rule.ID {
		t.Errorf("conv = %+v", conv)
	}
}

func TestRecordConversion_IdempotentStats(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	env := newTestEnv(t, rule)
	ctx := context.Background()
	click := seedClick(t, env, rule, "198.51.100.1", monday10)

	in := ConversionInput{Value: ptr(10), Commission: ptr(1), ExternalID: "order-1"}

	first, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, in)
	if err != nil {
		t.Fatalf("first RecordConversion() error = %v", err)
	}
	stored1, _ := env.rules.GetRule(ctx, rule.ID)
	snap1, _ := json.Marshal(stored1.Stats)

	second, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, in)
	if err != nil {
		t.Fatalf("second RecordConversion() error = %v", err)
	}
	stored2, _ := env.rules.GetRule(ctx, rule.ID)
	snap2, _ := json.Marshal(stored2.Stats)

	if second.ID != first.ID {
		t.Errorf("duplicate external id created a new conversion: %s vs %s", second.ID, first.ID)
	}
	if len(env.events.Conversions()) != 1 {
		t.Errorf("conversions stored = %d, want 1", len(env.events.Conversions()))
	}
	if string(snap1) != string(snap2) {
		t.Errorf("stats changed between identical recomputes:\n%s\n%s", snap1, snap2)
	}
	if stored2.Stats.Conversions != 1 || stored2.Stats.Revenue != 10 || stored2.Stats.TotalClicks != 1 {
		t.Errorf("stats = %+v", stored2.Stats)
	}
	if env.rules.StatsWrites() != 2 {
		t.Errorf("stats writes = %d, want 2", env.rules.StatsWrites())
	}
}

func TestRecordConversion_Formulas(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	rule.Settings.ConversionValueFormula = "data.amount"
	rule.Settings.CommissionFormula = "value * 0.1"
	env := newTestEnv(t, rule)
	ctx := context.Background()
	click := seedClick(t, env, rule, "198.51.100.1", monday10)

	conv, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{
		Data: map[string]string{"amount": "120"},
	})
	if err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}
	if conv.Value != 120 || conv.Commission != 12 {
		t.Errorf("value/commission = %v/%v, want 120/12", conv.Value, conv.Commission)
	}

	conv, err = env.engine.RecordConversion(ctx, ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{
		Value:      ptr(7),
		Commission: ptr(2),
		Data:       map[string]string{"amount": "120"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Value != 7 || conv.Commission != 2 {
		t.Errorf("explicit amounts overridden: %v/%v", conv.Value, conv.Commission)
	}
}

func TestRecordConversion_FormulaError(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	rule.Settings.ConversionValueFormula = "unsupported()"
	env := newTestEnv(t, rule)
	click := seedClick(t, env, rule, "198.51.100.1", monday10)

	_, err := env.engine.RecordConversion(context.Background(), ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{})
	if !errors.Is(err, ErrFormula) {
		t.Errorf("err = %v, want ErrFormula", err)
	}
	if len(env.events.Conversions()) != 0 {
		t.Error("conversion stored despite formula failure")
	}
}

func TestRecordConversion_Postbacks(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	rule.Settings.Postbacks = []model.Postback{
		{URL: "https://adv.example.com/pb?cid={{clickId}}&v={{value}}", Method: "post", Secret: "s3cret", Enabled: true},
		{URL: "https://adv.example.com/off", Enabled: false},
	}
	env := newTestEnv(t, rule)
	click := seedClick(t, env, rule, "198.51.100.1", monday10)

	conv, err := env.engine.RecordConversion(context.Background(), ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{
		Value:      ptr(25),
		ExternalID: "o-9",
		Data:       map[string]string{"sku": "A1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	calls := env.dispatch.Recorded()
	if len(calls) != 1 || calls[0].Kind != DispatchPostback {
		t.Fatalf("dispatch = %+v", calls)
	}
	want := []model.Callback{{URL: "https://adv.example.com/pb?cid={{clickId}}&v={{value}}", Method: "POST", Secret: "s3cret"}}
	if !reflect.DeepEqual(calls[0].Calls, want) {
		t.Errorf("calls = %+v", calls[0].Calls)
	}
	vars := calls[0].Vars
	if vars["clickId"] != click.ID || vars["value"] != "25" || vars["conversionId"] != conv.ID ||
		vars["externalId"] != "o-9" || vars["data.sku"] != "A1" {
		t.Errorf("vars = %v", vars)
	}
}

func TestRecordConversion_TrackingDisabled(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	rule.Settings.Analytics.TrackConversions = false
	rule.Settings.Analytics.TrackBounces = false
	env := newTestEnv(t, rule)
	click := seedClick(t, env, rule, "198.51.100.1", monday10)

	if _, err := env.engine.RecordConversion(context.Background(), ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{}); !errors.Is(err, ErrTrackingDisabled) {
		t.Errorf("conversion err = %v", err)
	}
	if _, err := env.engine.RecordBounce(context.Background(), rule.AccountID, click.ID, BounceInput{}); !errors.Is(err, ErrTrackingDisabled) {
		t.Errorf("bounce err = %v", err)
	}
}

func TestRecordBounce_UpdatesStats(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	env := newTestEnv(t, rule)
	ctx := context.Background()
	c1 := seedClick(t, env, rule, "198.51.100.1", monday10)
	seedClick(t, env, rule, "198.51.100.2", monday10.Add(time.Minute))

	bounce, err := env.engine.RecordBounce(ctx, rule.AccountID, c1.ID, BounceInput{TimeOnPage: 4.5, PagesViewed: 1})
	if err != nil {
		t.Fatalf("RecordBounce() error = %v", err)
	}
	if bounce.ClickID != c1.ID || bounce.RuleID != rule.ID {
		t.Errorf("bounce = %+v", bounce)
	}

	stored, _ := env.rules.GetRule(ctx, rule.ID)
	if stored.Stats.Bounces != 1 || stored.Stats.BounceRate != 0.5 || stored.Stats.AverageTimeOnPage != 4.5 {
		t.Errorf("stats = %+v", stored.Stats)
	}
}

func TestRecordConversion_OtherAccountsClicksInvisible(t *testing.T) {
	t.Parallel()

	mine := testutil.NewTestRule(t, "https://t.example.com/mine", "https://shop.example.com")
	mine.AccountID = "acct-mine"
	mine.AffiliateID = "aff-shared"
	mine.OfferID = "off-shared"
	theirs := testutil.NewTestRule(t, "https://t.example.com/theirs", "https://shop.example.com")
	theirs.AccountID = "acct-theirs"
	theirs.AffiliateID = "aff-shared"
	theirs.OfferID = "off-shared"
	theirs.Settings.Postbacks = []model.Postback{{URL: "https://adv.example.com/pb", Enabled: true}}
	env := newTestEnv(t, mine, theirs)
	ctx := context.Background()

	own := seedClick(t, env, mine, "198.51.100.1", monday10)
	foreign := seedClick(t, env, theirs, "198.51.100.2", monday10.Add(time.Hour))

	tests := []struct {
		name string
		ref  ClickRef
	}{
		{"foreign click id", ClickRef{AccountID: "acct-mine", ClickID: foreign.ID}},
		{"no account", ClickRef{ClickID: own.ID}},
	}
	for _, tt := range tests {
		if _, err := env.engine.RecordConversion(ctx, tt.ref, ConversionInput{Value: ptr(999)}); !errors.Is(err, ErrClickNotFound) {
			t.Errorf("%s: err = %v, want ErrClickNotFound", tt.name, err)
		}
	}

	// The foreign click is newer but belongs to another account.
	conv, err := env.engine.RecordConversion(ctx,
		ClickRef{AccountID: "acct-mine", AffiliateID: "aff-shared", OfferID: "off-shared"},
		ConversionInput{Value: ptr(5)},
	)
	if err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}
	if conv.ClickID != own.ID || conv.RuleID != mine.ID {
		t.Errorf("attributed to click %s rule %s, want own click %s", conv.ClickID, conv.RuleID, own.ID)
	}

	if _, err := env.engine.RecordBounce(ctx, "acct-mine", foreign.ID, BounceInput{TimeOnPage: 1}); !errors.Is(err, ErrRedirectNotFound) {
		t.Errorf("foreign bounce: err = %v, want ErrRedirectNotFound", err)
	}

	if n := len(env.events.Conversions()); n != 1 {
		t.Errorf("conversions stored = %d, want 1", n)
	}
	if calls := env.dispatch.Recorded(); len(calls) != 0 {
		t.Errorf("foreign postbacks fired: %+v", calls)
	}
	stored, _ := env.rules.GetRule(ctx, theirs.ID)
	if stored.Stats.Conversions != 0 || stored.Stats.Bounces != 0 {
		t.Errorf("foreign stats touched: %+v", stored.Stats)
	}
}

func TestRecordConversion_ClickWithoutAccountUsesRuleOwner(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "https://t.example.com/go", "https://shop.example.com")
	env := newTestEnv(t, rule)
	ctx := context.Background()

	// Stream payloads may omit the account; the owning rule decides.
	click := testutil.NewTestClick(t, rule.ID, "198.51.100.1", monday10)
	click.AccountID = ""
	if err := env.events.RecordClick(ctx, click); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: "acct-other", ClickID: click.ID}, ConversionInput{}); !errors.Is(err, ErrClickNotFound) {
		t.Errorf("other account: err = %v, want ErrClickNotFound", err)
	}
	if _, err := env.engine.RecordConversion(ctx, ClickRef{AccountID: rule.AccountID, ClickID: click.ID}, ConversionInput{}); err != nil {
		t.Errorf("owner: err = %v", err)
	}
}
