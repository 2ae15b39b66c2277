package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
)

// DefaultClickTimeout bounds click recording on the redirect path.
const DefaultClickTimeout = 2 * time.Second

// Config wires the engine's collaborators. Rules and Events are required.
type Config struct {
	Rules  RuleStore
	Events EventStore
	// Clicks receives click events. Defaults to Events; the stream pipeline
	// substitutes a publisher.
	Clicks     ClickRecorder
	Dispatcher Dispatcher
	Formulas   FormulaEvaluator
	Metrics    metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time

	// RecomputeOnClick refreshes stats in the background after each recorded
	// click. The stream worker recomputes per batch instead.
	RecomputeOnClick     bool
	ClickTimeout         time.Duration
	StatsRetryMaxElapsed time.Duration
}

// Engine resolves inbound URLs and records attribution events.
type Engine struct {
	rules      RuleStore
	events     EventStore
	clicks     ClickRecorder
	dispatcher Dispatcher
	formulas   FormulaEvaluator
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time

	matcher          *Matcher
	stats            *Aggregator
	recomputeOnClick bool
	clickTimeout     time.Duration

	wg sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Rules == nil || cfg.Events == nil {
		return nil, errors.New("engine requires a rule store and an event store")
	}
	if cfg.Clicks == nil {
		cfg.Clicks = cfg.Events
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = noopDispatcher{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClickTimeout <= 0 {
		cfg.ClickTimeout = DefaultClickTimeout
	}

	logger := cfg.Logger.With("component", "engine")
	return &Engine{
		rules:            cfg.Rules,
		events:           cfg.Events,
		clicks:           cfg.Clicks,
		dispatcher:       cfg.Dispatcher,
		formulas:         cfg.Formulas,
		metrics:          cfg.Metrics,
		logger:           logger,
		now:              cfg.Now,
		matcher:          NewMatcher(cfg.Rules),
		stats:            NewAggregator(cfg.Rules, cfg.Events, cfg.StatsRetryMaxElapsed, cfg.Metrics, logger),
		recomputeOnClick: cfg.RecomputeOnClick,
		clickTimeout:     cfg.ClickTimeout,
	}, nil
}

// Stats returns the aggregator used for recomputes.
func (e *Engine) Stats() *Aggregator {
	return e.stats
}

// Result is the routing decision for one inbound request.
// Err carries the outcome sentinel when Redirect is false.
type Result struct {
	Redirect   bool   `json:"redirect"`
	TargetURL  string `json:"target_url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Delay      int    `json:"delay,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	ClickID    string `json:"click_id,omitempty"`
	Err        error  `json:"-"`
}

func reject(err error, reason string) Result {
	return Result{Reason: reason, Err: err}
}

// Resolve matches sourceURL against the rule store and produces a routing
// decision. Clicks are recorded and pixels fired when the request passes
// filtering. The returned error is non-nil only when the rule store fails.
func (e *Engine) Resolve(ctx context.Context, sourceURL string, rc *model.RequestContext) (Result, error) {
	return e.run(ctx, rc, true, func() (*model.Rule, []string, Result, error) {
		rule, captures, err := e.matcher.Match(ctx, sourceURL)
		if err != nil {
			return nil, nil, Result{}, err
		}
		if rule == nil {
			return nil, nil, reject(ErrNoMatch, ReasonNoMatch), nil
		}
		return rule, captures, Result{}, nil
	})
}

// ResolveCode resolves a generated tracking code. Unlike Resolve, a known
// code whose rule is not ACTIVE reports the rule as inactive.
func (e *Engine) ResolveCode(ctx context.Context, code string, rc *model.RequestContext) (Result, error) {
	return e.run(ctx, rc, true, func() (*model.Rule, []string, Result, error) {
		rule, err := e.rules.GetByTrackingCode(ctx, code)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, reject(ErrNoMatch, ReasonNoMatch), nil
		}
		if err != nil {
			return nil, nil, Result{}, fmt.Errorf("lookup tracking code: %w", err)
		}
		if !rule.IsActive() {
			return nil, nil, reject(ErrRuleInactive, ReasonRuleInactive), nil
		}
		return rule, nil, Result{}, nil
	})
}

// Preview is Resolve without recording clicks or firing pixels. Only the
// rules of accountID are considered.
func (e *Engine) Preview(ctx context.Context, accountID, sourceURL string, rc *model.RequestContext) (Result, error) {
	return e.run(ctx, rc, false, func() (*model.Rule, []string, Result, error) {
		rule, captures, err := e.matcher.MatchAccount(ctx, accountID, sourceURL)
		if err != nil {
			return nil, nil, Result{}, err
		}
		if rule == nil {
			return nil, nil, reject(ErrNoMatch, ReasonNoMatch), nil
		}
		return rule, captures, Result{}, nil
	})
}

type lookupFunc func() (*model.Rule, []string, Result, error)

func (e *Engine) run(ctx context.Context, rc *model.RequestContext, record bool, lookup lookupFunc) (Result, error) {
	start := e.now()
	if rc.Timestamp.IsZero() {
		rc.Timestamp = start
	}

	rule, captures, res, err := lookup()
	if err == nil && rule != nil {
		res = e.decide(ctx, rule, captures, rc, record)
	}

	e.metrics.ObserveResolveDuration(time.Since(start))
	if err != nil {
		e.metrics.IncResolution(metrics.OutcomeError)
		return Result{}, err
	}
	e.metrics.IncResolution(outcomeLabel(res))

	if res.Redirect {
		e.logger.Debug("redirect_resolved",
			"rule_id", res.RuleID,
			"status_code", res.StatusCode,
			"preview", !record,
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
		)
	} else {
		e.logger.Debug("redirect_rejected",
			"rule_id", res.RuleID,
			"reason", res.Reason,
			"preview", !record,
		)
	}
	return res, nil
}

// decide runs conditions, filters, actions and templating for a matched rule.
func (e *Engine) decide(ctx context.Context, rule *model.Rule, captures []string, rc *model.RequestContext, record bool) Result {
	if !rule.IsActive() {
		return reject(ErrRuleInactive, ReasonRuleInactive)
	}

	fields := rc.Fields()
	if !EvaluateConditions(rule.Conditions, fields) {
		res := reject(ErrConditionsNotMet, ReasonConditionsNotMet)
		res.RuleID = rule.ID
		return res
	}

	filtered := applyFilters(rule.Settings, rc, fields)
	if !filtered.allowed {
		res := reject(ErrBlocked, filtered.reason)
		res.RuleID = rule.ID
		return res
	}

	acted := executeActions(rule.ActionRules, fields)

	target := SubstituteWildcards(rule.TargetURL, captures)
	if filtered.redirectURL != "" {
		target = filtered.redirectURL
	}
	if acted.target != "" {
		target = acted.target
	}

	var clickID string
	if record {
		clickID = ulid.Make().String()
	}
	vars := templateVars(rule, rc, clickID)

	final, err := buildTarget(target, rule, rc, fields, vars, acted.mutations)
	if err != nil || !validTarget(final) {
		res := reject(ErrInvalidTarget, ReasonInvalidTarget)
		res.RuleID = rule.ID
		return res
	}

	res := Result{
		Redirect:   true,
		TargetURL:  final,
		StatusCode: rule.Type.StatusCode(),
		Delay:      rule.Settings.Delay,
		RuleID:     rule.ID,
	}
	if !record {
		return res
	}

	if rule.Settings.Analytics.TrackClicks {
		if e.recordClick(ctx, rule, rc, clickID, final) {
			res.ClickID = clickID
		}
	}
	e.firePixels(rule, vars, final)
	return res
}

func (e *Engine) recordClick(ctx context.Context, rule *model.Rule, rc *model.RequestContext, clickID, target string) bool {
	click := &model.ClickEvent{
		ID:          clickID,
		RuleID:      rule.ID,
		AccountID:   rule.AccountID,
		AffiliateID: rule.AffiliateID,
		OfferID:     rule.OfferID,
		SourceURL:   rc.URL,
		TargetURL:   target,
		IP:          rc.IP,
		UserAgent:   rc.UserAgent,
		Referrer:    rc.Referrer,
		Country:     rc.Country,
		Device:      rc.Device,
		Browser:     rc.Browser,
		OS:          rc.OS,
		QueryParams: firstValues(rc),
		ClickedAt:   rc.Timestamp.UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.clickTimeout)
	defer cancel()

	if err := e.clicks.RecordClick(ctx, click); err != nil {
		e.metrics.IncClickRecorded("failed")
		e.logger.Warn("click_record_failed", "rule_id", rule.ID, "click_id", clickID, "error", err)
		return false
	}
	e.metrics.IncClickRecorded("success")

	if e.recomputeOnClick {
		e.background(func(ctx context.Context) {
			e.recompute(ctx, rule.ID)
		})
	}
	return true
}

func (e *Engine) firePixels(rule *model.Rule, vars map[string]string, target string) {
	var calls []model.Callback
	for _, p := range rule.Settings.Pixels {
		if p.Enabled && p.Position == model.PixelBeforeRedirect && p.URL != "" {
			calls = append(calls, model.Callback{URL: p.URL, Method: http.MethodGet})
		}
	}
	if len(calls) == 0 {
		return
	}

	pixelVars := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		pixelVars[k] = v
	}
	pixelVars["targetUrl"] = target
	e.dispatcher.Dispatch(DispatchPixel, calls, pixelVars)
}

// background runs fn detached from the request with a bounded timeout.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

// Shutdown waits for background stats work to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstValues(rc *model.RequestContext) map[string]string {
	if len(rc.Query) == 0 {
		return nil
	}
	out := make(map[string]string, len(rc.Query))
	for k, v := range rc.Query {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func outcomeLabel(res Result) string {
	switch {
	case res.Redirect:
		return metrics.OutcomeRedirect
	case errors.Is(res.Err, ErrNoMatch):
		return metrics.OutcomeNoMatch
	case errors.Is(res.Err, ErrRuleInactive):
		return metrics.OutcomeInactive
	case errors.Is(res.Err, ErrConditionsNotMet):
		return metrics.OutcomeConditionsNotMet
	case errors.Is(res.Err, ErrBlocked):
		return metrics.OutcomeBlocked
	default:
		return metrics.OutcomeInvalidTarget
	}
}
