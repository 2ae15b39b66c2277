package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
)

// DefaultStatsRetryMaxElapsed bounds retries of a failing recompute.
const DefaultStatsRetryMaxElapsed = 5 * time.Second

// Breakdown keys for events without the attribute.
const (
	SourceDirect  = "(direct)"
	SourceUnknown = "(unknown)"
	UnknownBucket = "unknown"
)

// Aggregator recomputes rule stats from the full event set. It is the only
// writer of Rule.Stats.
type Aggregator struct {
	rules      RuleStore
	events     EventStore
	maxElapsed time.Duration
	metrics    metrics.Recorder
	logger     *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(rules RuleStore, events EventStore, maxElapsed time.Duration, recorder metrics.Recorder, logger *slog.Logger) *Aggregator {
	if maxElapsed <= 0 {
		maxElapsed = DefaultStatsRetryMaxElapsed
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		rules:      rules,
		events:     events,
		maxElapsed: maxElapsed,
		metrics:    recorder,
		logger:     logger,
	}
}

// Recompute reloads every event for the rule, replaces its stats and returns
// the new snapshot. Store failures are retried with exponential backoff;
// a missing rule is not.
func (a *Aggregator) Recompute(ctx context.Context, ruleID string) (model.Stats, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = a.maxElapsed

	attempt := 0
	stats, err := backoff.RetryWithData(func() (model.Stats, error) {
		attempt++
		stats, err := a.recompute(ctx, ruleID)
		if errors.Is(err, model.ErrNotFound) {
			return model.Stats{}, backoff.Permanent(err)
		}
		if err != nil && attempt > 1 {
			a.logger.Warn("stats_recompute_retry", "rule_id", ruleID, "attempt", attempt, "error", err)
		}
		return stats, err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		a.metrics.IncStatsRecompute("failed")
		return model.Stats{}, err
	}
	a.metrics.IncStatsRecompute("success")
	return stats, nil
}

func (a *Aggregator) recompute(ctx context.Context, ruleID string) (model.Stats, error) {
	clicks, err := a.events.ListClicks(ctx, ruleID)
	if err != nil {
		return model.Stats{}, fmt.Errorf("list clicks: %w", err)
	}

	ids := make([]string, len(clicks))
	for i, c := range clicks {
		ids[i] = c.ID
	}

	var (
		convs   []*model.ConversionEvent
		bounces []*model.BounceEvent
	)
	if len(ids) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			convs, err = a.events.ListConversions(gctx, ids)
			if err != nil {
				return fmt.Errorf("list conversions: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			var err error
			bounces, err = a.events.ListBounces(gctx, ids)
			if err != nil {
				return fmt.Errorf("list bounces: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return model.Stats{}, err
		}
	}

	stats := Aggregate(clicks, convs, bounces)
	if err := a.rules.UpdateStats(ctx, ruleID, stats); err != nil {
		return model.Stats{}, fmt.Errorf("update stats: %w", err)
	}
	return stats, nil
}

// Aggregate derives stats from events alone, so equal inputs give equal output.
func Aggregate(clicks []*model.ClickEvent, convs []*model.ConversionEvent, bounces []*model.BounceEvent) model.Stats {
	s := model.EmptyStats()

	ips := make(map[string]struct{}, len(clicks))
	for _, c := range clicks {
		s.TotalClicks++
		ips[c.IP] = struct{}{}

		s.ByCountry[bucket(strings.ToUpper(c.Country))]++
		s.ByDevice[bucket(c.Device)]++
		s.BySource[ReferrerSource(c.Referrer)]++

		at := c.ClickedAt.UTC()
		s.ByHour[at.Format("15")]++
		s.ByDay[at.Format(time.DateOnly)]++

		if s.LastClickAt == nil || at.After(*s.LastClickAt) {
			last := at
			s.LastClickAt = &last
		}
	}
	s.UniqueClicks = int64(len(ips))

	for _, c := range convs {
		s.Conversions++
		s.Revenue += c.Value
		s.Commission += c.Commission
	}

	var totalTime float64
	for _, b := range bounces {
		s.Bounces++
		totalTime += b.TimeOnPage
	}

	if s.TotalClicks > 0 {
		s.ConversionRate = float64(s.Conversions) / float64(s.TotalClicks)
		s.BounceRate = float64(s.Bounces) / float64(s.TotalClicks)
	}
	if s.Bounces > 0 {
		s.AverageTimeOnPage = totalTime / float64(s.Bounces)
	}
	return s
}

// ReferrerSource reduces a referrer to the host used as the source breakdown key.
func ReferrerSource(referrer string) string {
	if strings.TrimSpace(referrer) == "" {
		return SourceDirect
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return SourceUnknown
	}
	return strings.ToLower(u.Hostname())
}

func bucket(v string) string {
	if v == "" {
		return UnknownBucket
	}
	return v
}
