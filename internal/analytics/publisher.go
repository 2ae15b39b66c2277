// Package analytics carries click events through a Redis stream so the
// redirect path never waits on Postgres.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
)

const (
	// StreamKey is the Redis stream for click events.
	StreamKey = "stream:click_events"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:click_events:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 100 * time.Millisecond

	maxMetaLength = 500
)

// ClickEventPayload is the compact stream encoding of a model.ClickEvent.
type ClickEventPayload struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rid"`
	AccountID   string            `json:"acc,omitempty"`
	AffiliateID string            `json:"aff,omitempty"`
	OfferID     string            `json:"off,omitempty"`
	SourceURL   string            `json:"src"`
	TargetURL   string            `json:"dst"`
	IP          string            `json:"ip"`
	UserAgent   string            `json:"ua,omitempty"`
	Referrer    string            `json:"r,omitempty"`
	Country     string            `json:"cc,omitempty"`
	Device      string            `json:"dev,omitempty"`
	Browser     string            `json:"br,omitempty"`
	OS          string            `json:"os,omitempty"`
	Query       map[string]string `json:"q,omitempty"`
	ClickedAt   int64             `json:"t"` // Unix milliseconds
}

// PayloadFromClick encodes click, truncating free-text fields.
func PayloadFromClick(click *model.ClickEvent) ClickEventPayload {
	return ClickEventPayload{
		ID:          click.ID,
		RuleID:      click.RuleID,
		AccountID:   click.AccountID,
		AffiliateID: click.AffiliateID,
		OfferID:     click.OfferID,
		SourceURL:   click.SourceURL,
		TargetURL:   click.TargetURL,
		IP:          click.IP,
		UserAgent:   truncate(click.UserAgent),
		Referrer:    truncate(click.Referrer),
		Country:     strings.ToUpper(click.Country),
		Device:      click.Device,
		Browser:     click.Browser,
		OS:          click.OS,
		Query:       click.QueryParams,
		ClickedAt:   click.ClickedAt.UnixMilli(),
	}
}

// Click decodes the payload.
func (p ClickEventPayload) Click() *model.ClickEvent {
	return &model.ClickEvent{
		ID:          p.ID,
		RuleID:      p.RuleID,
		AccountID:   p.AccountID,
		AffiliateID: p.AffiliateID,
		OfferID:     p.OfferID,
		SourceURL:   p.SourceURL,
		TargetURL:   p.TargetURL,
		IP:          p.IP,
		UserAgent:   p.UserAgent,
		Referrer:    p.Referrer,
		Country:     p.Country,
		Device:      p.Device,
		Browser:     p.Browser,
		OS:          p.OS,
		QueryParams: p.Query,
		ClickedAt:   time.UnixMilli(p.ClickedAt).UTC(),
	}
}

// Publisher enqueues click events to the Redis stream. It satisfies
// engine.ClickRecorder when EVENT_PIPELINE=stream.
type Publisher struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewPublisher creates a new click event publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "analytics.publisher"),
		metrics: recorder,
	}
}

// Publish adds a click event to the stream and returns its stream id.
func (p *Publisher) Publish(ctx context.Context, event ClickEventPayload) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	result, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return result, nil
}

// RecordClick publishes click within PublishTimeout. A failed publish is
// reported so the engine can count the click as not recorded.
func (p *Publisher) RecordClick(ctx context.Context, click *model.ClickEvent) error {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	streamID, err := p.Publish(ctx, PayloadFromClick(click))
	if err != nil {
		p.metrics.IncAnalyticsEventPublished("dropped")
		return err
	}

	p.logger.Debug("click_event_published",
		"click_id", click.ID,
		"rule_id", click.RuleID,
		"stream_id", streamID,
	)
	p.metrics.IncAnalyticsEventPublished("success")
	return nil
}

func truncate(s string) string {
	if len(s) > maxMetaLength {
		return strings.ToValidUTF8(s[:maxMetaLength], "")
	}
	return s
}
