package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/testutil"
)

type recordingRecomputer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRecomputer) Recompute(_ context.Context, ruleID string) (model.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ruleID)
	return model.EmptyStats(), nil
}

func (r *recordingRecomputer) count(ruleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.ids {
		if id == ruleID {
			n++
		}
	}
	return n
}

type flakyStore struct {
	*testutil.EventStore
	failures int
	calls    int
}

func (s *flakyStore) BulkInsertClicks(ctx context.Context, clicks []*model.ClickEvent) (int, error) {
	s.calls++
	if s.calls <= s.failures {
		return 0, errors.New("connection refused")
	}
	return s.EventStore.BulkInsertClicks(ctx, clicks)
}

func newClick(ruleID string) *model.ClickEvent {
	return &model.ClickEvent{
		ID:        ulid.Make().String(),
		RuleID:    ruleID,
		SourceURL: "https://t.example.com/go",
		TargetURL: "https://shop.example.com/",
		IP:        "203.0.113.9",
		ClickedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestWorker_ProcessBatch(t *testing.T) {
	t.Parallel()

	store := &flakyStore{EventStore: testutil.NewEventStore(), failures: 1}
	stats := &recordingRecomputer{}
	recorder := metrics.NewInMemory()
	w := NewWorker(nil, store, stats, nil, "test", recorder)
	w.retryInterval = time.Millisecond

	clicks := []*model.ClickEvent{newClick("r1"), newClick("r1"), newClick("r2")}
	if err := w.processBatch(context.Background(), clicks); err != nil {
		t.Fatalf("processBatch() error = %v", err)
	}

	if len(store.Clicks()) != 3 {
		t.Errorf("stored clicks = %d, want 3", len(store.Clicks()))
	}
	if stats.count("r1") != 1 || stats.count("r2") != 1 {
		t.Errorf("recomputes = %v, want one per rule", stats.ids)
	}
	if got := recorder.Snapshot().EventsProcessed["success"]; got != 3 {
		t.Errorf("processed success = %d, want 3", got)
	}

	// Redelivery of the same batch stores nothing new.
	if err := w.processBatch(context.Background(), clicks); err != nil {
		t.Fatal(err)
	}
	if got := recorder.Snapshot().EventsProcessed["skipped"]; got != 3 {
		t.Errorf("processed skipped = %d, want 3", got)
	}
}

func TestWorker_ProcessBatchGivesUp(t *testing.T) {
	t.Parallel()

	store := &flakyStore{EventStore: testutil.NewEventStore(), failures: 10}
	stats := &recordingRecomputer{}
	w := NewWorker(nil, store, stats, nil, "test", nil)
	w.retryInterval = time.Millisecond

	if err := w.processBatch(context.Background(), []*model.ClickEvent{newClick("r1")}); err == nil {
		t.Fatal("expected error")
	}
	if store.calls != DefaultMaxRetries {
		t.Errorf("attempts = %d, want %d", store.calls, DefaultMaxRetries)
	}
	if len(stats.ids) != 0 {
		t.Error("stats recomputed for an unsaved batch")
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	good, _ := json.Marshal(PayloadFromClick(newClick("r1")))
	bad, _ := json.Marshal(ClickEventPayload{ID: "nope"})

	tests := []struct {
		name   string
		values map[string]interface{}
		reason string
	}{
		{"valid", map[string]interface{}{"payload": string(good)}, ""},
		{"missing payload", map[string]interface{}{}, "invalid_format"},
		{"not json", map[string]interface{}{"payload": "{"}, "unmarshal_error"},
		{"invalid", map[string]interface{}{"payload": string(bad)}, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			click, reason, err := decodeMessage(redis.XMessage{ID: "1-0", Values: tt.values})
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
			if (err == nil) != (tt.reason == "") {
				t.Errorf("err = %v", err)
			}
			if err == nil && click.RuleID != "r1" {
				t.Errorf("click = %+v", click)
			}
		})
	}
}

func TestIntegrationWorker_StreamRoundTrip(t *testing.T) {
	client := testutil.NewTestRedis(t)
	ctx := context.Background()
	if err := testutil.FlushRedis(ctx, client); err != nil {
		t.Fatal(err)
	}

	recorder := metrics.NewInMemory()
	pub := NewPublisher(client, nil, recorder)
	click := newClick("r1")
	if err := pub.RecordClick(ctx, click); err != nil {
		t.Fatalf("RecordClick() error = %v", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey, Values: map[string]interface{}{"payload": "garbage"}}).Err(); err != nil {
		t.Fatal(err)
	}

	store := testutil.NewEventStore()
	stats := &recordingRecomputer{}
	w := NewWorker(client, store, stats, nil, NewConsumerID(), recorder)
	w.SetBlockTimeout(100 * time.Millisecond)

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.Clicks()) > 0 {
			p, err := client.XPending(ctx, StreamKey, ConsumerGroup).Result()
			if err == nil && p.Count == 0 {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := store.GetClick(ctx, click.ID)
	if err != nil {
		t.Fatalf("click not persisted: %v", err)
	}
	if !got.ClickedAt.Equal(click.ClickedAt) || stats.count("r1") != 1 {
		t.Errorf("click = %+v, recomputes = %v", got, stats.ids)
	}

	dlq, err := client.XLen(ctx, DeadLetterStreamKey).Result()
	if err != nil || dlq != 1 {
		t.Errorf("dead letters = %d, %v", dlq, err)
	}
	pending, err := client.XPending(ctx, StreamKey, ConsumerGroup).Result()
	if err != nil || pending.Count != 0 {
		t.Errorf("pending = %+v, %v", pending, err)
	}
}

func TestIntegrationWorker_ClaimsAbandonedMessages(t *testing.T) {
	client := testutil.NewTestRedis(t)
	ctx := context.Background()
	if err := testutil.FlushRedis(ctx, client); err != nil {
		t.Fatal(err)
	}

	pub := NewPublisher(client, nil, nil)
	click := newClick("r2")
	if err := pub.RecordClick(ctx, click); err != nil {
		t.Fatalf("RecordClick() error = %v", err)
	}

	// A consumer that reads the message and dies before acking it.
	if err := client.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err(); err != nil {
		t.Fatal(err)
	}
	if err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: "crashed",
		Streams:  []string{StreamKey, ">"},
		Count:    1,
	}).Err(); err != nil {
		t.Fatal(err)
	}

	store := testutil.NewEventStore()
	w := NewWorker(client, store, &recordingRecomputer{}, nil, NewConsumerID(), nil)
	w.SetBatchSize(10)
	w.SetBlockTimeout(50 * time.Millisecond)
	w.SetClaimIdle(10 * time.Millisecond)
	w.SetClaimInterval(50 * time.Millisecond)

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(store.Clicks()) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := store.GetClick(ctx, click.ID); err != nil {
		t.Fatalf("abandoned click not reclaimed: %v", err)
	}
}
