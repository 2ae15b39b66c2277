package cache

import (
	"context"
	"testing"

	"github.com/trackroute/trackroute/internal/testutil"
)

func TestIntegrationRateLimit_BurstThenReject(t *testing.T) {
	client := testutil.NewTestRedis(t)
	ctx := context.Background()
	if err := testutil.FlushRedis(ctx, client); err != nil {
		t.Fatal(err)
	}
	c := NewWithClient(client)

	for i := 0; i < 3; i++ {
		res, err := c.CheckIPRateLimit(ctx, "203.0.113.7", 0.5, 3)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d = %+v, %v; want allowed", i, res, err)
		}
		if res.Remaining != int64(2-i) {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 2-i)
		}
	}

	res, err := c.CheckIPRateLimit(ctx, "203.0.113.7", 0.5, 3)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter <= 0 {
		t.Errorf("over burst = %+v, want rejected with retry-after", res)
	}

	other, err := c.CheckIPRateLimit(ctx, "203.0.113.8", 0.5, 3)
	if err != nil || !other.Allowed {
		t.Errorf("other visitor = %+v, %v; want allowed", other, err)
	}
}

func TestIntegrationRateLimit_UnlimitedTier(t *testing.T) {
	c := NewWithClient(testutil.NewTestRedis(t))

	res, err := c.CheckAPIRateLimit(context.Background(), "key1", 0, 5)
	if err != nil || !res.Allowed || res.Remaining != 5 {
		t.Errorf("unlimited = %+v, %v", res, err)
	}
}
