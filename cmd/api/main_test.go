package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trackroute/trackroute/internal/auth"
	"github.com/trackroute/trackroute/internal/config"
	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/handler"
	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/service"
	"github.com/trackroute/trackroute/internal/testutil"
	"github.com/trackroute/trackroute/internal/visitor"
)

func TestRedactURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"password removed", "postgres://app:s3cret@db:5432/trackroute", "postgres://app@db:5432/trackroute"},
		{"no credentials", "redis://cache:6379/0", "redis://cache:6379/0"},
		{"password only", "redis://:s3cret@cache:6379", "redis://redacted@cache:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactURL(tt.raw); got != tt.want {
				t.Errorf("redactURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	dsn := "postgres://app:s3cret@db:5432/trackroute"
	err := errors.New("dial " + dsn + ": refused (password=s3cret)")
	got := sanitizeError(err, dsn)
	if strings.Contains(got, "s3cret") {
		t.Errorf("sanitizeError() leaked the password: %s", got)
	}
	if sanitizeError(nil) != "" {
		t.Error("nil error should sanitize to empty")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

type noKeys struct{}

func (noKeys) GetAPIKeysByPrefix(context.Context, string) ([]*model.APIKey, error) { return nil, nil }
func (noKeys) UpdateAPIKeyLastUsed(context.Context, string) error { return nil }

func newTestRouter(t *testing.T, rules ...*model.Rule) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewRuleStore(rules...)

	eng, err := engine.New(engine.Config{Rules: store, Events: testutil.NewEventStore(), Logger: logger})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	svc := service.NewRuleService(service.Config{Store: store, Logger: logger})
	cfg := &config.Config{AppEnv: "development", MaxRequestBodySize: 1 << 20}

	return setupRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		gatherer: metrics.NewPrometheus().Gatherer(),
		health:   handler.NewHealthHandler(logger),
		resolve:  handler.NewResolveHandler(eng, visitor.NewEnricher(nil, logger), logger),
		rules:    handler.NewRuleHandler(svc, eng, eng.Stats(), logger),
		events:   handler.NewEventHandler(eng, logger),
		apiKeys:  handler.NewAPIKeyHandler(nil, auth.EnvTest, logger),
		keys:     noKeys{},
	})
}

func TestSetupRouter(t *testing.T) {
	t.Parallel()

	rule := testutil.NewTestRule(t, "http://go.example.com/summer", "https://shop.example.com/sale")
	rule.TrackingCode = "Sm3rT9xQ"
	router := newTestRouter(t, rule)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
	}{
		{"liveness", http.MethodGet, "http://go.example.com/healthz", http.StatusOK},
		{"readiness", http.MethodGet, "http://go.example.com/readyz", http.StatusOK},
		{"metrics", http.MethodGet, "http://go.example.com/metrics", http.StatusOK},
		{"api requires a key", http.MethodGet, "http://go.example.com/api/v1/rules", http.StatusUnauthorized},
		{"catch-all resolves", http.MethodGet, "http://go.example.com/summer", http.StatusFound},
		{"head resolves", http.MethodHead, "http://go.example.com/summer", http.StatusFound},
		{"unknown url", http.MethodGet, "http://go.example.com/winter", http.StatusNotFound},
		{"tracking code", http.MethodGet, "http://go.example.com/t/" + rule.TrackingCode, http.StatusFound},
		{"post is not a visit", http.MethodPost, "http://go.example.com/summer", http.StatusNotFound},
		{"post to a get route", http.MethodPost, "http://go.example.com/healthz", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s status = %d, want %d (%s)", tt.method, tt.target, rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
		})
	}
}
