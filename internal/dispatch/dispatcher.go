// Package dispatch fires tracking pixels and conversion postbacks.
//
// Calls run in background goroutines bounded by a semaphore. A call that cannot
// get a slot is dropped rather than queued. Outbound traffic is throttled by a
// token bucket and each target host sits behind its own circuit breaker.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/trackroute/trackroute/internal/metrics"
	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/placeholder"
)

// Defaults for Config zero values.
const (
	DefaultMaxConcurrent = 64
	DefaultTimeout       = 5 * time.Second
	DefaultRateLimit     = 200
	DefaultBurst         = 50
)

// Dispatch outcome labels.
const (
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusDropped     = "dropped"
	StatusRejected    = "rejected"
	StatusCircuitOpen = "circuit_open"
)

// errUpstream marks 5xx responses so they count against the breaker.
var errUpstream = errors.New("upstream error")

// Config configures a Dispatcher.
type Config struct {
	MaxConcurrent int64
	Timeout       time.Duration
	RateLimit     float64 // calls per second across all hosts
	Burst         int

	// AllowPrivateTargets skips the address checks in ValidateURL. Local development and tests only.
	AllowPrivateTargets bool

	Client  *http.Client
	Metrics metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Dispatcher implements engine.Dispatcher.
type Dispatcher struct {
	client   *http.Client
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	timeout  time.Duration
	validate func(context.Context, string) error
	now      func() time.Time
	metrics  metrics.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	lifecycle sync.RWMutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient()
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

	validate := ValidateURL
	if cfg.AllowPrivateTargets {
		validate = validateShape
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		client:   cfg.Client,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		timeout:  cfg.Timeout,
		validate: validate,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "dispatch"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch starts one background call per callback and returns immediately.
func (d *Dispatcher) Dispatch(kind string, calls []model.Callback, vars map[string]string) {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()

	for _, call := range calls {
		if d.closed {
			d.metrics.IncDispatch(kind, StatusDropped)
			continue
		}
		if !d.sem.TryAcquire(1) {
			d.metrics.IncDispatch(kind, StatusDropped)
			d.logger.Warn("dispatch_dropped", "kind", kind, "host", ExtractHost(call.URL))
			continue
		}

		d.wg.Add(1)
		go func(call model.Callback) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.fire(kind, call, vars)
		}(call)
	}
}

func (d *Dispatcher) fire(kind string, call model.Callback, vars map[string]string) {
	start := time.Now()
	target := placeholder.ExpandFunc(call.URL, vars, url.QueryEscape)
	host := ExtractHost(target)

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := d.validate(ctx, target); err != nil {
		d.metrics.IncDispatch(kind, StatusRejected)
		d.logger.Warn("dispatch_rejected", "kind", kind, "host", host, "error", err)
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.metrics.IncDispatch(kind, StatusDropped)
		d.logger.Warn("dispatch_dropped", "kind", kind, "host", host, "error", err)
		return
	}

	_, err := d.breaker(host).Execute(func() (interface{}, error) {
		return nil, d.send(ctx, call, target, vars)
	})

	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	switch {
	case err == nil:
		d.metrics.IncDispatch(kind, StatusSent)
		d.logger.Debug("dispatch_sent", "kind", kind, "host", host, "duration_ms", durationMs)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.IncDispatch(kind, StatusCircuitOpen)
		d.logger.Warn("dispatch_failed", "kind", kind, "host", host, "error", err)
	default:
		d.metrics.IncDispatch(kind, StatusFailed)
		d.logger.Warn("dispatch_failed", "kind", kind, "host", host, "error", err, "duration_ms", durationMs)
	}
}

func (d *Dispatcher) send(ctx context.Context, call model.Callback, target string, vars map[string]string) error {
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method == http.MethodPost {
		payload, err := json.Marshal(vars)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Secret != "" {
		req.Header.Set(HeaderSignature, SignatureHeader(call.Secret, d.now().Unix(), target))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors mean a misconfigured URL, not an unhealthy host.
		d.logger.Warn("dispatch_client_error", "host", ExtractHost(target), "status", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) breaker(host string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch:" + host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("circuit_breaker_state_changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[host] = cb
	return cb
}

// Shutdown stops accepting calls and waits for in-flight ones until ctx is done,
// then cancels whatever is still running.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.lifecycle.Lock()
	d.closed = true
	d.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// validateShape applies only the scheme and host checks of ValidateURL.
func validateShape(_ context.Context, target string) error {
	parsed, err := url.Parse(target)
	if err != nil {
		return ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrInvalidScheme
	}
	if parsed.Hostname() == "" {
		return ErrEmptyHost
	}
	return nil
}
