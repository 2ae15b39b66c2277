package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusRecorder implements Recorder on a dedicated registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	resolutions     *prometheus.CounterVec
	resolveDuration prometheus.Histogram
	ruleCache       *prometheus.CounterVec
	ruleChanges     *prometheus.CounterVec
	clicks          *prometheus.CounterVec
	conversions     prometheus.Counter
	bounces         prometheus.Counter
	statsRecomputes *prometheus.CounterVec
	dispatches      *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	batchSize       prometheus.Histogram
	batchDuration   prometheus.Histogram
	queueDepth      prometheus.Gauge
	ingestLag       prometheus.Histogram
}

// NewPrometheus registers all collectors, plus Go and process collectors,
// on a fresh registry.
func NewPrometheus() *PrometheusRecorder {
	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_resolutions_total",
				Help: "Total number of inbound URL resolutions by outcome (count)",
			},
			[]string{"outcome"},
		),
		resolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trackroute_resolve_duration_ms",
				Help:    "Resolution duration in milliseconds",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		ruleCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_rule_cache_requests_total",
				Help: "Rule cache lookups by result (count)",
			},
			[]string{"result"},
		),
		ruleChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_rule_changes_total",
				Help: "Rule mutations by operation (count)",
			},
			[]string{"op"},
		),
		clicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_clicks_recorded_total",
				Help: "Click events recorded by status (count)",
			},
			[]string{"status"},
		),
		conversions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackroute_conversions_recorded_total",
				Help: "Conversion events recorded (count)",
			},
		),
		bounces: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trackroute_bounces_recorded_total",
				Help: "Bounce events recorded (count)",
			},
		),
		statsRecomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_stats_recomputes_total",
				Help: "Rule stats recomputations by status (count)",
			},
			[]string{"status"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_dispatches_total",
				Help: "Outbound pixel and postback calls by kind and status (count)",
			},
			[]string{"kind", "status"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_stream_events_published_total",
				Help: "Click events published to the stream (count)",
			},
			[]string{"status"},
		),
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackroute_stream_events_processed_total",
				Help: "Click events consumed from the stream (count)",
			},
			[]string{"status"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trackroute_stream_batch_size",
				Help:    "Events per consumed batch (count)",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trackroute_stream_batch_duration_ms",
				Help:    "Batch processing duration in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trackroute_stream_queue_depth",
				Help: "Pending entries in the click stream consumer group (count)",
			},
		),
		ingestLag: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trackroute_stream_ingest_lag_ms",
				Help:    "Delay between click and persistence in milliseconds",
				Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
			},
		),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.resolutions, p.resolveDuration, p.ruleCache, p.ruleChanges,
		p.clicks, p.conversions, p.bounces, p.statsRecomputes, p.dispatches,
		p.eventsPublished, p.eventsProcessed, p.batchSize, p.batchDuration,
		p.queueDepth, p.ingestLag,
	)
	return p
}

// Gatherer returns the registry for the /metrics handler.
func (p *PrometheusRecorder) Gatherer() prometheus.Gatherer {
	return p.registry
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (p *PrometheusRecorder) IncResolution(outcome string) {
	p.resolutions.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveResolveDuration(duration time.Duration) {
	p.resolveDuration.Observe(ms(duration))
}

func (p *PrometheusRecorder) IncRuleCacheHit()  { p.ruleCache.WithLabelValues("hit").Inc() }
func (p *PrometheusRecorder) IncRuleCacheMiss() { p.ruleCache.WithLabelValues("miss").Inc() }
func (p *PrometheusRecorder) IncRuleCreated()   { p.ruleChanges.WithLabelValues("create").Inc() }
func (p *PrometheusRecorder) IncRuleUpdated()   { p.ruleChanges.WithLabelValues("update").Inc() }
func (p *PrometheusRecorder) IncRuleDeleted()   { p.ruleChanges.WithLabelValues("delete").Inc() }

func (p *PrometheusRecorder) IncClickRecorded(status string) {
	p.clicks.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncConversionRecorded() { p.conversions.Inc() }
func (p *PrometheusRecorder) IncBounceRecorded()     { p.bounces.Inc() }

func (p *PrometheusRecorder) IncStatsRecompute(status string) {
	p.statsRecomputes.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncDispatch(kind, status string) {
	p.dispatches.WithLabelValues(kind, status).Inc()
}

func (p *PrometheusRecorder) IncAnalyticsEventPublished(status string) {
	p.eventsPublished.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncAnalyticsEventProcessed(status string) {
	p.eventsProcessed.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) ObserveAnalyticsBatchSize(size int) {
	p.batchSize.Observe(float64(size))
}

func (p *PrometheusRecorder) ObserveAnalyticsBatchDuration(duration time.Duration) {
	p.batchDuration.Observe(ms(duration))
}

func (p *PrometheusRecorder) SetAnalyticsQueueDepth(depth int64) {
	p.queueDepth.Set(float64(depth))
}

func (p *PrometheusRecorder) ObserveAnalyticsIngestLag(lag time.Duration) {
	p.ingestLag.Observe(ms(lag))
}
