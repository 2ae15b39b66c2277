// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Resolution outcomes reported by IncResolution.
const (
	OutcomeRedirect         = "redirect"
	OutcomeNoMatch          = "no_match"
	OutcomeInactive         = "inactive"
	OutcomeConditionsNotMet = "conditions_not_met"
	OutcomeBlocked          = "blocked"
	OutcomeInvalidTarget    = "invalid_target"
	OutcomeError            = "error"
)

// Recorder captures metric events for the application.
// Implementations expose these to Prometheus or keep them in memory for tests.
type Recorder interface {
	// Resolution metrics
	IncResolution(outcome string)
	ObserveResolveDuration(duration time.Duration)
	IncRuleCacheHit()
	IncRuleCacheMiss()

	// Rule management metrics
	IncRuleCreated()
	IncRuleUpdated()
	IncRuleDeleted()

	// Event metrics
	IncClickRecorded(status string) // status: "success" or "failed"
	IncConversionRecorded()
	IncBounceRecorded()
	IncStatsRecompute(status string) // status: "success" or "failed"
	IncDispatch(kind, status string) // status: "sent", "failed", "dropped", "rejected", "circuit_open"

	// Analytics pipeline metrics
	IncAnalyticsEventPublished(status string) // status: "success" or "dropped"
	IncAnalyticsEventProcessed(status string) // status: "success", "failed", "skipped"
	ObserveAnalyticsBatchSize(size int)
	ObserveAnalyticsBatchDuration(duration time.Duration)
	SetAnalyticsQueueDepth(depth int64)
	ObserveAnalyticsIngestLag(lag time.Duration)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
