package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncResolution(outcome string)                 {}
func (n *NoopRecorder) ObserveResolveDuration(duration time.Duration) {}
func (n *NoopRecorder) IncRuleCacheHit()                              {}
func (n *NoopRecorder) IncRuleCacheMiss()                             {}
func (n *NoopRecorder) IncRuleCreated()                               {}
func (n *NoopRecorder) IncRuleUpdated()                               {}
func (n *NoopRecorder) IncRuleDeleted()                               {}
func (n *NoopRecorder) IncClickRecorded(status string)                {}
func (n *NoopRecorder) IncConversionRecorded()                        {}
func (n *NoopRecorder) IncBounceRecorded()                            {}
func (n *NoopRecorder) IncStatsRecompute(status string)               {}
func (n *NoopRecorder) IncDispatch(kind, status string)               {}

// IncAnalyticsEventPublished is a no-op.
func (n *NoopRecorder) IncAnalyticsEventPublished(status string) {}

// IncAnalyticsEventProcessed is a no-op.
func (n *NoopRecorder) IncAnalyticsEventProcessed(status string) {}

// ObserveAnalyticsBatchSize is a no-op.
func (n *NoopRecorder) ObserveAnalyticsBatchSize(size int) {}

// ObserveAnalyticsBatchDuration is a no-op.
func (n *NoopRecorder) ObserveAnalyticsBatchDuration(duration time.Duration) {}

// SetAnalyticsQueueDepth is a no-op.
func (n *NoopRecorder) SetAnalyticsQueueDepth(depth int64) {}

// ObserveAnalyticsIngestLag is a no-op.
func (n *NoopRecorder) ObserveAnalyticsIngestLag(lag time.Duration) {}
