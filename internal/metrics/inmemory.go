package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Resolutions            map[string]uint64 // by outcome
	ResolveDurationCount   uint64
	ResolveDurationTotalNs int64
	RuleCacheHits          uint64
	RuleCacheMisses        uint64
	RulesCreated           uint64
	RulesUpdated           uint64
	RulesDeleted           uint64
	ClicksRecorded         map[string]uint64 // by status
	ConversionsRecorded    uint64
	BouncesRecorded        uint64
	StatsRecomputes        map[string]uint64 // by status
	Dispatches             map[string]uint64 // "kind/status"
	EventsPublished        map[string]uint64
	EventsProcessed        map[string]uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	resolveDurationCount   uint64
	resolveDurationTotalNs int64
	ruleCacheHits          uint64
	ruleCacheMisses        uint64
	rulesCreated           uint64
	rulesUpdated           uint64
	rulesDeleted           uint64
	conversionsRecorded    uint64
	bouncesRecorded        uint64

	mu       sync.Mutex
	labelled map[string]map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{labelled: make(map[string]map[string]uint64)}
}

func (m *InMemoryRecorder) inc(family, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters, ok := m.labelled[family]
	if !ok {
		counters = make(map[string]uint64)
		m.labelled[family] = counters
	}
	counters[label]++
}

func (m *InMemoryRecorder) copyFamily(family string) map[string]uint64 {
	out := make(map[string]uint64, len(m.labelled[family]))
	for k, v := range m.labelled[family] {
		out[k] = v
	}
	return out
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Resolutions:            m.copyFamily("resolution"),
		ResolveDurationCount:   atomic.LoadUint64(&m.resolveDurationCount),
		ResolveDurationTotalNs: atomic.LoadInt64(&m.resolveDurationTotalNs),
		RuleCacheHits:          atomic.LoadUint64(&m.ruleCacheHits),
		RuleCacheMisses:        atomic.LoadUint64(&m.ruleCacheMisses),
		RulesCreated:           atomic.LoadUint64(&m.rulesCreated),
		RulesUpdated:           atomic.LoadUint64(&m.rulesUpdated),
		RulesDeleted:           atomic.LoadUint64(&m.rulesDeleted),
		ClicksRecorded:         m.copyFamily("click"),
		ConversionsRecorded:    atomic.LoadUint64(&m.conversionsRecorded),
		BouncesRecorded:        atomic.LoadUint64(&m.bouncesRecorded),
		StatsRecomputes:        m.copyFamily("stats"),
		Dispatches:             m.copyFamily("dispatch"),
		EventsPublished:        m.copyFamily("published"),
		EventsProcessed:        m.copyFamily("processed"),
	}
}

// IncResolution counts a resolution by outcome.
func (m *InMemoryRecorder) IncResolution(outcome string) {
	m.inc("resolution", outcome)
}

// ObserveResolveDuration records resolution latency.
func (m *InMemoryRecorder) ObserveResolveDuration(duration time.Duration) {
	atomic.AddUint64(&m.resolveDurationCount, 1)
	atomic.AddInt64(&m.resolveDurationTotalNs, duration.Nanoseconds())
}

// IncRuleCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncRuleCacheHit() {
	atomic.AddUint64(&m.ruleCacheHits, 1)
}

// IncRuleCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncRuleCacheMiss() {
	atomic.AddUint64(&m.ruleCacheMisses, 1)
}

// IncRuleCreated increments rule created counter.
func (m *InMemoryRecorder) IncRuleCreated() {
	atomic.AddUint64(&m.rulesCreated, 1)
}

// IncRuleUpdated increments rule updated counter.
func (m *InMemoryRecorder) IncRuleUpdated() {
	atomic.AddUint64(&m.rulesUpdated, 1)
}

// IncRuleDeleted increments rule deleted counter.
func (m *InMemoryRecorder) IncRuleDeleted() {
	atomic.AddUint64(&m.rulesDeleted, 1)
}

func (m *InMemoryRecorder) IncClickRecorded(status string) {
	m.inc("click", status)
}

func (m *InMemoryRecorder) IncConversionRecorded() {
	atomic.AddUint64(&m.conversionsRecorded, 1)
}

func (m *InMemoryRecorder) IncBounceRecorded() {
	atomic.AddUint64(&m.bouncesRecorded, 1)
}

func (m *InMemoryRecorder) IncStatsRecompute(status string) {
	m.inc("stats", status)
}

// IncDispatch counts under "kind/status".
func (m *InMemoryRecorder) IncDispatch(kind, status string) {
	m.inc("dispatch", kind+"/"+status)
}

func (m *InMemoryRecorder) IncAnalyticsEventPublished(status string) {
	m.inc("published", status)
}

func (m *InMemoryRecorder) IncAnalyticsEventProcessed(status string) {
	m.inc("processed", status)
}

func (m *InMemoryRecorder) ObserveAnalyticsBatchSize(size int)                   {}
func (m *InMemoryRecorder) ObserveAnalyticsBatchDuration(duration time.Duration) {}
func (m *InMemoryRecorder) SetAnalyticsQueueDepth(depth int64)                   {}
func (m *InMemoryRecorder) ObserveAnalyticsIngestLag(lag time.Duration)          {}
