package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryRecorder_Snapshot(t *testing.T) {
	t.Parallel()

	m := NewInMemory()
	m.IncResolution(OutcomeRedirect)
	m.IncResolution(OutcomeRedirect)
	m.IncResolution(OutcomeBlocked)
	m.ObserveResolveDuration(2 * time.Millisecond)
	m.IncRuleCacheHit()
	m.IncDispatch("pixel", "sent")
	m.IncConversionRecorded()

	snap := m.Snapshot()
	if snap.Resolutions[OutcomeRedirect] != 2 || snap.Resolutions[OutcomeBlocked] != 1 {
		t.Errorf("Resolutions = %v", snap.Resolutions)
	}
	if snap.ResolveDurationCount != 1 || snap.ResolveDurationTotalNs != int64(2*time.Millisecond) {
		t.Errorf("duration = %d / %d", snap.ResolveDurationCount, snap.ResolveDurationTotalNs)
	}
	if snap.RuleCacheHits != 1 {
		t.Errorf("RuleCacheHits = %d", snap.RuleCacheHits)
	}
	if snap.Dispatches["pixel/sent"] != 1 {
		t.Errorf("Dispatches = %v", snap.Dispatches)
	}
	if snap.ConversionsRecorded != 1 {
		t.Errorf("ConversionsRecorded = %d", snap.ConversionsRecorded)
	}

	// Snapshot maps are copies.
	snap.Resolutions[OutcomeRedirect] = 99
	if got := m.Snapshot().Resolutions[OutcomeRedirect]; got != 2 {
		t.Errorf("snapshot aliased internal state: %d", got)
	}
}

func TestPrometheusRecorder_Counters(t *testing.T) {
	t.Parallel()

	p := NewPrometheus()
	p.IncResolution(OutcomeNoMatch)
	p.IncDispatch("postback", "failed")
	p.IncDispatch("postback", "failed")

	if got := testutil.ToFloat64(p.resolutions.WithLabelValues(OutcomeNoMatch)); got != 1 {
		t.Errorf("resolutions{no_match} = %v", got)
	}
	if got := testutil.ToFloat64(p.dispatches.WithLabelValues("postback", "failed")); got != 2 {
		t.Errorf("dispatches{postback,failed} = %v", got)
	}

	families, err := p.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "trackroute_resolutions_total" {
			found = true
		}
	}
	if !found {
		t.Error("trackroute_resolutions_total not gathered")
	}
}
