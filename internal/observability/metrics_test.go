package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics(promauto.With(reg), "test")

	m.JobOutcomes.WithLabelValues("alpha", "DELIST", "SUCCEEDED").Inc()
	m.JobOutcomes.WithLabelValues("alpha", "DELIST", "SUCCEEDED").Inc()

	if got := testutil.ToFloat64(m.JobOutcomes.WithLabelValues("alpha", "DELIST", "SUCCEEDED")); got != 2 {
		t.Errorf("job outcomes = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(m.JobOutcomes); n != 1 {
		t.Errorf("series = %d, want 1", n)
	}
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.JobsCoalesced.WithLabelValues("LIST"))
	RecordJobEnqueued("LIST", "USER", true)
	RecordJobEnqueued("LIST", "USER", false)
	if got := testutil.ToFloat64(DefaultMetrics.JobsCoalesced.WithLabelValues("LIST")); got != before+1 {
		t.Errorf("coalesced = %v, want %v", got, before+1)
	}

	UpdateBreakerState("beta", "OPEN")
	if got := testutil.ToFloat64(DefaultMetrics.BreakerState.WithLabelValues("beta")); got != 2 {
		t.Errorf("breaker gauge = %v, want 2", got)
	}

	RecordReconcileRun("ok", time.Second)
	if testutil.ToFloat64(DefaultMetrics.LastReconcileSuccess) == 0 {
		t.Error("last reconcile timestamp not set")
	}
}
