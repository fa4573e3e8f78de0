package monitor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestQueueMetrics(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordJobEnqueued(true)
	m.RecordJobEnqueued(true)
	m.RecordJobEnqueued(false)
	m.RecordJobRetried()
	m.RecordJobDead()
	m.UpdateQueueDepth("waiting", 7)
	m.RecordJobsStalled(3)
	m.RecordLockLost()

	if got := testutil.ToFloat64(m.jobsEnqueued); got != 2 {
		t.Errorf("Expected jobsEnqueued to be 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.jobsDeduplicated); got != 1 {
		t.Errorf("Expected jobsDeduplicated to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.jobsDead); got != 1 {
		t.Errorf("Expected jobsDead to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.jobsStalled); got != 3 {
		t.Errorf("Expected jobsStalled to be 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.locksLost); got != 1 {
		t.Errorf("Expected locksLost to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("waiting")); got != 7 {
		t.Errorf("Expected queue depth 7, got %f", got)
	}
}

func TestTransitionMetrics(t *testing.T) {
	m := New(DefaultConfig())
	for _, s := range []string{"ROUTING", "BUILDING", "ROUTING"} {
		m.RecordTransition(s)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("ROUTING")); got != 2 {
		t.Errorf("Expected 2 ROUTING transitions, got %f", got)
	}
	m.RecordPublishError()
	if got := testutil.ToFloat64(m.publishErrors); got != 1 {
		t.Errorf("Expected 1 publish error, got %f", got)
	}
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordJobEnqueued(true)
	m.RecordTransition("CONFIRMED")
	m.RecordAttempt("ok", 1)
	m.RecordProviderLatency("quote", "Raydium", 0.2)
	m.RecordWSConnection(1)
	m.RecordJobsStalled(1)
	m.RecordLockLost()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordJobCompleted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oe_pipeline_jobs_completed_total 1") {
		t.Errorf("metrics output missing completed counter:\n%s", rec.Body.String())
	}
}
