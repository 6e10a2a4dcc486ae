package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordAppend(t *testing.T) {
	m := NewMetrics()

	m.RecordAppend(5*time.Millisecond, nil)
	m.RecordAppend(3*time.Millisecond, nil)
	m.RecordAppend(time.Millisecond, errors.New("boom"))

	snap := m.Snapshot()

	if snap.Appends != 2 {
		t.Errorf("expected 2 appends, got %d", snap.Appends)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("expected 1 error, got %d", snap.ErrorsTotal)
	}
	// one series per (op, status)
	if n := testutil.CollectAndCount(m.opLatency); n != 2 {
		t.Errorf("expected 2 latency series, got %d", n)
	}
}

func TestMetrics_Promotions(t *testing.T) {
	m := NewMetrics()

	m.RecordPromotion("median")
	m.RecordPromotion("median")
	m.RecordPromotion("large")
	m.RecordPromotion("bogus")
	m.RecordGrowth()

	snap := m.Snapshot()

	if snap.PromotionsMedian != 2 || snap.PromotionsLarge != 1 {
		t.Errorf("unexpected promotions: %+v", snap)
	}
	if snap.Growths != 1 {
		t.Errorf("expected 1 growth, got %d", snap.Growths)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "chestnut_promotions_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 promotion series, got %d", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()

	m.RecordAppend(time.Millisecond, nil)
	m.RecordInvariantViolation()
	m.RecordScavenged(3)
	m.RecordScavenged(0)
	m.RecordError()
	m.SetLists(4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()

	checks := []string{
		"chestnut_uptime_seconds",
		"chestnut_appends_total 1",
		"chestnut_invariant_violations_total 1",
		"chestnut_scavenged_total 3",
		"chestnut_errors_total 1",
		"chestnut_lists 4",
		`chestnut_promotions_total{tier="large"} 0`,
		"chestnut_operation_latency_seconds_bucket",
		"go_goroutines",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("expected %q in metrics output", check)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.RecordAppend(time.Millisecond, nil)
	m.RecordRead("get", time.Millisecond, nil)
	m.RecordPromotion("large")
	m.RecordGrowth()
	m.RecordInvariantViolation()
	m.RecordScavenged(1)
	m.RecordError()
	m.SetLists(1)

	if snap := m.Snapshot(); snap != (Snapshot{}) {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}
