package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	ResetForTests()
	if got := testutil.ToFloat64(Recipients.WithLabelValues("delivered")); got != 0 {
		t.Fatalf("expected zero initial delivered recipients, got %v", got)
	}

	Recipients.WithLabelValues("delivered").Add(2)
	DeliveryAttempts.WithLabelValues("secure", "success").Inc()
	IncSessions()
	DecSessions()
	if got := testutil.ToFloat64(Recipients.WithLabelValues("delivered")); got != 2 {
		t.Fatalf("expected delivered=2, got %v", got)
	}
	if got := testutil.ToFloat64(sessionsActive); got != 0 {
		t.Fatalf("expected sessionsActive=0, got %v", got)
	}

	ResetForTests()
	if got := testutil.CollectAndCount(DeliveryAttempts); got != 0 {
		t.Fatalf("expected attempts reset, got %d series", got)
	}
}
