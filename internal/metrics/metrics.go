package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveryAttempts counts session attempts by security mode and outcome.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smtprelay",
		Name:      "delivery_attempts_total",
		Help:      "SMTP session attempts against remote MX hosts",
	}, []string{"mode", "outcome"})

	// Recipients counts handled recipients by final result.
	Recipients = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smtprelay",
		Name:      "recipients_total",
		Help:      "Recipients handled by the forwarder",
	}, []string{"result"})

	// OriginChecks counts inbound origin validations by result.
	OriginChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smtprelay",
		Name:      "origin_checks_total",
		Help:      "Forward-DNS origin checks of inbound peers",
	}, []string{"result"})

	// MemoizedHosts tracks hosts with a settled security mode.
	MemoizedHosts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smtprelay",
		Name:      "memoized_hosts",
		Help:      "Remote hosts with a known transport security mode",
	}, []string{"mode"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "smtprelay",
		Name:      "sessions_active",
		Help:      "Outbound SMTP sessions currently open",
	})
)

// IncSessions increments the active session count.
func IncSessions() {
	sessionsActive.Inc()
}

// DecSessions decrements the active session count.
func DecSessions() {
	sessionsActive.Dec()
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	DeliveryAttempts.Reset()
	Recipients.Reset()
	OriginChecks.Reset()
	MemoizedHosts.Reset()
	sessionsActive.Set(0)
}
