package billing

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the reconciler's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	groupMutations *prometheus.CounterVec
	sweepResults   *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "reconciler",
				Name:      "events_total",
				Help:      "Reconciliation events handled by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		groupMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "groups",
				Name:      "mutations_total",
				Help:      "Group membership decisions by action",
			},
			[]string{"action"},
		),
		sweepResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "sweeper",
				Name:      "subscriptions_total",
				Help:      "Subscriptions processed by the expiry sweeper by result",
			},
			[]string{"result"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "subscriptions",
				Subsystem: "provider",
				Name:      "errors_total",
				Help:      "Failed provider calls by operation",
			},
			[]string{"operation"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.groupMutations, m.sweepResults, m.providerErrors)
	}
	return m
}

func label(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// ObserveEvent counts one handled event.
func (m *Metrics) ObserveEvent(eventType string, outcome Outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(eventType), label(string(outcome))).Inc()
}

// GroupMutation counts a membership decision: add, remove, retain or skip.
func (m *Metrics) GroupMutation(action string) {
	if m == nil {
		return
	}
	m.groupMutations.WithLabelValues(label(action)).Inc()
}

// SweepResult counts sweeper outcomes.
func (m *Metrics) SweepResult(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepResults.WithLabelValues(label(result)).Add(float64(n))
}

// ProviderError counts a failed provider call.
func (m *Metrics) ProviderError(operation string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(label(operation)).Inc()
}
