// Package metrics exposes the hub's Prometheus collectors (§4.6.1).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the hub reports, registered to its own
// registry rather than the global default so a process embedding the hub
// can mount it independently.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedSessions   prometheus.Gauge
	RegisteredInstances prometheus.Gauge
	TrackedMessages     *prometheus.GaugeVec
	DeliveryAttempts    prometheus.Counter
	DeliveryFailures    prometheus.Counter
	AckTimeouts         prometheus.Counter
	ConfirmationsSent   *prometheus.CounterVec
}

// New constructs and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_connected_sessions",
			Help: "Number of currently connected push-server sessions.",
		}),
		RegisteredInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_registered_instances",
			Help: "Number of agent instances currently online in the registry.",
		}),
		TrackedMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_tracked_messages",
			Help: "Number of tracked messages currently in flight, by status.",
		}, []string{"status"}),
		DeliveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_delivery_attempts_total",
			Help: "Total number of delivery attempts across all tracked messages.",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_delivery_failures_total",
			Help: "Total number of messages that ended failed, by exhausted retries or stale eviction.",
		}),
		AckTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_ack_timeouts_total",
			Help: "Total number of messages that timed out waiting for an acknowledgment.",
		}),
		ConfirmationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_confirmations_sent_total",
			Help: "Total number of synthesized confirmation messages sent, by kind.",
		}, []string{"kind"}),
	}
}

// IncDeliveryAttempt records one deliver envelope handed to the transport,
// whether or not the transport accepts it.
func (m *Metrics) IncDeliveryAttempt() { m.DeliveryAttempts.Inc() }

// IncDeliveryFailure records a message ending failed: retry budget exhausted
// or evicted as stale by the sweep.
func (m *Metrics) IncDeliveryFailure() { m.DeliveryFailures.Inc() }

// IncAckTimeout records a message timing out waiting for an acknowledgment.
func (m *Metrics) IncAckTimeout() { m.AckTimeouts.Inc() }

// IncConfirmationSent records a synthesized confirmation message of the
// given kind ("delivery" or "read").
func (m *Metrics) IncConfirmationSent(kind string) { m.ConfirmationsSent.WithLabelValues(kind).Inc() }

// ObserveTrackedMessages replaces the tracked-message gauge vector with a
// fresh count by status, called periodically from the hub facade's sweep.
func (m *Metrics) ObserveTrackedMessages(counts map[string]int) {
	m.TrackedMessages.Reset()
	for status, count := range counts {
		m.TrackedMessages.WithLabelValues(status).Set(float64(count))
	}
}
