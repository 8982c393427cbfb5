// Package metrics is the ambient Prometheus instrumentation used by the
// callback and forwarder services; only cmd/callback serves it on /metrics.
// The teacher carries no metrics surface of its own;
// this is additive, grounded on the prometheus/client_golang dependency
// carried by the wider example pack (kraklabs/cie, R3E-Network/service_layer).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the counters and gauges a service increments as it
// drives Node transitions.
type Registry struct {
	EventsProcessed  *prometheus.CounterVec
	NodeTransitions  *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	ForwarderBatches prometheus.Counter
	InFlight         *prometheus.GaugeVec
}

// New constructs a Registry registered against reg, tagging every metric
// with the owning service's name.
func New(reg prometheus.Registerer, service string) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kci_pipeline",
			Subsystem:   service,
			Name:        "events_processed_total",
			Help:        "Number of Event Bus events processed.",
		}, []string{"topic"}),

		NodeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kci_pipeline",
			Subsystem: service,
			Name:      "node_transitions_total",
			Help:      "Number of Node state transitions written to the State Store.",
		}, []string{"kind", "state", "result"}),

		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kci_pipeline",
			Subsystem: service,
			Name:      "dispatch_failures_total",
			Help:      "Number of Runtime adapter submission failures.",
		}, []string{"runtime"}),

		ForwarderBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kci_pipeline",
			Subsystem: service,
			Name:      "forwarder_batches_total",
			Help:      "Number of batches forwarded to the downstream reporting sink.",
		}),

		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kci_pipeline",
			Subsystem: service,
			Name:      "in_flight",
			Help:      "Number of in-flight operations per runtime adapter.",
		}, []string{"runtime"}),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
