// Package metrics provides Prometheus metrics for the PIQI mapping service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	BundlesReceived       prometheus.Counter
	BundlesMapped         prometheus.Counter
	BundlesFailed         *prometheus.CounterVec
	MappingDuration       prometheus.Histogram
	LabResultsEmitted     *prometheus.CounterVec
	DemographicsMissing   prometheus.Counter
	InFlightMappings      prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BundlesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piqi_bundles_received_total",
			Help: "Total FHIR bundles received for mapping",
		}),
		BundlesMapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piqi_bundles_mapped_total",
			Help: "Total FHIR bundles mapped to PIQI messages",
		}),
		BundlesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piqi_bundles_failed_total",
			Help: "Total bundles that could not be mapped, by error code",
		}, []string{"code"}),
		MappingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "piqi_mapping_duration_seconds",
			Help:    "Bundle decode and mapping duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		LabResultsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piqi_lab_results_emitted_total",
			Help: "Total lab results emitted, by traversal",
		}, []string{"traversal"}),
		DemographicsMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piqi_demographics_missing_total",
			Help: "Bundles mapped without a patient",
		}),
		InFlightMappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piqi_mappings_in_flight",
			Help: "Mappings currently running",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.BundlesReceived,
		m.BundlesMapped,
		m.BundlesFailed,
		m.MappingDuration,
		m.LabResultsEmitted,
		m.DemographicsMissing,
		m.InFlightMappings,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the metrics of g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
