// Package metrics holds the Prometheus instrumentation for the VIA daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the VIA pipeline.
type Metrics struct {
	// Ingest metrics
	EventsIngested *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	BatchesShed    prometheus.Counter

	// Analysis metrics
	AnomaliesFound   prometheus.Counter
	AnalysisDuration prometheus.Histogram

	// Promotion metrics
	IncidentsPromoted  prometheus.Counter
	PromotionsDegraded prometheus.Counter

	// Federation metrics
	QueryDuration     *prometheus.HistogramVec
	PartitionTimeouts prometheus.Counter

	// Tier-1 state
	Tier1LivePoints   prometheus.Gauge
	Tier2Partitions   prometheus.Gauge
	ControlsActivated *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on a specific registerer. Tests pass a
// fresh registry so repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "via_ingest_events_total",
				Help: "Ingested events by per-event outcome",
			},
			[]string{"outcome"}, // outcome: accepted, deduped, parse_failed
		),

		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "via_ingest_batch_duration_seconds",
				Help:    "Wall time of one ingest batch",
				Buckets: prometheus.DefBuckets,
			},
		),

		BatchesShed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "via_ingest_batches_shed_total",
				Help: "Batches rejected with OVERLOADED back-pressure",
			},
		),

		AnomaliesFound: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "via_analysis_anomalies_total",
				Help: "Rhythm classes scored above the anomaly threshold",
			},
		),

		AnalysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "via_analysis_duration_seconds",
				Help:    "Wall time of one rhythm-anomaly analysis pass",
				Buckets: prometheus.DefBuckets,
			},
		),

		IncidentsPromoted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "via_promotion_incidents_total",
				Help: "Incident records written to the forensic store",
			},
		),

		PromotionsDegraded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "via_promotion_degraded_total",
				Help: "Promotion batches that exhausted their retry budget",
			},
		),

		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "via_federated_query_duration_seconds",
				Help:    "Wall time of federated Tier-2 queries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"kind"}, // kind: clusters, triage
		),

		PartitionTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "via_federated_partition_timeouts_total",
				Help: "Partitions that missed their share of the query timeout",
			},
		),

		Tier1LivePoints: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "via_tier1_live_points",
				Help: "Points currently indexed in the rhythm monitor",
			},
		),

		Tier2Partitions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "via_tier2_partitions",
				Help: "Forensic collections currently retained",
			},
		),

		ControlsActivated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "via_control_verdicts_total",
				Help: "Operator verdicts recorded",
			},
			[]string{"kind"}, // kind: suppress, patch, lift
		),
	}
}

// RecordIngest records one batch's per-event accounting.
func (m *Metrics) RecordIngest(accepted, deduped, parseFailed int, seconds float64) {
	m.EventsIngested.WithLabelValues("accepted").Add(float64(accepted))
	m.EventsIngested.WithLabelValues("deduped").Add(float64(deduped))
	m.EventsIngested.WithLabelValues("parse_failed").Add(float64(parseFailed))
	m.IngestDuration.Observe(seconds)
}

// RecordQuery records one federated query and its degraded partitions.
func (m *Metrics) RecordQuery(kind string, seconds float64, timedOutPartitions int) {
	m.QueryDuration.WithLabelValues(kind).Observe(seconds)
	m.PartitionTimeouts.Add(float64(timedOutPartitions))
}
