package metrics

import (
	"net/http"

	"whale-cluster-engine/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whale_cluster"

// Metrics holds the Prometheus collectors of the engine
type Metrics struct {
	// Ingestion
	EventsIn        *prometheus.CounterVec
	EventsStored    *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsMalformed *prometheus.CounterVec
	IngestLag       *prometheus.HistogramVec

	// Classification cycle
	CycleRuns           *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	LastSuccessfulCycle prometheus.Gauge
	ChainsSkipped       *prometheus.CounterVec
	EvidenceRecords     *prometheus.CounterVec
	Candidates          *prometheus.CounterVec
	EntityLookupFailed  *prometheus.CounterVec

	// Stabilizer
	Transitions         *prometheus.CounterVec
	SuppressedInCoolOff *prometheus.CounterVec
	AssignmentConflicts *prometheus.CounterVec
	KeepRate            *prometheus.GaugeVec

	// Quantiles and aggregates
	QuantileFallback  *prometheus.GaugeVec
	QuantileThreshold *prometheus.GaugeVec
	ClusterMembers    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every collector on reg. Passing a fresh prometheus.Registry keeps tests isolated.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_in_total",
			Help:      "Records received by kind and chain",
		}, []string{"kind", "chain"}),
		EventsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_stored_total",
			Help:      "Records newly stored by kind and chain",
		}, []string{"kind", "chain"}),
		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_duplicate_total",
			Help:      "Re-delivered records dropped by idempotency key",
		}, []string{"kind", "chain"}),
		EventsMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_malformed_total",
			Help:      "Records skipped for missing or invalid fields",
		}, []string{"kind"}),
		IngestLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "lag_seconds",
			Help:      "Delay between on-chain timestamp and ingestion",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}, []string{"chain"}),

		CycleRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Clustering cycles by outcome",
		}, []string{"status"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Clustering cycle duration",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		LastSuccessfulCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed cycle",
		}),
		ChainsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "chains_skipped_total",
			Help:      "Chains skipped in a cycle by reason",
		}, []string{"chain", "reason"}),
		EvidenceRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "evidence_records_total",
			Help:      "Normalized evidence records evaluated",
		}, []string{"chain"}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "candidates_total",
			Help:      "Cluster candidates produced by the rule classifier",
		}, []string{"chain", "cluster"}),
		EntityLookupFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "entity_resolution_failed_total",
			Help:      "Evidence records classified without entity data",
		}, []string{"chain"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stabilizer",
			Name:      "transitions_total",
			Help:      "Confirmed assignment changes",
		}, []string{"chain", "from", "to"}),
		SuppressedInCoolOff: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stabilizer",
			Name:      "suppressed_total",
			Help:      "Confirmations blocked by an active cool-down",
		}, []string{"chain"}),
		AssignmentConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stabilizer",
			Name:      "conflicts_total",
			Help:      "State writes rejected for a stale version",
		}, []string{"chain"}),
		KeepRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stabilizer",
			Name:      "keep_rate",
			Help:      "Share of high-value addresses holding a confirmed cluster after the last cycle",
		}, []string{"chain"}),

		QuantileFallback: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quantiles",
			Name:      "fallback",
			Help:      "1 when the chain is served static floors",
		}, []string{"chain"}),
		QuantileThreshold: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quantiles",
			Name:      "threshold_usd",
			Help:      "Published chain thresholds",
		}, []string{"chain", "quantile"}),
		ClusterMembers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregates",
			Name:      "members",
			Help:      "Members per cluster and scope",
		}, []string{"scope", "cluster"}),

		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveQuantiles publishes the thresholds and fallback flag of a chain
func (m *Metrics) ObserveQuantiles(q *entity.ChainQuantiles) {
	fallback := 0.0
	if q.Fallback {
		fallback = 1
	}
	m.QuantileFallback.WithLabelValues(q.Chain).Set(fallback)
	m.QuantileThreshold.WithLabelValues(q.Chain, "q70").Set(q.Q70USD)
	m.QuantileThreshold.WithLabelValues(q.Chain, "q85").Set(q.Q85USD)
	m.QuantileThreshold.WithLabelValues(q.Chain, "q80_net_in").Set(q.Q80NetInUSD)
	m.QuantileThreshold.WithLabelValues(q.Chain, "q80_net_out").Set(q.Q80NetOutUSD)
	m.QuantileThreshold.WithLabelValues(q.Chain, "q80_defi").Set(q.Q80DefiUSD)
}

// ObserveAggregates replaces the member gauges of a scope
func (m *Metrics) ObserveAggregates(scope string, aggregates []*entity.ClusterAggregate) {
	for _, t := range entity.AllClusterTypes {
		m.ClusterMembers.WithLabelValues(scope, string(t)).Set(0)
	}
	for _, a := range aggregates {
		m.ClusterMembers.WithLabelValues(scope, string(a.ClusterType)).Set(float64(a.MembersCount))
	}
}
