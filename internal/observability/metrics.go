package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the daemon's Prometheus metrics.
//
// Tracked concerns:
//   - Hook event ingestion by event name and outcome (accepted|duplicate|malformed)
//   - Batch processing outcomes and latency
//   - Observation writes and the embedding backlog
//   - Embedding and summarizer call latency by provider
//   - Retrieval latency and result counts
type Metrics struct {
	EventsIngested *prometheus.CounterVec

	BatchesProcessed  *prometheus.CounterVec
	ProcessorDuration prometheus.Histogram

	ObservationsStored prometheus.Counter
	EmbeddingBacklog   prometheus.Gauge

	EmbedDuration      *prometheus.HistogramVec
	SummarizerDuration *prometheus.HistogramVec

	RetrievalDuration prometheus.Histogram
	RecoveryRuns      prometheus.Counter

	ActiveSessions prometheus.Gauge
}

// NewMetrics registers all daemon metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oak_events_ingested_total",
			Help: "Hook events received, by event name and outcome.",
		}, []string{"event", "outcome"}),

		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oak_batches_processed_total",
			Help: "Prompt batches processed, by outcome (processed|failed).",
		}, []string{"outcome"}),

		ProcessorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oak_processor_batch_duration_seconds",
			Help:    "Time to summarize and persist one batch.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),

		ObservationsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oak_observations_stored_total",
			Help: "Memory observations durably inserted.",
		}),

		EmbeddingBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oak_embedding_backlog",
			Help: "Observations with embedded=false awaiting vector write.",
		}),

		EmbedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oak_embed_duration_seconds",
			Help:    "Embedding provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),

		SummarizerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oak_summarizer_duration_seconds",
			Help:    "Summarizer LLM call latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oak_retrieval_duration_seconds",
			Help:    "End-to-end retrieval latency including query embedding.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		RecoveryRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oak_recovery_runs_total",
			Help: "Completed recovery loop passes.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oak_active_sessions",
			Help: "Sessions currently in status=active.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsIngested,
			m.BatchesProcessed,
			m.ProcessorDuration,
			m.ObservationsStored,
			m.EmbeddingBacklog,
			m.EmbedDuration,
			m.SummarizerDuration,
			m.RetrievalDuration,
			m.RecoveryRuns,
			m.ActiveSessions,
		)
	}
	return m
}
