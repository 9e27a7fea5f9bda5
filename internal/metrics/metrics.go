package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Model gateway metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_model_calls_total",
			Help: "Total number of model gateway calls",
		},
		[]string{"operation", "status"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "highlog_model_call_duration_seconds",
			Help:    "Model gateway call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	ModelSchemaRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highlog_model_schema_retries_total",
			Help: "Total number of structured-output reformat retries",
		},
	)

	// Embedding cache metrics
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highlog_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"status"},
	)

	VectorSearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "highlog_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline metrics
	PipelinesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_pipelines_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"pipeline"},
	)

	PipelinesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_pipelines_completed_total",
			Help: "Total number of pipeline runs completed",
		},
		[]string{"pipeline", "status"},
	)

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "highlog_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"pipeline", "stage"},
	)

	// Interview metrics
	InterviewTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlog_interview_turns_total",
			Help: "Total number of interview turns processed",
		},
		[]string{"action", "status"},
	)

	InterviewTurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "highlog_interview_turn_duration_seconds",
			Help:    "Interview turn processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		},
	)

	InterviewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "highlog_interviews_active",
			Help: "Number of interview sessions currently in progress",
		},
	)

	CheckpointsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highlog_checkpoints_committed_total",
			Help: "Total number of interview checkpoints committed",
		},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "highlog_stream_subscribers",
			Help: "Number of active progress stream subscribers",
		},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "highlog_stream_events_dropped_total",
			Help: "Total number of progress events dropped for slow subscribers",
		},
	)
)

// RecordModelCall records a model gateway call outcome.
func RecordModelCall(operation, status string, durationSeconds float64) {
	ModelCalls.WithLabelValues(operation, status).Inc()
	if durationSeconds > 0 {
		ModelCallDuration.WithLabelValues(operation).Observe(durationSeconds)
	}
}

// RecordVectorSearch records a vector search outcome.
func RecordVectorSearch(status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.Observe(durationSeconds)
	}
}

// RecordPipelineCompletion records a finished pipeline run.
func RecordPipelineCompletion(pipeline, status string) {
	PipelinesCompleted.WithLabelValues(pipeline, status).Inc()
}
