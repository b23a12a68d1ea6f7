package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Farm advisor metrics for production monitoring
var (
	// Pipeline metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_queries_total",
			Help: "Total number of farmer queries processed",
		},
		[]string{"query_type", "status"}, // status: success/failed/cancelled/timeout
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_advisor_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		},
		[]string{"query_type"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_advisor_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"stage"},
	)

	StageDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_stage_degraded_total",
			Help: "Stages that fell back to a default value",
		},
		[]string{"stage"},
	)

	JudgeScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_advisor_judge_score",
			Help:    "Distribution of judge scores",
			Buckets: []float64{50, 60, 70, 75, 80, 85, 90, 95, 100},
		},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_advisor_retries_total",
			Help: "Total number of quality-gate retries",
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_advisor_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Context and persistence metrics
	ContextSubfetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_context_subfetch_failures_total",
			Help: "Context builder sub-fetches that failed and were skipped",
		},
		[]string{"fetch"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_advisor_persist_failures_total",
			Help: "Pipeline runs whose outcome could not be stored",
		},
	)

	OutcomesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_outcomes_recorded_total",
			Help: "Farmer outcome reports by result",
		},
		[]string{"result"}, // result: success/failure
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	ReadingsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_advisor_readings_ingested_total",
			Help: "Total number of sensor readings accepted",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_advisor_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_advisor_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Retention metrics
	ConversationsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_advisor_conversations_purged_total",
			Help: "Expired conversation records removed by the janitor",
		},
	)
)
