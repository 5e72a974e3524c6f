package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the service's Prometheus metrics.
//
// Tracked surfaces:
//   - HTTP API request counts and latencies
//   - LLM call counts, latencies, and token usage per subsystem
//   - Background job counts and durations by type and status
//   - Tool execution counts and latencies
//   - Live SSE subscriber gauge
type Metrics struct {
	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: subsystem (conversation|decompose|execute|autotitle), provider, status
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: subsystem, provider
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens by direction.
	// Labels: subsystem, provider, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// JobCounter counts finished jobs.
	// Labels: job_type, status (succeeded|failed)
	JobCounter *prometheus.CounterVec

	// JobDuration measures job wall time in seconds.
	// Labels: job_type
	JobDuration *prometheus.HistogramVec

	// JobsActive gauges currently queued or running jobs.
	// Labels: job_type
	JobsActive *prometheus.GaugeVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SSESubscribers gauges open job event streams.
	SSESubscribers prometheus.Gauge

	// NodesCreated counts plan nodes created by decomposition runs.
	NodesCreated prometheus.Counter

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default Prometheus registry.
// Call once at startup; repeated registration panics by promauto design.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planweave_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_llm_requests_total",
				Help: "Total number of LLM requests by subsystem, provider, and status",
			},
			[]string{"subsystem", "provider", "status"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planweave_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"subsystem", "provider"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_llm_tokens_total",
				Help: "Total number of tokens used by subsystem, provider, and type",
			},
			[]string{"subsystem", "provider", "type"},
		),

		JobCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_jobs_total",
				Help: "Total number of finished background jobs by type and status",
			},
			[]string{"job_type", "status"},
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planweave_job_duration_seconds",
				Help:    "Wall time of background jobs in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job_type"},
		),

		JobsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "planweave_jobs_active",
				Help: "Number of queued or running background jobs",
			},
			[]string{"job_type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planweave_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		SSESubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "planweave_sse_subscribers",
				Help: "Number of open job event streams",
			},
		),

		NodesCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "planweave_decompose_nodes_created_total",
				Help: "Total number of plan nodes created by decomposition",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planweave_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordLLMRequest records one LLM call.
func (m *Metrics) RecordLLMRequest(subsystem, provider, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(subsystem, provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(subsystem, provider).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(subsystem, provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(subsystem, provider, "completion").Add(float64(completionTokens))
	}
}

// JobStarted moves a job into the active gauge.
func (m *Metrics) JobStarted(jobType string) {
	m.JobsActive.WithLabelValues(jobType).Inc()
}

// JobFinished records a terminal job and releases the active gauge.
func (m *Metrics) JobFinished(jobType, status string, durationSeconds float64) {
	m.JobsActive.WithLabelValues(jobType).Dec()
	m.JobCounter.WithLabelValues(jobType, status).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
