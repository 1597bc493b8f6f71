package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the loop engine. Registered with the default
// registry; exposed wherever the host process serves /metrics.
var (
	// runCounter counts completed runs by terminal status.
	// Labels: status (completed|failed|aborted)
	runCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_runs_total",
			Help: "Total number of agent runs by terminal status",
		},
		[]string{"status"},
	)

	// runLoops measures think/act iterations consumed per run.
	runLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strand_run_loops",
			Help:    "Think/act iterations consumed per run",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500, 1000, 3000},
		},
	)

	// runRetries measures provider retries per run.
	runRetries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strand_run_retries",
			Help:    "Provider retries per run",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	// retryCounter counts individual retries by error code.
	// Labels: code (TIMEOUT|NETWORK_ERROR|RATE_LIMITED|SERVER_ERROR|EMPTY_RESPONSE|...)
	retryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_provider_retries_total",
			Help: "Total number of provider retries by error code",
		},
		[]string{"code"},
	)

	// toolCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	toolCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		},
		[]string{"tool_name", "status"},
	)

	// toolDuration measures tool execution time in seconds.
	// Labels: tool_name
	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strand_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"tool_name"},
	)
)

func observeRun(status string, loops, retries int) {
	runCounter.WithLabelValues(status).Inc()
	runLoops.Observe(float64(loops))
	runRetries.Observe(float64(retries))
}

func observeRetry(code string) {
	retryCounter.WithLabelValues(code).Inc()
}

func observeToolCall(name string, isError bool, d time.Duration) {
	status := "success"
	if isError {
		status = "error"
	}
	toolCounter.WithLabelValues(name, status).Inc()
	toolDuration.WithLabelValues(name).Observe(d.Seconds())
}
