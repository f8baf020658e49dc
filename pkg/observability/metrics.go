// Package observability exposes Prometheus metrics and health endpoints.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	agentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_agent_invocations_total",
			Help: "Total number of agent invocations during fan-out",
		},
		[]string{"agent", "status"},
	)

	agentInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convergence_agent_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	processInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_process_invocations_total",
			Help: "Total number of process invocations",
		},
		[]string{"process", "outcome"},
	)

	toolsetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_toolset_loads_total",
			Help: "Total number of toolset loads",
		},
		[]string{"type", "result"},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convergence_tool_calls_total",
			Help: "Total number of tool calls dispatched to loaded toolsets",
		},
		[]string{"toolset", "result"},
	)

	decompositionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convergence_decomposition_failures_total",
			Help: "Total number of decomposition outputs that could not be parsed",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			agentInvocationsTotal,
			agentInvocationDuration,
			processInvocationsTotal,
			toolsetLoadsTotal,
			toolCallsTotal,
			decompositionFailuresTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordAgentInvocation records one fan-out invocation; status is "success" or "failure".
func RecordAgentInvocation(agent, status string, duration time.Duration) {
	agentInvocationsTotal.WithLabelValues(agent, status).Inc()
	agentInvocationDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordProcessInvocation records a finished process invocation.
func RecordProcessInvocation(process, outcome string) {
	processInvocationsTotal.WithLabelValues(process, outcome).Inc()
}

// RecordToolsetLoad records a toolset load attempt.
func RecordToolsetLoad(toolsetType, result string) {
	toolsetLoadsTotal.WithLabelValues(toolsetType, result).Inc()
}

// RecordToolCall records a tool call; result is "success" or "failure".
func RecordToolCall(toolset, result string) {
	toolCallsTotal.WithLabelValues(toolset, result).Inc()
}

// RecordDecompositionFailure counts an unparseable decomposition output.
func RecordDecompositionFailure() {
	decompositionFailuresTotal.Inc()
}
