package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type runtimeMetrics struct {
	registry *prometheus.Registry

	pluginCount       *prometheus.GaugeVec
	transitionsTotal  *prometheus.CounterVec
	pluginErrorsTotal *prometheus.CounterVec

	toolCount          *prometheus.GaugeVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	toolErrorsTotal    *prometheus.CounterVec

	approvalsTotal   *prometheus.CounterVec
	websocketClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *runtimeMetrics
)

func getMetrics() *runtimeMetrics {
	metricsOnce.Do(func() {
		m := &runtimeMetrics{
			registry: prometheus.NewRegistry(),
			pluginCount: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "plugin_count",
					Help: "Current plugin instances by lifecycle state.",
				},
				[]string{"state"},
			),
			transitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plugin_transitions_total",
					Help: "Total completed lifecycle transitions by kind.",
				},
				[]string{"transition"},
			),
			pluginErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plugin_errors_total",
					Help: "Total failed lifecycle transitions by plugin.",
				},
				[]string{"plugin_id"},
			),
			toolCount: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "tool_count",
					Help: "Registered tools by activation state.",
				},
				[]string{"state"},
			),
			invocationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocations_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total failed tool invocations by tool.",
				},
				[]string{"tool"},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approval_requests_total",
					Help: "Total approval gate outcomes by decision.",
				},
				[]string{"decision"},
			),
			websocketClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "websocket_clients",
					Help: "Currently connected WebSocket clients.",
				},
			),
		}

		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			m.pluginCount,
			m.transitionsTotal,
			m.pluginErrorsTotal,
			m.toolCount,
			m.invocationsTotal,
			m.invocationDuration,
			m.toolErrorsTotal,
			m.approvalsTotal,
			m.websocketClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the runtime's metric registry.
func MetricsHandler() http.Handler {
	m := getMetrics()
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordTransition counts one completed lifecycle transition.
func RecordTransition(transition string) {
	getMetrics().transitionsTotal.WithLabelValues(transition).Inc()
}

// RecordPluginError counts one failed transition for a plugin.
func RecordPluginError(pluginID string) {
	getMetrics().pluginErrorsTotal.WithLabelValues(pluginID).Inc()
}

// SetPluginCounts publishes the current instance census.
func SetPluginCounts(total, active int) {
	m := getMetrics()
	m.pluginCount.WithLabelValues("all").Set(float64(total))
	m.pluginCount.WithLabelValues("active").Set(float64(active))
}

// SetToolCounts publishes the current registry census.
func SetToolCounts(total, active int) {
	m := getMetrics()
	m.toolCount.WithLabelValues("all").Set(float64(total))
	m.toolCount.WithLabelValues("active").Set(float64(active))
}

// RecordInvocation counts one tool invocation and observes its duration.
func RecordInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.invocationsTotal.WithLabelValues(tool, status).Inc()
	if duration > 0 {
		m.invocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordApproval counts one approval gate outcome.
func RecordApproval(approved bool) {
	decision := "denied"
	if approved {
		decision = "approved"
	}
	getMetrics().approvalsTotal.WithLabelValues(decision).Inc()
}

// SetWebSocketClients publishes the connected client count.
func SetWebSocketClients(count int) {
	getMetrics().websocketClients.Set(float64(count))
}
