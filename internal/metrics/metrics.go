// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restspace"

var (
	// Registry holds the runtime's collectors.
	Registry = prometheus.NewRegistry()

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests dispatched, by tenant and status.",
		},
		[]string{"tenant", "method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of dispatched requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"tenant"},
	)

	tenantLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "loads_total",
			Help:      "Tenant loads, by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commands_total",
			Help:      "Pipeline commands, by outcome.",
		},
		[]string{"outcome"},
	)

	moduleLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "loads_total",
			Help:      "Module cache fills, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		requests,
		requestDuration,
		tenantLoads,
		pipelineSteps,
		moduleLoads,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one dispatched request.
func ObserveRequest(tenant, method string, status int, d time.Duration) {
	requests.WithLabelValues(tenant, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

// TenantLoad records a tenant load outcome: "ready", "failed" or
// "timeout".
func TenantLoad(outcome string) {
	tenantLoads.WithLabelValues(outcome).Inc()
}

// PipelineStep records a pipeline command outcome. It has the shape of a
// pipeline step observer.
func PipelineStep(outcome string) {
	pipelineSteps.WithLabelValues(outcome).Inc()
}

// ModuleLoad records a module cache fill. It has the shape of a module
// registry observer.
func ModuleLoad(kind, outcome string) {
	moduleLoads.WithLabelValues(kind, outcome).Inc()
}
