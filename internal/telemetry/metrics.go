package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BuildsTriggered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "firmware_builds_triggered_total", Help: "Builds accepted by the gateway"})
	GatewayErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "firmware_gateway_errors_total", Help: "Failed gateway calls by operation"}, []string{"op"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "firmware_rate_limit_rejects_total", Help: "Build triggers rejected by rate limiter"})
	StatusPolls        = prometheus.NewCounter(prometheus.CounterOpts{Name: "firmware_status_polls_total", Help: "Status calls issued by pollers"})
	JobsFinished       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "firmware_jobs_finished_total", Help: "Pollers that reached a terminal state"}, []string{"state"})
	ArtifactBytes      = prometheus.NewCounter(prometheus.CounterOpts{Name: "firmware_artifact_bytes_total", Help: "Bytes of firmware persisted"})
	ActivePollers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "firmware_active_pollers", Help: "Pollers currently running in this process"})
	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "firmware_dispatch_queue_depth", Help: "Job ids waiting for a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BuildsTriggered,
			GatewayErrors,
			RateLimitRejects,
			StatusPolls,
			JobsFinished,
			ArtifactBytes,
			ActivePollers,
			DispatchQueueDepth,
		)
	})
	return promhttp.Handler()
}
