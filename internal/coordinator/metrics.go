package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	latencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memengine_coordinator_latency_seconds",
			Help:    "Latency of coordinator-gated calls, including retries.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"coordinator"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_coordinator_retries_total",
			Help: "Total number of retry attempts issued by a coordinator.",
		},
		[]string{"coordinator"},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_coordinator_rejections_total",
			Help: "Total number of calls rejected before dispatch, by reason.",
		},
		[]string{"coordinator", "reason"},
	)

	missesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_coordinator_misses_total",
			Help: "Total number of Search Coordinator calls that exceeded the hard SLA cap and were surfaced as misses rather than errors.",
		},
		[]string{"coordinator"},
	)
)

func recordLatency(name string, d time.Duration) {
	latencySeconds.WithLabelValues(name).Observe(d.Seconds())
}

func recordRetry(name string) {
	retriesTotal.WithLabelValues(name).Inc()
}

func recordRejection(name, reason string) {
	rejectionsTotal.WithLabelValues(name, reason).Inc()
}

func recordMiss(name string) {
	missesTotal.WithLabelValues(name).Inc()
}
