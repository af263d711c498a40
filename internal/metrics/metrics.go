package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "figura"

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of generation API requests, labeled by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	SnapshotsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_observed_total",
			Help:      "Total number of task snapshots observed, labeled by transport.",
		},
		[]string{"transport"},
	)

	StreamFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fallback_total",
			Help:      "Total number of stream-to-polling fallbacks.",
		},
	)

	MonitorSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_sessions_total",
			Help:      "Total number of finished monitoring sessions, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of artifact downloads, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal,
		SnapshotsObservedTotal,
		StreamFallbackTotal,
		MonitorSessionsTotal,
		DownloadsTotal,
	)
}
