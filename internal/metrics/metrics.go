package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "pixelq"

var (
	WorkerConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_connections_total",
			Help:      "Total number of worker connections accepted and registered.",
		},
	)

	WorkerDisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_disconnects_total",
			Help:      "Total number of worker sessions removed, labeled by reason.",
		},
		[]string{"reason"},
	)

	JobSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submitted_total",
			Help:      "Total number of jobs accepted for distribution.",
		},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of frames sent to workers during distribution, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	ResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of worker results ingested, labeled by resulting task status.",
		},
		[]string{"status"},
	)

	JobCompletionLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_completion_latency_seconds",
			Help:      "Latency from job submission to the job reaching COMPLETED (seconds).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	ProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of protocol violations that ended a worker session.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerConnectionsTotal,
		WorkerDisconnectsTotal,
		JobSubmittedTotal,
		DispatchTotal,
		ResultsTotal,
		JobCompletionLatencySeconds,
		ProtocolErrorsTotal,
	)
}
