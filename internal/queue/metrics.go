package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Tasks waiting per queue and state",
		},
		[]string{"queue", "state"},
	)
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total tasks enqueued grouped by type",
		},
		[]string{"type"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by result",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueEnqueuedTotal, QueueProcessedTotal)
}
