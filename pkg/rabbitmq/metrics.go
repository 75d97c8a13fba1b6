package rabbitmq

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	handledTotal   *prometheus.CounterVec
	republishTotal *prometheus.CounterVec
	handleLatency  *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		handledTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consumer",
			Name:      "handled_total",
			Help:      "Deliveries handled, by outcome (ack, requeue, retry, dlq).",
		}, []string{"queue", "outcome"}),
		republishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consumer",
			Name:      "republish_total",
			Help:      "Republishes to delay queues or the DLQ.",
		}, []string{"queue", "target", "result"}),
		handleLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consumer",
			Name:      "handle_latency_seconds",
			Help:      "Time spent in the delivery handler.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"queue", "outcome"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
