package handlers

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	outcomes           *prometheus.CounterVec
	contractViolations prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orders",
			Name:      "order_created_outcomes_total",
			Help:      "OrderCreated deliveries by outcome.",
		}, []string{"outcome"}),
		contractViolations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "orders",
			Name:      "contract_violations_total",
			Help:      "Illegal order status transitions attempted by the consumer.",
		}),
	}
})
