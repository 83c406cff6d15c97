package corvus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corvus_delivery_attempts_total",
			Help: "Delivery attempts by outcome classification.",
		},
		[]string{
			"result", // "delivered", "temporary", "permanent", "expired"
		},
	)
	metricQueueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corvus_queue_items",
			Help: "Queue items present at the start of the last runner pass.",
		},
	)
	metricBounces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corvus_bounces_total",
			Help: "Failure notifications queued back to senders.",
		},
	)
)
