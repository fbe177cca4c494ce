package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "events_enqueued_total",
		Help:      "Events accepted into the queue.",
	})
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "events_dropped_total",
		Help:      "Events rejected because the queue was full.",
	})
	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "events_delivered_total",
		Help:      "Events delivered to the transport in committed batches.",
	})
	batchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "batches_delivered_total",
		Help:      "Batches the transport accepted.",
	})
	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "batches_dropped_total",
		Help:      "Batches dropped after exhausting delivery retries.",
	})
	deliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "collector",
		Name:      "delivery_retries_total",
		Help:      "Delivery attempts that failed and were retried.",
	})
)
