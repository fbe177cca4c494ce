package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "capture",
		Name:      "requests_total",
		Help:      "Outbound calls captured and handed to the queue.",
	})
	requestsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "capture",
		Name:      "requests_ignored_total",
		Help:      "Outbound calls skipped by ignore patterns.",
	})
	captureErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apiscope",
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Faults inside the interceptor; the instrumented call was unaffected.",
	})
)
