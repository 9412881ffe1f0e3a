package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wisund",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "router",
			Name:      "frames_dispatched_total",
			Help:      "Frames popped from the dispatch queue.",
		},
		[]string{"source"},
	)
	framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "router",
			Name:      "frames_delivered_total",
			Help:      "Frame copies delivered to destination inbound queues.",
		},
		[]string{"source", "destination"},
	)
	framesUnrouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "router",
			Name:      "frames_unrouted_total",
			Help:      "Frames that matched no rule.",
		},
		[]string{"source"},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "router",
			Name:      "delivery_failures_total",
			Help:      "Frame deliveries rejected by a closed destination.",
		},
		[]string{"destination"},
	)
	endpointIOErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "endpoint",
			Name:      "io_errors_total",
			Help:      "Transient endpoint I/O errors.",
		},
		[]string{"endpoint", "direction"},
	)
	endpointFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wisund",
			Subsystem: "endpoint",
			Name:      "frames_total",
			Help:      "Frames produced (tx) or consumed (rx) by an endpoint.",
		},
		[]string{"endpoint", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesDispatched,
			framesDelivered,
			framesUnrouted,
			deliveryFailures,
			endpointIOErrors,
			endpointFrames,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDispatch(source string) {
	RegisterMetrics()
	framesDispatched.WithLabelValues(source).Inc()
}

func RecordDelivery(source, destination string) {
	RegisterMetrics()
	framesDelivered.WithLabelValues(source, destination).Inc()
}

func RecordUnrouted(source string) {
	RegisterMetrics()
	framesUnrouted.WithLabelValues(source).Inc()
}

func RecordDeliveryFailure(destination string) {
	RegisterMetrics()
	deliveryFailures.WithLabelValues(destination).Inc()
}

// RecordEndpointFrame counts one frame; direction is "tx" or "rx".
func RecordEndpointFrame(endpoint, direction string) {
	RegisterMetrics()
	endpointFrames.WithLabelValues(endpoint, direction).Inc()
}

func RecordEndpointIOError(endpoint, direction string) {
	RegisterMetrics()
	endpointIOErrors.WithLabelValues(endpoint, direction).Inc()
}
