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
			Namespace: "buslink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buslink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	ingestDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "ingest",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped at ingestion because the queue was full or the push timed out.",
		},
		[]string{"node"},
	)
	acceptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "rx",
			Name:      "accept_failures_total",
			Help:      "Frames rejected by the protocol engine (malformed, duplicate, out of memory).",
		},
		[]string{"node"},
	)
	transfersDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "rx",
			Name:      "transfers_delivered_total",
			Help:      "Complete transfers handed to the application callback.",
		},
		[]string{"node"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "tx",
			Name:      "frames_sent_total",
			Help:      "Frames accepted by the platform link.",
		},
		[]string{"node"},
	)
	linkBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "tx",
			Name:      "link_busy_total",
			Help:      "Drain pauses caused by a busy link.",
		},
		[]string{"node"},
	)
	allocFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buslink",
			Subsystem: "arena",
			Name:      "alloc_failures_total",
			Help:      "Pool allocation failures reported to the engine.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			ingestDrops,
			acceptFailures,
			transfersDelivered,
			framesSent,
			linkBusy,
			allocFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordIngestDrop(node string) {
	RegisterMetrics()
	ingestDrops.WithLabelValues(node).Inc()
}

func RecordAcceptFailure(node string) {
	RegisterMetrics()
	acceptFailures.WithLabelValues(node).Inc()
}

func RecordTransferDelivered(node string) {
	RegisterMetrics()
	transfersDelivered.WithLabelValues(node).Inc()
}

func RecordFrameSent(node string) {
	RegisterMetrics()
	framesSent.WithLabelValues(node).Inc()
}

func RecordLinkBusy(node string) {
	RegisterMetrics()
	linkBusy.WithLabelValues(node).Inc()
}

func RecordAllocFailure(node string) {
	RegisterMetrics()
	allocFailures.WithLabelValues(node).Inc()
}
