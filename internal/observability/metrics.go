package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seedmint",
			Subsystem: "fetch",
			Name:      "artifacts_total",
			Help:      "Artifacts fetched from the rendering service.",
		},
		[]string{"result"},
	)
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seedmint",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Per-seed fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	uploadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seedmint",
			Subsystem: "upload",
			Name:      "objects_total",
			Help:      "Objects uploaded to storage backends.",
		},
		[]string{"backend", "kind", "result"},
	)
	uploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seedmint",
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Per-object upload duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "kind", "result"},
	)
	patchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seedmint",
			Subsystem: "patch",
			Name:      "records_total",
			Help:      "Attribute records patched with their public location.",
		},
		[]string{"backend", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seedmint",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seedmint",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			fetchTotal,
			fetchDuration,
			uploadTotal,
			uploadDuration,
			patchTotal,
			httpRequests,
			httpDuration,
		)
	})
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordFetch(ok bool, duration time.Duration) {
	RegisterMetrics()
	result := resultLabel(ok)
	fetchTotal.WithLabelValues(result).Inc()
	fetchDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordUpload(backend, kind string, ok bool, duration time.Duration) {
	RegisterMetrics()
	result := resultLabel(ok)
	uploadTotal.WithLabelValues(backend, kind, result).Inc()
	uploadDuration.WithLabelValues(backend, kind, result).Observe(duration.Seconds())
}

func RecordPatch(backend string, ok bool) {
	RegisterMetrics()
	patchTotal.WithLabelValues(backend, resultLabel(ok)).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
