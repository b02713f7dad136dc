package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	ActiveSSEStreams  prometheus.Gauge
	CaptureRowsTotal  *prometheus.CounterVec
	CaptureDropsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcplens",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcplens",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		UpstreamErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcplens",
				Name:      "upstream_errors_total",
				Help:      "Total transport errors while forwarding to upstreams",
			},
			[]string{"server"},
		),
		ActiveSSEStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcplens",
				Name:      "active_sse_streams",
				Help:      "Number of SSE streams currently being teed",
			},
		),
		CaptureRowsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcplens",
				Name:      "capture_rows_total",
				Help:      "Total capture records persisted",
			},
			[]string{"direction"}, // direction=request/response/sse-event
		),
		CaptureDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcplens",
				Name:      "capture_drops_total",
				Help:      "Total capture records dropped due to storage failures",
			},
		),
	}
}

// ObserveRecord counts one persisted capture record by direction. Wired
// as the recorder's record observer.
func (m *Metrics) ObserveRecord(direction string) {
	m.CaptureRowsTotal.WithLabelValues(direction).Inc()
}
