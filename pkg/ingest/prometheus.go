package ingest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported on buckets_dropped_total
const (
	DropCardinality = "cardinality"
	DropStorage     = "storage"
)

// CollectorMetrics exports the collector's own counters in Prometheus format.
// This allows external tools (Grafana, Prometheus, etc.) to scrape the collector.
// A nil *CollectorMetrics records nothing.
type CollectorMetrics struct {
	Registry *prometheus.Registry

	requests     *prometheus.CounterVec
	buckets      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	writeLatency prometheus.Histogram
	wsClients    prometheus.Gauge
}

// NewCollectorMetrics registers the collector metrics on a fresh registry
func NewCollectorMetrics() *CollectorMetrics {
	m := &CollectorMetrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Subsystem: "collector",
				Name:      "harvest_requests_total",
				Help:      "Harvest requests by response status code.",
			},
			[]string{"code"},
		),
		buckets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Subsystem: "collector",
				Name:      "buckets_ingested_total",
				Help:      "Buckets written to storage by event type.",
			},
			[]string{"type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Subsystem: "collector",
				Name:      "buckets_dropped_total",
				Help:      "Accepted buckets that were not stored, by reason.",
			},
			[]string{"reason"},
		),
		writeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tinyrum",
				Subsystem: "collector",
				Name:      "storage_write_seconds",
				Help:      "Time spent writing one harvest to storage.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tinyrum",
				Subsystem: "collector",
				Name:      "websocket_clients",
				Help:      "Connected live-stream clients.",
			},
		),
	}

	m.Registry.MustRegister(
		m.requests,
		m.buckets,
		m.dropped,
		m.writeLatency,
		m.wsClients,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRequest counts one harvest request by its response code
func (m *CollectorMetrics) RecordRequest(code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordIngested counts n stored buckets of one event type
func (m *CollectorMetrics) RecordIngested(eventType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.buckets.WithLabelValues(eventType).Add(float64(n))
}

// RecordDropped counts n buckets dropped for reason
func (m *CollectorMetrics) RecordDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

// ObserveWrite records the duration of one storage write
func (m *CollectorMetrics) ObserveWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.writeLatency.Observe(d.Seconds())
}

// SetWSClients sets the connected websocket client gauge
func (m *CollectorMetrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format
func (m *CollectorMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
