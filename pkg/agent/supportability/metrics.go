// Package supportability records the agent's own health: harvest outcomes, payload sizes,
// retries, dropped buckets and transport fallbacks.
package supportability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds the agent's counters. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	harvests      *prometheus.CounterVec
	harvestBytes  *prometheus.CounterVec
	retriesMerged *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
}

// New registers the agent metrics on a registry of their own, so several agents can live in
// one process without colliding on the default registerer.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		harvests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Name:      "harvests_total",
				Help:      "Harvest attempts by feature and result (sent, retry, blocked, empty).",
			},
			[]string{"feature", "result"},
		),
		harvestBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Name:      "harvest_bytes_total",
				Help:      "Uncompressed harvest body bytes handed to the transport.",
			},
			[]string{"feature"},
		),
		retriesMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Name:      "retries_merged_total",
				Help:      "Buckets merged back into the store after a retryable harvest failure.",
			},
			[]string{"feature"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Name:      "buckets_dropped_total",
				Help:      "New buckets refused because the per-type bucket limit was reached.",
			},
			[]string{"type"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinyrum",
				Name:      "transport_fallbacks_total",
				Help:      "Sends that fell back to async XHR after the chosen method failed to start.",
			},
			[]string{"method"},
		),
	}

	m.Registry.MustRegister(
		m.harvests,
		m.harvestBytes,
		m.retriesMerged,
		m.dropped,
		m.fallbacks,
	)
	return m
}

// RecordHarvest counts one harvest outcome.
func (m *Metrics) RecordHarvest(feature, result string) {
	if m == nil {
		return
	}
	m.harvests.WithLabelValues(sanitizeLabel(feature), sanitizeLabel(result)).Inc()
}

// RecordBytes adds to the payload size counter.
func (m *Metrics) RecordBytes(feature string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.harvestBytes.WithLabelValues(sanitizeLabel(feature)).Add(float64(n))
}

// RecordRetryMerged counts buckets restored after a failed harvest.
func (m *Metrics) RecordRetryMerged(feature string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retriesMerged.WithLabelValues(sanitizeLabel(feature)).Add(float64(n))
}

// RecordDropped counts one bucket refused by the store.
func (m *Metrics) RecordDropped(eventType string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(sanitizeLabel(eventType)).Inc()
}

// RecordFallback counts one transport fallback away from method.
func (m *Metrics) RecordFallback(method string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(sanitizeLabel(method)).Inc()
}
