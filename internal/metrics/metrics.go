// Package metrics exposes ingestion, threading and integrity counters in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tessera"

// Metrics holds the collectors of one process.
type Metrics struct {
	reg *prometheus.Registry

	ingested   *prometheus.CounterVec
	links      *prometheus.CounterVec
	pointers   *prometheus.CounterVec
	verified   *prometheus.CounterVec
	drift      prometheus.Counter
	batch      prometheus.Histogram
	batchItems prometheus.Histogram
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Messages processed by ingestion, by outcome.",
		}, []string{"outcome"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_total",
			Help:      "Link versions written, by state.",
		}, []string{"state"}),
		pointers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pointers_issued_total",
			Help:      "Integrity pointers issued, by role.",
		}, []string{"role"}),
		verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pointer_verifications_total",
			Help:      "Pointer verifications, by reason.",
		}, []string{"reason"}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_detected_total",
			Help:      "Item versions appended after source drift.",
		}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Wall time of one ingestion batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		batchItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_size",
			Help:      "Messages per ingestion batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingested, m.links, m.pointers, m.verified, m.drift, m.batch, m.batchItems,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// StoreStats registers gauges reading blob store totals on scrape.
func (m *Metrics) StoreStats(stats func() (count int, size int64, err error)) {
	read := func(pick func(int, int64) float64) func() float64 {
		return func() float64 {
			c, s, err := stats()
			if err != nil {
				return 0
			}
			return pick(c, s)
		}
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blobs",
			Help:      "Objects in the blob store.",
		}, read(func(c int, _ int64) float64 { return float64(c) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blob_bytes",
			Help:      "Bytes in the blob store.",
		}, read(func(_ int, s int64) float64 { return float64(s) })),
	)
}

// Ingested counts one message outcome.
func (m *Metrics) Ingested(outcome string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(outcome).Inc()
}

// Linked counts one link version.
func (m *Metrics) Linked(state string) {
	if m == nil {
		return
	}
	m.links.WithLabelValues(state).Inc()
}

// PointerIssued counts one issued pointer.
func (m *Metrics) PointerIssued(role string) {
	if m == nil {
		return
	}
	m.pointers.WithLabelValues(role).Inc()
}

// Verified counts one verification result.
func (m *Metrics) Verified(reason string) {
	if m == nil {
		return
	}
	m.verified.WithLabelValues(reason).Inc()
}

// Drift counts one recorded drift.
func (m *Metrics) Drift() {
	if m == nil {
		return
	}
	m.drift.Inc()
}

// Batch observes one finished ingestion batch.
func (m *Metrics) Batch(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.batch.Observe(took.Seconds())
	m.batchItems.Observe(float64(size))
}
