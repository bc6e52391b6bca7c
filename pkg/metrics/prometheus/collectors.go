// Package prometheus adapts the data path's instrumentation points to
// Prometheus collectors: phase latency and dedupe hit rate are pushed by
// the pipeline as they happen, while zone queue depth and packer bin
// occupancy are pulled live from the running dispatcher/packer on every
// scrape.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

const (
	resultHit  = "hit"
	resultMiss = "miss"
)

// Metrics implements pipeline.Instrumentation, turning phase completions
// and dedupe probe outcomes into Prometheus series.
type Metrics struct {
	phaseLatency     *prometheus.HistogramVec
	dedupeQueryTotal *prometheus.CounterVec
}

// NewMetrics creates and registers data-path metrics. If registry is nil,
// the metrics are created but not registered, which is useful for tests
// that only want an Instrumentation to satisfy pipeline.Deps.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		phaseLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vdodedupe",
				Subsystem: "pipeline",
				Name:      "phase_latency_seconds",
				Help:      "Time from enqueue to completion of a single pipeline phase",
				Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"phase"},
		),
		dedupeQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vdodedupe",
				Subsystem: "dedupe",
				Name:      "query_total",
				Help:      "Total dedupe-index probes, partitioned by hit or miss",
			},
			[]string{"result"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.phaseLatency, m.dedupeQueryTotal)
	}
	return m
}

// ObservePhase implements pipeline.Instrumentation.
func (m *Metrics) ObservePhase(phase vio.Phase, dur time.Duration) {
	m.phaseLatency.WithLabelValues(string(phase)).Observe(dur.Seconds())
}

// ObserveDedupeQuery implements pipeline.Instrumentation.
func (m *Metrics) ObserveDedupeQuery(hit bool) {
	result := resultMiss
	if hit {
		result = resultHit
	}
	m.dedupeQueryTotal.WithLabelValues(result).Inc()
}

// zoneQueueDepthDesc describes the per-zone queue depth gauge collected
// live from the dispatcher on every scrape.
var zoneQueueDepthDesc = prometheus.NewDesc(
	"vdodedupe_zone_queue_depth",
	"Number of callbacks currently queued for a zone, across all priorities",
	[]string{"kind", "index"}, nil,
)

// zoneCollector reads dispatcher.Zones() at Collect time rather than
// caching a value, so queue depth always reflects the live dispatcher
// state instead of whatever it was when a Callback last ran.
type zoneCollector struct {
	dispatcher *zone.Dispatcher
}

// NewZoneCollector returns a prometheus.Collector reporting live queue
// depth for every zone the dispatcher owns.
func NewZoneCollector(dispatcher *zone.Dispatcher) prometheus.Collector {
	return &zoneCollector{dispatcher: dispatcher}
}

func (c *zoneCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- zoneQueueDepthDesc
}

func (c *zoneCollector) Collect(ch chan<- prometheus.Metric) {
	for _, z := range c.dispatcher.Zones() {
		id := z.ID()
		ch <- prometheus.MustNewConstMetric(
			zoneQueueDepthDesc, prometheus.GaugeValue, float64(z.Depth()),
			id.Kind.String(), strconv.Itoa(id.Index),
		)
	}
}

// packerBinsDesc describes the packer's open-bin occupancy gauge.
var packerBinsDesc = prometheus.NewDesc(
	"vdodedupe_packer_open_bins",
	"Number of packer bins currently open awaiting more fragments",
	nil, nil,
)

// packerCollector reads packer.BinCount() at Collect time for the same
// live-value reason as zoneCollector.
type packerCollector struct {
	packer *packer.Packer
}

// NewPackerCollector returns a prometheus.Collector reporting the
// packer's live open-bin count.
func NewPackerCollector(p *packer.Packer) prometheus.Collector {
	return &packerCollector{packer: p}
}

func (c *packerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- packerBinsDesc
}

func (c *packerCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(packerBinsDesc, prometheus.GaugeValue, float64(c.packer.BinCount()))
}
