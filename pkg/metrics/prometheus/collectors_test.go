package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/marmos91/vdodedupe/pkg/packer"
	"github.com/marmos91/vdodedupe/pkg/vio"
	"github.com/marmos91/vdodedupe/pkg/zone"
)

func gatherOne(t *testing.T, c prometheus.Collector) []*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var out []*dto.Metric
	for _, f := range families {
		out = append(out, f.GetMetric()...)
	}
	return out
}

func TestMetricsObservePhase(t *testing.T) {
	m := NewMetrics(nil)
	m.ObservePhase(vio.PhaseCompress, 5*time.Millisecond)

	metrics := gatherOne(t, m.phaseLatency)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 series, got %d", len(metrics))
	}
	if got := metrics[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected sample count 1, got %d", got)
	}
}

func TestMetricsObserveDedupeQuery(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveDedupeQuery(true)
	m.ObserveDedupeQuery(false)
	m.ObserveDedupeQuery(false)

	metrics := gatherOne(t, m.dedupeQueryTotal)
	totals := map[string]float64{}
	for _, mt := range metrics {
		for _, l := range mt.GetLabel() {
			if l.GetName() == "result" {
				totals[l.GetValue()] = mt.GetCounter().GetValue()
			}
		}
	}
	if totals[resultHit] != 1 {
		t.Fatalf("expected 1 hit, got %v", totals[resultHit])
	}
	if totals[resultMiss] != 2 {
		t.Fatalf("expected 2 misses, got %v", totals[resultMiss])
	}
}

func TestZoneCollectorReportsEveryZone(t *testing.T) {
	dispatcher := zone.NewDispatcher(zone.Config{LogicalZones: 2, PhysicalZones: 1, HashZones: 1, CPUZones: 1})
	c := NewZoneCollector(dispatcher)

	metrics := gatherOne(t, c)
	if len(metrics) != len(dispatcher.Zones()) {
		t.Fatalf("expected %d series, got %d", len(dispatcher.Zones()), len(metrics))
	}
}

func TestPackerCollectorReflectsBinCount(t *testing.T) {
	p := packer.New(func(pbn uint64, block [vio.BlockSize]byte) error { return nil })
	c := NewPackerCollector(p)

	metrics := gatherOne(t, c)
	if len(metrics) != 1 {
		t.Fatalf("expected 1 series, got %d", len(metrics))
	}
	if got := metrics[0].GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected 0 open bins before any Add, got %v", got)
	}
}
