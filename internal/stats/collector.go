package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "netspectra_rx"
	subsystem = "gro"
)

type collector struct {
	snapshot func() Snapshot
	descs    map[string]*prometheus.Desc
}

// NewCollector returns a prometheus.Collector that exports every counter of
// the snapshots returned by fn.
func NewCollector(fn func() Snapshot) prometheus.Collector {
	c := &collector{snapshot: fn, descs: make(map[string]*prometheus.Desc)}
	for _, f := range (Snapshot{}).Fields() {
		c.descs[f.Name] = prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, subsystem, f.Name+"_total"),
			"Total number of "+helpText(f.Name),
			nil, nil,
		)
	}
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, f := range c.snapshot().Fields() {
		ch <- prometheus.MustNewConstMetric(c.descs[f.Name], prometheus.CounterValue, float64(f.Value))
	}
}

func helpText(name string) string {
	out := []byte(name)
	for i, b := range out {
		if b == '_' {
			out[i] = ' '
		}
	}
	return string(out)
}
