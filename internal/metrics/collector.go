// Package metrics exposes mixer statistics as Prometheus metrics.
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/stylemixer"
)

const namespace = "stylemixer"

// StatsSource is anything that reports mixer statistics.
type StatsSource interface {
	Stats() stylemixer.Stats
}

var (
	descPorts = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "ports"),
		"Number of registered ports by attachment state.",
		[]string{"state"}, nil,
	)
	descTeardownsPending = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "teardowns_pending"),
		"Number of port teardowns waiting on the deferred queue.",
		nil, nil,
	)
	descErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "errors_total"),
		"Locally handled errors by category.",
		[]string{"category"}, nil,
	)
)

type counter struct {
	desc  *prometheus.Desc
	value func(stylemixer.Stats) uint64
}

func newCounter(name, help string, value func(stylemixer.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

var counters = []counter{
	newCounter("ports_added_total", "Ports registered.",
		func(s stylemixer.Stats) uint64 { return s.PortsAdded }),
	newCounter("ports_removed_total", "Ports whose teardown completed.",
		func(s stylemixer.Stats) uint64 { return s.PortsRemoved }),
	newCounter("attachments_total", "Ports that became active.",
		func(s stylemixer.Stats) uint64 { return s.Attachments }),
	newCounter("layout_passes_total", "Geometry recomputations pushed to the compositor.",
		func(s stylemixer.Stats) uint64 { return s.LayoutPasses }),
	newCounter("styles_applied_total", "Style documents accepted.",
		func(s stylemixer.Stats) uint64 { return s.StylesApplied }),
	newCounter("styles_rejected_total", "Style documents rejected as a whole.",
		func(s stylemixer.Stats) uint64 { return s.StylesRejected }),
	newCounter("races_resolved_total", "Late or duplicate port signals absorbed.",
		func(s stylemixer.Stats) uint64 { return s.RacesResolved }),
}

type mixerCollector struct {
	src StatsSource
}

var _ prometheus.Collector = &mixerCollector{}

// NewCollector returns a collector that reads src on every scrape.
func NewCollector(src StatsSource) prometheus.Collector {
	return &mixerCollector{src: src}
}

// Describe implements the prometheus.Collector interface.
func (c *mixerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPorts
	ch <- descTeardownsPending
	ch <- descErrors
	for _, m := range counters {
		ch <- m.desc
	}
}

// Collect implements the prometheus.Collector interface.
func (c *mixerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, p := range []struct {
		state string
		n     int
	}{
		{"pending", s.Pending},
		{"active", s.Active},
		{"detaching", s.Detaching},
	} {
		ch <- prometheus.MustNewConstMetric(descPorts, prometheus.GaugeValue, float64(p.n), p.state)
	}

	ch <- prometheus.MustNewConstMetric(descTeardownsPending, prometheus.GaugeValue, float64(s.TeardownsPending))

	categories := make([]string, 0, len(s.ErrorsByCategory))
	for cat := range s.ErrorsByCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(s.ErrorsByCategory[cat]), cat)
	}

	for _, m := range counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(s)))
	}
}

// NewRegistry returns a registry with the mixer collector plus the Go and
// process collectors.
func NewRegistry(src StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
