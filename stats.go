package kcp

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds process-wide counters for the engine, incremented with
// sync/atomic from the session/listener hot paths. It mirrors the
// reference engine's Snmp block of counters, with one instance shared
// process-wide (DefaultStats) and available for embedding applications to
// register as a prometheus.Collector.
type Stats struct {
	InSegs, OutSegs    uint64
	InBytes, OutBytes  uint64
	InErrs, InCsumErrs uint64
	RetransSegs        uint64
	LostSegs           uint64
	FastRetransSegs    uint64
	RepeatSegs         uint64
	ActiveOpens        uint64
	PassiveOpens       uint64
	CurrEstab          uint64
	MaxConn            uint64
	DeadLinks          uint64
}

// DefaultStats is the process-wide counter block consulted by Collector.
var DefaultStats Stats

func (s *Stats) addEstab() {
	cur := atomic.AddUint64(&s.CurrEstab, 1)
	for {
		max := atomic.LoadUint64(&s.MaxConn)
		if cur <= max || atomic.CompareAndSwapUint64(&s.MaxConn, max, cur) {
			break
		}
	}
}

func (s *Stats) subEstab() {
	atomic.AddUint64(&s.CurrEstab, ^uint64(0))
}

// Collector adapts a *Stats into a prometheus.Collector, exposing the same
// atomic counters the session/listener layer already maintains without
// requiring a separate bookkeeping pass. Register it once per process:
//
//	prometheus.MustRegister(kcp.NewCollector(&kcp.DefaultStats))
type Collector struct {
	stats *Stats
	descs map[string]*prometheus.Desc
}

// NewCollector builds a Collector over stats. Pass &DefaultStats unless
// the embedding application keeps its own *Stats per listener.
func NewCollector(stats *Stats) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("kcp_"+name, help, nil, nil)
	}
	return &Collector{
		stats: stats,
		descs: map[string]*prometheus.Desc{
			"in_segments_total":        mk("in_segments_total", "Segments received."),
			"out_segments_total":       mk("out_segments_total", "Segments transmitted."),
			"in_bytes_total":           mk("in_bytes_total", "Raw bytes received."),
			"out_bytes_total":          mk("out_bytes_total", "Raw bytes transmitted."),
			"in_errors_total":          mk("in_errors_total", "Socket read errors and malformed or short frames."),
			"in_checksum_errors_total": mk("in_checksum_errors_total", "Frames dropped for checksum mismatch."),
			"retransmits_total":        mk("retransmits_total", "Segments retransmitted, any cause."),
			"lost_segments_total":      mk("lost_segments_total", "Segments retransmitted due to RTO."),
			"fast_retransmits_total":   mk("fast_retransmits_total", "Segments retransmitted via fast-retransmit."),
			"repeat_segments_total":    mk("repeat_segments_total", "Duplicate or out-of-window segments discarded."),
			"active_opens_total":       mk("active_opens_total", "Sessions opened by dialing."),
			"passive_opens_total":      mk("passive_opens_total", "Sessions opened by accepting."),
			"established_sessions":     mk("established_sessions", "Currently established sessions."),
			"max_established_sessions": mk("max_established_sessions", "High-water mark of established sessions."),
			"dead_links_total":         mk("dead_links_total", "Sessions that transitioned to the dead state."),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(key string, v uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(c.descs[key], prometheus.CounterValue, float64(v))
	}
	gauge := func(key string, v uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(c.descs[key], prometheus.GaugeValue, float64(v))
	}

	ch <- counter("in_segments_total", atomic.LoadUint64(&c.stats.InSegs))
	ch <- counter("out_segments_total", atomic.LoadUint64(&c.stats.OutSegs))
	ch <- counter("in_bytes_total", atomic.LoadUint64(&c.stats.InBytes))
	ch <- counter("out_bytes_total", atomic.LoadUint64(&c.stats.OutBytes))
	ch <- counter("in_errors_total", atomic.LoadUint64(&c.stats.InErrs))
	ch <- counter("in_checksum_errors_total", atomic.LoadUint64(&c.stats.InCsumErrs))
	ch <- counter("retransmits_total", atomic.LoadUint64(&c.stats.RetransSegs))
	ch <- counter("lost_segments_total", atomic.LoadUint64(&c.stats.LostSegs))
	ch <- counter("fast_retransmits_total", atomic.LoadUint64(&c.stats.FastRetransSegs))
	ch <- counter("repeat_segments_total", atomic.LoadUint64(&c.stats.RepeatSegs))
	ch <- counter("active_opens_total", atomic.LoadUint64(&c.stats.ActiveOpens))
	ch <- counter("passive_opens_total", atomic.LoadUint64(&c.stats.PassiveOpens))
	ch <- gauge("established_sessions", atomic.LoadUint64(&c.stats.CurrEstab))
	ch <- gauge("max_established_sessions", atomic.LoadUint64(&c.stats.MaxConn))
	ch <- counter("dead_links_total", atomic.LoadUint64(&c.stats.DeadLinks))
}
