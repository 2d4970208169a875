package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "campus_rpc"

// Collector exposes a Stats as Prometheus metrics. It reads snapshots on
// scrape and never registers itself globally; callers pick the registry.
type Collector struct {
	stats *Stats

	requests  *prometheus.Desc
	responses *prometheus.Desc
	malformed *prometheus.Desc
	accepted  *prometheus.Desc
	active    *prometheus.Desc
}

// NewCollector returns a collector reading from s.
func NewCollector(s *Stats) *Collector {
	return &Collector{
		stats: s,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Decoded requests by URI.",
			[]string{"uri"}, nil,
		),
		responses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "responses_total"),
			"Responses written by status.",
			[]string{"status"}, nil,
		),
		malformed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malformed_frames_total"),
			"Frames dropped because they could not be decoded.",
			nil, nil,
		),
		accepted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_accepted_total"),
			"Connections accepted.",
			nil, nil,
		),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_active"),
			"Connections currently open.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.responses
	ch <- c.malformed
	ch <- c.accepted
	ch <- c.active
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	for uri, n := range snap.ByURI {
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(n), uri)
	}
	for status, n := range snap.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.malformed, prometheus.CounterValue, float64(snap.MalformedFrames))
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(snap.ConnectionsAccepted))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(snap.ConnectionsActive))
}
