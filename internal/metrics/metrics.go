// Package metrics exposes engine telemetry as Prometheus metrics. The
// collector reads the engine at scrape time instead of keeping a parallel
// set of instrumented counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MarwanHany97/NetThrottle/internal/engine"
)

// EngineCollector implements prometheus.Collector over a running engine.
type EngineCollector struct {
	eng *engine.Engine

	processed   *prometheus.Desc
	dropped     *prometheus.Desc
	bytesTotal  *prometheus.Desc
	globalRate  *prometheus.Desc
	processRate *prometheus.Desc
}

// NewEngineCollector builds a collector for eng.
func NewEngineCollector(eng *engine.Engine) *EngineCollector {
	return &EngineCollector{
		eng: eng,
		processed: prometheus.NewDesc(
			"netthrottle_packets_processed_total",
			"Packets received from the capture hook.",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			"netthrottle_packets_dropped_total",
			"Packets discarded by block or rate-limit policy.",
			nil, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"netthrottle_bytes_total",
			"Cumulative bytes seen per direction, dropped packets included.",
			[]string{"direction"}, nil,
		),
		globalRate: prometheus.NewDesc(
			"netthrottle_global_rate_bytes",
			"Host-wide rolling-average throughput in bytes/sec.",
			[]string{"direction"}, nil,
		),
		processRate: prometheus.NewDesc(
			"netthrottle_process_rate_bytes",
			"Per-process smoothed throughput in bytes/sec.",
			[]string{"pid", "direction"}, nil,
		),
	}
}

func (c *EngineCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.processed
	descs <- c.dropped
	descs <- c.bytesTotal
	descs <- c.globalRate
	descs <- c.processRate
}

func (c *EngineCollector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(
		c.processed, prometheus.CounterValue, float64(c.eng.PacketsProcessed()))
	metrics <- prometheus.MustNewConstMetric(
		c.dropped, prometheus.CounterValue, float64(c.eng.PacketsDropped()))

	totalDL, totalUL := c.eng.TotalBytes()
	metrics <- prometheus.MustNewConstMetric(
		c.bytesTotal, prometheus.CounterValue, float64(totalDL), "download")
	metrics <- prometheus.MustNewConstMetric(
		c.bytesTotal, prometheus.CounterValue, float64(totalUL), "upload")

	dl, ul := c.eng.GlobalThroughput()
	metrics <- prometheus.MustNewConstMetric(
		c.globalRate, prometheus.GaugeValue, dl, "download")
	metrics <- prometheus.MustNewConstMetric(
		c.globalRate, prometheus.GaugeValue, ul, "upload")

	for _, r := range c.eng.Throughput() {
		pid := strconv.FormatUint(uint64(r.PID), 10)
		metrics <- prometheus.MustNewConstMetric(
			c.processRate, prometheus.GaugeValue, r.Download, pid, "download")
		metrics <- prometheus.MustNewConstMetric(
			c.processRate, prometheus.GaugeValue, r.Upload, pid, "upload")
	}
}
