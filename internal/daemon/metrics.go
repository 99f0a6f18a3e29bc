package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// RelayMetrics counts the relay's file and worker activity. It is also a
// prometheus.Collector.
type RelayMetrics struct {
	FilesDiscovered     atomic.Int64
	FilesProcessed      atomic.Int64
	FilesFailed         atomic.Int64
	LinesForwarded      atomic.Int64
	QueuedFiles         atomic.Int64
	WorkersActive       atomic.Int64
	WorkersBusy         atomic.Int64
	ScaleUpOperations   atomic.Int64
	ScaleDownOperations atomic.Int64

	queueCapacity int
}

// MetricsStamp is a point-in-time copy of RelayMetrics.
type MetricsStamp struct {
	FilesDiscovered     int64
	FilesProcessed      int64
	FilesFailed         int64
	LinesForwarded      int64
	QueuedFiles         int64
	WorkersActive       int64
	WorkersBusy         int64
	ScaleUpOperations   int64
	ScaleDownOperations int64
}

func NewRelayMetrics(queueCapacity int) *RelayMetrics {
	return &RelayMetrics{queueCapacity: queueCapacity}
}

func (m *RelayMetrics) Stamp() MetricsStamp {
	return MetricsStamp{
		FilesDiscovered:     m.FilesDiscovered.Load(),
		FilesProcessed:      m.FilesProcessed.Load(),
		FilesFailed:         m.FilesFailed.Load(),
		LinesForwarded:      m.LinesForwarded.Load(),
		QueuedFiles:         m.QueuedFiles.Load(),
		WorkersActive:       m.WorkersActive.Load(),
		WorkersBusy:         m.WorkersBusy.Load(),
		ScaleUpOperations:   m.ScaleUpOperations.Load(),
		ScaleDownOperations: m.ScaleDownOperations.Load(),
	}
}

// QueueUsage is the fraction of the file queue in use.
func (m *RelayMetrics) QueueUsage() float64 {
	if m.queueCapacity == 0 {
		return 0
	}
	return float64(m.QueuedFiles.Load()) / float64(m.queueCapacity)
}

var (
	descFiles = prometheus.NewDesc("logchannel_relay_files_total",
		"Files seen by the relay, by outcome.", []string{"outcome"}, nil)
	descLines = prometheus.NewDesc("logchannel_relay_lines_forwarded_total",
		"Lines forwarded as events.", nil, nil)
	descQueued = prometheus.NewDesc("logchannel_relay_queued_files",
		"Files waiting for a worker.", nil, nil)
	descWorkers = prometheus.NewDesc("logchannel_relay_workers",
		"Relay workers, by state.", []string{"state"}, nil)
	descScale = prometheus.NewDesc("logchannel_relay_scale_operations_total",
		"Worker pool resizes, by direction.", []string{"direction"}, nil)
)

func (m *RelayMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFiles
	ch <- descLines
	ch <- descQueued
	ch <- descWorkers
	ch <- descScale
}

func (m *RelayMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.Stamp()
	ch <- prometheus.MustNewConstMetric(descFiles, prometheus.CounterValue, float64(s.FilesDiscovered), "discovered")
	ch <- prometheus.MustNewConstMetric(descFiles, prometheus.CounterValue, float64(s.FilesProcessed), "processed")
	ch <- prometheus.MustNewConstMetric(descFiles, prometheus.CounterValue, float64(s.FilesFailed), "failed")
	ch <- prometheus.MustNewConstMetric(descLines, prometheus.CounterValue, float64(s.LinesForwarded))
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(s.QueuedFiles))
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(s.WorkersActive), "active")
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(s.WorkersBusy), "busy")
	ch <- prometheus.MustNewConstMetric(descScale, prometheus.CounterValue, float64(s.ScaleUpOperations), "up")
	ch <- prometheus.MustNewConstMetric(descScale, prometheus.CounterValue, float64(s.ScaleDownOperations), "down")
}
