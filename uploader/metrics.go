package uploader

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by the uploader. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	BlocksSent      prometheus.Counter
	BlockRetries    prometheus.Counter
	BlocksSkipped   prometheus.Counter
	BytesSent       prometheus.Counter
	FilesCompleted  prometheus.Counter
	FilesFailed     prometheus.Counter
	ActiveTransfers prometheus.Gauge
	BlockDuration   prometheus.Histogram
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		BlocksSent:     counter("blocks_sent_total", "Total number of blocks accepted by the server"),
		BlockRetries:   counter("block_retries_total", "Total number of block resends"),
		BlocksSkipped:  counter("blocks_skipped_total", "Total number of blocks skipped because they were already uploaded"),
		BytesSent:      counter("bytes_sent_total", "Total payload bytes accepted by the server"),
		FilesCompleted: counter("files_completed_total", "Total number of files completed"),
		FilesFailed:    counter("files_failed_total", "Total number of files failed"),
		ActiveTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "active_transfers",
			Help:      "Number of block transfers in flight",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "uploader",
			Name:      "block_duration_seconds",
			Help:      "Duration of successful block transfers",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
	}
}

// Register registers every collector. Already registered collectors are not an error.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BlocksSent, m.BlockRetries, m.BlocksSkipped, m.BytesSent,
		m.FilesCompleted, m.FilesFailed, m.ActiveTransfers, m.BlockDuration,
	}
}

func (m *Metrics) blockSent(bytes int64, seconds float64) {
	if m == nil {
		return
	}
	m.BlocksSent.Inc()
	m.BytesSent.Add(float64(bytes))
	m.BlockDuration.Observe(seconds)
}

func (m *Metrics) blockRetried() {
	if m == nil {
		return
	}
	m.BlockRetries.Inc()
}

func (m *Metrics) blockSkipped() {
	if m == nil {
		return
	}
	m.BlocksSkipped.Inc()
}

func (m *Metrics) fileCompleted() {
	if m == nil {
		return
	}
	m.FilesCompleted.Inc()
}

func (m *Metrics) fileFailed() {
	if m == nil {
		return
	}
	m.FilesFailed.Inc()
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.ActiveTransfers.Set(float64(n))
}
