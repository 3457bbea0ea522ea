package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes Pebble storage-engine statistics as Prometheus metrics
// under the reconciler_store_ metric name prefix.
type Collector struct {
	store *Pebble

	compactionCount *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	diskSpaceUsage  *prometheus.Desc
	readAmp         *prometheus.Desc
}

// NewCollector returns a Collector reading live metrics off store.
func NewCollector(s *Pebble) *Collector {
	return &Collector{
		store: s,
		compactionCount: prometheus.NewDesc(
			"reconciler_store_compactions_total", "Total number of Pebble compactions.", nil, nil),
		memtableSize: prometheus.NewDesc(
			"reconciler_store_memtable_size_bytes", "Current size of Pebble memtables.", nil, nil),
		walSize: prometheus.NewDesc(
			"reconciler_store_wal_size_bytes", "Current size of the Pebble write-ahead log.", nil, nil),
		diskSpaceUsage: prometheus.NewDesc(
			"reconciler_store_disk_space_bytes", "Total on-disk space used by the store.", nil, nil),
		readAmp: prometheus.NewDesc(
			"reconciler_store_read_amplification", "Pebble read amplification.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.memtableSize
	ch <- c.walSize
	ch <- c.diskSpaceUsage
	ch <- c.readAmp
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.store.DB().Metrics()
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.diskSpaceUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
	ch <- prometheus.MustNewConstMetric(c.readAmp, prometheus.GaugeValue, float64(m.ReadAmp()))
}
