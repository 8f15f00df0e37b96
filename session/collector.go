package session

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// StoreCollector exports the pebble metrics of a Store that matter for a
// delta log: compactions, memtables and the WAL.
type StoreCollector struct {
	db      *pebble.DB
	metrics []storeMetric
}

func newStoreMetric(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) storeMetric {
	return storeMetric{
		desc:  prometheus.NewDesc("fabric_store_"+name, help, nil, nil),
		kind:  kind,
		value: value,
	}
}

func NewStoreCollector(s *Store) *StoreCollector {
	return &StoreCollector{
		db: s.db,
		metrics: []storeMetric{
			newStoreMetric("compactions_total", "Compactions performed.", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newStoreMetric("compaction_debt_bytes", "Bytes to compact to reach a stable state.", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newStoreMetric("memtable_bytes", "Size of the memtables.", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newStoreMetric("memtables", "Number of memtables.", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newStoreMetric("wal_files", "Live WAL files.", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newStoreMetric("wal_bytes_written_total", "Bytes written to the WAL.", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	pm := c.db.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(pm))
	}
}
