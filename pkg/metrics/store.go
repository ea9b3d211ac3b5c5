package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreSource is the read side of the authoritative store.
type StoreSource interface {
	SequenceNumber() uint64
	HistoryLen() int
}

// StoreCollector reports the store's sequence number and retained history at
// scrape time.
type StoreCollector struct {
	source StoreSource

	sequence *prometheus.Desc
	history  *prometheus.Desc
}

func NewStoreCollector(source StoreSource) *StoreCollector {
	return &StoreCollector{
		source: source,
		sequence: prometheus.NewDesc(
			"theyr_store_sequence",
			"Sequence number of the authoritative store",
			nil, nil,
		),
		history: prometheus.NewDesc(
			"theyr_store_history_records",
			"Update records retained in the history ring",
			nil, nil,
		),
	}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sequence
	ch <- c.history
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.sequence, prometheus.GaugeValue, float64(c.source.SequenceNumber()))
	ch <- prometheus.MustNewConstMetric(c.history, prometheus.GaugeValue, float64(c.source.HistoryLen()))
}
