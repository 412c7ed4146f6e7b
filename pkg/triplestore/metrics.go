package triplestore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of prometheus series a TripleStore reports. Callers
// construct one with NewMetrics and register it against their own
// registry; a nil *Metrics (the TripleStore default) records nothing.
type Metrics struct {
	WritesTotal         *prometheus.CounterVec
	ExpiresTotal        *prometheus.CounterVec
	DeletesTotal        *prometheus.CounterVec
	TransactionsTotal   *prometheus.CounterVec
	ScanDuration        *prometheus.HistogramVec
	TransactionDuration prometheus.Histogram
	SubscriptionsActive prometheus.Gauge
}

// NewMetrics builds a fresh, unregistered Metrics. namespace prefixes every
// series name (e.g. "triplestore").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total number of triples inserted or overwritten.",
		}, []string{"store"}),
		ExpiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expires_total",
			Help:      "Total number of triples soft-expired.",
		}, []string{"store"}),
		DeletesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Total number of triples hard-deleted.",
		}, []string{"store"}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of transactions, partitioned by outcome.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Latency of FindBy* scans, by index family.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"index"}),
		TransactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Latency of a Transact call from open to commit or cancel.",
			Buckets:   prometheus.DefBuckets,
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Number of currently active Subscribe calls.",
		}),
	}
}

// Register adds every series in m to reg. Safe to call once per Metrics.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.WritesTotal,
		m.ExpiresTotal,
		m.DeletesTotal,
		m.TransactionsTotal,
		m.ScanDuration,
		m.TransactionDuration,
		m.SubscriptionsActive,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// scanTimer is a helper for timing one backend scan issued by a FindBy*
// read (see TripleStore.scan), mirroring the
// start-time-capture-then-Observe shape used for every latency series here.
type scanTimer struct {
	start time.Time
}

func newScanTimer() scanTimer { return scanTimer{start: time.Now()} }

func (t scanTimer) observe(h *prometheus.HistogramVec, index string) {
	if h == nil {
		return
	}
	h.WithLabelValues(index).Observe(time.Since(t.start).Seconds())
}

func (m *Metrics) incWrites(store string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(store).Inc()
}

func (m *Metrics) incExpires(store string) {
	if m == nil {
		return
	}
	m.ExpiresTotal.WithLabelValues(store).Inc()
}

func (m *Metrics) incDeletes(store string) {
	if m == nil {
		return
	}
	m.DeletesTotal.WithLabelValues(store).Inc()
}

func (m *Metrics) incTransactions(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeScan(index string, t scanTimer) {
	if m == nil {
		return
	}
	t.observe(m.ScanDuration, index)
}

func (m *Metrics) observeTransaction(start time.Time) {
	if m == nil {
		return
	}
	m.TransactionDuration.Observe(time.Since(start).Seconds())
}
