// Package metrics provides Prometheus metrics collection for a vault
// instance. Grounded on infrastructure/metrics.Metrics from the
// example pack's service-layer repo (CounterVec/HistogramVec/Gauge
// fields, a constructor taking a prometheus.Registerer so the
// embedding application controls where collectors land).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector a Vault emits. Purely observational:
// no operation's correctness depends on it.
type Metrics struct {
	WriteBatchSize      prometheus.Histogram
	BackendCommitsTotal *prometheus.CounterVec
	CryptoKeysGenerated prometheus.Counter
	CryptoUnavailable   prometheus.Counter
	CacheInitialized    prometheus.Gauge
}

// New creates and registers a Metrics instance against reg. Passing
// prometheus.NewRegistry() isolates the vault's collectors from the
// default global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WriteBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ksafe_write_batch_size",
			Help:    "Number of write operations committed per coalesced batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		}),
		BackendCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ksafe_backend_commits_total",
			Help: "Total coalesced write-batch commits to the backend, partitioned by result.",
		}, []string{"result"}),
		CryptoKeysGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksafe_crypto_keys_generated_total",
			Help: "Total per-alias encryption keys generated.",
		}),
		CryptoUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksafe_crypto_unavailable_total",
			Help: "Total crypto operations that failed because the secure key store was unavailable.",
		}),
		CacheInitialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksafe_cache_initialized",
			Help: "1 once the hot cache has applied its first full backend snapshot, 0 before.",
		}),
	}

	reg.MustRegister(
		m.WriteBatchSize,
		m.BackendCommitsTotal,
		m.CryptoKeysGenerated,
		m.CryptoUnavailable,
		m.CacheInitialized,
	)
	return m
}

// KeyGenerated implements cryptoengine.Recorder.
func (m *Metrics) KeyGenerated() {
	if m == nil {
		return
	}
	m.CryptoKeysGenerated.Inc()
}

// Unavailable implements cryptoengine.Recorder.
func (m *Metrics) Unavailable() {
	if m == nil {
		return
	}
	m.CryptoUnavailable.Inc()
}

// ObserveBatch records one coalesced batch's size and commit result.
func (m *Metrics) ObserveBatch(size int, ok bool) {
	if m == nil {
		return
	}
	m.WriteBatchSize.Observe(float64(size))
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.BackendCommitsTotal.WithLabelValues(result).Inc()
}

// SetCacheInitialized reflects the hot cache's initialized flag.
func (m *Metrics) SetCacheInitialized(initialized bool) {
	if m == nil {
		return
	}
	if initialized {
		m.CacheInitialized.Set(1)
	} else {
		m.CacheInitialized.Set(0)
	}
}
