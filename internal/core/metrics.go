package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the module's prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests can pass it around freely.
type Metrics struct {
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheStale   prometheus.Counter
	LockAcquire  *prometheus.CounterVec // outcome: acquired|contended|error
	InitRuns     *prometheus.CounterVec // outcome: loaded|already_populated|waited|failed|timeout
	Mutations    *prometheus.CounterVec // operation label
	LoadDuration prometheus.Histogram
}

// NewMetrics constructs and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cytocore_cache_hits_total",
			Help: "Computation cache hits served without recomputation.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cytocore_cache_misses_total",
			Help: "Computation cache misses.",
		}),
		CacheStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cytocore_cache_stale_total",
			Help: "Cache entries dropped because their generation no longer matched the store.",
		}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cytocore_init_lock_acquisitions_total",
			Help: "Init lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		InitRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cytocore_init_runs_total",
			Help: "Initialization passes by outcome.",
		}, []string{"outcome"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cytocore_store_mutations_total",
			Help: "Committed store mutations by operation.",
		}, []string{"operation"}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cytocore_csv_load_duration_seconds",
			Help:    "Duration of bootstrap CSV loads.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheStale, m.LockAcquire, m.InitRuns, m.Mutations, m.LoadDuration)
	}
	return m
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) cacheStale() {
	if m != nil {
		m.CacheStale.Inc()
	}
}

func (m *Metrics) lockOutcome(outcome string) {
	if m != nil {
		m.LockAcquire.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) initOutcome(outcome string) {
	if m != nil {
		m.InitRuns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) mutation(op string) {
	if m != nil {
		m.Mutations.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observeLoad(seconds float64) {
	if m != nil {
		m.LoadDuration.Observe(seconds)
	}
}
