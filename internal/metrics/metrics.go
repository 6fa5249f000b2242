// Package metrics exposes prometheus instrumentation for the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's prometheus collectors. A nil *Metrics is a
// valid no-op receiver so components can run uninstrumented.
type Metrics struct {
	executions  *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	gasUsed     prometheus.Counter
	secretOps   *prometheus.CounterVec
}

// New registers the runtime collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "executions_total",
			Help:      "Script executions by envelope status.",
		}, []string{"status"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "precompile_cache_hits_total",
			Help:      "Precompile cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "precompile_cache_misses_total",
			Help:      "Precompile cache misses.",
		}),
		gasUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "gas_used_total",
			Help:      "Total gas charged across executions.",
		}),
		secretOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enclave",
			Name:      "secret_operations_total",
			Help:      "Secret manager operations by kind.",
		}, []string{"op"}),
	}
}

// ObserveExecution records one completed execution.
func (m *Metrics) ObserveExecution(status string, gasUsed uint64) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.gasUsed.Add(float64(gasUsed))
}

// CacheHit records a precompile cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a precompile cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// SecretOp records one secret manager operation.
func (m *Metrics) SecretOp(op string) {
	if m == nil {
		return
	}
	m.secretOps.WithLabelValues(op).Inc()
}
