package rockettag

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rockettag"

type metrics struct {
	flushes          prometheus.Counter
	flushErrors      prometheus.Counter
	aliasMutations   *prometheus.CounterVec
	aliasCacheHits   prometheus.Counter
	aliasCacheMisses prometheus.Counter
	queryDuration    *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Number of successful tag context flushes.",
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flush_errors_total",
			Help:      "Number of failed, rolled back tag context flushes.",
		}),
		aliasMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alias_mutations_total",
			Help:      "Number of alias graph mutations by operation.",
		}, []string{"op"}),
		aliasCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alias_cache_hits_total",
			Help:      "Number of alias lookups served from the cache.",
		}),
		aliasCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "alias_cache_misses_total",
			Help:      "Number of alias lookups read from the storage.",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "query_duration_seconds",
			Help:      "Duration of the tag queries by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	if reg == nil {
		return m, nil
	}

	if err := register(reg, &m.flushes); err != nil {
		return nil, err
	}

	if err := register(reg, &m.flushErrors); err != nil {
		return nil, err
	}

	if err := register(reg, &m.aliasMutations); err != nil {
		return nil, err
	}

	if err := register(reg, &m.aliasCacheHits); err != nil {
		return nil, err
	}

	if err := register(reg, &m.aliasCacheMisses); err != nil {
		return nil, err
	}

	return m, register(reg, &m.queryDuration)
}

// register registers a collector, or, when an identical one was already registered, e.g. by another engine
// sharing the registry, replaces it with the existing one.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			*c = existing
			return nil
		}
	}

	return err
}
