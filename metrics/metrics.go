package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "operations_total",
			Help:      "Object operations by type and outcome.",
		},
		[]string{"op", "outcome"},
	)

	HotCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "hot_cache_hits_total",
			Help:      "Reads served from the hot cache.",
		},
	)

	HotCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "hot_cache_misses_total",
			Help:      "Reads that fell through to a partition.",
		},
	)

	HotCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "hot_cache_evictions_total",
			Help:      "Ids evicted from the hot cache.",
		},
	)

	Migrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "migrations_total",
			Help:      "Node set migrations started.",
		},
	)

	ObjectsMigrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "objects_migrated_total",
			Help:      "Objects copied between node sets.",
		},
	)
)

func init() {
	Registry.MustRegister(
		Operations,
		HotCacheHits,
		HotCacheMisses,
		HotCacheEvictions,
		Migrations,
		ObjectsMigrated,
	)
}
