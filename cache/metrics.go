package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var hits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cache_hits_total",
	Help: "Number of cache hits, by tier",
}, []string{"tier"})

var misses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_misses_total",
	Help: "Number of cache misses",
})

var decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_decode_failures_total",
	Help: "Number of corrupted cache entries treated as misses",
})

var counterHeals = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_counter_heals_total",
	Help: "Number of delete-and-retry recoveries on counter keys",
})

var localClears = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_local_clears_total",
	Help: "Number of times the process-local tier overflowed and cleared",
})

var pagedBypasses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_paged_bypasses_total",
	Help: "Number of paginated reads past the cached prefix",
})
