package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// UserCounter reports how many distinct users a result cache currently
// tracks. Implemented by cache.FlagCache.
type UserCounter interface {
	Len() int
}

type cacheCollector struct {
	cache UserCounter

	users *prometheus.Desc
}

// RegisterCacheMetrics registers a gauge that reports the result cache's
// live distinct-user count on every scrape.
func RegisterCacheMetrics(reg prometheus.Registerer, cache UserCounter) {
	reg.MustRegister(&cacheCollector{
		cache: cache,
		users: prometheus.NewDesc(
			"glimpse_result_cache_users",
			"Number of distinct users tracked by the in-process result cache.",
			nil, nil,
		),
	})
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.users
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(c.cache.Len()))
}
