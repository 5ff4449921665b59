package instcache

import (
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/xerrors"
)

// 指标名称
const (
	MetricLookupsTotal  = "instcache_lookups_total"
	MetricFetchesTotal  = "instcache_fetches_total"
	MetricFetchDuration = "instcache_fetch_duration_seconds"
	MetricEventsTotal   = "instcache_events_total"
	MetricCleanupsTotal = "instcache_cleanups_total"
)

const (
	tierAll   = "all"
	tierVRule = "vrule"
)

type cacheMetrics struct {
	lookups       metrics.Counter
	fetches       metrics.Counter
	fetchDuration metrics.Histogram
	events        metrics.Counter
	cleanups      metrics.Counter
}

func newCacheMetrics(meter metrics.Meter) (*cacheMetrics, error) {
	var (
		m   cacheMetrics
		err error
	)
	if m.lookups, err = meter.Counter(MetricLookupsTotal, "Instance cache lookups"); err != nil {
		return nil, xerrors.Wrap(err, MetricLookupsTotal)
	}
	if m.fetches, err = meter.Counter(MetricFetchesTotal, "Registry fetches made to populate the instance cache"); err != nil {
		return nil, xerrors.Wrap(err, MetricFetchesTotal)
	}
	if m.fetchDuration, err = meter.Histogram(MetricFetchDuration, "Registry fetch and grouping latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5})); err != nil {
		return nil, xerrors.Wrap(err, MetricFetchDuration)
	}
	if m.events, err = meter.Counter(MetricEventsTotal, "Instance change events received"); err != nil {
		return nil, xerrors.Wrap(err, MetricEventsTotal)
	}
	if m.cleanups, err = meter.Counter(MetricCleanupsTotal, "Full instance cache invalidations"); err != nil {
		return nil, xerrors.Wrap(err, MetricCleanupsTotal)
	}
	return &m, nil
}
