package registry

import (
	"context"

	"github.com/maypok86/otter/v2"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/xerrors"
)

// MetaCache 缓存 GetMicroservice 结果的 Client 装饰器
//
// 微服务元数据获取后不可变，按容量和写入 TTL 淘汰；未找到的结果不缓存。
type MetaCache struct {
	next    Client
	cache   *otter.Cache[string, *Microservice]
	logger  clog.Logger
	lookups metrics.Counter
}

// NewMetaCache 创建元数据缓存
func NewMetaCache(next Client, cfg *MetaCacheConfig, opts ...Option) (*MetaCache, error) {
	if next == nil {
		return nil, xerrors.New("registry client is required")
	}
	if cfg == nil {
		cfg = &MetaCacheConfig{}
	}
	cfg.setDefaults()

	cache, err := otter.New(&otter.Options[string, *Microservice]{
		MaximumSize:      cfg.MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Microservice](cfg.TTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build otter cache")
	}

	o := applyOptions(opts)
	lookups, err := o.meter.Counter("registry_meta_cache_lookups_total", "Microservice metadata cache lookups")
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to create meta cache counter")
	}

	return &MetaCache{
		next:    next,
		cache:   cache,
		logger:  o.logger.With(clog.String("component", "meta_cache")),
		lookups: lookups,
	}, nil
}

// FindServiceInstances 直接透传，实例列表不在此缓存
func (m *MetaCache) FindServiceInstances(ctx context.Context, appID, serviceName, versionRule string) ([]*Instance, error) {
	return m.next.FindServiceInstances(ctx, appID, serviceName, versionRule)
}

// GetMicroservice 优先读取缓存
func (m *MetaCache) GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error) {
	if ms, ok := m.cache.GetIfPresent(serviceID); ok {
		m.lookups.Inc(ctx, metrics.L("result", "hit"))
		return ms, nil
	}
	m.lookups.Inc(ctx, metrics.L("result", "miss"))

	ms, err := m.next.GetMicroservice(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(serviceID, ms)
	return ms, nil
}

// Invalidate 移除某个微服务的缓存元数据
func (m *MetaCache) Invalidate(serviceID string) {
	if _, ok := m.cache.Invalidate(serviceID); ok {
		m.logger.Debug("microservice metadata invalidated", clog.String("service_id", serviceID))
	}
}
