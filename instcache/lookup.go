package instcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/trace"
	"github.com/ceyewan/discovery/xerrors"
)

// GetOrCreateAll 返回服务所有版本的实例，未缓存时从注册中心拉取。
//
// found 为 false 且 err 为 nil 表示注册中心中没有该服务，此结果不缓存，下次查询会重新拉取。
func (m *Manager) GetOrCreateAll(ctx context.Context, appID, serviceName string) (VersionMap, bool, error) {
	key := Key(appID, serviceName)
	return m.getOrPopulate(ctx, tierAll, key, appID, serviceName, m.allRule,
		func(t *tiers) (*entry, bool) { return t.loadAll(key) },
		func(t *tiers, e *entry) { t.all.Store(key, e) },
	)
}

// GetOrCreateAllVersion 返回服务某个版本的实例。
// 该版本没有分组时 found 为 false；version 为空时返回未声明版本的分组。
func (m *Manager) GetOrCreateAllVersion(ctx context.Context, appID, serviceName, version string) (InstanceMap, bool, error) {
	vm, found, err := m.GetOrCreateAll(ctx, appID, serviceName)
	if err != nil || !found {
		return nil, false, err
	}
	bucket, ok := vm[m.grouper.normalize(version)]
	return bucket, ok, nil
}

// GetOrCreateVRule 返回满足版本规则的实例，每个规则独立拉取和缓存。
func (m *Manager) GetOrCreateVRule(ctx context.Context, appID, serviceName, versionRule string) (VersionMap, bool, error) {
	rule, err := registry.ParseRule(versionRule)
	if err != nil {
		return nil, false, err
	}

	key := Key(appID, serviceName)
	return m.getOrPopulate(ctx, tierVRule, key, appID, serviceName, rule,
		func(t *tiers) (*entry, bool) { return t.loadVRule(key, rule.String()) },
		func(t *tiers, e *entry) {
			rules, _ := t.vrule.LoadOrStore(key, &sync.Map{})
			rules.(*sync.Map).Store(rule.String(), e)
		},
	)
}

// populated 一次填充的结果，由同一次拉取的所有等待者共享
type populated struct {
	vm     VersionMap
	found  bool
	result string
}

// getOrPopulate 懒加载：命中时无锁返回；未命中时按 (代, 层, 缓存键, 规则) 合并拉取。
// 拉取不持有任何锁，只有写入时持有该缓存键的提交锁。
// 调用方的 ctx 结束时立即返回，拉取本身继续进行，供其他等待者使用。
func (m *Manager) getOrPopulate(
	ctx context.Context,
	tier, key, appID, serviceName string,
	rule *registry.Rule,
	load func(*tiers) (*entry, bool),
	store func(*tiers, *entry),
) (VersionMap, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	t := m.tiers.Load()
	if e, ok := load(t); ok {
		m.metrics.lookups.Inc(ctx, metrics.L("tier", tier), metrics.L("result", "hit"))
		return e.load(), true, nil
	}

	flight := strconv.FormatUint(t.gen, 10) + "|" + tier + "|" + key + "|" + rule.String()
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.flights.DoChan(flight, func() (any, error) {
		return m.populate(fetchCtx, t, tier, key, appID, serviceName, rule, load, store)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.metrics.lookups.Inc(ctx, metrics.L("tier", tier), metrics.L("result", "error"))
			return nil, false, res.Err
		}
		p := res.Val.(populated)
		m.metrics.lookups.Inc(ctx, metrics.L("tier", tier), metrics.L("result", p.result))
		return p.vm, p.found, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// populate 拉取并写入一个缓存条目，拉取期间到达的变更在写入前重放
func (m *Manager) populate(
	ctx context.Context,
	t *tiers,
	tier, key, appID, serviceName string,
	rule *registry.Rule,
	load func(*tiers) (*entry, bool),
	store func(*tiers, *entry),
) (populated, error) {
	if e, ok := load(t); ok {
		return populated{vm: e.load(), found: true, result: "hit"}, nil
	}

	ks := t.keyState(key)
	seq := ks.begin()
	vm, found, err := m.fetch(ctx, tier, key, appID, serviceName, rule)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	missed := ks.end(seq)
	switch {
	case err != nil:
		return populated{}, err
	case !found:
		return populated{result: "not_found"}, nil
	}

	e := newEntry(tier, rule, vm)
	for _, c := range missed {
		m.apply(e, c)
	}
	store(t, e)

	vm = e.load()
	m.logger.DebugContext(ctx, "cache entry populated",
		clog.String("tier", tier),
		clog.String("key", key),
		clog.String("rule", rule.String()),
		clog.Int("versions", len(vm)),
		clog.Int("instances", vm.Len()),
		clog.Int("replayed", len(missed)))
	return populated{vm: vm, found: true, result: "miss"}, nil
}

// fetch 从注册中心拉取并分组。未找到返回 found=false；分组失败返回 ErrResolution。
func (m *Manager) fetch(ctx context.Context, tier, key, appID, serviceName string, rule *registry.Rule) (_ VersionMap, found bool, err error) {
	ctx, span := m.tracer.Start(ctx, "instcache.populate", oteltrace.WithAttributes(
		attribute.String("instcache.tier", tier),
		attribute.String("instcache.key", key),
		attribute.String("instcache.rule", rule.String()),
	))
	start := time.Now()
	defer func() {
		m.metrics.fetchDuration.Record(ctx, time.Since(start).Seconds(), metrics.L("tier", tier))
		span.SetAttributes(attribute.Bool("instcache.found", found))
		trace.MarkSpanError(span, err)
		span.End()
	}()

	instances, err := m.client.FindServiceInstances(ctx, appID, serviceName, rule.String())
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			m.metrics.fetches.Inc(ctx, metrics.L("tier", tier), metrics.L("outcome", "not_found"))
			m.logger.DebugContext(ctx, "service not found in registry",
				clog.String("key", key), clog.String("rule", rule.String()))
			return nil, false, nil
		}
		m.metrics.fetches.Inc(ctx, metrics.L("tier", tier), metrics.L("outcome", "error"))
		m.logger.WarnContext(ctx, "failed to fetch instances",
			clog.String("key", key), clog.String("rule", rule.String()), clog.Error(err))
		return nil, false, xerrors.Wrapf(err, "fetch instances of %s", key)
	}

	vm, err := m.grouper.group(ctx, instances)
	if err != nil {
		m.metrics.fetches.Inc(ctx, metrics.L("tier", tier), metrics.L("outcome", "resolution_failed"))
		m.logger.WarnContext(ctx, "failed to group instances by version",
			clog.String("key", key), clog.Error(err))
		return nil, false, err
	}

	m.metrics.fetches.Inc(ctx, metrics.L("tier", tier), metrics.L("outcome", "ok"))
	return vm, true, nil
}

func (t *tiers) loadAll(key string) (*entry, bool) {
	e, ok := t.all.Load(key)
	if !ok {
		return nil, false
	}
	return e.(*entry), true
}

func (t *tiers) loadVRule(key, rule string) (*entry, bool) {
	rules, ok := t.vrule.Load(key)
	if !ok {
		return nil, false
	}
	e, ok := rules.(*sync.Map).Load(rule)
	if !ok {
		return nil, false
	}
	return e.(*entry), true
}
