package instcache

import (
	"context"
	"sync"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/notify"
	"github.com/ceyewan/discovery/registry"
)

// OnInstanceUpdate 把实例变更应用到已填充的缓存条目。
//
// 事件先转发到通知总线，然后在两层缓存中分别查找各自的条目并修改；
// 尚未填充的缓存键不受影响，也不会因此被创建；正在拉取的缓存键记下变更，
// 写入前重放到拉取结果上。未知动作被忽略。
func (m *Manager) OnInstanceUpdate(ctx context.Context, ev *registry.ChangeEvent) {
	if ev == nil || ev.Instance == nil {
		m.logger.WarnContext(ctx, "ignoring change event without instance")
		return
	}
	if m.closed.Load() {
		return
	}

	if m.bus != nil {
		m.bus.Notify(ctx, notify.NewEvent(notify.InstanceChanged, ev))
	}
	m.metrics.events.Inc(ctx, metrics.L("action", string(ev.Action)))

	switch ev.Action {
	case registry.ActionCreate, registry.ActionUpdate, registry.ActionDelete:
	default:
		m.logger.DebugContext(ctx, "ignoring unknown change action", clog.String("action", string(ev.Action)))
		return
	}

	key := Key(ev.Key.AppID, ev.Key.ServiceName)
	c := pendingChange{action: ev.Action, version: m.grouper.normalize(ev.Key.Version), inst: ev.Instance}

	t := m.tiers.Load()
	ks := t.keyState(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.record(c)

	applied := 0
	if e, ok := t.loadAll(key); ok && m.apply(e, c) {
		applied++
	}
	if rules, ok := t.vrule.Load(key); ok {
		rules.(*sync.Map).Range(func(_, v any) bool {
			if m.apply(v.(*entry), c) {
				applied++
			}
			return true
		})
	}

	m.logger.DebugContext(ctx, "change event applied",
		clog.String("action", string(ev.Action)),
		clog.String("key", key),
		clog.String("version", c.version),
		clog.String("instance_id", ev.Instance.InstanceID),
		clog.Int("entries", applied))
}

// apply 把变更应用到单个条目，返回条目是否发生变化。调用方必须持有缓存键的提交锁。
//
// 版本规则层只接收满足规则的版本；"latest" 接收更高版本后，被取代的低版本分组一并移除。
func (m *Manager) apply(e *entry, c pendingChange) bool {
	cur := e.load()
	switch c.action {
	case registry.ActionCreate, registry.ActionUpdate:
		if e.tier == tierVRule {
			present := cur.Versions()
			if !e.rule.Admits(c.version, present) {
				return false
			}
			cur = cur.withoutVersions(e.rule.Superseded(c.version, present)...)
		}
		e.store(cur.withInstance(c.version, c.inst))
		return true
	case registry.ActionDelete:
		next, changed := cur.withoutInstance(c.version, c.inst.InstanceID)
		if changed {
			e.store(next)
		}
		return changed
	default:
		return false
	}
}
