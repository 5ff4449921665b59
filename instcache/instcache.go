// Package instcache 提供客户端的版本化微服务实例缓存。
//
// 缓存分两层，都以 Key(appID, serviceName) 为键：
//   - 全量层：某个服务所有版本的实例，按版本分组
//   - 版本规则层：按调用方给出的版本规则（如 "1.0+"）拉取的实例，每个规则独立缓存
//
// 两层都在首次访问时从注册中心拉取（同一缓存键同时最多一次拉取），
// 之后只由实例变更事件增量更新，不再访问注册中心；注册中心返回未找到时不缓存。
// 拉取期间不持有任何跨键的锁，一个慢的缓存键不会阻塞其他缓存键的查询与更新。
//
// 基本使用：
//
//	mgr, err := instcache.New(client, &instcache.Config{},
//		instcache.WithLogger(logger),
//		instcache.WithBus(bus),
//	)
//	if err != nil {
//		return err
//	}
//	defer mgr.Close()
//
//	go mgr.Sync(ctx, watcher)
//
//	byVersion, found, err := mgr.GetOrCreateAll(ctx, "default", "orders")
//	v1, found, err := mgr.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
//	matched, found, err := mgr.GetOrCreateVRule(ctx, "default", "orders", "1.0+")
package instcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/notify"
	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/trace"
	"github.com/ceyewan/discovery/xerrors"
)

// Manager 版本化实例缓存，并发安全
//
// Manager 同时实现 registry.Handler，可直接交给 registry.Watcher。
type Manager struct {
	client  registry.Client
	cfg     *Config
	allRule *registry.Rule
	grouper *grouper
	bus     notify.Publisher
	logger  clog.Logger
	metrics *cacheMetrics
	tracer  oteltrace.Tracer

	// flights 合并同一 (代, 层, 缓存键, 规则) 的并发拉取
	flights singleflight.Group
	gen     atomic.Uint64
	tiers   atomic.Pointer[tiers]
	closed  atomic.Bool
}

// tiers 两层缓存及其键状态表，CleanUp 时整体替换
type tiers struct {
	gen    uint64
	all    sync.Map // cacheKey -> *entry
	vrule  sync.Map // cacheKey -> *sync.Map(rule -> *entry)
	shards []keyShard
}

func newTiers(gen uint64, shards int) *tiers {
	t := &tiers{gen: gen, shards: make([]keyShard, shards)}
	for i := range t.shards {
		t.shards[i].keys = make(map[string]*keyState)
	}
	return t
}

// keyShard 键状态表的一个分片，锁只在查表时持有
type keyShard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// keyState 同一缓存键的提交点。
// 填充写入与增量更新都在 mu 下进行；拉取期间到达的变更记入 pending，
// 写入前重放到拉取结果上。
type keyState struct {
	mu       sync.Mutex
	fetching int
	offset   int
	pending  []pendingChange
}

// pendingChange 一次已规范化版本的实例变更
type pendingChange struct {
	action  registry.Action
	version string
	inst    *registry.Instance
}

// keyState 返回缓存键的状态，不存在时创建
func (t *tiers) keyState(key string) *keyState {
	s := &t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
	}
	return ks
}

// begin 登记一次进行中的拉取，返回交给 end 的序号
func (ks *keyState) begin() int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.fetching++
	return ks.offset + len(ks.pending)
}

// end 注销拉取，返回 begin 之后记下的变更。调用方必须持有 ks.mu。
func (ks *keyState) end(seq int) []pendingChange {
	missed := ks.pending[seq-ks.offset:]
	ks.fetching--
	if ks.fetching == 0 {
		ks.offset += len(ks.pending)
		ks.pending = nil
	}
	return missed
}

// record 有拉取进行时记下变更。调用方必须持有 ks.mu。
func (ks *keyState) record(c pendingChange) {
	if ks.fetching > 0 {
		ks.pending = append(ks.pending, c)
	}
}

// entry 一个已填充的缓存条目，snapshot 每次修改都整体替换
type entry struct {
	tier     string
	rule     *registry.Rule
	snapshot atomic.Pointer[VersionMap]
}

func newEntry(tier string, rule *registry.Rule, vm VersionMap) *entry {
	e := &entry{tier: tier, rule: rule}
	e.snapshot.Store(&vm)
	return e
}

func (e *entry) load() VersionMap {
	return *e.snapshot.Load()
}

func (e *entry) store(vm VersionMap) {
	e.snapshot.Store(&vm)
}

// New 创建实例缓存
func New(client registry.Client, cfg *Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, xerrors.New("registry client is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Wrap(err, "invalid instcache config")
	}

	o := &options{logger: clog.Discard(), meter: metrics.Discard(), tracer: trace.Tracer("instcache")}
	for _, opt := range opts {
		opt(o)
	}

	cm, err := newCacheMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to create instcache metrics")
	}

	m := &Manager{
		client:  client,
		cfg:     cfg,
		allRule: registry.MustParseRule(cfg.AllVersionRule),
		grouper: &grouper{client: client, defaultVersion: cfg.DefaultVersion},
		logger:  o.logger,
		metrics: cm,
		tracer:  o.tracer,
		bus:     o.publisher,
	}
	m.tiers.Store(newTiers(0, cfg.LockStripes))

	m.logger.Info("instance cache created",
		clog.String("all_version_rule", cfg.AllVersionRule),
		clog.Int("lock_stripes", cfg.LockStripes))
	return m, nil
}

// reset 以新的一代替换两层缓存
func (m *Manager) reset() {
	m.tiers.Store(newTiers(m.gen.Add(1), m.cfg.LockStripes))
}

// CleanUp 清空两层缓存，之后的查询都会重新拉取。
// 两层整体替换，不会被观察到清空了一半的状态；进行中的填充写入被替换掉的旧一代，
// 不会出现在新的缓存中。
func (m *Manager) CleanUp() {
	m.reset()

	m.metrics.cleanups.Inc(context.Background())
	m.logger.Info("instance cache cleaned up")
}

// Close 关闭缓存并释放所有条目。之后的查询返回 ErrClosed，事件被忽略。
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.reset()
	m.logger.Info("instance cache closed")
	return nil
}

// HandleChange 实现 registry.Handler
func (m *Manager) HandleChange(ctx context.Context, ev *registry.ChangeEvent) {
	m.OnInstanceUpdate(ctx, ev)
}

// HandleReset 实现 registry.Handler：监听历史丢失时丢弃全部缓存
func (m *Manager) HandleReset(ctx context.Context) {
	m.logger.WarnContext(ctx, "registry watch reset, dropping cached instances")
	m.CleanUp()
}

// Sync 用 watcher 驱动增量更新，阻塞直到 ctx 结束
func (m *Manager) Sync(ctx context.Context, watcher registry.Watcher) error {
	if watcher == nil {
		return xerrors.New("watcher is required")
	}
	return watcher.Watch(ctx, m)
}
