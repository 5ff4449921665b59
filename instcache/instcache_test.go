package instcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ceyewan/discovery/notify"
	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/testkit"
	"github.com/ceyewan/discovery/xerrors"
)

func newTestManager(t *testing.T, reg *fakeRegistry, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(testkit.NewLogger())}, opts...)
	m, err := New(reg, &Config{LockStripes: 8}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func change(action registry.Action, app, name, version string, inst *registry.Instance) *registry.ChangeEvent {
	return &registry.ChangeEvent{
		Action:   action,
		Key:      registry.ServiceKey{AppID: app, ServiceName: name, Version: version},
		Instance: inst,
	}
}

func instanceIDs(im InstanceMap) []string {
	ids := make([]string, 0, len(im))
	for id := range im {
		ids = append(ids, id)
	}
	return ids
}

func TestKey(t *testing.T) {
	tests := []struct {
		app, name, want string
	}{
		{"default", "orders", "default/orders"},
		{"payments", "orders", "payments/orders"},
		{"ignored", "payments:orders", "payments/orders"},
		{"", "orders", "/orders"},
		{"x", "a:b:c", "a/b/c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Key(tt.app, tt.name))
		assert.Equal(t, Key(tt.app, tt.name), Key(tt.app, tt.name))
	}
	assert.NotEqual(t, Key("a", "b"), Key("b", "a"))
	// 限定名与等价的 (app, name) 得到同一个键
	assert.Equal(t, Key("payments", "orders"), Key("other", "payments:orders"))
	// 输入中含 "/" 时键会重合
	assert.Equal(t, Key("a/b", "c"), Key("a", "b/c"))
}

func TestGrouper(t *testing.T) {
	reg := newFakeRegistry()
	v1 := reg.addService("svc-1", "default", "orders", "1.0.0", "i-1", "i-2")
	v2 := reg.addService("svc-2", "default", "orders", "2.0.0", "i-3")
	unversioned := reg.addService("svc-3", "default", "orders", "", "i-4")

	g := &grouper{client: reg, defaultVersion: DefaultVersion}
	all := append(append(append([]*registry.Instance{}, v1...), v2...), unversioned...)

	vm, err := g.group(context.Background(), all)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0.0", "2.0.0", DefaultVersion}, vm.Versions())
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, instanceIDs(vm["1.0.0"]))
	assert.ElementsMatch(t, []string{"i-3"}, instanceIDs(vm["2.0.0"]))
	assert.ElementsMatch(t, []string{"i-4"}, instanceIDs(vm[DefaultVersion]))

	// 每个实例恰好出现在一个分组中
	seen := make(map[string]int)
	for _, bucket := range vm {
		for id := range bucket {
			seen[id]++
		}
	}
	assert.Len(t, seen, len(all))
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	t.Run("unresolvable service aborts", func(t *testing.T) {
		orphan := &registry.Instance{InstanceID: "i-9", ServiceID: "svc-gone"}
		vm, err := g.group(context.Background(), append(all, orphan))
		assert.Nil(t, vm)
		assert.True(t, xerrors.Is(err, ErrResolution))
		assert.True(t, xerrors.Is(err, xerrors.ErrInternal))
		assert.False(t, xerrors.Is(err, xerrors.ErrNotFound))
		assert.False(t, xerrors.Is(err, registry.ErrMicroserviceNotFound))
		assert.Contains(t, err.Error(), "svc-gone")
	})

	t.Run("empty input", func(t *testing.T) {
		vm, err := g.group(context.Background(), nil)
		require.NoError(t, err)
		assert.NotNil(t, vm)
		assert.Zero(t, vm.Len())
	})
}

func TestGetOrCreateAll_SingleFetchUnderConcurrency(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.gate = make(chan struct{})
	m := newTestManager(t, reg, WithMeter(testkit.NewMeter(t)))

	const callers = 32
	var wg sync.WaitGroup
	results := make([]VersionMap, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vm, found, err := m.GetOrCreateAll(context.Background(), "default", "orders")
			assert.NoError(t, err)
			assert.True(t, found)
			results[i] = vm
		}(i)
	}

	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(reg.gate)
	wg.Wait()

	assert.EqualValues(t, 1, reg.findCalls.Load())
	for _, vm := range results {
		assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
	}
}

func TestGetOrCreateAllVersion_Narrowing(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1", "i-2")
	m := newTestManager(t, reg)
	ctx := context.Background()

	im, found, err := m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, instanceIDs(im))

	im, found, err = m.GetOrCreateAllVersion(ctx, "default", "orders", "2.0.0")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, im)

	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestGetOrCreateAll_QualifiedNameSharesEntry(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "payments", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, found, err := m.GetOrCreateAll(ctx, "payments", "orders")
	require.NoError(t, err)
	require.True(t, found)
	_, found, err = m.GetOrCreateAll(ctx, "ignored", "payments:orders")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestGetOrCreateAll_NotFoundIsNotCached(t *testing.T) {
	reg := newFakeRegistry()
	m := newTestManager(t, reg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, vm)
	}
	assert.EqualValues(t, 3, reg.findCalls.Load())

	// 服务上线后下一次查询即可拉取到
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, vm.Len())
}

func TestGetOrCreateAll_PopulatedEmpty(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0")
	m := newTestManager(t, reg)

	vm, found, err := m.GetOrCreateAll(context.Background(), "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Zero(t, vm.Len())

	_, _, err = m.GetOrCreateAll(context.Background(), "default", "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestGetOrCreateAll_ResolutionFailureCommitsNothing(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addOrphan("svc-gone", &registry.Instance{InstanceID: "i-9", ServiceID: "svc-gone"})
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	assert.False(t, found)
	assert.True(t, xerrors.Is(err, ErrResolution))
	_, ok := m.tiers.Load().loadAll(Key("default", "orders"))
	assert.False(t, ok)

	// 元数据恢复后，下一次查询重新拉取并成功
	reg.addService("svc-gone", "default", "orders", "0.9.0")
	vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-9"}, instanceIDs(vm["0.9.0"]))
	assert.EqualValues(t, 2, reg.findCalls.Load())
}

func TestGetOrCreateAll_TransportErrorPropagates(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.findErr = xerrors.Wrap(registry.ErrUnavailable, "etcd down")
	m := newTestManager(t, reg)

	_, found, err := m.GetOrCreateAll(context.Background(), "default", "orders")
	assert.False(t, found)
	assert.True(t, xerrors.Is(err, registry.ErrUnavailable))

	reg.mu.Lock()
	reg.findErr = nil
	reg.mu.Unlock()
	_, found, err = m.GetOrCreateAll(context.Background(), "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGetOrCreateAll_PopulateSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg, WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	_, _, err = m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	_, _, err = m.GetOrCreateAll(ctx, "default", "missing")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2, "cache hits must not start a span")
	assert.Equal(t, "instcache.populate", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("instcache.key", "default/orders"))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("instcache.found", true))
	assert.Contains(t, spans[1].Attributes(), attribute.Bool("instcache.found", false))

	reg.mu.Lock()
	reg.findErr = xerrors.Wrap(registry.ErrUnavailable, "etcd down")
	reg.mu.Unlock()
	_, _, err = m.GetOrCreateAll(ctx, "default", "payments")
	require.Error(t, err)
	assert.Equal(t, codes.Error, recorder.Ended()[2].Status().Code)
}

func TestGetOrCreateVRule_IndependentEntries(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "orders", "2.0.0", "i-2")
	m := newTestManager(t, reg)
	ctx := context.Background()

	vm, found, err := m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"2.0.0"}, vm.Versions())

	vm, found, err = m.GetOrCreateVRule(ctx, "default", "orders", "1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"1.0.0"}, vm.Versions())

	_, _, err = m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.findCalls.Load())

	_, found, err = m.GetOrCreateVRule(ctx, "default", "orders", "5.0+")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = m.GetOrCreateVRule(ctx, "default", "orders", "")
	assert.True(t, xerrors.Is(err, registry.ErrInvalidRule))
}

func TestOnInstanceUpdate_CreateIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	inst := &registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0", inst))
	once, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0", inst))
	twice, _, _ := m.GetOrCreateAll(ctx, "default", "orders")

	assert.Equal(t, once, twice)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, instanceIDs(twice["1.0.0"]))
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestOnInstanceUpdate_UnpopulatedKeyIsUntouched(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()
	key := Key("default", "orders")

	inst := &registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "1.0.0", inst))
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-7", ServiceID: "svc-1"}))

	_, ok := m.tiers.Load().loadAll(key)
	assert.False(t, ok)
	_, ok = m.tiers.Load().vrule.Load(key)
	assert.False(t, ok)

	vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
}

func TestOnInstanceUpdate_UpdateRoundTrip(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "orders", "2.0.0", "i-2")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	updated := &registry.Instance{InstanceID: "i-1", ServiceID: "svc-1", HostName: "new-host", Status: "UP"}
	m.OnInstanceUpdate(ctx, change(registry.ActionUpdate, "default", "orders", "1.0.0", updated))

	im, found, err := m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, InstanceMap{"i-1": updated}, im)

	im, _, _ = m.GetOrCreateAllVersion(ctx, "default", "orders", "2.0.0")
	assert.ElementsMatch(t, []string{"i-2"}, instanceIDs(im))
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestOnInstanceUpdate_InstanceMovesBetweenVersions(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	moved := &registry.Instance{InstanceID: "i-1", ServiceID: "svc-2"}
	m.OnInstanceUpdate(ctx, change(registry.ActionUpdate, "default", "orders", "2.0.0", moved))

	vm, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	assert.Empty(t, vm["1.0.0"], "old bucket is kept but no longer holds the instance")
	assert.Contains(t, vm, "1.0.0")
	assert.Equal(t, InstanceMap{"i-1": moved}, vm["2.0.0"])
}

func TestOnInstanceUpdate_DeleteKeepsEmptyBucket(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	inst := &registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}
	// 版本不匹配的删除不生效
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "9.9.9", inst))
	im, found, _ := m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
	assert.True(t, found)
	assert.Len(t, im, 1)

	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "1.0.0", inst))
	im, found, _ = m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
	assert.True(t, found)
	assert.Empty(t, im)
}

func TestOnInstanceUpdate_EmptyVersionUsesDefaultBucket(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "",
		&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))

	im, found, err := m.GetOrCreateAllVersion(ctx, "default", "orders", "")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, instanceIDs(im))
}

func TestOnInstanceUpdate_TiersAreIndependent(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "orders", "2.0.0", "i-2")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	before, found, err := m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	require.NoError(t, err)
	require.True(t, found)

	// 删除只存在于全量层的实例，版本规则层不受影响
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}))

	all, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	assert.Empty(t, all["1.0.0"])
	after, _, _ := m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	assert.Equal(t, before, after)
	assert.ElementsMatch(t, []string{"i-2"}, instanceIDs(after["2.0.0"]))

	// 版本规则层只接纳满足规则的新实例
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.5.0",
		&registry.Instance{InstanceID: "i-3", ServiceID: "svc-3"}))
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "3.0.0",
		&registry.Instance{InstanceID: "i-4", ServiceID: "svc-4"}))

	all, _, _ = m.GetOrCreateAll(ctx, "default", "orders")
	assert.ElementsMatch(t, []string{"1.0.0", "2.0.0", "1.5.0", "3.0.0"}, all.Versions())
	after, _, _ = m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	assert.ElementsMatch(t, []string{"2.0.0", "3.0.0"}, after.Versions())

	// 删除同时作用于两层
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "2.0.0",
		&registry.Instance{InstanceID: "i-2", ServiceID: "svc-2"}))
	all, _, _ = m.GetOrCreateAll(ctx, "default", "orders")
	after, _, _ = m.GetOrCreateVRule(ctx, "default", "orders", "2.0+")
	assert.Empty(t, all["2.0.0"])
	assert.Empty(t, after["2.0.0"])

	assert.EqualValues(t, 2, reg.findCalls.Load())
}

func TestOnInstanceUpdate_LatestRuleAdmission(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "orders", "2.0.0", "i-2")
	m := newTestManager(t, reg)
	ctx := context.Background()

	vm, _, err := m.GetOrCreateVRule(ctx, "default", "orders", registry.RuleLatest)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.0.0"}, vm.Versions())

	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-3", ServiceID: "svc-1"}))
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "2.0.0",
		&registry.Instance{InstanceID: "i-4", ServiceID: "svc-2"}))

	vm, _, _ = m.GetOrCreateVRule(ctx, "default", "orders", registry.RuleLatest)
	assert.Equal(t, []string{"2.0.0"}, vm.Versions())
	assert.ElementsMatch(t, []string{"i-2", "i-4"}, instanceIDs(vm["2.0.0"]))

	// 更高版本上线后，被取代的分组从 latest 条目中移除；全量层不受影响
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "3.0.0",
		&registry.Instance{InstanceID: "i-5", ServiceID: "svc-3"}))
	vm, _, _ = m.GetOrCreateVRule(ctx, "default", "orders", registry.RuleLatest)
	assert.Equal(t, []string{"3.0.0"}, vm.Versions())
	assert.ElementsMatch(t, []string{"i-5"}, instanceIDs(vm["3.0.0"]))

	all, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1.0.0", "2.0.0", "3.0.0"}, all.Versions())
}

func TestOnInstanceUpdate_UnknownActionIgnored(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	before, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.OnInstanceUpdate(ctx, change("RENAME", "default", "orders", "1.0.0",
			&registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}))
		m.OnInstanceUpdate(ctx, nil)
		m.OnInstanceUpdate(ctx, &registry.ChangeEvent{Action: registry.ActionCreate})
	})

	after, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	assert.Equal(t, before, after)
}

func TestOnInstanceUpdate_SnapshotsAreImmutable(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	snapshot, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	bucket := snapshot["1.0.0"]

	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}))

	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(bucket))
	current, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	assert.ElementsMatch(t, []string{"i-2"}, instanceIDs(current["1.0.0"]))
}

func TestOnInstanceUpdate_PublishesBeforeMutation(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	bus := notify.NewBus(notify.WithLogger(testkit.NewLogger()))
	m := newTestManager(t, reg, WithBus(bus))
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	var seen []*registry.ChangeEvent
	var sizeAtDelivery int
	bus.Subscribe(notify.InstanceChanged, notify.SubscriberFunc(func(ctx context.Context, ev notify.Event) error {
		seen = append(seen, ev.Payload.(*registry.ChangeEvent))
		vm, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
		sizeAtDelivery = vm.Len()
		return nil
	}))
	bus.Subscribe(notify.InstanceChanged, notify.SubscriberFunc(func(context.Context, notify.Event) error {
		panic("isolated")
	}))

	ev := change(registry.ActionCreate, "default", "orders", "1.0.0", &registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"})
	m.OnInstanceUpdate(ctx, ev)

	require.Len(t, seen, 1)
	assert.Same(t, ev, seen[0])
	assert.Equal(t, 1, sizeAtDelivery)
	vm, _, _ := m.GetOrCreateAll(ctx, "default", "orders")
	assert.Equal(t, 2, vm.Len())
}

func TestOnInstanceUpdate_EventDuringPopulationIsApplied(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.gate = make(chan struct{})
	bus := notify.NewBus()
	m := newTestManager(t, reg, WithBus(bus))
	ctx := context.Background()

	notified := make(chan struct{})
	bus.Subscribe(notify.InstanceChanged, notify.SubscriberFunc(func(context.Context, notify.Event) error {
		close(notified)
		return nil
	}))

	populated := make(chan VersionMap)
	go func() {
		vm, _, err := m.GetOrCreateAll(ctx, "default", "orders")
		assert.NoError(t, err)
		populated <- vm
	}()
	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	applied := make(chan struct{})
	go func() {
		m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
			&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))
		close(applied)
	}()
	<-notified
	close(reg.gate)

	<-populated
	<-applied
	vm, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, instanceIDs(vm["1.0.0"]))
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestOnInstanceUpdate_DeleteDuringPopulationIsApplied(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1", "i-2")
	gate := reg.gateService("orders")
	m := newTestManager(t, reg)
	ctx := context.Background()

	populated := make(chan VersionMap, 1)
	go func() {
		vm, _, err := m.GetOrCreateVRule(ctx, "default", "orders", "1.0+")
		assert.NoError(t, err)
		populated <- vm
	}()
	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// 删除事件先于拉取结果到达，拉取结果仍包含该实例
	m.OnInstanceUpdate(ctx, change(registry.ActionDelete, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))
	close(gate)

	vm := <-populated
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
	vm, _, err := m.GetOrCreateVRule(ctx, "default", "orders", "1.0+")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestGetOrCreateAll_SlowFetchDoesNotBlockOtherKeys(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "payments", "1.0.0", "p-1")
	gate := reg.gateService("orders")
	// 单分片：所有缓存键共用一个键状态分片
	m, err := New(reg, &Config{LockStripes: 1}, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	slow := make(chan VersionMap, 1)
	go func() {
		vm, _, err := m.GetOrCreateAll(ctx, "default", "orders")
		assert.NoError(t, err)
		slow <- vm
	}()
	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cleaned := make(chan struct{})
	go func() {
		m.CleanUp()
		close(cleaned)
	}()
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("CleanUp blocked behind a pending fetch")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		vm, found, err := m.GetOrCreateAll(ctx, "default", "payments")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.ElementsMatch(t, []string{"p-1"}, instanceIDs(vm["1.0.0"]))
		m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "payments", "1.0.0",
			&registry.Instance{InstanceID: "p-2", ServiceID: "svc-2"}))
		m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
			&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lookup of another key blocked behind a pending fetch")
	}

	close(gate)
	vm := <-slow
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))

	// payments 在清空之后填充并收到了增量更新
	vm, _, err = m.GetOrCreateAll(ctx, "default", "payments")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, instanceIDs(vm["1.0.0"]))
}

func TestGetOrCreateAll_PopulationAcrossCleanUpIsDiscarded(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	gate := reg.gateService("orders")
	m := newTestManager(t, reg)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, found, err := m.GetOrCreateAll(ctx, "default", "orders")
		assert.NoError(t, err)
		assert.True(t, found)
	}()
	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	m.CleanUp()
	close(gate)
	<-done

	_, ok := m.tiers.Load().loadAll(Key("default", "orders"))
	assert.False(t, ok)
	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 2, reg.findCalls.Load())
}

func TestGetOrCreateAll_CallerCancelDoesNotAbortFetch(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	gate := reg.gateService("orders")
	m := newTestManager(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
		errs <- err
	}()
	require.Eventually(t, func() bool { return reg.findCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	waiter := make(chan VersionMap, 1)
	go func() {
		vm, _, err := m.GetOrCreateAll(context.Background(), "default", "orders")
		assert.NoError(t, err)
		waiter <- vm
	}()

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(gate)
	vm := <-waiter
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestKeyState_ReplayWindow(t *testing.T) {
	ks := &keyState{}
	inst := &registry.Instance{InstanceID: "i-1"}

	ks.record(pendingChange{action: registry.ActionCreate, inst: inst})
	assert.Empty(t, ks.pending)

	first := ks.begin()
	ks.record(pendingChange{action: registry.ActionCreate, version: "1", inst: inst})
	second := ks.begin()
	ks.record(pendingChange{action: registry.ActionDelete, version: "1", inst: inst})

	ks.mu.Lock()
	missed := ks.end(second)
	ks.mu.Unlock()
	require.Len(t, missed, 1)
	assert.Equal(t, registry.ActionDelete, missed[0].action)

	ks.mu.Lock()
	missed = ks.end(first)
	ks.mu.Unlock()
	assert.Len(t, missed, 2)
	assert.Empty(t, ks.pending)

	// 序号在清空后继续递增
	third := ks.begin()
	ks.record(pendingChange{action: registry.ActionUpdate, version: "1", inst: inst})
	ks.mu.Lock()
	missed = ks.end(third)
	ks.mu.Unlock()
	require.Len(t, missed, 1)
	assert.Equal(t, registry.ActionUpdate, missed[0].action)
}

func TestCleanUp_ForcesRefetch(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	_, _, err = m.GetOrCreateVRule(ctx, "default", "orders", "1.0+")
	require.NoError(t, err)
	require.EqualValues(t, 2, reg.findCalls.Load())

	// 清空前通过事件加入的实例不会在清空后残留
	m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
		&registry.Instance{InstanceID: "i-stale", ServiceID: "svc-1"}))
	m.CleanUp()

	vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
	_, _, err = m.GetOrCreateVRule(ctx, "default", "orders", "1.0+")
	require.NoError(t, err)
	assert.EqualValues(t, 4, reg.findCalls.Load())
}

func TestCleanUp_ConcurrentWithLookupsAndEvents(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	reg.addService("svc-2", "default", "payments", "1.0.0", "p-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
				assert.NoError(t, err)
				_, _, err = m.GetOrCreateVRule(ctx, "default", "payments", "1.0+")
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.OnInstanceUpdate(ctx, change(registry.ActionUpdate, "default", "orders", "1.0.0",
					&registry.Instance{InstanceID: "i-1", ServiceID: "svc-1"}))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.CleanUp()
			}
		}()
	}
	wg.Wait()

	vm, found, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)
	assert.True(t, found)
	assert.ElementsMatch(t, []string{"i-1"}, instanceIDs(vm["1.0.0"]))
}

func TestClose(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m, err := New(reg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err = m.GetOrCreateAll(ctx, "default", "orders")
	assert.True(t, xerrors.Is(err, ErrClosed))
	assert.True(t, xerrors.Is(err, xerrors.ErrUnavailable))
	_, _, err = m.GetOrCreateVRule(ctx, "default", "orders", "0+")
	assert.True(t, xerrors.Is(err, ErrClosed))
	_, _, err = m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
	assert.True(t, xerrors.Is(err, ErrClosed))

	assert.NotPanics(t, func() {
		m.OnInstanceUpdate(ctx, change(registry.ActionCreate, "default", "orders", "1.0.0",
			&registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}))
	})
	assert.EqualValues(t, 1, reg.findCalls.Load())
}

func TestSync(t *testing.T) {
	reg := newFakeRegistry()
	reg.addService("svc-1", "default", "orders", "1.0.0", "i-1")
	m := newTestManager(t, reg)
	ctx := context.Background()

	_, _, err := m.GetOrCreateAll(ctx, "default", "orders")
	require.NoError(t, err)

	w := &fakeWatcher{events: []*registry.ChangeEvent{
		change(registry.ActionCreate, "default", "orders", "1.0.0", &registry.Instance{InstanceID: "i-2", ServiceID: "svc-1"}),
	}}
	syncCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Sync(syncCtx, w) }()

	require.Eventually(t, func() bool {
		im, _, _ := m.GetOrCreateAllVersion(ctx, "default", "orders", "1.0.0")
		return len(im) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	t.Run("reset drops cache", func(t *testing.T) {
		syncCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- m.Sync(syncCtx, &fakeWatcher{reset: true}) }()

		require.Eventually(t, func() bool {
			_, ok := m.tiers.Load().loadAll(Key("default", "orders"))
			return !ok
		}, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
	})

	assert.Error(t, m.Sync(ctx, nil))
}

func TestNew_Config(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(newFakeRegistry(), &Config{AllVersionRule: "abc+"})
	assert.True(t, xerrors.Is(err, registry.ErrInvalidRule))

	cfg := &Config{}
	m, err := New(newFakeRegistry(), cfg)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, DefaultVersion, cfg.DefaultVersion)
	assert.Equal(t, registry.RuleAll, cfg.AllVersionRule)
	assert.Equal(t, defaultLockStripes, cfg.LockStripes)
	assert.Len(t, m.tiers.Load().shards, defaultLockStripes)
}
