package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/discovery/testkit"
	"github.com/ceyewan/discovery/xerrors"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDecodeInstanceEvent(t *testing.T) {
	const prefix = "/discovery/instances/"
	inst := &Instance{InstanceID: "i-1", ServiceID: "svc-1", HostName: "host-a"}

	t.Run("create", func(t *testing.T) {
		ev := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{
			Key: []byte(prefix + "svc-1/i-1"), Value: mustJSON(t, inst), CreateRevision: 5, ModRevision: 5, Version: 1,
		}}
		action, got, err := decodeInstanceEvent(prefix, ev)
		require.NoError(t, err)
		assert.Equal(t, ActionCreate, action)
		assert.Equal(t, inst, got)
	})

	t.Run("update", func(t *testing.T) {
		ev := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{
			Key: []byte(prefix + "svc-1/i-1"), Value: mustJSON(t, inst), CreateRevision: 5, ModRevision: 7, Version: 2,
		}}
		action, _, err := decodeInstanceEvent(prefix, ev)
		require.NoError(t, err)
		assert.Equal(t, ActionUpdate, action)
	})

	t.Run("delete with prev kv", func(t *testing.T) {
		ev := &clientv3.Event{
			Type:   mvccpb.DELETE,
			Kv:     &mvccpb.KeyValue{Key: []byte(prefix + "svc-1/i-1"), ModRevision: 9},
			PrevKv: &mvccpb.KeyValue{Key: []byte(prefix + "svc-1/i-1"), Value: mustJSON(t, inst)},
		}
		action, got, err := decodeInstanceEvent(prefix, ev)
		require.NoError(t, err)
		assert.Equal(t, ActionDelete, action)
		assert.Equal(t, "host-a", got.HostName)
	})

	t.Run("delete without prev kv", func(t *testing.T) {
		ev := &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(prefix + "svc-1/i-1")}}
		action, got, err := decodeInstanceEvent(prefix, ev)
		require.NoError(t, err)
		assert.Equal(t, ActionDelete, action)
		assert.Equal(t, &Instance{InstanceID: "i-1", ServiceID: "svc-1"}, got)
	})

	t.Run("malformed", func(t *testing.T) {
		ev := &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(prefix + "svc-1")}}
		_, _, err := decodeInstanceEvent(prefix, ev)
		assert.Error(t, err)

		ev = &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(prefix + "svc-1/i-1"), Value: []byte("{")}}
		_, _, err = decodeInstanceEvent(prefix, ev)
		assert.Error(t, err)
	})
}

// newTestEtcdClient 在独立命名空间下创建客户端，测试结束时清理数据
func newTestEtcdClient(t *testing.T) (*EtcdClient, *clientv3.Client) {
	t.Helper()
	conn := testkit.GetEtcdConnector(t)
	c, err := NewEtcdClient(conn, &Config{
		Namespace:     "/discovery-test/" + testkit.NewID(),
		RetryInterval: 100 * time.Millisecond,
	}, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)

	raw := conn.GetClient()
	t.Cleanup(func() {
		_, _ = raw.Delete(context.Background(), c.cfg.Namespace+"/", clientv3.WithPrefix())
	})
	return c, raw
}

func putJSON(t *testing.T, ctx context.Context, raw *clientv3.Client, key string, v any) {
	t.Helper()
	_, err := raw.Put(ctx, key, string(mustJSON(t, v)))
	require.NoError(t, err)
}

func TestEtcdClient_FindServiceInstances(t *testing.T) {
	c, raw := newTestEtcdClient(t)
	ctx := testkit.NewContext(t, 10*time.Second)

	services := []*Microservice{
		{ServiceID: "svc-1", AppID: "default", ServiceName: "orders", Version: "1.0.0"},
		{ServiceID: "svc-2", AppID: "default", ServiceName: "orders", Version: "2.0.0"},
		{ServiceID: "svc-3", AppID: "default", ServiceName: "orders", Version: "3.0.0"},
		{ServiceID: "svc-4", AppID: "payments", ServiceName: "orders", Version: "1.0.0"},
	}
	for _, ms := range services {
		putJSON(t, ctx, raw, c.MicroserviceKey(ms.ServiceID), ms)
	}
	putJSON(t, ctx, raw, c.InstanceKey("svc-1", "i-1"), &Instance{InstanceID: "i-1", ServiceID: "svc-1"})
	putJSON(t, ctx, raw, c.InstanceKey("svc-2", "i-2"), &Instance{InstanceID: "i-2", ServiceID: "svc-2"})
	putJSON(t, ctx, raw, c.InstanceKey("svc-4", "i-4"), &Instance{InstanceID: "i-4", ServiceID: "svc-4"})

	ids := func(insts []*Instance) []string {
		var out []string
		for _, inst := range insts {
			out = append(out, inst.InstanceID)
		}
		return out
	}

	got, err := c.FindServiceInstances(ctx, "default", "orders", RuleAll)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, ids(got))

	got, err = c.FindServiceInstances(ctx, "default", "orders", "1.0.0-2.0.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids(got))

	got, err = c.FindServiceInstances(ctx, "ignored", "payments:orders", RuleAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"i-4"}, ids(got))

	// 匹配到微服务但没有实例
	got, err = c.FindServiceInstances(ctx, "default", "orders", "latest")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, err = c.FindServiceInstances(ctx, "default", "orders", "9.0+")
	assert.True(t, xerrors.Is(err, ErrServiceNotFound))
	_, err = c.FindServiceInstances(ctx, "default", "missing", RuleAll)
	assert.True(t, xerrors.Is(err, xerrors.ErrNotFound))

	ms, err := c.GetMicroservice(ctx, "svc-2")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", ms.Version)
	_, err = c.GetMicroservice(ctx, "svc-404")
	assert.True(t, xerrors.Is(err, ErrMicroserviceNotFound))
}

// recordingHandler 收集 Watch 回调
type recordingHandler struct {
	mu     sync.Mutex
	events []*ChangeEvent
	resets int
}

func (h *recordingHandler) HandleChange(_ context.Context, ev *ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) HandleReset(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
}

func (h *recordingHandler) snapshot() []*ChangeEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ChangeEvent(nil), h.events...)
}

func TestEtcdClient_Watch(t *testing.T) {
	c, raw := newTestEtcdClient(t)
	ctx := testkit.NewContext(t, 15*time.Second)

	putJSON(t, ctx, raw, c.MicroserviceKey("svc-1"),
		&Microservice{ServiceID: "svc-1", AppID: "default", ServiceName: "orders", Version: "1.0.0"})

	h := &recordingHandler{}
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Watch(watchCtx, h) }()

	// 等待 watch 建立
	time.Sleep(200 * time.Millisecond)

	inst := &Instance{InstanceID: "i-1", ServiceID: "svc-1", HostName: "a"}
	putJSON(t, ctx, raw, c.InstanceKey("svc-1", "i-1"), inst)
	inst.HostName = "b"
	putJSON(t, ctx, raw, c.InstanceKey("svc-1", "i-1"), inst)
	_, err := raw.Delete(ctx, c.InstanceKey("svc-1", "i-1"))
	require.NoError(t, err)
	// 无法解析所属微服务的事件被丢弃
	putJSON(t, ctx, raw, c.InstanceKey("svc-unknown", "i-9"), &Instance{InstanceID: "i-9", ServiceID: "svc-unknown"})

	require.Eventually(t, func() bool { return len(h.snapshot()) >= 3 }, 5*time.Second, 20*time.Millisecond)
	events := h.snapshot()
	require.Len(t, events, 3)

	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, ServiceKey{AppID: "default", ServiceName: "orders", Version: "1.0.0"}, events[0].Key)
	assert.Equal(t, ActionUpdate, events[1].Action)
	assert.Equal(t, "b", events[1].Instance.HostName)
	assert.Equal(t, ActionDelete, events[2].Action)
	assert.Equal(t, "i-1", events[2].Instance.InstanceID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after context cancel")
	}
}

// newOfflineEtcdClient 不连接 etcd 的客户端，只用于驱动 consume
func newOfflineEtcdClient(resolver Client) *EtcdClient {
	cfg := &Config{Namespace: "/discovery"}
	cfg.setDefaults()
	return &EtcdClient{cfg: cfg, logger: testkit.NewLogger(), resolver: resolver}
}

func watchResponses(resps ...clientv3.WatchResponse) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse, len(resps))
	for _, r := range resps {
		ch <- r
	}
	close(ch)
	return ch
}

func instanceEvent(t *testing.T, c *EtcdClient, typ mvccpb.Event_EventType, rev int64, inst *Instance) *clientv3.Event {
	t.Helper()
	kv := &mvccpb.KeyValue{Key: []byte(c.InstanceKey(inst.ServiceID, inst.InstanceID)), ModRevision: rev}
	if typ == mvccpb.PUT {
		kv.Value = mustJSON(t, inst)
		kv.CreateRevision = rev
		kv.Version = 1
	}
	return &clientv3.Event{Type: typ, Kv: kv}
}

func TestEtcdClient_ConsumeRevision(t *testing.T) {
	ctx := context.Background()
	stub := &stubClient{meta: map[string]*Microservice{
		"svc-1": {ServiceID: "svc-1", AppID: "default", ServiceName: "orders", Version: "1.0.0"},
	}}
	c := newOfflineEtcdClient(stub)

	t.Run("progress notification advances revision", func(t *testing.T) {
		h := &recordingHandler{}
		rev := c.consume(ctx, watchResponses(clientv3.WatchResponse{
			Header: etcdserverpb.ResponseHeader{Revision: 42},
		}), h, 10)
		assert.EqualValues(t, 42, rev)
		assert.Empty(t, h.snapshot())
	})

	t.Run("events advance revision", func(t *testing.T) {
		h := &recordingHandler{}
		inst := &Instance{InstanceID: "i-1", ServiceID: "svc-1"}
		rev := c.consume(ctx, watchResponses(clientv3.WatchResponse{
			Header: etcdserverpb.ResponseHeader{Revision: 12},
			Events: []*clientv3.Event{instanceEvent(t, c, mvccpb.PUT, 12, inst)},
		}), h, 10)
		assert.EqualValues(t, 12, rev)
		require.Len(t, h.snapshot(), 1)
	})

	t.Run("error before any event keeps revision", func(t *testing.T) {
		h := &recordingHandler{}
		rev := c.consume(ctx, watchResponses(clientv3.WatchResponse{Canceled: true}), h, 10)
		assert.EqualValues(t, 10, rev)
		assert.Zero(t, h.resets)
	})

	t.Run("compaction loses position", func(t *testing.T) {
		h := &recordingHandler{}
		rev := c.consume(ctx, watchResponses(clientv3.WatchResponse{CompactRevision: 5}), h, 10)
		assert.Zero(t, rev)
	})
}

func TestEtcdClient_DeleteAfterMetadataRemoved(t *testing.T) {
	ctx := context.Background()
	stub := &stubClient{meta: map[string]*Microservice{
		"svc-1": {ServiceID: "svc-1", AppID: "default", ServiceName: "orders", Version: "1.0.0"},
	}}
	c := newOfflineEtcdClient(stub)
	inst := &Instance{InstanceID: "i-1", ServiceID: "svc-1"}

	h := &recordingHandler{}
	c.consume(ctx, watchResponses(clientv3.WatchResponse{
		Events: []*clientv3.Event{instanceEvent(t, c, mvccpb.PUT, 11, inst)},
	}), h, 10)
	require.Len(t, h.snapshot(), 1)

	// 微服务先于实例注销
	stub.mu.Lock()
	delete(stub.meta, "svc-1")
	stub.mu.Unlock()

	c.consume(ctx, watchResponses(clientv3.WatchResponse{
		Events: []*clientv3.Event{instanceEvent(t, c, mvccpb.DELETE, 12, inst)},
	}), h, 11)
	events := h.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ActionDelete, events[1].Action)
	assert.Equal(t, ServiceKey{AppID: "default", ServiceName: "orders", Version: "1.0.0"}, events[1].Key)
	assert.Equal(t, "i-1", events[1].Instance.InstanceID)
	assert.Zero(t, h.resets)

	t.Run("never seen service resets", func(t *testing.T) {
		h := &recordingHandler{}
		c.consume(ctx, watchResponses(clientv3.WatchResponse{
			Events: []*clientv3.Event{instanceEvent(t, c, mvccpb.DELETE, 13, &Instance{InstanceID: "i-2", ServiceID: "svc-2"})},
		}), h, 12)
		assert.Empty(t, h.snapshot())
		assert.Equal(t, 1, h.resets)
	})

	t.Run("unresolvable put is dropped", func(t *testing.T) {
		h := &recordingHandler{}
		c.consume(ctx, watchResponses(clientv3.WatchResponse{
			Events: []*clientv3.Event{instanceEvent(t, c, mvccpb.PUT, 14, &Instance{InstanceID: "i-3", ServiceID: "svc-3"})},
		}), h, 13)
		assert.Empty(t, h.snapshot())
		assert.Zero(t, h.resets)
	})
}

func TestEtcdClient_WatchDeleteAfterDeregister(t *testing.T) {
	c, raw := newTestEtcdClient(t)
	ctx := testkit.NewContext(t, 15*time.Second)

	ms := &Microservice{ServiceID: "svc-1", AppID: "default", ServiceName: "orders", Version: "1.0.0"}
	putJSON(t, ctx, raw, c.MicroserviceKey("svc-1"), ms)
	putJSON(t, ctx, raw, c.InstanceKey("svc-1", "i-1"), &Instance{InstanceID: "i-1", ServiceID: "svc-1"})

	// 查找过程中记下微服务身份
	_, err := c.FindServiceInstances(ctx, "default", "orders", RuleAll)
	require.NoError(t, err)

	h := &recordingHandler{}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = c.Watch(watchCtx, h) }()
	time.Sleep(200 * time.Millisecond)

	_, err = raw.Delete(ctx, c.MicroserviceKey("svc-1"))
	require.NoError(t, err)
	_, err = raw.Delete(ctx, c.InstanceKey("svc-1", "i-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	ev := h.snapshot()[0]
	assert.Equal(t, ActionDelete, ev.Action)
	assert.Equal(t, ServiceKey{AppID: "default", ServiceName: "orders", Version: "1.0.0"}, ev.Key)
}
