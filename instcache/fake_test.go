package instcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/xerrors"
)

// fakeRegistry 内存中的注册中心，按 registry.Client 的约定实现查找
type fakeRegistry struct {
	mu        sync.Mutex
	services  map[string]*registry.Microservice
	instances map[string][]*registry.Instance // serviceId -> instances

	findCalls atomic.Int32
	findErr   error
	// gate 非 nil 时 FindServiceInstances 阻塞到 gate 关闭
	gate chan struct{}
	// gates 按服务名阻塞，只影响对应服务的查找
	gates map[string]chan struct{}
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		services:  make(map[string]*registry.Microservice),
		instances: make(map[string][]*registry.Instance),
	}
}

// addService 注册微服务及其实例，返回创建的实例
func (f *fakeRegistry) addService(serviceID, appID, name, version string, instanceIDs ...string) []*registry.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.services[serviceID] = &registry.Microservice{ServiceID: serviceID, AppID: appID, ServiceName: name, Version: version}
	var out []*registry.Instance
	for _, id := range instanceIDs {
		inst := &registry.Instance{InstanceID: id, ServiceID: serviceID, HostName: "host-" + id}
		f.instances[serviceID] = append(f.instances[serviceID], inst)
		out = append(out, inst)
	}
	return out
}

// gateService 让该服务的查找阻塞到返回的通道关闭
func (f *fakeRegistry) gateService(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
	}
	g := make(chan struct{})
	f.gates[name] = g
	return g
}

// addOrphan 添加一个所属微服务不存在的实例
func (f *fakeRegistry) addOrphan(serviceID string, inst *registry.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[serviceID] = append(f.instances[serviceID], inst)
}

func (f *fakeRegistry) FindServiceInstances(ctx context.Context, appID, serviceName, versionRule string) ([]*registry.Instance, error) {
	f.findCalls.Add(1)
	f.mu.Lock()
	gate := f.gates[serviceName]
	f.mu.Unlock()
	if gate == nil {
		gate = f.gate
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}

	rule, err := registry.ParseRule(versionRule)
	if err != nil {
		return nil, err
	}
	appID, serviceName = registry.SplitQualified(appID, serviceName)

	var candidates []*registry.Microservice
	var versions []string
	for _, ms := range f.services {
		if ms.AppID == appID && ms.ServiceName == serviceName {
			candidates = append(candidates, ms)
			versions = append(versions, ms.Version)
		}
	}
	selected := make(map[string]bool)
	for _, v := range rule.Select(versions) {
		selected[v] = true
	}

	var matched int
	out := make([]*registry.Instance, 0)
	for _, ms := range candidates {
		if !selected[ms.Version] {
			continue
		}
		matched++
		out = append(out, f.instances[ms.ServiceID]...)
	}
	// 孤儿实例归入所有同名查询，用于模拟元数据已被删除的陈旧引用
	for sid, insts := range f.instances {
		if _, ok := f.services[sid]; !ok && matched > 0 {
			out = append(out, insts...)
		}
	}
	if matched == 0 {
		return nil, xerrors.Wrapf(registry.ErrServiceNotFound, "%s/%s", appID, serviceName)
	}
	return out, nil
}

func (f *fakeRegistry) GetMicroservice(_ context.Context, serviceID string) (*registry.Microservice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ms, ok := f.services[serviceID]; ok {
		return ms, nil
	}
	return nil, xerrors.Wrapf(registry.ErrMicroserviceNotFound, "service id %s", serviceID)
}

// fakeWatcher 依次回放事件，然后阻塞到 ctx 结束
type fakeWatcher struct {
	events []*registry.ChangeEvent
	reset  bool
}

func (w *fakeWatcher) Watch(ctx context.Context, h registry.Handler) error {
	for _, ev := range w.events {
		h.HandleChange(ctx, ev)
	}
	if w.reset {
		h.HandleReset(ctx)
	}
	<-ctx.Done()
	return nil
}
