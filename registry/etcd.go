package registry

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/connector"
	"github.com/ceyewan/discovery/xerrors"
)

// EtcdClient 基于 etcd 的 Client 与 Watcher 实现
//
// 借用连接器的客户端，不负责连接的生命周期。
type EtcdClient struct {
	client *clientv3.Client
	cfg    *Config
	logger clog.Logger

	// resolver 为 Watch 事件解析所属微服务，默认直接读 etcd
	resolver Client

	// services serviceId -> ServiceKey，元数据已删除时用于解析实例删除事件
	services sync.Map
}

// NewEtcdClient 创建 etcd 注册中心客户端，conn 必须已经 Connect
func NewEtcdClient(conn connector.EtcdConnector, cfg *Config, opts ...Option) (*EtcdClient, error) {
	if conn == nil {
		return nil, xerrors.New("etcd connector is required")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(connector.ErrNotConnected, "etcd client cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	o := applyOptions(opts)
	c := &EtcdClient{
		client: client,
		cfg:    cfg,
		logger: o.logger.With(clog.String("backend", "etcd")),
	}
	c.resolver = c
	return c, nil
}

// ResolveVia 让 Watch 通过 r 解析事件所属的微服务，通常传入包装了本客户端的 MetaCache。
// 必须在 Watch 之前调用。
func (c *EtcdClient) ResolveVia(r Client) {
	if r != nil {
		c.resolver = r
	}
}

// MicroserviceKey 返回微服务元数据的存储键
func (c *EtcdClient) MicroserviceKey(serviceID string) string {
	return path.Join(c.cfg.Namespace, "microservices", serviceID)
}

// InstanceKey 返回实例的存储键
func (c *EtcdClient) InstanceKey(serviceID, instanceID string) string {
	return path.Join(c.cfg.Namespace, "instances", serviceID, instanceID)
}

func (c *EtcdClient) microservicePrefix() string {
	return c.cfg.Namespace + "/microservices/"
}

func (c *EtcdClient) instancePrefix() string {
	return c.cfg.Namespace + "/instances/"
}

// FindServiceInstances 扫描微服务元数据，按身份与版本规则过滤后读取各微服务的实例
func (c *EtcdClient) FindServiceInstances(ctx context.Context, appID, serviceName, versionRule string) ([]*Instance, error) {
	appID, serviceName = SplitQualified(appID, serviceName)
	rule, err := ParseRule(versionRule)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.microservicePrefix(), clientv3.WithPrefix())
	if err != nil {
		c.logger.Error("failed to list microservices", clog.Error(err))
		return nil, xerrors.Wrap(xerrors.Attach(err, ErrUnavailable), "list microservices")
	}

	var candidates []*Microservice
	for _, kv := range resp.Kvs {
		var ms Microservice
		if err := json.Unmarshal(kv.Value, &ms); err != nil {
			c.logger.Warn("failed to unmarshal microservice", clog.String("key", string(kv.Key)), clog.Error(err))
			continue
		}
		if ms.AppID == appID && ms.ServiceName == serviceName {
			candidates = append(candidates, &ms)
		}
	}

	for _, ms := range candidates {
		c.remember(ms)
	}
	matched := selectByRule(candidates, rule)
	if len(matched) == 0 {
		return nil, xerrors.Wrapf(ErrServiceNotFound, "%s/%s rule %q", appID, serviceName, versionRule)
	}

	instances := make([]*Instance, 0)
	for _, ms := range matched {
		resp, err := c.client.Get(ctx, c.instancePrefix()+ms.ServiceID+"/", clientv3.WithPrefix())
		if err != nil {
			c.logger.Error("failed to list instances", clog.String("service_id", ms.ServiceID), clog.Error(err))
			return nil, xerrors.Wrapf(xerrors.Attach(err, ErrUnavailable), "list instances of %s", ms.ServiceID)
		}
		for _, kv := range resp.Kvs {
			var inst Instance
			if err := json.Unmarshal(kv.Value, &inst); err != nil {
				c.logger.Warn("failed to unmarshal instance", clog.String("key", string(kv.Key)), clog.Error(err))
				continue
			}
			instances = append(instances, &inst)
		}
	}
	return instances, nil
}

// selectByRule 选出版本满足规则的微服务
func selectByRule(candidates []*Microservice, rule *Rule) []*Microservice {
	versions := make([]string, len(candidates))
	for i, ms := range candidates {
		versions[i] = ms.Version
	}
	selected := make(map[string]struct{})
	for _, v := range rule.Select(versions) {
		selected[v] = struct{}{}
	}

	var out []*Microservice
	for _, ms := range candidates {
		if _, ok := selected[ms.Version]; ok {
			out = append(out, ms)
		}
	}
	return out
}

// GetMicroservice 读取单个微服务元数据
func (c *EtcdClient) GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.MicroserviceKey(serviceID))
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Attach(err, ErrUnavailable), "get microservice %s", serviceID)
	}
	if len(resp.Kvs) == 0 {
		return nil, xerrors.Wrapf(ErrMicroserviceNotFound, "service id %s", serviceID)
	}

	var ms Microservice
	if err := json.Unmarshal(resp.Kvs[0].Value, &ms); err != nil {
		return nil, xerrors.Wrapf(err, "decode microservice %s", serviceID)
	}
	c.remember(&ms)
	return &ms, nil
}

// remember 记下微服务的身份，同一 serviceId 的身份不会改变
func (c *EtcdClient) remember(ms *Microservice) {
	c.services.Store(ms.ServiceID, ServiceKey{AppID: ms.AppID, ServiceName: ms.ServiceName, Version: ms.Version})
}

// Watch 监听实例变更直到 ctx 结束
//
// 启动时从当前 revision 开始监听；连接中断后从上次处理的 revision 之后继续。
// 续接点丢失（历史被压缩）时回调 HandleReset，再从当前 revision 重新开始。
func (c *EtcdClient) Watch(ctx context.Context, h Handler) error {
	prefix := c.instancePrefix()
	var lastRev int64
	started := false

	for {
		if lastRev == 0 {
			rev, err := c.currentRevision(ctx)
			if err != nil {
				c.logger.Error("failed to read current revision, will retry", clog.Error(err))
				if !c.wait(ctx) {
					return nil
				}
				continue
			}
			if started {
				c.logger.Warn("watch position lost, resetting", clog.Int64("revision", rev))
				h.HandleReset(ctx)
			}
			lastRev = rev
		}
		started = true

		watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
		watchCh := c.client.Watch(watchCtx, prefix,
			clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithProgressNotify(), clientv3.WithRev(lastRev+1))
		c.logger.Debug("watch started", clog.String("prefix", prefix), clog.Int64("from_revision", lastRev+1))

		lastRev = c.consume(ctx, watchCh, h, lastRev)
		cancel()

		if !c.wait(ctx) {
			c.logger.Debug("watch stopped by context", clog.String("prefix", prefix))
			return nil
		}
		c.logger.Warn("retrying watch", clog.String("prefix", prefix), clog.Int64("from_revision", lastRev+1))
	}
}

// currentRevision 读取实例前缀下的当前 revision
func (c *EtcdClient) currentRevision(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.instancePrefix(), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.Attach(err, ErrUnavailable), "read current revision")
	}
	return resp.Header.Revision, nil
}

// wait 等待一个重试间隔，ctx 结束时返回 false
func (c *EtcdClient) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.RetryInterval):
		return true
	}
}

// consume 处理一个 watch 通道直到其关闭或出错，返回已完整处理的 revision。
// 历史被压缩时返回 0，由调用方重置。
func (c *EtcdClient) consume(ctx context.Context, watchCh clientv3.WatchChan, h Handler, lastRev int64) int64 {
	for wresp := range watchCh {
		if err := wresp.Err(); err != nil {
			if xerrors.Is(err, rpctypes.ErrCompacted) {
				c.logger.Warn("watch revision compacted", clog.Int64("compact_revision", wresp.CompactRevision))
				return 0
			}
			c.logger.Error("watch error, will retry", clog.Error(err))
			return lastRev
		}
		if wresp.IsProgressNotify() {
			if wresp.Header.Revision > lastRev {
				lastRev = wresp.Header.Revision
			}
			continue
		}

		for _, ev := range wresp.Events {
			if ev.Kv.ModRevision > lastRev {
				lastRev = ev.Kv.ModRevision
			}
			change, err := c.toChangeEvent(ctx, ev)
			switch {
			case xerrors.Is(err, errUnresolvedDelete):
				c.logger.Warn("cannot resolve deleted instance, resetting",
					clog.String("key", string(ev.Kv.Key)), clog.Error(err))
				h.HandleReset(ctx)
			case err != nil:
				c.logger.Warn("dropping instance event", clog.String("key", string(ev.Kv.Key)), clog.Error(err))
			default:
				h.HandleChange(ctx, change)
			}
		}
	}
	return lastRev
}

// toChangeEvent 将 etcd 事件转换为实例变更，并解析所属微服务。
// 删除事件的元数据已经不存在时，使用之前见过的身份；从未见过时返回 errUnresolvedDelete。
func (c *EtcdClient) toChangeEvent(ctx context.Context, ev *clientv3.Event) (*ChangeEvent, error) {
	action, inst, err := decodeInstanceEvent(c.instancePrefix(), ev)
	if err != nil {
		return nil, err
	}

	ms, err := c.resolver.GetMicroservice(ctx, inst.ServiceID)
	if err != nil {
		if action != ActionDelete {
			return nil, err
		}
		key, ok := c.services.Load(inst.ServiceID)
		if !ok {
			return nil, xerrors.Attach(err, errUnresolvedDelete)
		}
		return &ChangeEvent{Action: action, Key: key.(ServiceKey), Instance: inst}, nil
	}

	c.remember(ms)
	return &ChangeEvent{
		Action:   action,
		Key:      ServiceKey{AppID: ms.AppID, ServiceName: ms.ServiceName, Version: ms.Version},
		Instance: inst,
	}, nil
}

// decodeInstanceEvent 解析实例事件。删除事件优先使用 prev-KV，否则从 key 中恢复 id。
func decodeInstanceEvent(prefix string, ev *clientv3.Event) (Action, *Instance, error) {
	switch ev.Type {
	case mvccpb.PUT:
		var inst Instance
		if err := json.Unmarshal(ev.Kv.Value, &inst); err != nil {
			return "", nil, xerrors.Wrap(err, "decode instance")
		}
		if ev.IsCreate() {
			return ActionCreate, &inst, nil
		}
		return ActionUpdate, &inst, nil

	case mvccpb.DELETE:
		if ev.PrevKv != nil {
			var inst Instance
			if err := json.Unmarshal(ev.PrevKv.Value, &inst); err == nil {
				return ActionDelete, &inst, nil
			}
		}
		serviceID, instanceID, ok := strings.Cut(strings.TrimPrefix(string(ev.Kv.Key), prefix), "/")
		if !ok || serviceID == "" || instanceID == "" {
			return "", nil, xerrors.Newf("malformed instance key %q", ev.Kv.Key)
		}
		return ActionDelete, &Instance{InstanceID: instanceID, ServiceID: serviceID}, nil

	default:
		return "", nil, xerrors.Newf("unknown event type %v", ev.Type)
	}
}
