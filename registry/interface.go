// Package registry 定义实例缓存所依赖的注册中心边界，并提供基于 etcd 的实现。
//
// 组成：
//   - Client：按应用、服务名和版本规则查找实例，按 serviceId 查询微服务元数据
//   - Watcher：监听实例变更并回调 Handler
//   - EtcdClient：Client 与 Watcher 的 etcd 实现
//   - MetaCache：基于 otter 的微服务元数据缓存装饰器
//   - Guard：限流 + 熔断装饰器
//
// 典型组装：
//
//	etcdClient, _ := registry.NewEtcdClient(etcdConn, &registry.Config{}, registry.WithLogger(logger))
//	meta, _ := registry.NewMetaCache(etcdClient, &registry.MetaCacheConfig{})
//	client, _ := registry.NewGuard(meta, &registry.GuardConfig{}, registry.WithLogger(logger))
//
// ## etcd 存储结构
//
//	<namespace>/microservices/<serviceId>              -> JSON(Microservice)
//	<namespace>/instances/<serviceId>/<instanceId>     -> JSON(Instance)
package registry

import "context"

// Client 注册中心客户端
type Client interface {
	// FindServiceInstances 返回版本满足 versionRule 的所有微服务的实例。
	//
	// 没有匹配的微服务时返回 ErrServiceNotFound；
	// 匹配到微服务但没有实例时返回空切片和 nil。
	FindServiceInstances(ctx context.Context, appID, serviceName, versionRule string) ([]*Instance, error)

	// GetMicroservice 按 serviceId 查询微服务元数据，不存在时返回 ErrMicroserviceNotFound
	GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error)
}

// Handler 接收实例变更
type Handler interface {
	// HandleChange 处理一次实例变更
	HandleChange(ctx context.Context, ev *ChangeEvent)

	// HandleReset 监听历史被压缩、可能丢失事件时调用，接收方应丢弃本地视图
	HandleReset(ctx context.Context)
}

// Watcher 实例变更事件源
type Watcher interface {
	// Watch 阻塞监听直到 ctx 结束
	Watch(ctx context.Context, h Handler) error
}

// HandlerFuncs 用函数实现 Handler，nil 字段表示忽略
type HandlerFuncs struct {
	OnChange func(ctx context.Context, ev *ChangeEvent)
	OnReset  func(ctx context.Context)
}

func (h HandlerFuncs) HandleChange(ctx context.Context, ev *ChangeEvent) {
	if h.OnChange != nil {
		h.OnChange(ctx, ev)
	}
}

func (h HandlerFuncs) HandleReset(ctx context.Context) {
	if h.OnReset != nil {
		h.OnReset(ctx)
	}
}
