package registry

import "github.com/ceyewan/discovery/xerrors"

var (
	// ErrServiceNotFound 没有微服务匹配给定的应用、服务名和版本规则
	ErrServiceNotFound = xerrors.NewSentinel(xerrors.ErrNotFound, "service not found")

	// ErrMicroserviceNotFound 按 serviceId 查找微服务元数据失败
	ErrMicroserviceNotFound = xerrors.NewSentinel(xerrors.ErrNotFound, "microservice not found")

	// ErrUnavailable 注册中心暂不可用（网络错误、限流超时或熔断打开）
	ErrUnavailable = xerrors.NewSentinel(xerrors.ErrUnavailable, "registry unavailable")

	// ErrInvalidRule 版本规则无法解析
	ErrInvalidRule = xerrors.NewSentinel(xerrors.ErrInvalidInput, "invalid version rule")

	errUnresolvedDelete = xerrors.NewSentinel(xerrors.ErrInternal, "delete event for unknown microservice")
)
