package instcache

import "github.com/ceyewan/discovery/xerrors"

var (
	// ErrResolution 分组时无法解析实例所属的微服务，本次填充放弃，不写入缓存。
	// 注册中心中缺失的微服务元数据不会表现为 ErrNotFound。
	ErrResolution = xerrors.NewSentinel(xerrors.ErrInternal, "instcache: version resolution failed")

	// ErrClosed 缓存已关闭
	ErrClosed = xerrors.NewSentinel(xerrors.ErrUnavailable, "instcache: closed")
)
