package breaker

import "github.com/ceyewan/discovery/xerrors"

// 错误定义
var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.NewSentinel(xerrors.ErrInvalidInput, "breaker: config is nil")

	// ErrKeyEmpty 熔断键为空
	ErrKeyEmpty = xerrors.NewSentinel(xerrors.ErrInvalidInput, "breaker: key is empty")

	// ErrOpenState 熔断器处于打开状态，或半开状态下探测请求已满
	ErrOpenState = xerrors.NewSentinel(xerrors.ErrUnavailable, "breaker: circuit breaker is open")
)
