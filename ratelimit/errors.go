package ratelimit

import "github.com/ceyewan/discovery/xerrors"

// 错误定义
var (
	// ErrKeyEmpty 限流键为空
	ErrKeyEmpty = xerrors.NewSentinel(xerrors.ErrInvalidInput, "ratelimit: key is empty")

	// ErrInvalidLimit 限流规则无效
	ErrInvalidLimit = xerrors.NewSentinel(xerrors.ErrInvalidInput, "ratelimit: invalid limit")

	// ErrRateLimitExceeded 等待令牌失败（ctx 结束或等待时间超过截止时间）
	ErrRateLimitExceeded = xerrors.NewSentinel(xerrors.ErrUnavailable, "ratelimit: rate limit exceeded")
)
