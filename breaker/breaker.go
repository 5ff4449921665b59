// Package breaker 提供按 key 隔离的熔断器组件，基于 gobreaker 实现。
//
// 每个 key（例如 "find:<app>/<service>"）拥有独立的熔断器，
// 失败率超过阈值后进入打开状态快速失败，Timeout 后进入半开状态探测恢复。
//
// 基本使用：
//
//	brk, _ := breaker.New(&breaker.Config{
//		MaxRequests:     5,
//		Timeout:         30 * time.Second,
//		FailureRatio:    0.6,
//		MinimumRequests: 10,
//	}, breaker.WithLogger(logger))
//
//	v, err := brk.Execute(ctx, "find:default/orders", func() (any, error) {
//		return client.FindServiceInstances(ctx, "default", "orders", "0+")
//	})
//
// 业务上的"正常失败"（例如资源不存在）不应计入失败率：
//
//	breaker.WithIsSuccessful(func(err error) bool {
//		return err == nil || errors.Is(err, registry.ErrServiceNotFound)
//	})
package breaker

import (
	"context"
	"time"

	"github.com/ceyewan/discovery/clog"
)

// Breaker 熔断器核心接口
type Breaker interface {
	// Execute 执行受 key 对应熔断器保护的函数
	Execute(ctx context.Context, key string, fn func() (any, error)) (any, error)

	// State 获取指定键的熔断器状态，未使用过的 key 视为闭合
	State(key string) (State, error)
}

// State 熔断器状态
type State int

const (
	// StateClosed 闭合状态（正常）
	StateClosed State = iota
	// StateHalfOpen 半开状态（探测恢复）
	StateHalfOpen
	// StateOpen 打开状态（熔断中）
	StateOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态下允许通过的最大请求数（默认：1）
	MaxRequests uint32 `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`

	// Interval 闭合状态下的统计周期，0 表示不清空统计
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// Timeout 打开状态持续时间（默认：60s）
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// FailureRatio 失败率阈值（默认：0.6）
	FailureRatio float64 `json:"failure_ratio" yaml:"failure_ratio" mapstructure:"failure_ratio"`

	// MinimumRequests 触发熔断的最小请求数（默认：10）
	MinimumRequests uint32 `json:"minimum_requests" yaml:"minimum_requests" mapstructure:"minimum_requests"`
}

func (c *Config) setDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.6
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
}

// New 创建熔断器实例
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	cfg.setDefaults()

	opt := options{logger: clog.Discard()}
	for _, o := range opts {
		o(&opt)
	}

	opt.logger.Info("creating circuit breaker",
		clog.Int("max_requests", int(cfg.MaxRequests)),
		clog.Duration("interval", cfg.Interval),
		clog.Duration("timeout", cfg.Timeout),
		clog.Float64("failure_ratio", cfg.FailureRatio),
		clog.Int("minimum_requests", int(cfg.MinimumRequests)))

	return newBreaker(cfg, &opt)
}
