// Package ratelimit 提供按 key 隔离的进程内令牌桶限流器，基于 golang.org/x/time/rate。
//
// 每个 key（例如注册中心请求的服务身份 "find:default/orders"）拥有独立的令牌桶，
// 空闲超过 IdleTimeout 的令牌桶会被后台清理。
//
// 基本使用：
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//		CleanupInterval: time.Minute,
//		IdleTimeout:     5 * time.Minute,
//	}, ratelimit.WithLogger(logger))
//	defer limiter.Close()
//
//	// 非阻塞
//	if !limiter.Allow(ctx, "find:default/orders", ratelimit.Limit{Rate: 10, Burst: 20}) {
//		return ErrTooBusy
//	}
//
//	// 阻塞等待，受 ctx 约束
//	if err := limiter.Wait(ctx, "meta", ratelimit.Limit{Rate: 50, Burst: 100}); err != nil {
//		return err
//	}
package ratelimit

import (
	"context"
	"time"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
)

// Limit 令牌桶规则
type Limit struct {
	Rate  float64 // 每秒生成的令牌数
	Burst int     // 令牌桶容量
}

func (l Limit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器核心接口
type Limiter interface {
	// Allow 尝试获取 1 个令牌，不阻塞
	Allow(ctx context.Context, key string, limit Limit) bool

	// Wait 阻塞直到获取 1 个令牌；ctx 结束或等待时间超过 ctx 截止时间时返回错误
	Wait(ctx context.Context, key string, limit Limit) error

	// Close 停止后台清理
	Close() error
}

// Config 限流器配置
type Config struct {
	// CleanupInterval 清理空闲令牌桶的间隔（默认：1 分钟）
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// IdleTimeout 令牌桶空闲超时时间（默认：5 分钟）
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

func (c *Config) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// New 创建限流器，cfg 为 nil 时使用默认配置
func New(cfg *Config, opts ...Option) (Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	opt := options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, o := range opts {
		o(&opt)
	}
	return newStandalone(cfg, &opt)
}
