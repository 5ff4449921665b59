package registry

import (
	"strings"
	"time"

	"github.com/ceyewan/discovery/ratelimit"
)

// Config etcd 注册中心客户端配置
type Config struct {
	// Namespace etcd Key 前缀，默认 "/discovery"
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`

	// RetryInterval Watch 断开后的重连间隔，默认 1s
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval" mapstructure:"retry_interval"`

	// RequestTimeout 单次 etcd 读取的超时，默认 3s
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" mapstructure:"request_timeout"`
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "/discovery"
	}
	c.Namespace = "/" + strings.Trim(c.Namespace, "/")
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
}

// MetaCacheConfig 微服务元数据缓存配置
type MetaCacheConfig struct {
	// MaxSize 最大缓存条目数，默认 10000
	MaxSize int `yaml:"max_size" json:"max_size" mapstructure:"max_size"`

	// TTL 写入后过期时间，默认 5m
	TTL time.Duration `yaml:"ttl" json:"ttl" mapstructure:"ttl"`
}

func (c *MetaCacheConfig) setDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
}

// GuardConfig 限流与熔断配置
type GuardConfig struct {
	// Rate 每秒允许的注册中心请求数，<= 0 表示不限流
	Rate float64 `yaml:"rate" json:"rate" mapstructure:"rate"`

	// Burst 令牌桶容量，默认与 Rate 相同（至少为 1）
	Burst int `yaml:"burst" json:"burst" mapstructure:"burst"`

	// FailureRatio 触发熔断的失败率，默认 0.6
	FailureRatio float64 `yaml:"failure_ratio" json:"failure_ratio" mapstructure:"failure_ratio"`

	// MinimumRequests 触发熔断的最小请求数，默认 10
	MinimumRequests uint32 `yaml:"minimum_requests" json:"minimum_requests" mapstructure:"minimum_requests"`

	// OpenTimeout 熔断打开持续时间，默认 30s
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout" mapstructure:"open_timeout"`

	// Limiter 令牌桶空闲清理配置
	Limiter ratelimit.Config `yaml:"limiter" json:"limiter" mapstructure:"limiter"`
}

func (c *GuardConfig) setDefaults() {
	if c.Rate > 0 && c.Burst <= 0 {
		c.Burst = max(1, int(c.Rate))
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.6
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}
