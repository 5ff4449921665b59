package metrics

import "github.com/ceyewan/discovery/clog"

// Config 指标系统的配置
//
// 典型配置示例（YAML）：
//
//	metrics:
//	  enabled: true
//	  service_name: "discovery-agent"
//	  version: "v1.0.0"
//	  port: 9090
//	  path: "/metrics"
//	  enable_runtime: true
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled bool `mapstructure:"enabled"`

	// ServiceName 作为 OpenTelemetry Resource 的 service.name
	ServiceName string `mapstructure:"service_name"`

	// Version 作为 OpenTelemetry Resource 的 service.version
	Version string `mapstructure:"version"`

	// Port 大于 0 时启动 HTTP 服务器暴露 Prometheus 格式的指标
	Port int `mapstructure:"port"`

	// Path 指标的 HTTP 路径，必须以 "/" 开头
	Path string `mapstructure:"path"`

	// EnableRuntime 采集 Go 运行时指标（内存、GC、goroutine）
	EnableRuntime bool `mapstructure:"enable_runtime"`
}

// NewDevDefaultConfig 开发环境默认配置
func NewDevDefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     "dev",
		Port:        9090,
		Path:        "/metrics",
	}
}

// NewProdDefaultConfig 生产环境默认配置
func NewProdDefaultConfig(serviceName, version string) *Config {
	return &Config{
		Enabled:       true,
		ServiceName:   serviceName,
		Version:       version,
		Port:          9090,
		Path:          "/metrics",
		EnableRuntime: true,
	}
}

// Option Meter 实例选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入日志记录器，命名空间追加 "metrics"
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("metrics")
		}
	}
}
