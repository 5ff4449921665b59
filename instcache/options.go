package instcache

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/notify"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	publisher notify.Publisher
	tracer    oteltrace.Tracer
}

// WithLogger 注入日志记录器，内部会自动追加 "instcache" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("instcache")
		}
	}
}

// WithMeter 注入指标收集器
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithBus 注入通知总线，每个变更事件在修改缓存前先转发到总线
func WithBus(p notify.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithTracer 注入 Tracer，默认使用全局 TracerProvider
func WithTracer(t oteltrace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}
