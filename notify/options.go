package notify

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/trace"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	tracer oteltrace.Tracer
}

// WithLogger 注入日志记录器，内部会自动追加 "notify" namespace
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("notify")
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

// WithTracer 注入 Tracer，默认使用全局 TracerProvider
func WithTracer(t oteltrace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		tracer: trace.Tracer("notify"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
