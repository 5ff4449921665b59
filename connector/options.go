package connector

import (
	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 配置连接器的选项
type Option func(*options)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 设置指标收集器
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// connMetrics 连接器共用的指标
type connMetrics struct {
	attempts metrics.Counter // connector_connect_total{connector,name,outcome}
	active   metrics.Gauge   // connector_active{connector,name}
}

func newConnMetrics(meter metrics.Meter) (*connMetrics, error) {
	attempts, err := meter.Counter("connector_connect_total", "Total number of connection attempts")
	if err != nil {
		return nil, err
	}
	active, err := meter.Gauge("connector_active", "Whether the connection is currently established")
	if err != nil {
		return nil, err
	}
	return &connMetrics{attempts: attempts, active: active}, nil
}
