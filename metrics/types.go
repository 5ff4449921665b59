// Package metrics 提供统一的指标收集能力。
// 基于 OpenTelemetry 标准构建，提供简洁的 Counter、Gauge、Histogram 指标接口。
//
// 特性：
//   - 基于 OpenTelemetry 标准，指标通过 Prometheus Exporter 暴露
//   - 每个 Meter 使用独立的 Prometheus Registry，互不干扰
//   - Enabled 为 false 时返回 noop 实现，调用方无需判空
//
// 快速开始：
//
//	cfg := &metrics.Config{
//	    Enabled:     true,
//	    ServiceName: "discovery-agent",
//	    Version:     "v1.0.0",
//	    Port:        9090,
//	    Path:        "/metrics",
//	}
//
//	meter, err := metrics.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer meter.Shutdown(ctx)
//
//	// 创建指标
//	counter, _ := meter.Counter("instcache_lookups_total", "实例缓存查询次数")
//	histogram, _ := meter.Histogram("instcache_fetch_duration_seconds", "注册中心拉取耗时（秒）")
//
// 使用示例：
//
//	// 带标签增加计数器
//	counter.Inc(ctx, metrics.L("tier", "all"), metrics.L("result", "hit"))
//
//	// 记录直方图值
//	histogram.Record(ctx, 0.123, metrics.L("tier", "vrule"))
package metrics

import "context"

// Counter 计数器接口，用于只增不减的累计值，例如查询次数、拉取失败次数
type Counter interface {
	// Inc 将计数器增加 1
	Inc(ctx context.Context, labels ...Label)

	// Add 将计数器增加给定的值
	// 注意：如果传入负数，大部分监控系统会忽略或报错
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 仪表盘接口，用于可任意增减的瞬时值，例如缓存条目数、连接数
type Gauge interface {
	// Set 将 gauge 设置为给定的值
	// 会覆盖之前的值
	Set(ctx context.Context, val float64, labels ...Label)

	// Inc 将 gauge 增加 1
	// 等价于 Set(currentValue + 1)
	Inc(ctx context.Context, labels ...Label)

	// Dec 将 gauge 减少 1
	// 等价于 Set(currentValue - 1)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 直方图接口，用于记录值的分布，例如拉取耗时
type Histogram interface {
	// Record 在直方图中记录一个值
	// 该值会被自动归类到相应的桶中，用于计算分位数
	Record(ctx context.Context, val float64, labels ...Label)
}

// Meter 指标创建工厂接口
// 是所有指标类型的创建入口，负责管理指标的生命周期
//
// 一个 Meter 实例通常对应一个服务，通过 Meter 创建的指标会自动关联到该服务
// Meter 创建的指标是线程安全的，可以在多个 goroutine 中并发使用
type Meter interface {
	// Counter 创建计数器实例
	Counter(name string, desc string, opts ...MetricOption) (Counter, error)

	// Gauge 创建仪表盘实例
	Gauge(name string, desc string, opts ...MetricOption) (Gauge, error)

	// Histogram 创建直方图实例
	Histogram(name string, desc string, opts ...MetricOption) (Histogram, error)

	// Shutdown 关闭 Meter，刷新所有指标
	// 调用此方法后，Meter 将不再接受新的指标记录请求
	// 通常在应用程序退出时调用
	Shutdown(ctx context.Context) error
}

// Label 指标维度。标签值应是低基数的，如 tier、result，不要使用实例 ID。
type Label struct {
	Key   string
	Value string
}

// L 构造 Label
//
//	counter.Inc(ctx, metrics.L("tier", "all"))
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

// MetricOption 指标配置选项函数类型
type MetricOption func(*MetricOptions)

// MetricOptions 指标选项
type MetricOptions struct {
	// Unit 指标单位，建议使用 UCUM 单位代码，例如 "s"、"By"
	Unit string

	// Buckets 直方图桶边界，仅对 Histogram 生效
	Buckets []float64
}

// WithUnit 设置指标的单位
//
//	histogram, _ := meter.Histogram("fetch_duration_seconds", "拉取耗时", metrics.WithUnit("s"))
func WithUnit(unit string) MetricOption {
	return func(o *MetricOptions) {
		o.Unit = unit
	}
}

// WithBuckets 设置直方图的桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *MetricOptions) {
		o.Buckets = append([]float64(nil), buckets...)
	}
}
