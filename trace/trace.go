// Package trace 封装 OpenTelemetry 链路追踪的初始化与跨进程传播。
//
// Init 设置全局 TracerProvider 与 W3C TraceContext 传播器；
// 各组件通过 Tracer 获取自己的 Tracer，通知桥接通过 StartProducerSpan / StartConsumerSpan
// 把 trace 上下文放进消息头。
package trace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/discovery/xerrors"
)

const instrumentationPrefix = "github.com/ceyewan/discovery/"

// Init 初始化全局 TracerProvider
//
// Endpoint 非空时通过 OTLP gRPC 导出，否则只在进程内生成 Span。
// 返回的 Shutdown 函数应在退出时调用以刷新剩余数据。
func Init(cfg *Config) (func(context.Context) error, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "config is required")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to create resource")
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sampler))),
	}

	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(5 * time.Second),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, xerrors.Wrap(err, "failed to create otlp exporter")
		}
		if cfg.Batcher == "simple" {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Tracer 返回某个组件的 Tracer，基于全局 TracerProvider
func Tracer(component string) oteltrace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Inject 把 ctx 中的 trace 上下文写入 headers
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 从 headers 中解析 trace 上下文
func Extract(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// MarkSpanError 在 err 不为 nil 时记录错误并把 Span 标记为失败
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
