package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// 消息语义属性
const (
	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination"
	AttrMessagingOperation   = "messaging.operation"

	MessagingSystemNATS = "nats"

	MessagingOperationPublish = "publish"
	MessagingOperationReceive = "receive"
)

// Relation 消费端 Span 与上游生产端 Span 的关系
type Relation string

const (
	// RelationLink 使用 Span Link 关联上游（默认）
	RelationLink Relation = "link"
	// RelationChildOf 作为上游 Span 的子 Span
	RelationChildOf Relation = "child_of"
)

// MessagingMeta 消息 Span 的标准属性
type MessagingMeta struct {
	System      string
	Destination string
	Relation    Relation
}

func (m MessagingMeta) attributes(operation string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrMessagingOperation, operation)}
	if m.System != "" {
		attrs = append(attrs, attribute.String(AttrMessagingSystem, m.System))
	}
	if m.Destination != "" {
		attrs = append(attrs, attribute.String(AttrMessagingDestination, m.Destination))
	}
	return attrs
}

// SpanName 返回 "<operation> <destination>" 形式的 Span 名
func SpanName(operation, destination string) string {
	if destination == "" {
		return operation
	}
	return operation + " " + destination
}

// StartProducerSpan 启动生产者 Span，返回注入了 trace 上下文的消息头
func StartProducerSpan(ctx context.Context, tracer oteltrace.Tracer, meta MessagingMeta) (context.Context, oteltrace.Span, map[string]string) {
	spanCtx, span := tracer.Start(ctx, SpanName(MessagingOperationPublish, meta.Destination),
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(meta.attributes(MessagingOperationPublish)...),
	)

	headers := map[string]string{}
	Inject(spanCtx, headers)
	return spanCtx, span, headers
}

// StartConsumerSpan 根据消息头启动消费者 Span
//
// 消息头中没有有效的上游上下文时启动一个新的根 Span。
func StartConsumerSpan(ctx context.Context, tracer oteltrace.Tracer, headers map[string]string, meta MessagingMeta) (context.Context, oteltrace.Span) {
	opts := []oteltrace.SpanStartOption{
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(meta.attributes(MessagingOperationReceive)...),
	}

	parent := ctx
	if remote := oteltrace.SpanContextFromContext(Extract(ctx, headers)); remote.IsValid() {
		if meta.Relation == RelationChildOf {
			parent = oteltrace.ContextWithRemoteSpanContext(ctx, remote)
		} else {
			opts = append(opts, oteltrace.WithLinks(oteltrace.Link{SpanContext: remote}))
		}
	}
	return tracer.Start(parent, SpanName(MessagingOperationReceive, meta.Destination), opts...)
}
