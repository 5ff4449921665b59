package notify

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/connector"
	"github.com/ceyewan/discovery/trace"
	"github.com/ceyewan/discovery/xerrors"
)

// BridgeConfig NATS 桥接配置
type BridgeConfig struct {
	// SubjectPrefix 发布主题前缀，事件发布到 "<prefix>.<type>"，默认 "discovery.events"
	SubjectPrefix string `yaml:"subject_prefix" json:"subject_prefix" mapstructure:"subject_prefix"`

	// Codec 编码方式："json" | "msgpack"，默认 "json"
	Codec string `yaml:"codec" json:"codec" mapstructure:"codec"`
}

func (c *BridgeConfig) setDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "discovery.events"
	}
	c.SubjectPrefix = strings.Trim(c.SubjectPrefix, ".")
	if c.Codec == "" {
		c.Codec = "json"
	}
}

// Bridge 把总线事件编码后发布到 NATS 的订阅者
//
// 借用连接器的连接，不负责关闭。消息头携带 W3C trace 上下文。
type Bridge struct {
	conn   *nats.Conn
	cfg    *BridgeConfig
	codec  Codec
	logger clog.Logger
	tracer oteltrace.Tracer
}

// NewBridge 创建 NATS 桥接，conn 必须已经 Connect
func NewBridge(conn connector.NATSConnector, cfg *BridgeConfig, opts ...Option) (*Bridge, error) {
	if conn == nil {
		return nil, xerrors.New("nats connector is required")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(connector.ErrNotConnected, "nats client cannot be nil")
	}
	if cfg == nil {
		cfg = &BridgeConfig{}
	}
	cfg.setDefaults()

	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	return &Bridge{
		conn:   client,
		cfg:    cfg,
		codec:  codec,
		logger: o.logger.With(clog.String("component", "bridge")),
		tracer: o.tracer,
	}, nil
}

// Subject 返回某类事件的发布主题
func (b *Bridge) Subject(typ EventType) string {
	return b.cfg.SubjectPrefix + "." + string(typ)
}

// Codec 返回桥接使用的编解码器，供远端消费者解码
func (b *Bridge) Codec() Codec {
	return b.codec
}

// Handle 编码并发布事件，发布失败返回错误由总线记录
func (b *Bridge) Handle(ctx context.Context, ev Event) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := b.Subject(ev.Type)
	ctx, span, headers := trace.StartProducerSpan(ctx, b.tracer, b.meta(subject))
	defer func() {
		trace.MarkSpanError(span, err)
		span.End()
	}()

	data, err := b.codec.Marshal(ev)
	if err != nil {
		return xerrors.Wrapf(err, "encode %s event", ev.Type)
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return xerrors.Wrapf(err, "publish to %s", subject)
	}
	b.logger.DebugContext(ctx, "event published", clog.String("subject", subject), clog.Int("bytes", len(data)))
	return nil
}

// Delivery 从 NATS 收到的一条事件消息
type Delivery struct {
	Subject string
	Data    []byte
	codec   Codec
}

// Decode 使用桥接的编解码器把消息解码到 v
func (d Delivery) Decode(v any) error {
	return d.codec.Unmarshal(d.Data, v)
}

// Listen 订阅某类事件的主题，供远端进程消费桥接发布的事件
//
// 返回的函数用于取消订阅。处理失败只记录日志。
func (b *Bridge) Listen(typ EventType, fn func(ctx context.Context, d Delivery) error) (func() error, error) {
	if fn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "listen handler is required")
	}

	subject := b.Subject(typ)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		headers := make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			headers[k] = msg.Header.Get(k)
		}

		ctx, span := trace.StartConsumerSpan(context.Background(), b.tracer, headers, b.meta(msg.Subject))
		defer span.End()

		if err := fn(ctx, Delivery{Subject: msg.Subject, Data: msg.Data, codec: b.codec}); err != nil {
			trace.MarkSpanError(span, err)
			b.logger.ErrorContext(ctx, "event handler failed", clog.String("subject", msg.Subject), clog.Error(err))
		}
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "subscribe to %s", subject)
	}

	b.logger.Info("listening for events", clog.String("subject", subject))
	return sub.Unsubscribe, nil
}

func (b *Bridge) meta(subject string) trace.MessagingMeta {
	return trace.MessagingMeta{System: trace.MessagingSystemNATS, Destination: subject}
}
