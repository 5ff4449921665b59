// Package notify 提供进程内的通知总线，以及把总线事件转发到 NATS 的桥接订阅者。
//
// 总线同步地按订阅顺序分发事件，每个订阅者相互隔离：
// 订阅者返回错误或 panic 只会被记录，不会影响其他订阅者，也不会返回给发布方。
//
// 基本使用：
//
//	bus := notify.NewBus(notify.WithLogger(logger))
//	unsubscribe := bus.Subscribe(notify.InstanceChanged, notify.SubscriberFunc(
//		func(ctx context.Context, ev notify.Event) error {
//			change := ev.Payload.(*registry.ChangeEvent)
//			...
//			return nil
//		}))
//	defer unsubscribe()
//
// 跨进程广播：
//
//	bridge, _ := notify.NewBridge(natsConn, &notify.BridgeConfig{Codec: "msgpack"})
//	bus.Subscribe(notify.InstanceChanged, bridge)
package notify

import (
	"context"
	"time"
)

// EventType 事件类型
type EventType string

// InstanceChanged 实例变更事件，Payload 为 *registry.ChangeEvent
const InstanceChanged EventType = "INSTANCE_CHANGED"

// Event 总线事件
type Event struct {
	Type      EventType `json:"type" msgpack:"type"`
	Payload   any       `json:"payload" msgpack:"payload"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NewEvent 创建带当前时间戳的事件
func NewEvent(typ EventType, payload any) Event {
	return Event{Type: typ, Payload: payload, Timestamp: time.Now()}
}

// Subscriber 事件订阅者
type Subscriber interface {
	Handle(ctx context.Context, ev Event) error
}

// SubscriberFunc 函数形式的 Subscriber
type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Publisher 事件发布方，实例缓存只依赖此接口
type Publisher interface {
	Notify(ctx context.Context, ev Event)
}
