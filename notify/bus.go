package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
)

// MetricDeliveriesTotal 事件投递次数，result 取 ok/error/panic
const MetricDeliveriesTotal = "notify_deliveries_total"

// Bus 进程内通知总线，并发安全
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	nextID uint64

	logger     clog.Logger
	deliveries metrics.Counter
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// NewBus 创建通知总线
func NewBus(opts ...Option) *Bus {
	o := applyOptions(opts)
	deliveries, err := o.meter.Counter(MetricDeliveriesTotal, "Notification bus deliveries")
	if err != nil {
		o.logger.Warn("failed to create deliveries counter", clog.Error(err))
		deliveries, _ = metrics.Discard().Counter(MetricDeliveriesTotal, "")
	}
	return &Bus{
		subs:       make(map[EventType][]*subscription),
		logger:     o.logger,
		deliveries: deliveries,
	}
}

// Subscribe 订阅某类事件，返回的函数用于取消订阅，可重复调用
func (b *Bus) Subscribe(typ EventType, sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &subscription{id: b.nextID, sub: sub}
	b.subs[typ] = append(b.subs[typ], s)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(typ, s.id) })
	}
}

func (b *Bus) remove(typ EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[typ]
	for i, s := range subs {
		if s.id == id {
			// 复制出新切片，正在进行的 Notify 持有旧切片不受影响
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			b.subs[typ] = append(next, subs[i+1:]...)
			break
		}
	}
	if len(b.subs[typ]) == 0 {
		delete(b.subs, typ)
	}
}

// Notify 按订阅顺序同步投递事件
func (b *Bus) Notify(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.deliveries.Inc(ctx, metrics.L("type", string(ev.Type)), metrics.L("result", "panic"))
			b.logger.ErrorContext(ctx, "subscriber panicked",
				clog.String("type", string(ev.Type)),
				clog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := s.sub.Handle(ctx, ev); err != nil {
		b.deliveries.Inc(ctx, metrics.L("type", string(ev.Type)), metrics.L("result", "error"))
		b.logger.WarnContext(ctx, "subscriber failed", clog.String("type", string(ev.Type)), clog.Error(err))
		return
	}
	b.deliveries.Inc(ctx, metrics.L("type", string(ev.Type)), metrics.L("result", "ok"))
}
