package registry

import (
	"context"

	"github.com/ceyewan/discovery/breaker"
	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/ratelimit"
	"github.com/ceyewan/discovery/xerrors"
)

const metaBreakerKey = "meta"

// Guard 为注册中心请求加上限流与熔断的 Client 装饰器
//
// 限流与熔断均按服务身份隔离，限流等待受 ctx 约束，熔断打开时返回 ErrUnavailable。
// 未找到与规则非法属于正常业务结果，不计入失败率。
type Guard struct {
	next    Client
	limiter ratelimit.Limiter // Rate <= 0 时为 nil
	limit   ratelimit.Limit
	brk     breaker.Breaker
	logger  clog.Logger
}

// NewGuard 创建限流熔断装饰器
func NewGuard(next Client, cfg *GuardConfig, opts ...Option) (*Guard, error) {
	if next == nil {
		return nil, xerrors.New("registry client is required")
	}
	if cfg == nil {
		cfg = &GuardConfig{}
	}
	cfg.setDefaults()

	o := applyOptions(opts)
	brk, err := breaker.New(&breaker.Config{
		Timeout:         cfg.OpenTimeout,
		FailureRatio:    cfg.FailureRatio,
		MinimumRequests: cfg.MinimumRequests,
	},
		breaker.WithLogger(o.logger),
		breaker.WithMeter(o.meter),
		breaker.WithIsSuccessful(isBusinessOutcome),
	)
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to create registry breaker")
	}

	g := &Guard{
		next:   next,
		limit:  ratelimit.Limit{Rate: cfg.Rate, Burst: cfg.Burst},
		brk:    brk,
		logger: o.logger.With(clog.String("component", "guard")),
	}
	if cfg.Rate > 0 {
		g.limiter, err = ratelimit.New(&cfg.Limiter,
			ratelimit.WithLogger(o.logger),
			ratelimit.WithMeter(o.meter),
		)
		if err != nil {
			return nil, xerrors.Wrap(err, "failed to create registry limiter")
		}
	}
	return g, nil
}

// Close 停止限流器的后台清理
func (g *Guard) Close() error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Close()
}

// isBusinessOutcome 判断结果是否为注册中心的正常应答
func isBusinessOutcome(err error) bool {
	return err == nil ||
		xerrors.Is(err, xerrors.ErrNotFound) ||
		xerrors.Is(err, xerrors.ErrInvalidInput)
}

// FindServiceInstances 在限流与 "find:<app>/<name>" 熔断器保护下查找实例
func (g *Guard) FindServiceInstances(ctx context.Context, appID, serviceName, versionRule string) ([]*Instance, error) {
	app, name := SplitQualified(appID, serviceName)
	v, err := g.call(ctx, "find:"+app+"/"+name, func() (any, error) {
		return g.next.FindServiceInstances(ctx, appID, serviceName, versionRule)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Instance), nil
}

// GetMicroservice 在限流与 "meta" 熔断器保护下查询微服务元数据
func (g *Guard) GetMicroservice(ctx context.Context, serviceID string) (*Microservice, error) {
	v, err := g.call(ctx, metaBreakerKey, func() (any, error) {
		return g.next.GetMicroservice(ctx, serviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Microservice), nil
}

func (g *Guard) call(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, key, g.limit); err != nil {
			return nil, xerrors.Attach(err, ErrUnavailable)
		}
	}

	v, err := g.brk.Execute(ctx, key, fn)
	if err != nil {
		if xerrors.Is(err, breaker.ErrOpenState) {
			g.logger.Warn("registry circuit open", clog.String("key", key))
			return nil, xerrors.Attach(err, ErrUnavailable)
		}
		return nil, err
	}
	return v, nil
}
