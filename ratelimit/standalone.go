package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/xerrors"
)

// MetricRequestsTotal 限流检查次数，result 取 allowed/denied
const MetricRequestsTotal = "ratelimit_requests_total"

// bucket 包装 rate.Limiter 并记录最后访问时间（UnixNano）
type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func (b *bucket) touch() {
	b.lastSeen.Store(time.Now().UnixNano())
}

// standaloneLimiter 进程内限流器
type standaloneLimiter struct {
	cfg      *Config
	logger   clog.Logger
	requests metrics.Counter
	buckets  sync.Map // map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newStandalone(cfg *Config, opt *options) (Limiter, error) {
	requests, err := opt.meter.Counter(MetricRequestsTotal, "Rate limit checks")
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to create ratelimit counter")
	}

	l := &standaloneLimiter{
		cfg:      cfg,
		logger:   opt.logger,
		requests: requests,
		stopCh:   make(chan struct{}),
	}
	go l.cleanup()

	l.logger.Info("rate limiter created",
		clog.Duration("cleanup_interval", cfg.CleanupInterval),
		clog.Duration("idle_timeout", cfg.IdleTimeout))
	return l, nil
}

func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) bool {
	if key == "" || !limit.valid() {
		return false
	}

	allowed := l.getBucket(key, limit).limiter.Allow()
	if allowed {
		l.requests.Inc(ctx, metrics.L("result", "allowed"))
	} else {
		l.requests.Inc(ctx, metrics.L("result", "denied"))
		l.logger.Debug("rate limited", clog.String("key", key), clog.Float64("rate", limit.Rate))
	}
	return allowed
}

func (l *standaloneLimiter) Wait(ctx context.Context, key string, limit Limit) error {
	if key == "" {
		return ErrKeyEmpty
	}
	if !limit.valid() {
		return ErrInvalidLimit
	}

	// rate.Limiter 本身并发安全，等待期间不持有任何锁
	if err := l.getBucket(key, limit).limiter.Wait(ctx); err != nil {
		l.requests.Inc(ctx, metrics.L("result", "denied"))
		return xerrors.Wrapf(xerrors.Attach(err, ErrRateLimitExceeded), "key %s", key)
	}
	l.requests.Inc(ctx, metrics.L("result", "allowed"))
	return nil
}

// getBucket 获取或创建令牌桶，规则不同的同名 key 使用不同的桶
func (l *standaloneLimiter) getBucket(key string, limit Limit) *bucket {
	cacheKey := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)

	if v, ok := l.buckets.Load(cacheKey); ok {
		b := v.(*bucket)
		b.touch()
		return b
	}

	b := &bucket{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
	b.touch()
	actual, _ := l.buckets.LoadOrStore(cacheKey, b)
	return actual.(*bucket)
}

// cleanup 定期清理空闲的令牌桶
func (l *standaloneLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *standaloneLimiter) sweep(now time.Time) int {
	count := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if now.Sub(time.Unix(0, b.lastSeen.Load())) > l.cfg.IdleTimeout {
			l.buckets.Delete(key)
			count++
		}
		return true
	})
	if count > 0 {
		l.logger.Debug("cleaned up idle limiters", clog.Int("count", count))
	}
	return count
}

func (l *standaloneLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return nil
}
