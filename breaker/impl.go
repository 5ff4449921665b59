package breaker

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
)

const (
	// MetricRequestsTotal 经过熔断器的请求数，result 取 success/failure/rejected
	MetricRequestsTotal = "breaker_requests_total"
	// MetricStateChanges 状态变更次数
	MetricStateChanges = "breaker_state_changes_total"
)

// circuitBreaker 按 key 管理 gobreaker 实例
type circuitBreaker struct {
	cfg          *Config
	logger       clog.Logger
	fallback     FallbackFunc
	isSuccessful func(err error) bool

	requests     metrics.Counter
	stateChanges metrics.Counter

	breakers sync.Map // map[string]*gobreaker.CircuitBreaker[any]
}

func newBreaker(cfg *Config, opt *options) (Breaker, error) {
	meter := opt.meter
	if meter == nil {
		meter = metrics.Discard()
	}
	requests, err := meter.Counter(MetricRequestsTotal, "Requests passed through circuit breakers")
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Counter(MetricStateChanges, "Circuit breaker state transitions")
	if err != nil {
		return nil, err
	}

	return &circuitBreaker{
		cfg:          cfg,
		logger:       opt.logger,
		fallback:     opt.fallback,
		isSuccessful: opt.isSuccessful,
		requests:     requests,
		stateChanges: stateChanges,
	}, nil
}

func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	result, err := cb.getOrCreateBreaker(key).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.requests.Inc(ctx, metrics.L("result", "rejected"))
		cb.logger.Warn("circuit breaker rejected request", clog.String("key", key), clog.Error(err))

		if cb.fallback != nil {
			return nil, cb.fallback(ctx, key, ErrOpenState)
		}
		return nil, ErrOpenState
	}

	if cb.succeeded(err) {
		cb.requests.Inc(ctx, metrics.L("result", "success"))
	} else {
		cb.requests.Inc(ctx, metrics.L("result", "failure"))
	}
	return result, err
}

func (cb *circuitBreaker) succeeded(err error) bool {
	if cb.isSuccessful != nil {
		return cb.isSuccessful(err)
	}
	return err == nil
}

func (cb *circuitBreaker) State(key string) (State, error) {
	if key == "" {
		return StateClosed, ErrKeyEmpty
	}

	val, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed, nil
	}
	return fromGoBreaker(val.(*gobreaker.CircuitBreaker[any]).State()), nil
}

func (cb *circuitBreaker) getOrCreateBreaker(key string) *gobreaker.CircuitBreaker[any] {
	if val, ok := cb.breakers.Load(key); ok {
		return val.(*gobreaker.CircuitBreaker[any])
	}

	settings := gobreaker.Settings{
		Name:          key,
		MaxRequests:   cb.cfg.MaxRequests,
		Interval:      cb.cfg.Interval,
		Timeout:       cb.cfg.Timeout,
		ReadyToTrip:   cb.readyToTrip,
		IsSuccessful:  cb.succeeded,
		OnStateChange: cb.onStateChange,
	}

	actual, _ := cb.breakers.LoadOrStore(key, gobreaker.NewCircuitBreaker[any](settings))
	return actual.(*gobreaker.CircuitBreaker[any])
}

// readyToTrip 请求数达到下限且失败率达到阈值时熔断
func (cb *circuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cb.cfg.MinimumRequests {
		return false
	}
	failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
	return failureRatio >= cb.cfg.FailureRatio
}

func (cb *circuitBreaker) onStateChange(name string, from gobreaker.State, to gobreaker.State) {
	cb.stateChanges.Inc(context.Background(),
		metrics.L("from", fromGoBreaker(from).String()),
		metrics.L("to", fromGoBreaker(to).String()))
	cb.logger.Info("circuit breaker state changed",
		clog.String("key", name),
		clog.String("from", fromGoBreaker(from).String()),
		clog.String("to", fromGoBreaker(to).String()))
}

func fromGoBreaker(state gobreaker.State) State {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
