package connector

import (
	"context"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/xerrors"
)

// healthCheckKey 探活时读取的 key，不存在也视为成功
const healthCheckKey = "/discovery/health-check"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	closed  bool
	mu      sync.RWMutex
}

// NewEtcd 创建 etcd 连接器，此时不建立连接
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	m, err := newConnMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "create etcd connector metrics")
	}

	return &etcdConnector{
		cfg:     cfg,
		logger:  o.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
		metrics: m,
	}, nil
}

// Connect 创建客户端并探活
func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	if c.client != nil && c.healthy.Load() {
		return nil
	}

	labels := []metrics.Label{metrics.L("connector", "etcd"), metrics.L("name", c.cfg.Name)}
	c.logger.Info("attempting to connect to etcd", clog.Strings("endpoints", c.cfg.Endpoints))

	if c.client == nil {
		client, err := clientv3.New(clientv3.Config{
			Endpoints:            c.cfg.Endpoints,
			Username:             c.cfg.Username,
			Password:             c.cfg.Password,
			DialTimeout:          c.cfg.DialTimeout,
			DialKeepAliveTime:    c.cfg.KeepAliveTime,
			DialKeepAliveTimeout: c.cfg.KeepAliveTimeout,
		})
		if err != nil {
			c.metrics.attempts.Inc(ctx, append(labels, metrics.L("outcome", "error"))...)
			c.logger.Error("failed to create etcd client", clog.Error(err))
			return xerrors.Wrapf(xerrors.Attach(err, ErrConnection), "etcd connector[%s]", c.cfg.Name)
		}
		c.client = client
	}

	if err := c.probe(ctx); err != nil {
		c.metrics.attempts.Inc(ctx, append(labels, metrics.L("outcome", "error"))...)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(xerrors.Attach(err, ErrConnection), "etcd connector[%s]", c.cfg.Name)
	}

	c.metrics.attempts.Inc(ctx, append(labels, metrics.L("outcome", "success"))...)
	c.metrics.active.Set(ctx, 1, labels...)
	c.healthy.Store(true)
	c.logger.Info("successfully connected to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	return nil
}

func (c *etcdConnector) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := c.client.Get(probeCtx, healthCheckKey)
	return err
}

func (c *etcdConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy.Store(false)
	c.metrics.active.Set(context.Background(), 0, metrics.L("connector", "etcd"), metrics.L("name", c.cfg.Name))

	if c.client == nil {
		return nil
	}
	c.logger.Info("closing etcd connection")
	err := c.client.Close()
	c.client = nil
	if err != nil {
		c.logger.Error("failed to close etcd connection", clog.Error(err))
		return err
	}
	return nil
}

func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if err := c.probe(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Attach(err, ErrHealthCheck), "etcd connector[%s]", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

func (c *etcdConnector) GetClient() *clientv3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
