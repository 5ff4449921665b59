package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
	"github.com/ceyewan/discovery/xerrors"
)

type natsConnector struct {
	cfg     *NATSConfig
	conn    *nats.Conn
	logger  clog.Logger
	metrics *connMetrics
	healthy atomic.Bool
	closed  bool
	mu      sync.RWMutex
}

// NewNATS 创建 NATS 连接器，此时不建立连接
func NewNATS(cfg *NATSConfig, opts ...Option) (NATSConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "nats config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	m, err := newConnMetrics(o.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "create nats connector metrics")
	}

	return &natsConnector{
		cfg:     cfg,
		logger:  o.logger.With(clog.String("connector", "nats"), clog.String("name", cfg.Name)),
		metrics: m,
	}, nil
}

func (c *natsConnector) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.Timeout),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.PingInterval(c.cfg.PingInterval),
		nats.MaxPingsOutstanding(c.cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			c.logger.Warn("nats disconnected", clog.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.healthy.Store(true)
			c.logger.Info("nats reconnected", clog.String("url", conn.ConnectedUrl()))
		}),
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(c.cfg.Username, c.cfg.Password))
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	return opts
}

// Connect 建立连接，已连接时直接返回
func (c *natsConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	labels := []metrics.Label{metrics.L("connector", "nats"), metrics.L("name", c.cfg.Name)}
	c.logger.Info("attempting to connect to nats", clog.String("url", c.cfg.URL))

	conn, err := nats.Connect(c.cfg.URL, c.natsOptions()...)
	if err != nil {
		c.metrics.attempts.Inc(ctx, append(labels, metrics.L("outcome", "error"))...)
		c.logger.Error("failed to connect to nats", clog.Error(err), clog.String("url", c.cfg.URL))
		return xerrors.Wrapf(xerrors.Attach(err, ErrConnection), "nats connector[%s]", c.cfg.Name)
	}

	c.conn = conn
	c.metrics.attempts.Inc(ctx, append(labels, metrics.L("outcome", "success"))...)
	c.metrics.active.Set(ctx, 1, labels...)
	c.healthy.Store(true)
	c.logger.Info("successfully connected to nats", clog.String("url", c.cfg.URL))
	return nil
}

func (c *natsConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy.Store(false)
	c.metrics.active.Set(context.Background(), 0, metrics.L("connector", "nats"), metrics.L("name", c.cfg.Name))

	if c.conn != nil {
		c.logger.Info("closing nats connection", clog.String("url", c.cfg.URL))
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *natsConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}

	if status := conn.Status(); status != nats.CONNECTED {
		c.healthy.Store(false)
		return xerrors.Wrapf(ErrHealthCheck, "nats connector[%s]: status %s", c.cfg.Name, status.String())
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		c.healthy.Store(false)
		return xerrors.Wrapf(xerrors.Attach(err, ErrHealthCheck), "nats connector[%s]", c.cfg.Name)
	}

	c.healthy.Store(true)
	return nil
}

func (c *natsConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *natsConnector) Name() string {
	return c.cfg.Name
}

func (c *natsConnector) GetClient() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// MustNewNATS 创建 NATS 连接器，失败时 panic
func MustNewNATS(cfg *NATSConfig, opts ...Option) NATSConnector {
	conn, err := NewNATS(cfg, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create nats connector: %v", err))
	}
	return conn
}
