package testkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/discovery/connector"
)

// GetNATSConfig 返回 NATS 测试配置，地址取自 NATS_URL，未设置时返回 nil
func GetNATSConfig() *connector.NATSConfig {
	url := os.Getenv("NATS_URL")
	if url == "" {
		return nil
	}
	return &connector.NATSConfig{
		Name:          "test-nats",
		URL:           url,
		Timeout:       2 * time.Second,
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// GetNATSConnector 获取已连接的 NATS 连接器，不可用时跳过测试
func GetNATSConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	cfg := GetNATSConfig()
	if cfg == nil {
		t.Skip("NATS_URL not set, skipping nats test")
	}

	conn, err := connector.NewNATS(cfg, connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create nats connector: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.Connect(context.Background()); err != nil {
		t.Skipf("nats not reachable at %s: %v", cfg.URL, err)
	}
	return conn
}

// GetNATSConn 获取原生 NATS 连接
func GetNATSConn(t *testing.T) *nats.Conn {
	t.Helper()
	return GetNATSConnector(t).GetClient()
}
