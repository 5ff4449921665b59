package testkit

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/discovery/connector"
)

// GetEtcdConfig 返回 etcd 测试配置，地址取自 ETCD_ENDPOINTS（逗号分隔），未设置时返回 nil
func GetEtcdConfig() *connector.EtcdConfig {
	raw := os.Getenv("ETCD_ENDPOINTS")
	if raw == "" {
		return nil
	}
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   strings.Split(raw, ","),
		DialTimeout: 3 * time.Second,
	}
}

// GetEtcdConnector 获取已连接的 etcd 连接器，不可用时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	cfg := GetEtcdConfig()
	if cfg == nil {
		t.Skip("ETCD_ENDPOINTS not set, skipping etcd test")
	}

	conn, err := connector.NewEtcd(cfg, connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Skipf("etcd not reachable at %v: %v", cfg.Endpoints, err)
	}
	return conn
}

// GetEtcdClient 获取原生 etcd 客户端
func GetEtcdClient(t *testing.T) *clientv3.Client {
	t.Helper()
	return GetEtcdConnector(t).GetClient()
}
