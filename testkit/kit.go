// Package testkit 为各组件的测试提供通用依赖。
//
// 依赖外部服务的测试通过环境变量获取地址，服务不可达时调用 t.Skip：
//
//	ETCD_ENDPOINTS=127.0.0.1:2379 NATS_URL=nats://127.0.0.1:4222 go test ./...
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ceyewan/discovery/clog"
	"github.com/ceyewan/discovery/metrics"
)

// Kit 包含通用的测试依赖
type Kit struct {
	Ctx    context.Context
	Logger clog.Logger
	Meter  metrics.Meter
}

// NewKit 返回一个包含默认依赖的测试工具包
func NewKit(t *testing.T) *Kit {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Kit{
		Ctx:    ctx,
		Logger: NewLogger(),
		Meter:  metrics.Discard(),
	}
}

// NewLogger 返回一个用于测试的 logger，只输出 warn 及以上级别
func NewLogger() clog.Logger {
	logger, err := clog.New(&clog.Config{Level: "warn", Format: "console", Output: "stderr"},
		clog.WithNamespace("test"))
	if err != nil {
		return clog.Discard()
	}
	return logger
}

// NewMeter 返回一个启用但不监听端口的 Meter，测试结束时关闭
func NewMeter(t *testing.T) metrics.Meter {
	t.Helper()
	meter, err := metrics.New(&metrics.Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("failed to create meter: %v", err)
	}
	t.Cleanup(func() { _ = meter.Shutdown(context.Background()) })
	return meter
}

// NewContext 返回一个带有超时的测试上下文，t 结束时自动取消
func NewContext(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewID 返回一个唯一的测试 ID (UUID v4 前 8 位)
// 用于生成唯一的 Key 前缀或 Subject 后缀，避免测试间数据冲突
func NewID() string {
	return uuid.New().String()[0:8]
}
