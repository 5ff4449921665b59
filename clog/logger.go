// Package clog 提供基于 zap 的结构化日志组件，支持 Context 字段提取和命名空间管理。
//
// 特性：
//   - 抽象接口，不暴露底层实现（zap）
//   - 支持层级命名空间，适配微服务架构
//   - 文件输出通过 lumberjack 按大小滚动
//   - 运行时动态调整日志级别
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{
//	    Level:  "info",
//	    Format: "console",
//	    Output: "stdout",
//	})
//	logger.Info("Hello, World!", clog.String("key", "value"))
//
// 使用函数式选项：
//
//	logger, _ := clog.New(&clog.Config{Level: "info"},
//	    clog.WithNamespace("discovery", "instcache"),
//	    clog.WithStandardContext(),
//	)
package clog

import "context"

// Logger 日志接口
//
// 创建子 Logger：
//
//	childLogger := logger.With(clog.String("module", "registry"))
//	namespacedLogger := logger.WithNamespace("registry", "etcd")
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// 带 Context 的版本会按 WithContextField 的规则提取字段
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)

	// With 创建一个带有预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 创建一个扩展命名空间的子 Logger
	//
	//   logger.WithNamespace("service", "api").WithNamespace("users")
	//   // 最终命名空间为 "service.api.users"
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整日志级别，对所有派生的子 Logger 同时生效
	SetLevel(level Level) error

	// Flush 同步缓冲区
	Flush()
}
