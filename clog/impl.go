package clog

import (
	"context"
	"os"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NamespaceKey 是日志中命名空间的字段名
const NamespaceKey = "namespace"

// loggerImpl 是 Logger 接口的 zap 实现
type loggerImpl struct {
	z         *zap.Logger
	level     zap.AtomicLevel // 父子 Logger 共享，SetLevel 对所有派生实例生效
	options   *options
	namespace string
}

// newLogger 创建 Logger 实例（内部使用）
func newLogger(config *Config, opts *options) (Logger, error) {
	level, _ := ParseLevel(config.Level)
	atomicLevel := zap.NewAtomicLevelAt(level.zapLevel())

	core := zapcore.NewCore(newEncoder(config), newWriteSyncer(config, opts), atomicLevel)

	zapOpts := []zap.Option{zap.AddCallerSkip(2)}
	if config.AddSource {
		zapOpts = append(zapOpts, zap.AddCaller())
	}

	return &loggerImpl{
		z:         zap.New(core, zapOpts...),
		level:     atomicLevel,
		options:   opts,
		namespace: strings.Join(opts.namespaceParts, "."),
	}, nil
}

func newEncoder(config *Config) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(TimeFormat)
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.ToLower(config.Format) == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func newWriteSyncer(config *Config, opts *options) zapcore.WriteSyncer {
	if opts.writer != nil {
		return zapcore.AddSync(opts.writer)
	}
	switch strings.ToLower(config.Output) {
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	default:
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	}
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{
		z:         l.z.With(fields...),
		level:     l.level,
		options:   l.options,
		namespace: l.namespace,
	}
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	newOptions := *l.options
	newOptions.namespaceParts = append(append([]string{}, l.options.namespaceParts...), parts...)

	return &loggerImpl{
		z:         l.z,
		level:     l.level,
		options:   &newOptions,
		namespace: strings.Join(newOptions.namespaceParts, "."),
	}
}

func (l *loggerImpl) SetLevel(level Level) error {
	if _, err := ParseLevel(level.String()); err != nil {
		return err
	}
	l.level.SetLevel(level.zapLevel())
	return nil
}

func (l *loggerImpl) Flush() {
	_ = l.z.Sync()
}

func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields []Field) {
	ce := l.z.Check(level.zapLevel(), msg)
	if ce == nil {
		return
	}

	all := make([]Field, 0, len(fields)+len(l.options.contextFields)+3)
	if l.namespace != "" {
		all = append(all, zap.String(NamespaceKey, l.namespace))
	}
	all = append(all, fields...)
	if ctx != nil {
		for _, cf := range l.options.contextFields {
			if v := ctx.Value(cf.Key); v != nil {
				all = append(all, zap.Any(cf.FieldName, v))
			}
		}
		if l.options.traceContext {
			if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
				all = append(all,
					zap.String("trace_id", sc.TraceID().String()),
					zap.String("span_id", sc.SpanID().String()))
			}
		}
	}
	ce.Write(all...)
}
