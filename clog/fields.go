package clog

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field 是 zap.Field 的类型别名
type Field = zap.Field

// String 创建字符串字段
func String(k, v string) Field {
	return zap.String(k, v)
}

// Strings 创建字符串切片字段
func Strings(k string, v []string) Field {
	return zap.Strings(k, v)
}

// Int 创建整数字段
func Int(k string, v int) Field {
	return zap.Int(k, v)
}

// Int64 创建64位整数字段
func Int64(k string, v int64) Field {
	return zap.Int64(k, v)
}

// Float64 创建浮点数字段
func Float64(k string, v float64) Field {
	return zap.Float64(k, v)
}

// Bool 创建布尔字段
func Bool(k string, v bool) Field {
	return zap.Bool(k, v)
}

// Duration 创建时间长度字段
func Duration(k string, v time.Duration) Field {
	return zap.Duration(k, v)
}

// Any 创建任意类型字段
func Any(k string, v any) Field {
	return zap.Any(k, v)
}

// Error 将错误简化为仅包含错误消息的字段：err_msg="..."
func Error(err error) Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("err_msg", err.Error())
}

// ErrorWithCode 包含错误码的错误字段：error={msg="...", code="..."}
func ErrorWithCode(err error, code string) Field {
	return zap.Object("error", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		if err != nil {
			enc.AddString("msg", err.Error())
		}
		enc.AddString("code", code)
		return nil
	}))
}
