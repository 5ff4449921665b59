package clog

import "context"

// discard 丢弃所有日志，派生出的 Logger 仍是它自己
type discard struct{}

var discardLogger Logger = discard{}

// Discard 返回静默的 Logger，常用作组件默认值
func Discard() Logger {
	return discardLogger
}

func (discard) Debug(string, ...Field)                         {}
func (discard) Info(string, ...Field)                          {}
func (discard) Warn(string, ...Field)                          {}
func (discard) Error(string, ...Field)                         {}
func (discard) DebugContext(context.Context, string, ...Field) {}
func (discard) InfoContext(context.Context, string, ...Field)  {}
func (discard) WarnContext(context.Context, string, ...Field)  {}
func (discard) ErrorContext(context.Context, string, ...Field) {}
func (d discard) With(...Field) Logger                         { return d }
func (d discard) WithNamespace(...string) Logger               { return d }
func (discard) SetLevel(Level) error                           { return nil }
func (discard) Flush()                                         {}
