// Package xerrors 提供标准化错误处理工具。
//
// 底层基于 cockroachdb/errors：Wrap 会携带调用栈。包级哨兵错误通过 NewSentinel
// 归类到 ErrNotFound / ErrInvalidInput / ErrUnavailable / ErrInternal 等错误类别上，
// 调用方既可以判断精确错误，也可以只判断类别。
package xerrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// 错误类别。各组件的哨兵错误通过 NewSentinel 归入这些类别。
var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable 依赖暂不可用（网络中断、熔断等），稍后可重试
	ErrUnavailable = errors.New("unavailable")

	// ErrInternal 依赖返回的数据前后不一致，或出现不应发生的内部状态
	ErrInternal = errors.New("internal")
)

// Wrap 用上下文信息包装错误，保留错误链。
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf 用格式化的上下文信息包装错误。
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// NewSentinel 创建归属于 class 类别的哨兵错误。
// 同类别的不同哨兵互不相等，但都满足 Is(err, class)。
//
//	var ErrServiceNotFound = xerrors.NewSentinel(xerrors.ErrNotFound, "service not found")
func NewSentinel(class error, msg string) error {
	return &sentinelError{msg: msg, class: class}
}

type sentinelError struct {
	msg   string
	class error
}

func (e *sentinelError) Error() string { return e.msg }

func (e *sentinelError) Is(target error) bool {
	return e.class != nil && target == e.class
}

// Attach 将底层错误 cause 挂到哨兵 sentinel 下：
// 消息为 "sentinel: cause"，Is 对 sentinel 及 cause 链上的错误都成立。
func Attach(cause error, sentinel error) error {
	if cause == nil {
		return nil
	}
	return &attachedError{sentinel: sentinel, cause: cause}
}

type attachedError struct {
	sentinel error
	cause    error
}

func (e *attachedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *attachedError) Is(target error) bool {
	return errors.Is(e.sentinel, target)
}

func (e *attachedError) Unwrap() error {
	return e.cause
}

// Mask 与 Attach 相同，但 cause 只保留消息，不再参与 Is 判断。
// 用于把下游错误的类别替换为 sentinel 的类别。
func Mask(cause error, sentinel error) error {
	if cause == nil {
		return nil
	}
	return &attachedError{sentinel: sentinel, cause: errors.Handled(cause)}
}

// WithCode 用错误码包装错误。
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Cause: err}
}

// CodedError 带有机器可读错误码的错误。
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Cause
}

// GetCode 从错误链中提取错误码。
func GetCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Must 如果 err 不为 nil，则 panic。仅用于初始化阶段。
func Must[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: %v", err))
	}
	return v
}

// MultiError 合并多个错误。
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%v (and %d more errors)", m.Errors[0], len(m.Errors)-1)
}

func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Combine 将多个错误合并为一个，nil 会被忽略。
func Combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &MultiError{Errors: nonNil}
	}
}

// 再导出
var (
	New  = errors.New
	Newf = errors.Newf
	Is   = errors.Is
	As   = errors.As
)
