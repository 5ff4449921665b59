package config

import "github.com/ceyewan/discovery/xerrors"

// ErrValidationFailed 配置验证失败
var ErrValidationFailed = xerrors.NewSentinel(xerrors.ErrInvalidInput, "configuration validation failed")

// IsInvalidInput 检查错误是否为配置格式无效或验证失败
func IsInvalidInput(err error) bool {
	return xerrors.Is(err, xerrors.ErrInvalidInput)
}
