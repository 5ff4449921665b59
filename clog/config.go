package clog

import (
	"fmt"
	"strings"
)

// TimeFormat 日志时间格式
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config 日志配置结构
//
//	Level:  日志级别 (debug|info|warn|error)
//	Format: 输出格式 (json|console)
//	Output: 输出目标 (stdout|stderr|文件路径)，文件输出按大小滚动
//
// 示例：
//
//	config := &clog.Config{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "/var/log/discovery.log",
//	    AddSource: true,
//	}
type Config struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	Format    string `json:"format" yaml:"format" mapstructure:"format"`
	Output    string `json:"output" yaml:"output" mapstructure:"output"`
	AddSource bool   `json:"addSource" yaml:"addSource" mapstructure:"add_source"`

	// 以下仅在 Output 为文件路径时生效
	MaxSizeMB  int  `json:"maxSizeMB" yaml:"maxSizeMB" mapstructure:"max_size_mb"`    // 单文件大小上限，默认 100
	MaxBackups int  `json:"maxBackups" yaml:"maxBackups" mapstructure:"max_backups"` // 保留的旧文件个数，默认 7
	MaxAgeDays int  `json:"maxAgeDays" yaml:"maxAgeDays" mapstructure:"max_age_days"` // 旧文件保留天数，默认 30
	Compress   bool `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// NewDevDefaultConfig 开发环境默认配置：debug 级别、console 格式、输出到 stdout
func NewDevDefaultConfig() *Config {
	return &Config{
		Level:     "debug",
		Format:    "console",
		Output:    "stdout",
		AddSource: true,
	}
}

// NewProdDefaultConfig 生产环境默认配置：info 级别、json 格式
func NewProdDefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// validate 设置默认值并验证配置（内部使用）
func (c *Config) validate() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 7
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}

	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	format := strings.ToLower(c.Format)
	if format != "json" && format != "console" {
		return fmt.Errorf("invalid format: %s, must be json or console", c.Format)
	}
	return nil
}
