package instcache

import (
	"github.com/ceyewan/discovery/registry"
	"github.com/ceyewan/discovery/xerrors"
)

const (
	// DefaultVersion 未声明版本的实例所在的分组
	DefaultVersion = "microservice.default.version"

	defaultLockStripes = 64
)

// Config 实例缓存配置
type Config struct {
	// DefaultVersion 未声明版本时使用的分组名，默认 "microservice.default.version"
	DefaultVersion string `yaml:"default_version" json:"default_version" mapstructure:"default_version"`

	// AllVersionRule 全量缓存拉取时使用的版本规则，默认 "0+"
	AllVersionRule string `yaml:"all_version_rule" json:"all_version_rule" mapstructure:"all_version_rule"`

	// LockStripes 缓存键状态表的分片数量，默认 64
	LockStripes int `yaml:"lock_stripes" json:"lock_stripes" mapstructure:"lock_stripes"`
}

func (c *Config) setDefaults() {
	if c.DefaultVersion == "" {
		c.DefaultVersion = DefaultVersion
	}
	if c.AllVersionRule == "" {
		c.AllVersionRule = registry.RuleAll
	}
	if c.LockStripes <= 0 {
		c.LockStripes = defaultLockStripes
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	if _, err := registry.ParseRule(c.AllVersionRule); err != nil {
		return xerrors.Wrap(err, "all_version_rule")
	}
	return nil
}
