package trace

import "github.com/ceyewan/discovery/xerrors"

// Config 链路追踪配置
type Config struct {
	// ServiceName 上报的服务名
	ServiceName string `yaml:"service_name" json:"service_name" mapstructure:"service_name"`

	// Endpoint OTLP gRPC 地址（如 Tempo/Jaeger），为空时只生成 TraceID 不导出
	Endpoint string `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`

	// Sampler 采样率 [0, 1]，默认 1.0
	Sampler float64 `yaml:"sampler" json:"sampler" mapstructure:"sampler"`

	// Batcher 导出方式："batch" | "simple"，默认 "batch"
	Batcher string `yaml:"batcher" json:"batcher" mapstructure:"batcher"`

	// Insecure 是否使用明文连接
	Insecure bool `yaml:"insecure" json:"insecure" mapstructure:"insecure"`
}

func (c *Config) setDefaults() {
	if c.Sampler == 0 {
		c.Sampler = 1.0
	}
	if c.Batcher == "" {
		c.Batcher = "batch"
	}
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "service_name is required")
	}
	if c.Sampler < 0 || c.Sampler > 1 {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "sampler must be between 0 and 1, got %v", c.Sampler)
	}
	if c.Batcher != "batch" && c.Batcher != "simple" {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "batcher must be \"batch\" or \"simple\", got %q", c.Batcher)
	}
	return nil
}
