package metrics

import "context"

// Discard 返回一个丢弃所有记录的 Meter
func Discard() Meter {
	return noopMeter{}
}

type noopMeter struct{}

func (noopMeter) Counter(name string, desc string, opts ...MetricOption) (Counter, error) {
	return noopCounter{}, nil
}

func (noopMeter) Gauge(name string, desc string, opts ...MetricOption) (Gauge, error) {
	return noopGauge{}, nil
}

func (noopMeter) Histogram(name string, desc string, opts ...MetricOption) (Histogram, error) {
	return noopHistogram{}, nil
}

func (noopMeter) Shutdown(ctx context.Context) error { return nil }

type noopCounter struct{}

func (noopCounter) Inc(ctx context.Context, labels ...Label)              {}
func (noopCounter) Add(ctx context.Context, val float64, labels ...Label) {}

type noopGauge struct{}

func (noopGauge) Set(ctx context.Context, val float64, labels ...Label) {}
func (noopGauge) Inc(ctx context.Context, labels ...Label)              {}
func (noopGauge) Dec(ctx context.Context, labels ...Label)              {}

type noopHistogram struct{}

func (noopHistogram) Record(ctx context.Context, val float64, labels ...Label) {}
