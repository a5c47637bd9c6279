package metrics

import "time"

// Counter defines the contract for counters.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

// Gauge defines the contract for gauges.
type Gauge interface {
	// Update sets the gauge to the provided value.
	Update(value float64)
}

// Timer defines the contract for latency recorders.
type Timer interface {
	// Record registers a single measured duration.
	Record(d time.Duration)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all

type NopGauge struct{}

var _ Gauge = (*NopGauge)(nil)

func (*NopGauge) Update(value float64) {} //nolint:all

type NopTimer struct{}

var _ Timer = (*NopTimer)(nil)

func (*NopTimer) Record(d time.Duration) {} //nolint:all
