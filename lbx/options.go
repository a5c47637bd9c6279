package lbx

import (
	"reflect"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/3rs4lg4d0/ledgerbox/metrics"
)

// options holds the optional collaborators shared by the outbox writer, the
// dispatcher, the consumers and the health checker.
type options struct {
	logger         logger.Logger
	successCtr     metrics.Counter
	errorCtr       metrics.Counter
	deadLetterCtr  metrics.Counter
	latency        metrics.Timer
	pending        metrics.Gauge
	pendingWarning int64
	clock          func() time.Time
}

// Option allows optional configuration.
type Option func(o *options)

func newOptions(opts []Option) options {
	o := options{
		logger:         &logger.NopLogger{},
		successCtr:     &metrics.NopCounter{},
		errorCtr:       &metrics.NopCounter{},
		deadLetterCtr:  &metrics.NopCounter{},
		latency:        &metrics.NopTimer{},
		pending:        &metrics.NopGauge{},
		pendingWarning: defaultPendingWarning,
		clock:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for successful
// and failed deliveries (or handled messages in the case of consumers).
func WithCounters(success metrics.Counter, failure metrics.Counter) Option {
	return func(o *options) {
		if success != nil {
			o.successCtr = success
		}
		if failure != nil {
			o.errorCtr = failure
		}
	}
}

// WithDeadLetterCounter counts the messages moved to the dead letter store.
func WithDeadLetterCounter(c metrics.Counter) Option {
	return func(o *options) {
		if c != nil {
			o.deadLetterCtr = c
		}
	}
}

// WithLatencyTimer records publish latencies.
func WithLatencyTimer(t metrics.Timer) Option {
	return func(o *options) {
		if t != nil {
			o.latency = t
		}
	}
}

// WithPendingGauge reports the pending outbox records seen by health checks.
func WithPendingGauge(g metrics.Gauge) Option {
	return func(o *options) {
		if g != nil {
			o.pending = g
		}
	}
}

// WithPendingWarningThreshold sets the pending outbox count above which the
// health report carries a warning.
func WithPendingWarningThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.pendingWarning = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// isNil reports whether v is nil or an interface holding a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
