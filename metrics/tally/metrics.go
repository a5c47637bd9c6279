package tally

import (
	"io"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	tally "github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

type Counter struct {
	Counter tally.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

type Gauge struct {
	Gauge tally.Gauge
}

var _ metrics.Gauge = (*Gauge)(nil)

func (g *Gauge) Update(value float64) {
	g.Gauge.Update(value)
}

type Timer struct {
	Timer tally.Timer
}

var _ metrics.Timer = (*Timer)(nil)

func (t *Timer) Record(d time.Duration) {
	t.Timer.Record(d)
}

// Registry groups the instruments used by the outbox dispatcher and the inbox
// consumers under a single tally scope.
type Registry struct {
	scope tally.Scope
}

// NewRegistry wraps an existing scope.
func NewRegistry(scope tally.Scope) *Registry {
	if scope == nil {
		panic("scope is mandatory")
	}
	return &Registry{scope: scope}
}

// NewPrometheusRegistry creates a root scope reporting to its own Prometheus
// registry. The returned handler exposes the collected metrics and the closer
// flushes and stops the scope.
func NewPrometheusRegistry(prefix string, interval time.Duration) (*Registry, http.Handler, io.Closer) {
	promRegistry := prometheus.NewRegistry()
	reporter := promreporter.NewReporter(promreporter.Options{Registerer: promRegistry})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:          prefix,
		Tags:            map[string]string{},
		CachedReporter:  reporter,
		Separator:       promreporter.DefaultSeparator,
		SanitizeOptions: &promreporter.DefaultSanitizerOpts,
	}, interval)
	return &Registry{scope: scope}, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}), closer
}

// Counter returns a counter tagged with the provided component.
func (r *Registry) Counter(component string, name string) *Counter {
	return &Counter{Counter: r.scope.Tagged(map[string]string{"component": component}).Counter(name)}
}

// Gauge returns a gauge tagged with the provided component.
func (r *Registry) Gauge(component string, name string) *Gauge {
	return &Gauge{Gauge: r.scope.Tagged(map[string]string{"component": component}).Gauge(name)}
}

// Timer returns a timer tagged with the provided component.
func (r *Registry) Timer(component string, name string) *Timer {
	return &Timer{Timer: r.scope.Tagged(map[string]string{"component": component}).Timer(name)}
}
