package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook implements Prometheus metrics collection for statements
type MetricsHook struct {
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers its collectors.
// Registering twice against the same registry is not an error.
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedkit_statement_duration_seconds",
				Help:    "Duration of engine statements in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedkit_statements_total",
				Help: "Total number of engine statements",
			},
			[]string{"operation"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedkit_statement_errors_total",
				Help: "Total number of failed engine statements",
			},
			[]string{"operation"},
		),
	}

	if err := register(registry, h.duration, h.total, h.failures); err != nil {
		return nil, err
	}
	return h, nil
}

// BeforeQuery is called before a statement is executed
func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a statement is executed
func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	op := OperationType(event.Query)

	h.duration.WithLabelValues(op).Observe(time.Since(event.StartTime).Seconds())
	h.total.WithLabelValues(op).Inc()
	if event.Err != nil {
		h.failures.WithLabelValues(op).Inc()
	}
}

// PoolSnapshot is the subset of pool statistics exported as metrics.
type PoolSnapshot struct {
	Total          int
	InUse          int
	Available      int
	MaxConnections int
	WaitCount      int64
	WaitDuration   time.Duration
	Replaced       int64
	IdleClosed     int64
}

// PoolCollector exports the statistics of one connection pool.
type PoolCollector struct {
	stats func() PoolSnapshot

	total        *prometheus.Desc
	inUse        *prometheus.Desc
	available    *prometheus.Desc
	max          *prometheus.Desc
	waitCount    *prometheus.Desc
	waitDuration *prometheus.Desc
	replaced     *prometheus.Desc
	idleClosed   *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector labelled with the pool name that
// calls stats on every scrape.
func NewPoolCollector(pool string, stats func() PoolSnapshot) *PoolCollector {
	labels := prometheus.Labels{"pool": pool}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("embedkit_pool_"+name, help, nil, labels)
	}

	return &PoolCollector{
		stats:        stats,
		total:        desc("connections", "Connections currently owned by the pool"),
		inUse:        desc("connections_in_use", "Connections currently handed out"),
		available:    desc("connections_idle", "Connections currently idle"),
		max:          desc("connections_max", "Maximum number of connections"),
		waitCount:    desc("wait_total", "Total number of acquisitions that had to wait"),
		waitDuration: desc("wait_seconds_total", "Total time spent waiting for a connection"),
		replaced:     desc("replaced_total", "Connections replaced after failed validation"),
		idleClosed:   desc("idle_closed_total", "Connections closed by idle reaping"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.inUse
	ch <- c.available
	ch <- c.max
	ch <- c.waitCount
	ch <- c.waitDuration
	ch <- c.replaced
	ch <- c.idleClosed
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.Available))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConnections))
	ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitDuration, prometheus.CounterValue, s.WaitDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.replaced, prometheus.CounterValue, float64(s.Replaced))
	ch <- prometheus.MustNewConstMetric(c.idleClosed, prometheus.CounterValue, float64(s.IdleClosed))
}

// RegisterPoolCollector registers c, tolerating a previous registration of
// an identical collector.
func RegisterPoolCollector(registry prometheus.Registerer, c *PoolCollector) error {
	return register(registry, c)
}

func register(registry prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
