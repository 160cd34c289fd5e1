// Package metrics exposes queue and circuit state to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CountSource reports task counts per status.
type CountSource interface {
	Counts(ctx context.Context) (map[task.Status]int, error)
}

// BreakerSource lists circuit snapshots.
type BreakerSource interface {
	List() []breaker.Snapshot
}

var (
	queueDepthDesc = prometheus.NewDesc(
		"conveyor_tasks",
		"Number of tasks by status.",
		[]string{"status"}, nil,
	)
	breakerStateDesc = prometheus.NewDesc(
		"conveyor_circuit_state",
		"Circuit state per resource key (0 closed, 1 half-open, 2 open).",
		[]string{"resource_key"}, nil,
	)
	breakerPausedDesc = prometheus.NewDesc(
		"conveyor_circuit_paused",
		"Whether the circuit was paused by an operator.",
		[]string{"resource_key"}, nil,
	)
	breakerFailuresDesc = prometheus.NewDesc(
		"conveyor_circuit_failures_in_window",
		"Failures counted in the current window.",
		[]string{"resource_key"}, nil,
	)
	scrapeErrorDesc = prometheus.NewDesc(
		"conveyor_store_scrape_error",
		"1 if the last task count query failed.",
		nil, nil,
	)
)

// stateValue maps a circuit state to a gauge value.
func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Collector reads queue depth and circuit state at scrape time.
type Collector struct {
	counts   CountSource
	breakers BreakerSource
	timeout  time.Duration
	log      *slog.Logger
}

// NewCollector returns a collector. Either source may be nil.
func NewCollector(counts CountSource, breakers BreakerSource) *Collector {
	return &Collector{counts: counts, breakers: breakers, timeout: 5 * time.Second, log: slog.Default()}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- breakerStateDesc
	ch <- breakerPausedDesc
	ch <- breakerFailuresDesc
	ch <- scrapeErrorDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.counts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		counts, err := c.counts.Counts(ctx)
		cancel()
		failed := 0.0
		if err != nil {
			c.log.Warn("task count scrape failed", "error", err)
			failed = 1
		} else {
			for _, s := range task.AllStatuses() {
				ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(counts[s]), string(s))
			}
		}
		ch <- prometheus.MustNewConstMetric(scrapeErrorDesc, prometheus.GaugeValue, failed)
	}
	if c.breakers != nil {
		for _, snap := range c.breakers.List() {
			ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, stateValue(snap.State), snap.Key)
			ch <- prometheus.MustNewConstMetric(breakerPausedDesc, prometheus.GaugeValue, boolValue(snap.Paused), snap.Key)
			ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(snap.Failures), snap.Key)
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// HTTPMetrics records admin API traffic.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the admin API request metrics on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conveyor_admin_requests_total",
				Help: "Admin API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conveyor_admin_request_duration_seconds",
				Help:    "Admin API request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// Observe records one finished request.
func (m *HTTPMetrics) Observe(route string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(d.Seconds())
}

// NewRegistry returns a registry carrying the engine collector plus the
// Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if c != nil {
		reg.MustRegister(c)
	}
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
