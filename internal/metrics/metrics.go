// Package metrics exposes monitor state as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/j-veylop/cliproxy-manager/internal/models"
	"github.com/j-veylop/cliproxy-manager/internal/version"
)

const namespace = "cpm"

// Metrics holds the collectors of one monitor on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	accountRemaining *prometheus.GaugeVec
	totalRemaining   prometheus.Gauge
	totalRate        prometheus.Gauge
	timeToEmpty      prometheus.Gauge
	panelErrors      *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	steps            prometheus.Counter
	buildInfo        *prometheus.GaugeVec
}

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		accountRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_remaining",
				Help:      "Remaining Kiro balance per account",
			},
			[]string{"panel", "account"},
		),
		totalRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_remaining",
			Help:      "Remaining Kiro balance summed over all accounts",
		}),
		totalRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumption_rate_per_hour",
			Help:      "Combined consumption rate over the sample window",
		}),
		timeToEmpty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "time_to_empty_seconds",
			Help:      "Projected time until the total balance is exhausted, -1 when unbounded",
		}),
		panelErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panel_errors_total",
				Help:      "Failed panel queries",
			},
			[]string{"panel", "kind"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "panel_query_duration_seconds",
				Help:      "Panel query duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"panel"},
		),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_steps_total",
			Help:      "Completed monitor steps",
		}),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build of the running binary, always 1",
			},
			[]string{"version", "commit", "date"},
		),
	}
	m.buildInfo.WithLabelValues(version.GetVersion(), version.GetCommit(), version.GetDate()).Set(1)

	m.registry.MustRegister(
		m.accountRemaining,
		m.totalRemaining,
		m.totalRate,
		m.timeToEmpty,
		m.panelErrors,
		m.queryDuration,
		m.steps,
		m.buildInfo,
	)
	return m
}

// ObservePanel records the outcome of one panel query. kind is empty on success.
func (m *Metrics) ObservePanel(panel, kind string, elapsed time.Duration) {
	m.queryDuration.WithLabelValues(panel).Observe(elapsed.Seconds())
	if kind != "" {
		m.panelErrors.WithLabelValues(panel, kind).Inc()
	}
}

// ObserveRecords replaces the per-account gauges with the given records.
func (m *Metrics) ObserveRecords(records []models.AccountUsageRecord) {
	m.accountRemaining.Reset()
	for i := range records {
		r := &records[i]
		if !r.OK() {
			continue
		}
		m.accountRemaining.WithLabelValues(r.Panel, r.Account).Set(r.Remaining)
	}
}

// ObserveTotal records the combined estimate of a step.
func (m *Metrics) ObserveTotal(total models.Estimate) {
	m.steps.Inc()
	m.totalRemaining.Set(total.Remaining)
	m.totalRate.Set(total.RatePerHour)
	if total.Bounded {
		m.timeToEmpty.Set(total.TimeToEmpty.Seconds())
	} else {
		m.timeToEmpty.Set(-1)
	}
}
