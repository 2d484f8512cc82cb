package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leverwatch"

// Metrics holds the Prometheus collectors of the monitor. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	Cycles         prometheus.Counter
	CycleDuration  prometheus.Histogram
	Faults         prometheus.Counter
	AlertsSent     *prometheus.CounterVec // labels: state
	AlertsFailed   prometheus.Counter
	SymbolErrors   *prometheus.CounterVec // labels: kind
	FetchDuration  prometheus.Histogram
	TrackedSymbols prometheus.Gauge
	UniverseSize   prometheus.Gauge

	QuotaUsed      prometheus.Gauge
	QuotaRemaining prometheus.Gauge
	QuotaPauses    prometheus.Gauge
}

// NewMetrics creates the collectors on a dedicated registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed monitoring cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full pass over the symbol universe",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_faults_total",
			Help:      "Cycles aborted by an unexpected fault",
		}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Alerts accepted by at least one channel",
		}, []string{"state"}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_failed_total",
			Help:      "Alerts no channel accepted",
		}),
		SymbolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_errors_total",
			Help:      "Symbol evaluations skipped because of an error",
		}, []string{"kind"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candle_fetch_duration_seconds",
			Help:      "Latency of a candle window fetch including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		TrackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_symbols",
			Help:      "Symbols with a stored alert state",
		}),
		UniverseSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "universe_symbols",
			Help:      "Leveraged symbols in the last loaded universe",
		}),
		QuotaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchange_weight_used",
			Help:      "Request weight used in the current minute",
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchange_weight_remaining",
			Help:      "Request weight left in the current minute",
		}),
		QuotaPauses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchange_quota_pauses",
			Help:      "Pauses taken because the quota ran low",
		}),
	}

	m.registry.MustRegister(
		m.Cycles,
		m.CycleDuration,
		m.Faults,
		m.AlertsSent,
		m.AlertsFailed,
		m.SymbolErrors,
		m.FetchDuration,
		m.TrackedSymbols,
		m.UniverseSize,
		m.QuotaUsed,
		m.QuotaRemaining,
		m.QuotaPauses,
	)

	return m
}

// Registry exposes the registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleCompleted(duration time.Duration, tracked int) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.TrackedSymbols.Set(float64(tracked))
}

func (m *Metrics) CycleFault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
}

func (m *Metrics) Universe(size int) {
	if m == nil {
		return
	}
	m.UniverseSize.Set(float64(size))
}

func (m *Metrics) AlertSent(state string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(state).Inc()
}

func (m *Metrics) AlertFailed() {
	if m == nil {
		return
	}
	m.AlertsFailed.Inc()
}

func (m *Metrics) SymbolError(kind string) {
	if m == nil {
		return
	}
	m.SymbolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) FetchObserved(duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(duration.Seconds())
}

// Quota publishes the exchange weight usage
func (m *Metrics) Quota(used, remaining, pauses int) {
	if m == nil {
		return
	}
	m.QuotaUsed.Set(float64(used))
	m.QuotaRemaining.Set(float64(remaining))
	m.QuotaPauses.Set(float64(pauses))
}

// Reset zeroes the gauges after a restart. Counters are monotonic and stay.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.TrackedSymbols.Set(0)
}
