// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry owns every collector on a private prometheus registry. All
// recording methods are safe on a nil *Registry so components can run
// without metrics in tests and one-shot CLI commands.
type Registry struct {
	reg *prometheus.Registry

	EvalDuration  *prometheus.HistogramVec
	EvalOverruns  *prometheus.CounterVec
	CloseConflict *prometheus.CounterVec
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Windows       *prometheus.CounterVec
	Jobs          *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
}

// New builds and registers the collectors.
func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		EvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wfengine_condition_eval_seconds",
				Help:    "Condition tree evaluation time by mode",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"mode"},
		),
		EvalOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_condition_eval_overruns_total",
				Help: "Live evaluations that exceeded their latency budget",
			},
			[]string{"symbol"},
		),
		CloseConflict: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_position_close_conflicts_total",
				Help: "Close attempts that lost the close-if-open race",
			},
			[]string{"symbol"},
		),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_paper_cycles_total",
				Help: "Paper trading cycles by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wfengine_paper_cycle_seconds",
				Help:    "Wall time of one paper trading cycle",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		Windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_walkforward_windows_total",
				Help: "Walk-forward windows by result",
			},
			[]string{"result"},
		),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_jobs_total",
				Help: "Batch jobs by final status",
			},
			[]string{"status"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wfengine_open_positions",
				Help: "Paper positions currently open",
			},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_cache_hits_total",
				Help: "Cache hits by cache",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfengine_cache_misses_total",
				Help: "Cache misses by cache",
			},
			[]string{"cache"},
		),
	}

	m.reg.MustRegister(
		m.EvalDuration,
		m.EvalOverruns,
		m.CloseConflict,
		m.Cycles,
		m.CycleDuration,
		m.Windows,
		m.Jobs,
		m.OpenPositions,
		m.CacheHits,
		m.CacheMisses,
	)
	return m
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// ObserveEval records one condition evaluation.
func (m *Registry) ObserveEval(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvalDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// EvalOverrun counts a live evaluation over budget.
func (m *Registry) EvalOverrun(symbol string, elapsed, budget time.Duration) {
	if m == nil {
		return
	}
	m.EvalOverruns.WithLabelValues(symbol).Inc()
	log.Debug().
		Str("symbol", symbol).
		Dur("elapsed", elapsed).
		Dur("budget", budget).
		Msg("eval overrun recorded")
}

// CloseConflicted counts a lost close race.
func (m *Registry) CloseConflicted(symbol string) {
	if m == nil {
		return
	}
	m.CloseConflict.WithLabelValues(symbol).Inc()
}

// ObserveCycle records one paper cycle.
func (m *Registry) ObserveCycle(symbol, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(symbol, outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// ObserveWindow counts a walk-forward window by result ("selected", "low_data", "overfit").
func (m *Registry) ObserveWindow(result string) {
	if m == nil {
		return
	}
	m.Windows.WithLabelValues(result).Inc()
}

// ObserveJob counts a finished job.
func (m *Registry) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(status).Inc()
}

// SetOpenPositions sets the open position gauge.
func (m *Registry) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// CacheHit counts a hit on the named cache.
func (m *Registry) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss counts a miss on the named cache.
func (m *Registry) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}
