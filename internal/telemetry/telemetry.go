// Package telemetry exposes operational counters for the backtesting
// pipeline. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
	CacheError = "error"
)

// Optimizer trial outcomes.
const (
	TrialScored   = "scored"
	TrialUnscored = "unscored"
	TrialInvalid  = "invalid"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	reg *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	cacheWrites      *prometheus.CounterVec
	backtestRuns     prometheus.Counter
	backtestDuration prometheus.Histogram
	trades           *prometheus.CounterVec
	optimizerTrials  *prometheus.CounterVec
	fetchRequests    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantsim_cache_lookups_total",
				Help: "Processed-series cache lookups by outcome",
			},
			[]string{"result"},
		),
		cacheWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantsim_cache_writes_total",
				Help: "Processed-series cache writes by outcome",
			},
			[]string{"result"},
		),
		backtestRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "quantsim_backtest_runs_total",
			Help: "Completed simulation runs",
		}),
		backtestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantsim_backtest_duration_seconds",
			Help:    "Wall time of a simulation run",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		trades: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantsim_trades_total",
				Help: "Simulated trades closed, by direction",
			},
			[]string{"direction"},
		),
		optimizerTrials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantsim_optimizer_trials_total",
				Help: "Grid-search trials by outcome",
			},
			[]string{"outcome"},
		),
		fetchRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantsim_fetch_requests_total",
				Help: "Market-data fetch requests by outcome",
			},
			[]string{"result"},
		),
	}
}

// CacheLookup counts one cache lookup with the given outcome.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CacheWrite counts one cache write.
func (m *Metrics) CacheWrite(err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(outcome(err)).Inc()
}

// BacktestRun records a completed run and the trades it closed.
func (m *Metrics) BacktestRun(elapsed time.Duration, long, short int) {
	if m == nil {
		return
	}
	m.backtestRuns.Inc()
	m.backtestDuration.Observe(elapsed.Seconds())
	m.trades.WithLabelValues("long").Add(float64(long))
	m.trades.WithLabelValues("short").Add(float64(short))
}

// OptimizerTrial counts one grid-search trial.
func (m *Metrics) OptimizerTrial(result string) {
	if m == nil {
		return
	}
	m.optimizerTrials.WithLabelValues(result).Inc()
}

// FetchRequest counts one upstream market-data request.
func (m *Metrics) FetchRequest(err error) {
	if m == nil {
		return
	}
	m.fetchRequests.WithLabelValues(outcome(err)).Inc()
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format, for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
