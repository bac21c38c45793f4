// Package backtest wires the bar store, processor, strategy registry,
// simulation engine and result store into end-to-end backtest and
// optimization runs.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/engine"
	"quantsim/internal/optimize"
	"quantsim/internal/processor"
	"quantsim/internal/store"
	"quantsim/internal/strategy"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

// ErrInvalidData is returned when a request requires valid input and
// validation reported issues.
var ErrInvalidData = errors.New("input data failed validation")

// Request describes one backtest or optimization.
type Request struct {
	Symbol   string
	Strategy string
	Params   strategy.Parameters
	Start    time.Time
	End      time.Time

	// Raw, when set, is processed instead of bars read from the bar store.
	Raw *domain.Series

	// RequireValid aborts the run when validation reports issues.
	RequireValid bool

	// Save persists the result to the result store.
	Save bool
}

// Report is the outcome of Run. Input summarizes the raw bars before
// processing.
type Report struct {
	RunID      int64
	Input      processor.Summary
	Validation domain.ValidationResult
	Bars       int
	Result     *domain.BacktestResult
}

// OptimizeReport is the outcome of Optimize.
type OptimizeReport struct {
	RunID      int64
	Input      processor.Summary
	Validation domain.ValidationResult
	Best       map[string]float64
	Result     *domain.BacktestResult
}

// Backtester replays stored or supplied bar data through a strategy and
// persists the outcome.
type Backtester struct {
	bars     store.BarStore
	results  store.ResultStore
	proc     *processor.Processor
	registry *strategy.Registry
	risk     engine.RiskParameters
	params   engine.Params
	metrics  *telemetry.Metrics
	log      *slog.Logger
}

// NewBacktester creates a Backtester. bars and results may be nil when every
// request carries its own series and nothing is saved.
func NewBacktester(
	bars store.BarStore,
	results store.ResultStore,
	proc *processor.Processor,
	registry *strategy.Registry,
	risk engine.RiskParameters,
	params engine.Params,
	metrics *telemetry.Metrics,
	log *slog.Logger,
) (*Backtester, error) {
	if proc == nil || registry == nil {
		return nil, errors.New("backtest: processor and registry are required")
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Backtester{
		bars:     bars,
		results:  results,
		proc:     proc,
		registry: registry,
		risk:     risk,
		params:   params,
		metrics:  metrics,
		log:      util.OrDiscard(log),
	}, nil
}

// Load returns the processed series for req together with the validation
// outcome of the raw input.
func (bt *Backtester) Load(ctx context.Context, req Request) (domain.Series, domain.ValidationResult, error) {
	series, vr, _, err := bt.load(ctx, req)
	return series, vr, err
}

func (bt *Backtester) load(ctx context.Context, req Request) (domain.Series, domain.ValidationResult, processor.Summary, error) {
	var raw domain.Series
	switch {
	case req.Raw != nil:
		raw = *req.Raw
	case bt.bars == nil:
		return domain.Series{}, domain.ValidationResult{}, processor.Summary{}, errors.New("backtest: no bar store configured and no series supplied")
	case req.Start.IsZero() || req.End.IsZero():
		return domain.Series{}, domain.ValidationResult{}, processor.Summary{}, domain.NewConfigError("backtest.range", "start and end are required to read stored bars")
	default:
		var err error
		raw, err = bt.bars.ReadBars(ctx, req.Symbol, req.Start, req.End)
		if err != nil {
			return domain.Series{}, domain.ValidationResult{}, processor.Summary{}, fmt.Errorf("reading bars for %s: %w", req.Symbol, err)
		}
	}

	info := bt.proc.Info(raw)
	series, vr := bt.proc.Process(ctx, raw, req.Symbol, req.Start, req.End)
	if req.RequireValid && !vr.Valid {
		return series, vr, info, fmt.Errorf("%w: %s", ErrInvalidData, strings.Join(vr.Issues, "; "))
	}
	return series, vr, info, nil
}

// Run backtests req.Strategy over the requested range.
func (bt *Backtester) Run(ctx context.Context, req Request) (*Report, error) {
	strat, err := bt.registry.New(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	series, vr, info, err := bt.load(ctx, req)
	if err != nil {
		return nil, err
	}

	clock := util.NewManualClock(time.Time{})
	gate, err := engine.NewRiskGate(bt.risk, clock, nil, bt.log)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(strat, gate, clock, nil, bt.params, bt.metrics, bt.log)
	if err != nil {
		return nil, err
	}
	result := eng.Run(series)

	report := &Report{Input: info, Validation: vr, Bars: series.Len(), Result: result}
	if req.Save {
		if report.RunID, err = bt.save(ctx, req, result); err != nil {
			return report, err
		}
	}
	bt.log.Info("backtest complete",
		"symbol", req.Symbol,
		"strategy", req.Strategy,
		"bars", series.Len(),
		"trades", len(result.Trades),
		"totalReturn", result.Performance[engine.MetricTotalReturn],
		"runID", report.RunID,
	)
	return report, nil
}

// Optimize grid-searches req.Strategy's parameters, starting from
// req.Params, and returns the best combination by metric.
func (bt *Backtester) Optimize(ctx context.Context, req Request, grid optimize.Grid, metric string, cfg optimize.Config) (*OptimizeReport, error) {
	factory, ok := bt.registry.Factory(req.Strategy)
	if !ok {
		return nil, domain.NewConfigError("strategy.name", "unknown strategy %q (registered: %v)", req.Strategy, bt.registry.List())
	}
	opt, err := optimize.New(factory, req.Params, bt.risk, bt.params, cfg, bt.metrics, bt.log)
	if err != nil {
		return nil, err
	}
	series, vr, info, err := bt.load(ctx, req)
	if err != nil {
		return nil, err
	}

	best, result, err := opt.Search(ctx, series, grid, metric)
	if err != nil {
		return nil, err
	}

	report := &OptimizeReport{Input: info, Validation: vr, Best: best, Result: result}
	if req.Save {
		if report.RunID, err = bt.save(ctx, req, result); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (bt *Backtester) save(ctx context.Context, req Request, result *domain.BacktestResult) (int64, error) {
	if bt.results == nil {
		return 0, errors.New("backtest: no result store configured")
	}
	id, err := bt.results.SaveResult(ctx, store.RunRecord{
		Symbol:   req.Symbol,
		Strategy: req.Strategy,
		Start:    req.Start,
		End:      req.End,
		RanAt:    time.Now().UTC(),
	}, result)
	if err != nil {
		return 0, fmt.Errorf("saving result: %w", err)
	}
	return id, nil
}
