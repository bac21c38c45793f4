// Package optimize runs exhaustive grid searches over strategy parameters,
// one isolated simulation per combination.
package optimize

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"quantsim/internal/domain"
	"quantsim/internal/engine"
	"quantsim/internal/strategy"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

// Axis is one parameter dimension of a grid, swept in the order given.
type Axis struct {
	Name   string
	Values []float64
}

// Grid is the cross product of its axes. The last axis varies fastest.
type Grid []Axis

// Size returns the number of combinations in g. An empty grid has one
// combination: the base parameters.
func (g Grid) Size() int {
	n := 1
	for _, a := range g {
		n *= len(a.Values)
	}
	return n
}

// combination returns the k-th point of g in enumeration order.
func (g Grid) combination(k int) []float64 {
	out := make([]float64, len(g))
	for i := len(g) - 1; i >= 0; i-- {
		n := len(g[i].Values)
		out[i] = g[i].Values[k%n]
		k /= n
	}
	return out
}

// Config bounds a search. Workers <= 0 means GOMAXPROCS; MaxTrials <= 0
// means every valid combination is evaluated.
type Config struct {
	Workers   int
	MaxTrials int
}

// Optimizer evaluates grid combinations against a fixed series.
type Optimizer struct {
	factory strategy.Factory
	base    strategy.Parameters
	risk    engine.RiskParameters
	params  engine.Params
	cfg     Config
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// New creates an Optimizer. Every trial starts from base and builds its
// strategy with factory.
func New(
	factory strategy.Factory,
	base strategy.Parameters,
	risk engine.RiskParameters,
	params engine.Params,
	cfg Config,
	metrics *telemetry.Metrics,
	log *slog.Logger,
) (*Optimizer, error) {
	if factory == nil {
		return nil, errors.New("optimize: nil strategy factory")
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Optimizer{
		factory: factory,
		base:    base,
		risk:    risk,
		params:  params,
		cfg:     cfg,
		metrics: metrics,
		log:     util.OrDiscard(log),
	}, nil
}

type trial struct {
	params strategy.Parameters
	result *domain.BacktestResult
}

// Search runs one simulation per grid combination and returns the
// parameters and result with the highest value of metric, read from the
// performance metrics. A missing or NaN metric scores as negative infinity;
// ties go to the earliest combination.
//
// Combinations whose parameters are invalid are skipped. If every
// combination is invalid the first error is returned before any simulation
// runs.
func (o *Optimizer) Search(ctx context.Context, series domain.Series, grid Grid, metric string) (map[string]float64, *domain.BacktestResult, error) {
	if metric == "" {
		return nil, nil, domain.NewConfigError("optimize.metric", "must not be empty")
	}
	seen := make(map[string]bool, len(grid))
	for _, a := range grid {
		if len(a.Values) == 0 {
			return nil, nil, domain.NewConfigError("optimize.grid", "axis %q has no values", a.Name)
		}
		if seen[a.Name] {
			return nil, nil, domain.NewConfigError("optimize.grid", "axis %q listed twice", a.Name)
		}
		seen[a.Name] = true
	}

	trials, err := o.plan(grid)
	if err != nil {
		return nil, nil, err
	}

	began := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range trials {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := o.runTrial(trials[i].params, series)
			if err != nil {
				return err
			}
			trials[i].result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	best, bestScore := 0, math.Inf(-1)
	for i, t := range trials {
		score, ok := t.result.Performance[metric]
		if !ok || math.IsNaN(score) {
			o.metrics.OptimizerTrial(telemetry.TrialUnscored)
			continue
		}
		o.metrics.OptimizerTrial(telemetry.TrialScored)
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	o.log.Info("grid search complete",
		"metric", metric,
		"trials", len(trials),
		"best", trials[best].params.Map(),
		"score", bestScore,
		"elapsed", time.Since(began),
	)
	return trials[best].params.Map(), trials[best].result, nil
}

// plan resolves every grid combination into strategy parameters, skipping
// invalid ones and applying the trial budget.
func (o *Optimizer) plan(grid Grid) ([]trial, error) {
	var (
		trials   []trial
		firstErr error
	)
	for k := 0; k < grid.Size(); k++ {
		p, err := o.resolve(grid, grid.combination(k))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			o.metrics.OptimizerTrial(telemetry.TrialInvalid)
			o.log.Warn("skipping invalid combination", "combination", k, "error", err)
			continue
		}
		trials = append(trials, trial{params: p})
		if o.cfg.MaxTrials > 0 && len(trials) == o.cfg.MaxTrials {
			break
		}
	}
	if len(trials) == 0 {
		return nil, firstErr
	}
	return trials, nil
}

func (o *Optimizer) resolve(grid Grid, values []float64) (strategy.Parameters, error) {
	p := o.base
	for i, a := range grid {
		var err error
		if p, err = p.With(a.Name, values[i]); err != nil {
			return p, err
		}
	}
	if _, err := o.factory(p); err != nil {
		return p, err
	}
	return p, nil
}

// runTrial builds a fresh strategy, gate, clock and engine and runs them.
func (o *Optimizer) runTrial(p strategy.Parameters, series domain.Series) (*domain.BacktestResult, error) {
	strat, err := o.factory(p)
	if err != nil {
		return nil, err
	}
	clock := util.NewManualClock(time.Time{})
	gate, err := engine.NewRiskGate(o.risk, clock, nil, o.log)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(strat, gate, clock, nil, o.params, o.metrics, o.log)
	if err != nil {
		return nil, err
	}
	return eng.Run(series), nil
}
