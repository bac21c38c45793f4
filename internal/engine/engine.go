// Package engine runs single-slot backtest simulations: it walks a signal
// series bar by bar, admits trades through a RiskGate, fills them through a
// broker.Filler and reports the resulting ledger, equity curve and metrics.
package engine

import (
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"quantsim/internal/broker"
	"quantsim/internal/domain"
	"quantsim/internal/strategy"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

// ReasonEndOfData is the exit reason for positions force-closed at the last
// bar.
const ReasonEndOfData = "end of data"

// Params configures a simulation run. FeeRate and SlippageRate are fractions
// (0.001 is 0.1%).
type Params struct {
	InitialCapital  float64
	FeeRate         float64
	SlippageRate    float64
	IncludeFees     bool
	IncludeSlippage bool
	Fractional      bool
}

// DefaultParams returns 10,000 of starting capital with 0.1% fees and
// slippage, both enabled, and fractional sizing.
func DefaultParams() Params {
	return Params{
		InitialCapital:  10000,
		FeeRate:         0.001,
		SlippageRate:    0.001,
		IncludeFees:     true,
		IncludeSlippage: true,
		Fractional:      true,
	}
}

// Validate reports the first invalid field.
func (p Params) Validate() error {
	switch {
	case !(p.InitialCapital > 0):
		return domain.NewConfigError("backtest.initial_capital", "must be positive, got %v", p.InitialCapital)
	case !(p.FeeRate >= 0) || p.FeeRate >= 1:
		return domain.NewConfigError("backtest.fee_rate", "must be in [0, 1), got %v", p.FeeRate)
	case !(p.SlippageRate >= 0) || p.SlippageRate >= 1:
		return domain.NewConfigError("backtest.slippage_rate", "must be in [0, 1), got %v", p.SlippageRate)
	}
	return nil
}

// SettableClock is a clock the engine can move to each bar's timestamp.
// *util.ManualClock satisfies it.
type SettableClock interface {
	util.Clock
	Set(t time.Time)
}

var _ SettableClock = (*util.ManualClock)(nil)

// Engine simulates one strategy over a series. The RiskGate must read time
// from the same clock the engine advances. An Engine is not safe for
// concurrent use; build one per run or per optimizer trial.
type Engine struct {
	strat   strategy.Strategy
	gate    *RiskGate
	clock   SettableClock
	filler  broker.Filler
	params  Params
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// New creates an Engine. A nil filler selects a broker.Simulator built from
// params; metrics may be nil.
func New(
	strat strategy.Strategy,
	gate *RiskGate,
	clock SettableClock,
	filler broker.Filler,
	params Params,
	metrics *telemetry.Metrics,
	log *slog.Logger,
) (*Engine, error) {
	if strat == nil {
		return nil, errors.New("engine: nil strategy")
	}
	if gate == nil {
		return nil, errors.New("engine: nil risk gate")
	}
	if clock == nil {
		return nil, errors.New("engine: nil clock")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if filler == nil {
		filler = broker.NewSimulator(params.FeeRate, params.SlippageRate, params.IncludeFees, params.IncludeSlippage)
	}
	return &Engine{
		strat:   strat,
		gate:    gate,
		clock:   clock,
		filler:  filler,
		params:  params,
		metrics: metrics,
		log:     util.OrDiscard(log),
	}, nil
}

// run holds the per-call simulation state.
type run struct {
	capital float64
	pos     *domain.Position
	nextID  int
	trades  []domain.Trade
	curve   []domain.EquityPoint
}

// Run simulates the strategy over series. State from previous runs,
// including the RiskGate's, is discarded first so repeated runs over the
// same series produce identical results.
func (e *Engine) Run(series domain.Series) *domain.BacktestResult {
	began := time.Now()

	var start time.Time
	if series.Len() > 0 {
		start = series.Bars[0].Timestamp
	}
	e.clock.Set(start)
	e.gate.Reset()

	r := &run{
		capital: e.params.InitialCapital,
		curve:   []domain.EquityPoint{{Timestamp: start, Equity: e.params.InitialCapital}},
	}
	signals := e.strat.Signals(series)

	for i := 1; i < signals.Len(); i++ {
		bar := &signals.Bars[i]
		e.clock.Set(bar.Timestamp)

		if r.pos != nil {
			r.curve = append(r.curve, domain.EquityPoint{
				Timestamp: bar.Timestamp,
				Equity:    r.capital + e.markValue(r.pos, bar.Close),
			})
			if exit, reason := e.strat.ShouldExit(signals, i, r.pos); exit {
				e.close(r, bar, reason)
				e.settle(r, bar.Timestamp)
			}
			continue
		}

		if intent, ok := e.strat.NextIntent(signals, i); ok {
			e.open(r, intent, bar.Timestamp)
		}
	}

	if r.pos != nil {
		last := &signals.Bars[signals.Len()-1]
		e.close(r, last, ReasonEndOfData)
		e.settle(r, last.Timestamp)
	}

	perf, stats, dd := ComputeMetrics(r.curve, r.trades)
	result := &domain.BacktestResult{
		Trades:       r.trades,
		EquityCurve:  r.curve,
		Performance:  perf,
		TradeStats:   stats,
		Drawdown:     dd,
		Parameters:   e.strat.Parameters().Map(),
		FinalCapital: r.capital,
	}

	var long, short int
	for _, t := range r.trades {
		if t.Direction == domain.Long {
			long++
		} else {
			short++
		}
	}
	e.metrics.BacktestRun(time.Since(began), long, short)
	e.log.Debug("backtest finished",
		"strategy", e.strat.Name(),
		"bars", series.Len(),
		"trades", len(r.trades),
		"finalCapital", r.capital,
	)
	return result
}

// open sizes the intent against current capital, submits it to the gate and
// on acceptance opens the position.
func (e *Engine) open(r *run, intent domain.TradeIntent, at time.Time) {
	fill := e.filler.EntryPrice(intent.Direction, intent.Price)
	if !(fill > 0) {
		return
	}
	size := r.capital * e.strat.Parameters().PositionSizePct / 100 / fill
	size -= e.filler.Fee(size*fill) / fill
	if !e.params.Fractional {
		size = math.Floor(size)
	}
	if !(size > 0) {
		return
	}

	decision := e.gate.Validate(intent, size*fill)
	if !decision.Accepted {
		e.log.Debug("intent rejected",
			"direction", string(intent.Direction),
			"price", intent.Price,
			"reason", decision.Reason,
		)
		return
	}

	fee := e.filler.Fee(size * fill)
	r.nextID++
	r.pos = &domain.Position{
		ID:         strconv.Itoa(r.nextID),
		Direction:  intent.Direction,
		EntryPrice: fill,
		Size:       size,
		Stop:       intent.Stop,
		Target:     intent.Target,
		EntryTime:  at,
		Fees:       fee,
	}
	r.capital -= size*fill + fee
	e.gate.OnPositionUpdate(r.pos.ID, PositionUpdate{
		Direction: r.pos.Direction,
		Size:      size,
		Price:     fill,
	})
}

// close fills the open position at the bar's close, returns the proceeds to
// capital and appends the trade.
func (e *Engine) close(r *run, bar *domain.Bar, reason string) {
	pos := r.pos
	exit := e.filler.ExitPrice(pos.Direction, bar.Close)
	exitFee := e.filler.Fee(pos.Size * exit)
	r.capital += e.proceeds(pos, exit) - exitFee

	t := domain.Trade{
		Position:   *pos,
		ExitPrice:  exit,
		ExitTime:   bar.Timestamp,
		ExitReason: reason,
	}
	t.Fees = pos.Fees + exitFee
	t.RealizedPnL = pos.Direction.Sign()*(exit-pos.EntryPrice)*pos.Size - t.Fees
	r.trades = append(r.trades, t)
	r.pos = nil

	e.gate.OnPositionUpdate(t.ID, PositionUpdate{
		Closed:      true,
		Direction:   t.Direction,
		Size:        t.Size,
		Price:       exit,
		RealizedPnL: t.RealizedPnL,
	})
}

// settle records realized capital as the equity at ts, replacing the
// mark-to-market sample already taken for that bar.
func (e *Engine) settle(r *run, ts time.Time) {
	if n := len(r.curve); n > 0 && r.curve[n-1].Timestamp.Equal(ts) {
		r.curve[n-1].Equity = r.capital
		return
	}
	r.curve = append(r.curve, domain.EquityPoint{Timestamp: ts, Equity: r.capital})
}

// proceeds is the gross value returned to capital when pos is closed at
// price. A short returns its collateral plus the price drop.
func (e *Engine) proceeds(pos *domain.Position, price float64) float64 {
	if pos.Direction == domain.Short {
		return pos.Size * (2*pos.EntryPrice - price)
	}
	return pos.Size * price
}

// markValue is the liquidation value of pos at price net of the exit fee.
func (e *Engine) markValue(pos *domain.Position, price float64) float64 {
	return e.proceeds(pos, price) - e.filler.Fee(pos.Size*price)
}
