// Package builtins provides the strategy implementations that ship with
// quantsim.
package builtins

import (
	"quantsim/internal/domain"
	"quantsim/internal/indicators"
	"quantsim/internal/strategy"
)

// EMACrossName is the registry name of the EMA crossover strategy.
const EMACrossName = "ema-cross"

// Compile-time interface check.
var _ strategy.Strategy = (*EMACross)(nil)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(EMACrossName, func(p strategy.Parameters) (strategy.Strategy, error) {
		return NewEMACross(p)
	})
}

// EMACross implements an exponential moving average crossover strategy. It
// goes long when the short EMA crosses above the long EMA and short when it
// crosses below, with fixed-percentage stop and target levels.
type EMACross struct {
	params strategy.Parameters
}

// NewEMACross validates p and returns the strategy.
func NewEMACross(p strategy.Parameters) (*EMACross, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &EMACross{params: p}, nil
}

// Name returns "ema-cross".
func (s *EMACross) Name() string { return EMACrossName }

// Parameters returns the strategy configuration.
func (s *EMACross) Parameters() strategy.Parameters { return s.params }

// Signals computes the short and long EMAs of close, the trend sign
// (+1 short above long, -1 below, 0 equal) and the crossover, which is the
// change in trend from the previous bar and 0 on the first bar.
func (s *EMACross) Signals(series domain.Series) domain.Series {
	out := series.Clone()
	closes := make([]float64, out.Len())
	for i := range out.Bars {
		closes[i] = out.Bars[i].Close
	}
	short := indicators.EMA(closes, s.params.ShortPeriod)
	long := indicators.EMA(closes, s.params.LongPeriod)

	prev := 0
	for i := range out.Bars {
		b := &out.Bars[i]
		b.ShortEMA, b.LongEMA = short[i], long[i]
		switch {
		case b.ShortEMA > b.LongEMA:
			b.Trend = 1
		case b.ShortEMA < b.LongEMA:
			b.Trend = -1
		default:
			b.Trend = 0
		}
		if i > 0 {
			b.Crossover = b.Trend - prev
		} else {
			b.Crossover = 0
		}
		prev = b.Trend
	}
	return out
}

// NextIntent emits a trade at a crossover bar that passes the volume and
// spread filters.
func (s *EMACross) NextIntent(series domain.Series, i int) (domain.TradeIntent, bool) {
	if i < 1 || i >= series.Len() {
		return domain.TradeIntent{}, false
	}
	b := series.Bars[i]
	if b.Crossover == 0 {
		return domain.TradeIntent{}, false
	}
	if b.Volume < s.params.MinVolume {
		return domain.TradeIntent{}, false
	}
	if series.HasQuotes() && b.Bid > 0 {
		if spread := (b.Ask - b.Bid) / b.Bid * 100; spread > s.params.MaxSpreadPct {
			return domain.TradeIntent{}, false
		}
	}

	tp := s.params.TakeProfitPct / 100
	sl := s.params.StopLossPct / 100
	intent := domain.TradeIntent{Price: b.Close, Timestamp: b.Timestamp}
	if b.Crossover > 0 {
		intent.Direction = domain.Long
		intent.Stop = b.Close * (1 - sl)
		intent.Target = b.Close * (1 + tp)
	} else {
		intent.Direction = domain.Short
		intent.Stop = b.Close * (1 + sl)
		intent.Target = b.Close * (1 - tp)
	}
	return intent, true
}

// Exit reasons reported by ShouldExit.
const (
	ReasonNoPosition     = "no position"
	ReasonStopLoss       = "stop loss hit"
	ReasonTakeProfit     = "take profit hit"
	ReasonSignalReversal = "signal reversal"
	ReasonHold           = "hold position"
)

// ShouldExit checks the bar's range against the position's stop, then its
// target, then whether the trend has turned against the position.
func (s *EMACross) ShouldExit(series domain.Series, i int, pos *domain.Position) (bool, string) {
	if pos == nil {
		return false, ReasonNoPosition
	}
	if i < 0 || i >= series.Len() {
		return false, ReasonHold
	}
	b := series.Bars[i]

	if pos.Direction == domain.Long {
		if b.Low <= pos.Stop {
			return true, ReasonStopLoss
		}
		if b.High >= pos.Target {
			return true, ReasonTakeProfit
		}
		if b.Trend == -1 {
			return true, ReasonSignalReversal
		}
	} else {
		if b.High >= pos.Stop {
			return true, ReasonStopLoss
		}
		if b.Low <= pos.Target {
			return true, ReasonTakeProfit
		}
		if b.Trend == 1 {
			return true, ReasonSignalReversal
		}
	}
	return false, ReasonHold
}
