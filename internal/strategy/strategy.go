// Package strategy defines the Strategy interface for signal generators and
// provides a Registry for constructing them by name.
package strategy

import (
	"fmt"
	"math"
	"sort"

	"quantsim/internal/domain"
)

// Strategy turns a processed series into trade intents and exit decisions.
// Implementations hold no position state; the caller threads the open
// position through ShouldExit.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Parameters returns the configuration the strategy was built with.
	Parameters() Parameters

	// Signals returns a copy of s with the signal columns populated.
	Signals(s domain.Series) domain.Series

	// NextIntent returns the trade to open at bar i of a signal series, if
	// any.
	NextIntent(s domain.Series, i int) (domain.TradeIntent, bool)

	// ShouldExit reports whether pos should be closed at bar i, and why.
	ShouldExit(s domain.Series, i int, pos *domain.Position) (bool, string)
}

// Parameter names accepted by Parameters.With and reported by Map.
const (
	ParamShortPeriod     = "short_ema_period"
	ParamLongPeriod      = "long_ema_period"
	ParamTakeProfitPct   = "take_profit_pct"
	ParamStopLossPct     = "stop_loss_pct"
	ParamPositionSizePct = "position_size_pct"
	ParamMinVolume       = "min_volume"
	ParamMaxSpreadPct    = "max_spread_pct"
)

// Parameters configures a crossover strategy. Percentages are in percent
// (2 means 2%).
type Parameters struct {
	ShortPeriod     int
	LongPeriod      int
	TakeProfitPct   float64
	StopLossPct     float64
	PositionSizePct float64
	MinVolume       float64
	MaxSpreadPct    float64
}

// DefaultParameters returns a 9/21 crossover with a 2% target, 1% stop and
// 1% position size.
func DefaultParameters() Parameters {
	return Parameters{
		ShortPeriod:     9,
		LongPeriod:      21,
		TakeProfitPct:   2.0,
		StopLossPct:     1.0,
		PositionSizePct: 1.0,
		MinVolume:       1000.0,
		MaxSpreadPct:    0.5,
	}
}

// Validate reports the first invalid parameter as a *domain.ConfigError.
func (p Parameters) Validate() error {
	switch {
	case p.ShortPeriod <= 0:
		return domain.NewConfigError(ParamShortPeriod, "must be positive, got %d", p.ShortPeriod)
	case p.LongPeriod <= 0:
		return domain.NewConfigError(ParamLongPeriod, "must be positive, got %d", p.LongPeriod)
	case p.LongPeriod <= p.ShortPeriod:
		return domain.NewConfigError(ParamLongPeriod, "must exceed short period %d, got %d", p.ShortPeriod, p.LongPeriod)
	case !(p.TakeProfitPct > 0):
		return domain.NewConfigError(ParamTakeProfitPct, "must be positive, got %v", p.TakeProfitPct)
	case !(p.StopLossPct > 0):
		return domain.NewConfigError(ParamStopLossPct, "must be positive, got %v", p.StopLossPct)
	case !(p.PositionSizePct > 0) || p.PositionSizePct > 100:
		return domain.NewConfigError(ParamPositionSizePct, "must be in (0, 100], got %v", p.PositionSizePct)
	case !(p.MinVolume >= 0):
		return domain.NewConfigError(ParamMinVolume, "must not be negative, got %v", p.MinVolume)
	case !(p.MaxSpreadPct > 0):
		return domain.NewConfigError(ParamMaxSpreadPct, "must be positive, got %v", p.MaxSpreadPct)
	}
	return nil
}

// Map returns the parameters keyed by name.
func (p Parameters) Map() map[string]float64 {
	return map[string]float64{
		ParamShortPeriod:     float64(p.ShortPeriod),
		ParamLongPeriod:      float64(p.LongPeriod),
		ParamTakeProfitPct:   p.TakeProfitPct,
		ParamStopLossPct:     p.StopLossPct,
		ParamPositionSizePct: p.PositionSizePct,
		ParamMinVolume:       p.MinVolume,
		ParamMaxSpreadPct:    p.MaxSpreadPct,
	}
}

// With returns a copy of p with the named parameter set to v. Period
// parameters must be whole numbers.
func (p Parameters) With(name string, v float64) (Parameters, error) {
	switch name {
	case ParamShortPeriod, ParamLongPeriod:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return p, domain.NewConfigError(name, "must be a whole number, got %v", v)
		}
		if name == ParamShortPeriod {
			p.ShortPeriod = int(v)
		} else {
			p.LongPeriod = int(v)
		}
	case ParamTakeProfitPct:
		p.TakeProfitPct = v
	case ParamStopLossPct:
		p.StopLossPct = v
	case ParamPositionSizePct:
		p.PositionSizePct = v
	case ParamMinVolume:
		p.MinVolume = v
	case ParamMaxSpreadPct:
		p.MaxSpreadPct = v
	default:
		return p, domain.NewConfigError(name, "unknown strategy parameter")
	}
	return p, nil
}

// Factory builds a strategy from parameters, validating them first.
type Factory func(Parameters) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the named strategy.
func (r *Registry) New(name string, p Parameters) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, domain.NewConfigError("strategy.name", "unknown strategy %q (registered: %v)", name, r.List())
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", name, err)
	}
	return s, nil
}

// Factory returns the factory registered under name. The second return value
// indicates whether it was found.
func (r *Registry) Factory(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
