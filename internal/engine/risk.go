package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/util"
)

// Rejection and status reasons reported by the RiskGate.
const (
	ReasonValidated         = "validated"
	ReasonMaxDailyTrades    = "maximum daily trades exceeded"
	ReasonMaxConcurrent     = "maximum concurrent positions reached"
	ReasonSizeAboveMax      = "position size exceeds maximum allowed"
	ReasonSizeBelowMin      = "position size below minimum allowed"
	ReasonStopTooWide       = "stop loss exceeds maximum allowed"
	ReasonRewardRisk        = "insufficient risk/reward ratio"
	ReasonWithinLimits      = "within risk limits"
	ReasonDailyDrawdown     = "daily drawdown limit exceeded"
	ReasonExposureLimit     = "total exposure limit exceeded"
	ReasonVolatilityTooHigh = "market volatility too high"
)

const (
	minRewardRiskRatio      = 1.5
	dailyWindow             = 24 * time.Hour
	baseCapitalFraction     = 0.01
	minVolatilityMultiplier = 0.2
)

// RiskParameters configures the RiskGate. Sizes are notional values in quote
// currency; percentages are in percent.
type RiskParameters struct {
	MaxPositionSize        float64
	MaxDailyDrawdownPct    float64
	MaxTradesPerDay        int
	MaxConcurrentTrades    int
	MinTradeSize           float64
	MaxLeverage            float64
	EmergencyStopLossPct   float64
	VolatilityThresholdPct float64
}

// DefaultRiskParameters returns the stock limits.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxPositionSize:        1000,
		MaxDailyDrawdownPct:    5,
		MaxTradesPerDay:        10,
		MaxConcurrentTrades:    2,
		MinTradeSize:           10,
		MaxLeverage:            1,
		EmergencyStopLossPct:   15,
		VolatilityThresholdPct: 30,
	}
}

// Validate reports the first invalid limit.
func (p RiskParameters) Validate() error {
	switch {
	case !(p.MaxPositionSize > 0):
		return domain.NewConfigError("risk.max_position_size", "must be positive, got %v", p.MaxPositionSize)
	case !(p.MaxDailyDrawdownPct > 0):
		return domain.NewConfigError("risk.max_daily_drawdown_pct", "must be positive, got %v", p.MaxDailyDrawdownPct)
	case p.MaxTradesPerDay <= 0:
		return domain.NewConfigError("risk.max_trades_per_day", "must be positive, got %d", p.MaxTradesPerDay)
	case p.MaxConcurrentTrades <= 0:
		return domain.NewConfigError("risk.max_concurrent_trades", "must be positive, got %d", p.MaxConcurrentTrades)
	case !(p.MinTradeSize >= 0) || p.MinTradeSize > p.MaxPositionSize:
		return domain.NewConfigError("risk.min_trade_size", "must be in [0, %v], got %v", p.MaxPositionSize, p.MinTradeSize)
	case !(p.MaxLeverage >= 1):
		return domain.NewConfigError("risk.max_leverage", "must be at least 1, got %v", p.MaxLeverage)
	case !(p.EmergencyStopLossPct > 0):
		return domain.NewConfigError("risk.emergency_stop_loss_pct", "must be positive, got %v", p.EmergencyStopLossPct)
	case !(p.VolatilityThresholdPct > 0):
		return domain.NewConfigError("risk.volatility_threshold_pct", "must be positive, got %v", p.VolatilityThresholdPct)
	}
	return nil
}

// Decision is the outcome of RiskGate.Validate.
type Decision struct {
	Accepted bool
	Reason   string
}

// PositionUpdate reports a change to a tracked position.
type PositionUpdate struct {
	Closed      bool
	Direction   domain.Direction
	Size        float64
	Price       float64
	RealizedPnL float64
}

// Status is a snapshot of the gate's aggregate risk.
type Status struct {
	DailyPnL          float64
	OpenPositions     int
	TradesToday       int
	TotalExposure     float64
	ExposureRemaining float64
	TradesRemaining   int
}

// VolatilityOracle supplies current annualized market volatility in percent.
type VolatilityOracle interface {
	Volatility(ctx context.Context) (float64, error)
}

// historyEntry is one recorded update. opened marks the update that first
// opened id; only those count as trades.
type historyEntry struct {
	id     string
	at     time.Time
	opened bool
	update PositionUpdate
}

// RiskGate is the stateful admission control for trade intents. Counts are
// kept over a rolling day measured on the injected clock. It is safe for
// concurrent use.
type RiskGate struct {
	params RiskParameters
	clock  util.Clock
	oracle VolatilityOracle
	log    *slog.Logger

	mu        sync.Mutex
	history   []historyEntry
	open      map[string]PositionUpdate
	dailyPnL  float64
	lastReset time.Time
}

// NewRiskGate creates a RiskGate. oracle may be nil; clock defaults to the
// system clock.
func NewRiskGate(params RiskParameters, clock util.Clock, oracle VolatilityOracle, log *slog.Logger) (*RiskGate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	g := &RiskGate{
		params: params,
		clock:  clock,
		oracle: oracle,
		log:    util.OrDiscard(log),
	}
	g.Reset()
	return g, nil
}

// Params returns the gate's limits.
func (g *RiskGate) Params() RiskParameters { return g.params }

// Reset clears all history, open positions and daily P&L, and restarts the
// daily window at the clock's current time.
func (g *RiskGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = nil
	g.open = make(map[string]PositionUpdate)
	g.dailyPnL = 0
	g.lastReset = g.clock.Now()
}

// resetIfStale starts a new daily window once more than a day has passed
// since the last one. Callers must hold g.mu.
func (g *RiskGate) resetIfStale() {
	now := g.clock.Now()
	if now.Sub(g.lastReset) <= dailyWindow {
		return
	}
	g.dailyPnL = 0
	cutoff := now.Add(-dailyWindow)
	kept := g.history[:0]
	for _, h := range g.history {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}
	g.history = kept
	g.lastReset = now
}

// Validate checks a proposed trade of the given notional size against the
// limits in a fixed order; the first failing check decides.
func (g *RiskGate) Validate(intent domain.TradeIntent, size float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfStale()

	p := g.params
	switch {
	case g.tradesToday() >= p.MaxTradesPerDay:
		return Decision{Reason: ReasonMaxDailyTrades}
	case len(g.open) >= p.MaxConcurrentTrades:
		return Decision{Reason: ReasonMaxConcurrent}
	case size > p.MaxPositionSize:
		return Decision{Reason: ReasonSizeAboveMax}
	case size < p.MinTradeSize:
		return Decision{Reason: ReasonSizeBelowMin}
	}

	if intent.Price > 0 {
		stopPct := math.Abs((intent.Stop - intent.Price) / intent.Price * 100)
		if stopPct > p.EmergencyStopLossPct {
			return Decision{Reason: ReasonStopTooWide}
		}
	}

	risk := math.Abs(intent.Price - intent.Stop)
	reward := math.Abs(intent.Target - intent.Price)
	if risk > 0 && reward/risk < minRewardRiskRatio {
		return Decision{Reason: ReasonRewardRisk}
	}
	return Decision{Accepted: true, Reason: ReasonValidated}
}

// OnPositionUpdate records an opened, changed or closed position. Every
// update is kept in the history; only the one that opens a position counts
// toward the daily trade total, so a round trip is one trade.
func (g *RiskGate) OnPositionUpdate(id string, u PositionUpdate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfStale()

	_, known := g.open[id]
	if u.Closed {
		if known {
			g.dailyPnL += u.RealizedPnL
			delete(g.open, id)
		}
	} else {
		g.open[id] = u
	}
	opened := !u.Closed && !known
	g.history = append(g.history, historyEntry{id: id, at: g.clock.Now(), opened: opened, update: u})
}

// Status returns the current aggregate risk.
func (g *RiskGate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfStale()

	exposure := g.exposure()
	trades := g.tradesToday()
	return Status{
		DailyPnL:          g.dailyPnL,
		OpenPositions:     len(g.open),
		TradesToday:       trades,
		TotalExposure:     exposure,
		ExposureRemaining: g.params.MaxPositionSize - exposure,
		TradesRemaining:   g.params.MaxTradesPerDay - trades,
	}
}

// tradesToday counts positions opened in the current window. Callers must
// hold g.mu.
func (g *RiskGate) tradesToday() int {
	n := 0
	for _, h := range g.history {
		if h.opened {
			n++
		}
	}
	return n
}

func (g *RiskGate) exposure() float64 {
	var total float64
	for _, u := range g.open {
		total += u.Size * u.Price
	}
	return total
}

// CheckLimits reports whether aggregate limits hold: daily losses against
// capital, open exposure against the leveraged position limit, and, when an
// oracle is configured, market volatility. An oracle error is logged and
// skips only the volatility check.
func (g *RiskGate) CheckLimits(ctx context.Context, capital float64) (bool, string) {
	g.mu.Lock()
	g.resetIfStale()
	dailyPnL := g.dailyPnL
	exposure := g.exposure()
	g.mu.Unlock()

	if capital > 0 && -dailyPnL/capital*100 > g.params.MaxDailyDrawdownPct {
		return false, ReasonDailyDrawdown
	}
	if exposure > g.params.MaxPositionSize*g.params.MaxLeverage {
		return false, ReasonExposureLimit
	}
	if g.oracle != nil {
		vol, err := g.oracle.Volatility(ctx)
		if err != nil {
			g.log.Warn("volatility check skipped", "error", err)
		} else if vol > g.params.VolatilityThresholdPct {
			return false, ReasonVolatilityTooHigh
		}
	}
	return true, ReasonWithinLimits
}

// SizePosition returns a position size in units of the asset: one percent
// of capital, capped at the maximum position size and scaled down by
// volatility (never below a fifth), divided by price. It returns 0 when the
// notional falls below the minimum trade size or price is not positive.
func (g *RiskGate) SizePosition(capital, price, volatility float64) float64 {
	if !(price > 0) {
		return 0
	}
	mult := math.Max(minVolatilityMultiplier, 1-volatility/g.params.VolatilityThresholdPct)
	notional := math.Min(capital*baseCapitalFraction, g.params.MaxPositionSize) * mult
	if notional < g.params.MinTradeSize {
		return 0
	}
	return math.Min(notional, g.params.MaxPositionSize) / price
}
