package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/util"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, p RiskParameters, clock util.Clock, oracle VolatilityOracle) *RiskGate {
	t.Helper()
	g, err := NewRiskGate(p, clock, oracle, nil)
	if err != nil {
		t.Fatalf("NewRiskGate: %v", err)
	}
	return g
}

// longIntent has a 1% stop and a 2% target.
func longIntent() domain.TradeIntent {
	return domain.TradeIntent{Direction: domain.Long, Price: 100, Stop: 99, Target: 102, Timestamp: t0}
}

type fixedOracle struct {
	vol float64
	err error
}

func (o fixedOracle) Volatility(context.Context) (float64, error) { return o.vol, o.err }

func TestRiskParametersValidate(t *testing.T) {
	if err := DefaultRiskParameters().Validate(); err != nil {
		t.Fatalf("default parameters invalid: %v", err)
	}

	p := DefaultRiskParameters()
	p.MinTradeSize = p.MaxPositionSize + 1
	err := p.Validate()
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
	}
	var cerr *domain.ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "risk.min_trade_size" {
		t.Errorf("Validate error = %v, want field risk.min_trade_size", err)
	}

	if _, err := NewRiskGate(RiskParameters{}, nil, nil, nil); err == nil {
		t.Error("NewRiskGate with zero parameters: expected error")
	}
}

func TestValidateTradesPerDayBoundary(t *testing.T) {
	clock := util.NewManualClock(t0)
	p := DefaultRiskParameters()
	p.MaxTradesPerDay = 3
	p.MaxConcurrentTrades = 3
	g := newTestGate(t, p, clock, nil)

	// A round trip is one trade; the close does not count again.
	g.OnPositionUpdate("1", PositionUpdate{Direction: domain.Long, Size: 1, Price: 100})
	g.OnPositionUpdate("1", PositionUpdate{Closed: true, Direction: domain.Long, Size: 1, Price: 101, RealizedPnL: 1})
	g.OnPositionUpdate("2", PositionUpdate{Direction: domain.Long, Size: 1, Price: 100})
	// Resizing an open position is not a new trade.
	g.OnPositionUpdate("2", PositionUpdate{Direction: domain.Long, Size: 2, Price: 100})

	if d := g.Validate(longIntent(), 100); !d.Accepted || d.Reason != ReasonValidated {
		t.Fatalf("with 2 of 3 trades: Validate = %+v, want accepted", d)
	}

	g.OnPositionUpdate("3", PositionUpdate{Direction: domain.Long, Size: 1, Price: 100})
	if d := g.Validate(longIntent(), 100); d.Accepted || d.Reason != ReasonMaxDailyTrades {
		t.Fatalf("with 3 of 3 trades: Validate = %+v, want %q", d, ReasonMaxDailyTrades)
	}

	// Exactly one day later the window has not rolled yet.
	clock.Advance(24 * time.Hour)
	if d := g.Validate(longIntent(), 100); d.Accepted {
		t.Fatalf("at exactly 24h: Validate = %+v, want rejection", d)
	}

	clock.Advance(time.Second)
	if d := g.Validate(longIntent(), 100); !d.Accepted {
		t.Fatalf("after 24h: Validate = %+v, want accepted", d)
	}
	if got := g.Status().TradesToday; got != 0 {
		t.Errorf("TradesToday after reset = %d, want 0", got)
	}
}

func TestValidateChecksInOrder(t *testing.T) {
	tests := []struct {
		name   string
		open   int
		intent domain.TradeIntent
		size   float64
		want   string
	}{
		{"accepted", 0, longIntent(), 100, ReasonValidated},
		{"concurrent", 2, longIntent(), 100, ReasonMaxConcurrent},
		{"concurrent before size", 2, longIntent(), 5000, ReasonMaxConcurrent},
		{"too large", 0, longIntent(), 1000.01, ReasonSizeAboveMax},
		{"too small", 0, longIntent(), 9.99, ReasonSizeBelowMin},
		{"wide stop", 0, domain.TradeIntent{Direction: domain.Long, Price: 100, Stop: 80, Target: 150}, 100, ReasonStopTooWide},
		{"poor reward", 0, domain.TradeIntent{Direction: domain.Long, Price: 100, Stop: 99, Target: 101}, 100, ReasonRewardRisk},
		{"zero risk", 0, domain.TradeIntent{Direction: domain.Long, Price: 100, Stop: 100, Target: 100}, 100, ReasonValidated},
		{"short", 0, domain.TradeIntent{Direction: domain.Short, Price: 100, Stop: 101, Target: 98}, 100, ReasonValidated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), nil)
			for i := 0; i < tt.open; i++ {
				g.OnPositionUpdate(string(rune('a'+i)), PositionUpdate{Direction: domain.Long, Size: 1, Price: 100})
			}
			d := g.Validate(tt.intent, tt.size)
			if d.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.want)
			}
			if d.Accepted != (tt.want == ReasonValidated) {
				t.Errorf("Accepted = %v for reason %q", d.Accepted, d.Reason)
			}
		})
	}
}

func TestOnPositionUpdateAndStatus(t *testing.T) {
	g := newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), nil)

	g.OnPositionUpdate("1", PositionUpdate{Direction: domain.Long, Size: 2, Price: 100})
	g.OnPositionUpdate("2", PositionUpdate{Direction: domain.Short, Size: 1, Price: 300})
	st := g.Status()
	if st.OpenPositions != 2 || st.TradesToday != 2 {
		t.Fatalf("Status = %+v, want 2 open and 2 trades", st)
	}
	if st.TotalExposure != 500 || st.ExposureRemaining != 500 {
		t.Errorf("exposure = %v remaining %v, want 500 and 500", st.TotalExposure, st.ExposureRemaining)
	}

	g.OnPositionUpdate("1", PositionUpdate{Closed: true, Size: 2, Price: 95, RealizedPnL: -10})
	// Closing an unknown position is recorded but does not touch P&L.
	g.OnPositionUpdate("9", PositionUpdate{Closed: true, RealizedPnL: 50})

	st = g.Status()
	if st.DailyPnL != -10 {
		t.Errorf("DailyPnL = %v, want -10", st.DailyPnL)
	}
	if st.OpenPositions != 1 {
		t.Errorf("OpenPositions = %d, want 1", st.OpenPositions)
	}
	if st.TradesToday != 2 || st.TradesRemaining != 8 {
		t.Errorf("TradesToday = %d remaining %d, want 2 and 8", st.TradesToday, st.TradesRemaining)
	}

	g.Reset()
	if st := g.Status(); st.OpenPositions != 0 || st.TradesToday != 0 || st.DailyPnL != 0 {
		t.Errorf("Status after Reset = %+v, want zero counts", st)
	}
}

func TestCheckLimits(t *testing.T) {
	ctx := context.Background()

	g := newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), nil)
	if ok, reason := g.CheckLimits(ctx, 10000); !ok || reason != ReasonWithinLimits {
		t.Errorf("fresh gate: CheckLimits = %v %q, want ok", ok, reason)
	}

	g.OnPositionUpdate("1", PositionUpdate{Size: 1, Price: 100})
	g.OnPositionUpdate("1", PositionUpdate{Closed: true, RealizedPnL: -600})
	if ok, reason := g.CheckLimits(ctx, 10000); ok || reason != ReasonDailyDrawdown {
		t.Errorf("6%% daily loss: CheckLimits = %v %q, want %q", ok, reason, ReasonDailyDrawdown)
	}

	g = newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), nil)
	g.OnPositionUpdate("1", PositionUpdate{Size: 20, Price: 100})
	if ok, reason := g.CheckLimits(ctx, 10000); ok || reason != ReasonExposureLimit {
		t.Errorf("2000 exposure: CheckLimits = %v %q, want %q", ok, reason, ReasonExposureLimit)
	}

	g = newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), fixedOracle{vol: 40})
	if ok, reason := g.CheckLimits(ctx, 10000); ok || reason != ReasonVolatilityTooHigh {
		t.Errorf("40%% volatility: CheckLimits = %v %q, want %q", ok, reason, ReasonVolatilityTooHigh)
	}

	g = newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), fixedOracle{err: errors.New("feed down")})
	if ok, _ := g.CheckLimits(ctx, 10000); !ok {
		t.Error("oracle error: CheckLimits rejected, want the volatility check skipped")
	}
}

func TestSizePosition(t *testing.T) {
	g := newTestGate(t, DefaultRiskParameters(), util.NewManualClock(t0), nil)

	tests := []struct {
		capital, price, vol float64
		want                float64
	}{
		{10000, 100, 0, 1},
		{10000, 100, 15, 0.5},
		{10000, 100, 60, 0.2},
		{1e6, 100, 0, 10},
		{500, 100, 0, 0},
		{10000, 0, 0, 0},
	}
	for _, tt := range tests {
		if got := g.SizePosition(tt.capital, tt.price, tt.vol); !approx(got, tt.want) {
			t.Errorf("SizePosition(%v, %v, %v) = %v, want %v", tt.capital, tt.price, tt.vol, got, tt.want)
		}
	}
}
