package builtins

import (
	"errors"
	"math"
	"testing"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seriesFromCloses(closes []float64, volume float64) domain.Series {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c, Low: c, Close: c, Volume: volume,
		}
	}
	return domain.NewSeries(bars, false)
}

func mustEMACross(t *testing.T, p strategy.Parameters) *EMACross {
	t.Helper()
	s, err := NewEMACross(p)
	if err != nil {
		t.Fatalf("NewEMACross: %v", err)
	}
	return s
}

func TestRegister(t *testing.T) {
	r := strategy.NewRegistry()
	Register(r)
	s, err := r.New(EMACrossName, strategy.DefaultParameters())
	if err != nil {
		t.Fatalf("New(%q): %v", EMACrossName, err)
	}
	if s.Name() != EMACrossName {
		t.Errorf("Name() = %q, want %q", s.Name(), EMACrossName)
	}
}

func TestNewEMACrossRejectsBadParameters(t *testing.T) {
	p := strategy.DefaultParameters()
	p.ShortPeriod, p.LongPeriod = 21, 9
	if _, err := NewEMACross(p); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("NewEMACross error = %v, want ErrInvalidConfig", err)
	}
}

func TestSignals(t *testing.T) {
	p := strategy.DefaultParameters()
	p.ShortPeriod, p.LongPeriod = 1, 3
	s := mustEMACross(t, p)

	in := seriesFromCloses([]float64{10, 11, 12, 13}, 5000)
	out := s.Signals(in)

	wantLong := []float64{10, 10.5, 11.25, 12.125}
	wantCross := []int{0, 1, 0, 0}
	for i, b := range out.Bars {
		if b.ShortEMA != in.Bars[i].Close {
			t.Errorf("bar %d ShortEMA = %v, want %v", i, b.ShortEMA, in.Bars[i].Close)
		}
		if math.Abs(b.LongEMA-wantLong[i]) > 1e-12 {
			t.Errorf("bar %d LongEMA = %v, want %v", i, b.LongEMA, wantLong[i])
		}
		if b.Crossover != wantCross[i] {
			t.Errorf("bar %d Crossover = %d, want %d", i, b.Crossover, wantCross[i])
		}
	}
	if out.Bars[0].Trend != 0 || out.Bars[3].Trend != 1 {
		t.Errorf("Trend = %d..%d, want 0..1", out.Bars[0].Trend, out.Bars[3].Trend)
	}
	if in.Bars[1].Crossover != 0 {
		t.Error("Signals must not modify its input")
	}
}

func TestSingleCrossoverIntent(t *testing.T) {
	s := mustEMACross(t, strategy.DefaultParameters())

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	sig := s.Signals(seriesFromCloses(closes, 5000))

	var intents []int
	for i := 0; i < sig.Len(); i++ {
		intent, ok := s.NextIntent(sig, i)
		if !ok {
			continue
		}
		intents = append(intents, i)
		if intent.Direction != domain.Long {
			t.Errorf("bar %d intent direction = %s, want long", i, intent.Direction)
		}
		if math.Abs(intent.Stop-closes[i]*0.99) > 1e-9 || math.Abs(intent.Target-closes[i]*1.02) > 1e-9 {
			t.Errorf("bar %d stop/target = %v/%v", i, intent.Stop, intent.Target)
		}
		if !intent.Timestamp.Equal(sig.Bars[i].Timestamp) {
			t.Errorf("bar %d intent timestamp = %v", i, intent.Timestamp)
		}
	}
	if len(intents) != 1 || intents[0] != 1 {
		t.Errorf("intents at bars %v, want exactly [1]", intents)
	}
}

func TestReversalIntents(t *testing.T) {
	s := mustEMACross(t, strategy.DefaultParameters())

	// Down for 40 bars, then up: one short at the start, one long later.
	var closes []float64
	for i := 0; i < 40; i++ {
		closes = append(closes, 200-float64(i))
	}
	for i := 0; i < 60; i++ {
		closes = append(closes, 161+2*float64(i))
	}
	sig := s.Signals(seriesFromCloses(closes, 5000))

	var longs, shorts int
	for i := 0; i < sig.Len(); i++ {
		intent, ok := s.NextIntent(sig, i)
		if !ok {
			continue
		}
		if intent.Direction == domain.Long {
			longs++
			if intent.Stop >= intent.Price || intent.Target <= intent.Price {
				t.Errorf("long levels inverted: %+v", intent)
			}
		} else {
			shorts++
			if intent.Stop <= intent.Price || intent.Target >= intent.Price {
				t.Errorf("short levels inverted: %+v", intent)
			}
		}
	}
	if longs != 1 || shorts != 1 {
		t.Errorf("longs=%d shorts=%d, want 1 and 1", longs, shorts)
	}
}

func TestNextIntentFilters(t *testing.T) {
	s := mustEMACross(t, strategy.DefaultParameters())
	closes := []float64{100, 101, 102}

	thin := s.Signals(seriesFromCloses(closes, 500))
	if _, ok := s.NextIntent(thin, 1); ok {
		t.Error("intent emitted below minimum volume")
	}

	quoted := seriesFromCloses(closes, 5000)
	quoted.Fields |= domain.QuoteFields
	for i := range quoted.Bars {
		quoted.Bars[i].Bid, quoted.Bars[i].Ask = 100, 101 // 1% spread
	}
	wide := s.Signals(quoted)
	if _, ok := s.NextIntent(wide, 1); ok {
		t.Error("intent emitted above maximum spread")
	}

	for i := range quoted.Bars {
		quoted.Bars[i].Ask = 100.2
	}
	tight := s.Signals(quoted)
	if _, ok := s.NextIntent(tight, 1); !ok {
		t.Error("intent suppressed despite a tight spread")
	}

	if _, ok := s.NextIntent(tight, 0); ok {
		t.Error("intent emitted at bar 0")
	}
	if _, ok := s.NextIntent(tight, 99); ok {
		t.Error("intent emitted past the end of the series")
	}
}

func TestShouldExit(t *testing.T) {
	s := mustEMACross(t, strategy.DefaultParameters())
	long := &domain.Position{Direction: domain.Long, EntryPrice: 100, Stop: 99, Target: 102}
	short := &domain.Position{Direction: domain.Short, EntryPrice: 100, Stop: 101, Target: 98}

	tests := []struct {
		name      string
		pos       *domain.Position
		bar       domain.Bar
		wantExit  bool
		wantCause string
	}{
		{"no position", nil, domain.Bar{Low: 50, High: 150}, false, ReasonNoPosition},
		{"long stop before target", long, domain.Bar{Low: 98, High: 103, Trend: 1}, true, ReasonStopLoss},
		{"long target", long, domain.Bar{Low: 100, High: 102, Trend: 1}, true, ReasonTakeProfit},
		{"long reversal", long, domain.Bar{Low: 99.5, High: 100.5, Trend: -1}, true, ReasonSignalReversal},
		{"long hold", long, domain.Bar{Low: 99.5, High: 100.5, Trend: 1}, false, ReasonHold},
		{"short stop before target", short, domain.Bar{Low: 97, High: 101, Trend: -1}, true, ReasonStopLoss},
		{"short target", short, domain.Bar{Low: 98, High: 100, Trend: -1}, true, ReasonTakeProfit},
		{"short reversal", short, domain.Bar{Low: 99.5, High: 100.5, Trend: 1}, true, ReasonSignalReversal},
		{"short hold", short, domain.Bar{Low: 99.5, High: 100.5, Trend: 0}, false, ReasonHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := domain.NewSeries([]domain.Bar{tt.bar}, false)
			exit, cause := s.ShouldExit(series, 0, tt.pos)
			if exit != tt.wantExit || cause != tt.wantCause {
				t.Errorf("ShouldExit = (%v, %q), want (%v, %q)", exit, cause, tt.wantExit, tt.wantCause)
			}
		})
	}
}
