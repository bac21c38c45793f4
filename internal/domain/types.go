// Package domain defines the core value types shared by the processor,
// strategy, engine and optimizer packages.
package domain

import (
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Bars and series
// ---------------------------------------------------------------------------

// Field identifies a raw column supplied by a bar source.
type Field uint8

const (
	FieldOpen Field = 1 << iota
	FieldHigh
	FieldLow
	FieldClose
	FieldVolume
	FieldBid
	FieldAsk
)

// RequiredFields is the set of columns every input series must carry.
const RequiredFields = FieldOpen | FieldHigh | FieldLow | FieldClose | FieldVolume

// QuoteFields is the optional bid/ask pair.
const QuoteFields = FieldBid | FieldAsk

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldOpen, "open"},
	{FieldHigh, "high"},
	{FieldLow, "low"},
	{FieldClose, "close"},
	{FieldVolume, "volume"},
	{FieldBid, "bid"},
	{FieldAsk, "ask"},
}

// Has reports whether every field in want is present in f.
func (f Field) Has(want Field) bool { return f&want == want }

// Names returns the column names in f in canonical order.
func (f Field) Names() []string {
	var out []string
	for _, fn := range fieldNames {
		if f&fn.f != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

// ParseField maps a column name to its Field. The second return value is
// false for unknown names.
func ParseField(name string) (Field, bool) {
	for _, fn := range fieldNames {
		if fn.name == name {
			return fn.f, true
		}
	}
	return 0, false
}

// Bar is one OHLCV sample. Missing values are NaN. Enrichment and signal
// columns are zero until the processor or strategy fills them.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Bid       float64
	Ask       float64

	// Enrichment columns.
	Returns    float64
	LogReturns float64
	Volatility float64
	VolumeMA   float64
	VolumeStd  float64
	Momentum   float64
	SMA10      float64
	SMA20      float64
	SMA50      float64

	// Signal columns.
	ShortEMA  float64
	LongEMA   float64
	Trend     int
	Crossover int
}

// Value returns the raw column identified by f, or NaN for an unknown field.
func (b *Bar) Value(f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	case FieldBid:
		return b.Bid
	case FieldAsk:
		return b.Ask
	}
	return math.NaN()
}

// SetValue assigns the raw column identified by f.
func (b *Bar) SetValue(f Field, v float64) {
	switch f {
	case FieldOpen:
		b.Open = v
	case FieldHigh:
		b.High = v
	case FieldLow:
		b.Low = v
	case FieldClose:
		b.Close = v
	case FieldVolume:
		b.Volume = v
	case FieldBid:
		b.Bid = v
	case FieldAsk:
		b.Ask = v
	}
}

// Series is an ascending-timestamp sequence of bars together with the set of
// raw columns its source supplied.
type Series struct {
	Fields Field
	Bars   []Bar
}

// NewSeries returns a Series carrying the required columns, plus bid/ask
// when withQuotes is set.
func NewSeries(bars []Bar, withQuotes bool) Series {
	f := RequiredFields
	if withQuotes {
		f |= QuoteFields
	}
	return Series{Fields: f, Bars: bars}
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Bars) }

// HasQuotes reports whether bid and ask are both present.
func (s Series) HasQuotes() bool { return s.Fields.Has(QuoteFields) }

// Clone returns a deep copy so callers may mutate bars freely.
func (s Series) Clone() Series {
	bars := make([]Bar, len(s.Bars))
	copy(bars, s.Bars)
	return Series{Fields: s.Fields, Bars: bars}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ValidationResult reports the outcome of a single validation pass.
type ValidationResult struct {
	Valid        bool
	Issues       []string
	Gaps         []time.Time
	Anomalies    []time.Time
	TotalMissing int
}

// ---------------------------------------------------------------------------
// Trading
// ---------------------------------------------------------------------------

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// TradeIntent is a proposed trade emitted by a strategy.
type TradeIntent struct {
	Direction Direction
	Price     float64
	Stop      float64
	Target    float64
	Timestamp time.Time
}

// Position is an open trade.
type Position struct {
	ID         string
	Direction  Direction
	EntryPrice float64
	Size       float64
	Stop       float64
	Target     float64
	EntryTime  time.Time
	Fees       float64
}

// UnrealizedPnL marks the position at price, net of fees accrued so far.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return p.Direction.Sign()*(price-p.EntryPrice)*p.Size - p.Fees
}

// Trade is a closed position.
type Trade struct {
	Position
	ExitPrice   float64
	ExitTime    time.Time
	RealizedPnL float64
	ExitReason  string
}

// Duration returns the holding period.
func (t *Trade) Duration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// ROI returns realized P&L as a fraction of the entry notional, or 0 when the
// notional is not positive.
func (t *Trade) ROI() float64 {
	notional := t.EntryPrice * t.Size
	if notional <= 0 {
		return 0
	}
	return t.RealizedPnL / notional
}

// EquityPoint is one equity curve sample.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// BacktestResult is the output of one simulation run. Metric maps always
// carry every key; degenerate inputs report 0.
type BacktestResult struct {
	Trades       []Trade
	EquityCurve  []EquityPoint
	Performance  map[string]float64
	TradeStats   map[string]float64
	Drawdown     map[string]float64
	Parameters   map[string]float64
	FinalCapital float64
}
