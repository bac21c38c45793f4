package processor

import (
	"math"
	"time"

	"quantsim/internal/domain"
)

// Summary describes a series at a glance.
type Summary struct {
	Start    time.Time
	End      time.Time
	Records  int
	Columns  []string
	Missing  map[string]int
	Interval time.Duration // zero when bars are irregular or fewer than two
}

// Info summarizes s.
func (p *Processor) Info(s domain.Series) Summary {
	sum := Summary{
		Records: s.Len(),
		Columns: s.Fields.Names(),
		Missing: make(map[string]int),
	}
	if s.Len() == 0 {
		return sum
	}
	sum.Start = s.Bars[0].Timestamp
	sum.End = s.Bars[s.Len()-1].Timestamp
	for _, b := range s.Bars {
		if b.Timestamp.Before(sum.Start) {
			sum.Start = b.Timestamp
		}
		if b.Timestamp.After(sum.End) {
			sum.End = b.Timestamp
		}
	}

	for _, f := range presentFields(s.Fields) {
		name := f.Names()[0]
		sum.Missing[name] = 0
		for i := range s.Bars {
			if math.IsNaN(s.Bars[i].Value(f)) {
				sum.Missing[name]++
			}
		}
	}

	if s.Len() > 1 {
		step := s.Bars[1].Timestamp.Sub(s.Bars[0].Timestamp)
		regular := step > 0
		for i := 2; i < s.Len() && regular; i++ {
			regular = s.Bars[i].Timestamp.Sub(s.Bars[i-1].Timestamp) == step
		}
		if regular {
			sum.Interval = step
		}
	}
	return sum
}

// DefaultFeatures is the column set Features uses when none is requested.
var DefaultFeatures = []string{"open", "high", "low", "close", "volume", "returns", "volatility", "momentum"}

var derivedColumns = map[string]func(*domain.Bar) float64{
	"returns":     func(b *domain.Bar) float64 { return b.Returns },
	"log_returns": func(b *domain.Bar) float64 { return b.LogReturns },
	"volatility":  func(b *domain.Bar) float64 { return b.Volatility },
	"volume_ma":   func(b *domain.Bar) float64 { return b.VolumeMA },
	"volume_std":  func(b *domain.Bar) float64 { return b.VolumeStd },
	"momentum":    func(b *domain.Bar) float64 { return b.Momentum },
	"sma_10":      func(b *domain.Bar) float64 { return b.SMA10 },
	"sma_20":      func(b *domain.Bar) float64 { return b.SMA20 },
	"sma_50":      func(b *domain.Bar) float64 { return b.SMA50 },
	"short_ema":   func(b *domain.Bar) float64 { return b.ShortEMA },
	"long_ema":    func(b *domain.Bar) float64 { return b.LongEMA },
	"trend":       func(b *domain.Bar) float64 { return float64(b.Trend) },
	"crossover":   func(b *domain.Bar) float64 { return float64(b.Crossover) },
}

// FeatureMatrix is a row-major numeric view of selected series columns.
type FeatureMatrix struct {
	Columns []string
	Rows    [][]float64
}

// Features extracts the named columns from s, skipping names the series
// does not carry. Missing values are forward-filled, and any still missing
// (leading gaps) become 0. A nil columns slice selects DefaultFeatures.
func (p *Processor) Features(s domain.Series, columns []string) FeatureMatrix {
	if columns == nil {
		columns = DefaultFeatures
	}

	var (
		names   []string
		getters []func(*domain.Bar) float64
	)
	for _, name := range columns {
		if f, ok := domain.ParseField(name); ok {
			if !s.Fields.Has(f) {
				continue
			}
			names = append(names, name)
			getters = append(getters, func(b *domain.Bar) float64 { return b.Value(f) })
			continue
		}
		if g, ok := derivedColumns[name]; ok {
			names = append(names, name)
			getters = append(getters, g)
		}
	}

	fm := FeatureMatrix{Columns: names, Rows: make([][]float64, s.Len())}
	last := make([]float64, len(names))
	for j := range last {
		last[j] = math.NaN()
	}
	for i := range s.Bars {
		row := make([]float64, len(names))
		for j, get := range getters {
			v := get(&s.Bars[i])
			if math.IsNaN(v) {
				v = last[j]
			} else {
				last[j] = v
			}
			if math.IsNaN(v) {
				v = 0
			}
			row[j] = v
		}
		fm.Rows[i] = row
	}
	return fm
}
