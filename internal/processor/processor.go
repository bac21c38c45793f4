// Package processor validates, cleans, normalizes and enriches raw bar
// series before they are replayed, and caches the processed result.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/indicators"
	"quantsim/internal/store"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

const (
	fillLimit        = 5
	volatilityWindow = 20
	volumeWindow     = 20
	momentumLag      = 10
	maxClipPasses    = 1000
	clipTolerance    = 1e-9
)

// smaWindows are the moving-average lengths added by Enrich. The longest
// one sets the warm-up period.
var smaWindows = [3]int{10, 20, 50}

// Warmup is the number of leading rows Enrich drops.
const Warmup = 50

var priceFields = []domain.Field{domain.FieldOpen, domain.FieldHigh, domain.FieldLow, domain.FieldClose}

var allFields = []domain.Field{
	domain.FieldOpen, domain.FieldHigh, domain.FieldLow, domain.FieldClose,
	domain.FieldVolume, domain.FieldBid, domain.FieldAsk,
}

// Config controls each processing stage.
type Config struct {
	Interval            time.Duration
	FillGaps            bool
	RemoveOutliers      bool
	OutlierStdThreshold float64
	MinVolume           float64
	ValidateData        bool
	MaxGap              time.Duration
	NormalizeVolume     bool
	AddIndicators       bool
	CacheEnabled        bool
	CacheTTL            time.Duration
}

// DefaultConfig returns the stock processing configuration: one-minute bars,
// every stage enabled, 3-sigma outlier clipping.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Minute,
		FillGaps:            true,
		RemoveOutliers:      true,
		OutlierStdThreshold: 3.0,
		MinVolume:           0.01,
		ValidateData:        true,
		MaxGap:              5 * time.Minute,
		NormalizeVolume:     true,
		AddIndicators:       true,
		CacheEnabled:        true,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return domain.NewConfigError("processing.interval", "must be positive, got %s", c.Interval)
	case c.RemoveOutliers && !(c.OutlierStdThreshold > 0):
		return domain.NewConfigError("processing.outlier_std_threshold", "must be positive, got %v", c.OutlierStdThreshold)
	case c.MinVolume < 0 || math.IsNaN(c.MinVolume):
		return domain.NewConfigError("processing.min_volume", "must not be negative, got %v", c.MinVolume)
	case c.MaxGap < 0:
		return domain.NewConfigError("processing.max_gap", "must not be negative, got %s", c.MaxGap)
	case c.CacheTTL < 0:
		return domain.NewConfigError("processing.cache_ttl", "must not be negative, got %s", c.CacheTTL)
	}
	return nil
}

// Processor runs the processing pipeline. It is safe for concurrent use as
// long as the cache is.
type Processor struct {
	cfg     Config
	cache   store.SeriesCache
	clock   util.Clock
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// New creates a Processor. cache may be nil to disable caching; clock
// defaults to the system clock and log to a discarding logger.
func New(cfg Config, cache store.SeriesCache, clock util.Clock, metrics *telemetry.Metrics, log *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Processor{
		cfg:     cfg,
		cache:   cache,
		clock:   clock,
		metrics: metrics,
		log:     util.OrDiscard(log),
	}, nil
}

// Config returns the processor's configuration.
func (p *Processor) Config() Config { return p.cfg }

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate inspects a raw series and reports every issue found. It never
// modifies the series and never fails.
func (p *Processor) Validate(s domain.Series) domain.ValidationResult {
	var res domain.ValidationResult

	if missing := domain.RequiredFields &^ s.Fields; missing != 0 {
		res.Issues = append(res.Issues, fmt.Sprintf("missing required columns: %v", missing.Names()))
	}

	for i := range s.Bars {
		for _, f := range allFields {
			if s.Fields.Has(f) && math.IsNaN(s.Bars[i].Value(f)) {
				res.TotalMissing++
			}
		}
	}

	seen := make(map[int64]struct{}, len(s.Bars))
	dups := 0
	for _, b := range s.Bars {
		k := b.Timestamp.UnixNano()
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	if dups > 0 {
		res.Issues = append(res.Issues, fmt.Sprintf("found %d duplicate timestamps", dups))
	}

	long := 0
	for i := 1; i < len(s.Bars); i++ {
		dt := s.Bars[i].Timestamp.Sub(s.Bars[i-1].Timestamp)
		if dt > p.cfg.Interval {
			res.Gaps = append(res.Gaps, s.Bars[i].Timestamp)
			if p.cfg.MaxGap > 0 && dt > p.cfg.MaxGap {
				long++
			}
		}
	}
	if len(res.Gaps) > 0 {
		res.Issues = append(res.Issues, fmt.Sprintf("found %d time gaps in data (%d longer than %s)", len(res.Gaps), long, p.cfg.MaxGap))
	}

	if s.Fields.Has(domain.FieldClose) {
		closes := column(s.Bars, domain.FieldClose)
		mean, std := indicators.Mean(closes), indicators.Std(closes)
		if !math.IsNaN(std) {
			limit := p.cfg.OutlierStdThreshold * std
			for i, c := range closes {
				if math.Abs(c-mean) > limit {
					res.Anomalies = append(res.Anomalies, s.Bars[i].Timestamp)
				}
			}
		}
		if len(res.Anomalies) > 0 {
			res.Issues = append(res.Issues, fmt.Sprintf("found %d price anomalies", len(res.Anomalies)))
		}

		for _, c := range closes {
			if c <= 0 {
				res.Issues = append(res.Issues, "found zero or negative prices")
				break
			}
		}
	}

	res.Valid = len(res.Issues) == 0
	return res
}

// ---------------------------------------------------------------------------
// Cleaning and normalization
// ---------------------------------------------------------------------------

// Clean drops empty rows, forward-fills short runs of missing values, drops
// rows still incomplete or below the volume threshold, and clips price
// outliers. Clipping repeats until no value moves, so cleaning a cleaned
// series returns it unchanged.
func (p *Processor) Clean(s domain.Series) domain.Series {
	out := s.Clone()
	present := presentFields(s.Fields)

	bars := out.Bars[:0]
	for _, b := range out.Bars {
		if !allMissing(&b, present) {
			bars = append(bars, b)
		}
	}

	if p.cfg.FillGaps {
		for _, f := range present {
			forwardFill(bars, f, fillLimit)
		}
	}

	kept := bars[:0]
	for _, b := range bars {
		if anyMissing(&b, present) {
			continue
		}
		if s.Fields.Has(domain.FieldVolume) && p.cfg.MinVolume > 0 && b.Volume < p.cfg.MinVolume {
			continue
		}
		kept = append(kept, b)
	}
	out.Bars = kept

	if p.cfg.RemoveOutliers {
		p.clipOutliers(out)
	}
	return out
}

func (p *Processor) clipOutliers(s domain.Series) {
	for pass := 0; pass < maxClipPasses; pass++ {
		changed := false
		for _, f := range priceFields {
			if !s.Fields.Has(f) {
				continue
			}
			vals := column(s.Bars, f)
			mean, std := indicators.Mean(vals), indicators.Std(vals)
			if math.IsNaN(std) || std == 0 {
				continue
			}
			limit := p.cfg.OutlierStdThreshold * std
			lo, hi := mean-limit, mean+limit
			slack := clipTolerance * math.Max(math.Abs(lo), math.Abs(hi))
			for i := range s.Bars {
				v := s.Bars[i].Value(f)
				if v > hi+slack || v < lo-slack {
					s.Bars[i].SetValue(f, indicators.Clip(v, lo, hi))
					changed = true
				}
			}
		}
		if !changed {
			return
		}
	}
	p.log.Warn("outlier clipping did not converge", "passes", maxClipPasses)
}

// Normalize rescales volume into [0, 1] and re-derives high and low so that
// low <= open, close <= high holds after clipping.
func (p *Processor) Normalize(s domain.Series) domain.Series {
	out := s.Clone()

	if p.cfg.NormalizeVolume && out.Fields.Has(domain.FieldVolume) {
		maxVol := indicators.Max(column(out.Bars, domain.FieldVolume)...)
		if maxVol > 0 {
			for i := range out.Bars {
				out.Bars[i].Volume /= maxVol
			}
		}
	}

	if out.Fields.Has(domain.FieldOpen | domain.FieldHigh | domain.FieldLow | domain.FieldClose) {
		for i := range out.Bars {
			b := &out.Bars[i]
			b.High = indicators.Max(b.Open, b.High, b.Close)
			b.Low = indicators.Min(b.Open, b.Low, b.Close)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Enrichment
// ---------------------------------------------------------------------------

// Enrich adds returns, log returns, rolling volatility, rolling volume mean
// and deviation, momentum and 10/20/50-bar moving averages. The first
// Warmup rows, and any later row with an undefined derived value, are
// dropped: a clean series of n bars yields max(0, n-Warmup) rows.
func (p *Processor) Enrich(s domain.Series) domain.Series {
	out := domain.Series{Fields: s.Fields}
	n := s.Len()
	if n <= Warmup {
		return out
	}

	closes := column(s.Bars, domain.FieldClose)
	volumes := column(s.Bars, domain.FieldVolume)

	returns := indicators.PctChange(closes, 1)
	logReturns := indicators.Log1p(returns)
	volatility := indicators.RollingStd(returns, volatilityWindow)
	volumeMA := indicators.SMA(volumes, volumeWindow)
	volumeStd := indicators.RollingStd(volumes, volumeWindow)
	momentum := indicators.PctChange(closes, momentumLag)
	sma10 := indicators.SMA(closes, smaWindows[0])
	sma20 := indicators.SMA(closes, smaWindows[1])
	sma50 := indicators.SMA(closes, smaWindows[2])

	out.Bars = make([]domain.Bar, 0, n-Warmup)
	for i := Warmup; i < n; i++ {
		b := s.Bars[i]
		b.Returns = returns[i]
		b.LogReturns = logReturns[i]
		b.Volatility = volatility[i]
		b.VolumeMA = volumeMA[i]
		b.VolumeStd = volumeStd[i]
		b.Momentum = momentum[i]
		b.SMA10 = sma10[i]
		b.SMA20 = sma20[i]
		b.SMA50 = sma50[i]
		if !finite(b.Returns, b.LogReturns, b.Volatility, b.VolumeMA, b.VolumeStd,
			b.Momentum, b.SMA10, b.SMA20, b.SMA50) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// CacheKey returns the cache key for a processed range. The key covers only
// the symbol and the calendar dates of the bounds, not the raw content: two
// different raw datasets for the same symbol and dates share one entry, and
// the second caller receives the first caller's result.
func CacheKey(symbol string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s", symbol, start.UTC().Format("20060102"), end.UTC().Format("20060102"))
}

// Process runs the full pipeline over raw and returns the processed series
// with the validation outcome of the raw input. When both start and end are
// set the result is cached; a cache hit is returned as-is with a valid,
// empty ValidationResult. Cache failures are logged and treated as misses.
func (p *Processor) Process(ctx context.Context, raw domain.Series, symbol string, start, end time.Time) (domain.Series, domain.ValidationResult) {
	useCache := p.cfg.CacheEnabled && p.cache != nil && !start.IsZero() && !end.IsZero()
	var key string
	if useCache {
		key = CacheKey(symbol, start, end)
		if s, ok := p.loadCached(ctx, key); ok {
			p.log.Debug("processed series served from cache", "symbol", symbol, "cacheKey", key, "rows", s.Len())
			return s, domain.ValidationResult{Valid: true}
		}
	}

	vr := p.Validate(raw)
	if p.cfg.ValidateData && !vr.Valid {
		p.log.Warn("data validation issues", "symbol", symbol, "issues", vr.Issues)
	}

	s := filterRange(raw, start, end)
	s = p.Clean(s)
	s = p.Normalize(s)
	if p.cfg.AddIndicators {
		s = p.Enrich(s)
	}

	if useCache {
		p.storeCached(ctx, key, s)
	}
	p.log.Debug("processed series", "symbol", symbol, "rawRows", raw.Len(), "rows", s.Len())
	return s, vr
}

func (p *Processor) loadCached(ctx context.Context, key string) (domain.Series, bool) {
	blob, err := p.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			p.metrics.CacheLookup(telemetry.CacheMiss)
		} else {
			p.metrics.CacheLookup(telemetry.CacheError)
			p.log.Warn("failed to load cache", "cacheKey", key, "error", err)
		}
		return domain.Series{}, false
	}

	s, cachedAt, err := store.DecodeSeries(blob)
	if err != nil {
		p.metrics.CacheLookup(telemetry.CacheError)
		p.log.Warn("failed to decode cache entry", "cacheKey", key, "error", err)
		return domain.Series{}, false
	}
	if s.Len() == 0 {
		p.metrics.CacheLookup(telemetry.CacheMiss)
		return domain.Series{}, false
	}
	if p.cfg.CacheTTL > 0 && p.clock.Now().Sub(cachedAt) > p.cfg.CacheTTL {
		p.metrics.CacheLookup(telemetry.CacheStale)
		return domain.Series{}, false
	}
	p.metrics.CacheLookup(telemetry.CacheHit)
	return s, true
}

func (p *Processor) storeCached(ctx context.Context, key string, s domain.Series) {
	blob, err := store.EncodeSeries(s, p.clock.Now())
	if err == nil {
		err = p.cache.Put(ctx, key, blob)
	}
	p.metrics.CacheWrite(err)
	if err != nil {
		p.log.Warn("failed to save cache", "cacheKey", key, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// filterRange keeps bars within [start, end]; a zero bound is open.
func filterRange(s domain.Series, start, end time.Time) domain.Series {
	out := domain.Series{Fields: s.Fields, Bars: make([]domain.Bar, 0, s.Len())}
	for _, b := range s.Bars {
		if !start.IsZero() && b.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && b.Timestamp.After(end) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

func column(bars []domain.Bar, f domain.Field) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Value(f)
	}
	return out
}

func presentFields(set domain.Field) []domain.Field {
	var out []domain.Field
	for _, f := range allFields {
		if set.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func allMissing(b *domain.Bar, fields []domain.Field) bool {
	for _, f := range fields {
		if !math.IsNaN(b.Value(f)) {
			return false
		}
	}
	return true
}

func anyMissing(b *domain.Bar, fields []domain.Field) bool {
	for _, f := range fields {
		if math.IsNaN(b.Value(f)) {
			return true
		}
	}
	return false
}

// forwardFill copies the last observed value into at most limit consecutive
// missing slots that follow it.
func forwardFill(bars []domain.Bar, f domain.Field, limit int) {
	last := math.NaN()
	run := 0
	for i := range bars {
		v := bars[i].Value(f)
		if !math.IsNaN(v) {
			last, run = v, 0
			continue
		}
		run++
		if !math.IsNaN(last) && run <= limit {
			bars[i].SetValue(f, last)
		}
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
