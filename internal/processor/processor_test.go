package processor

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"quantsim/internal/domain"
	"quantsim/internal/store"
	"quantsim/internal/util"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// makeSeries builds n one-minute bars oscillating around 100.
func makeSeries(n int) domain.Series {
	bars := make([]domain.Bar, n)
	for i := range bars {
		c := 100 + float64(i%7) - 3 + 0.01*float64(i)
		bars[i] = domain.Bar{
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open:      c - 0.5,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10 + float64(i%3),
		}
	}
	return domain.NewSeries(bars, false)
}

func newTestProcessor(t *testing.T, cfg Config, cache store.SeriesCache, clock util.Clock) *Processor {
	t.Helper()
	p, err := New(cfg, cache, clock, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	cfg := DefaultConfig()
	cfg.Interval = 0
	err := cfg.Validate()
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("zero interval error = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(cfg, nil, nil, nil, nil); err == nil {
		t.Error("New should reject an invalid config")
	}
}

func TestEnrichLength(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	for _, n := range []int{0, 10, 50, 51, 120} {
		out := p.Enrich(makeSeries(n))
		want := n - Warmup
		if want < 0 {
			want = 0
		}
		if out.Len() != want {
			t.Errorf("Enrich(%d bars) length = %d, want %d", n, out.Len(), want)
		}
		for i, b := range out.Bars {
			if !finite(b.Returns, b.LogReturns, b.Volatility, b.VolumeMA, b.VolumeStd, b.Momentum, b.SMA10, b.SMA20, b.SMA50) {
				t.Fatalf("Enrich(%d bars) row %d has undefined derived value: %+v", n, i, b)
			}
		}
	}

	out := p.Enrich(makeSeries(60))
	first := out.Bars[0]
	if !first.Timestamp.Equal(t0.Add(Warmup * time.Minute)) {
		t.Errorf("first enriched bar at %v, want bar %d", first.Timestamp, Warmup)
	}
	src := makeSeries(60)
	wantReturn := src.Bars[Warmup].Close/src.Bars[Warmup-1].Close - 1
	if math.Abs(first.Returns-wantReturn) > 1e-12 {
		t.Errorf("Returns = %v, want %v", first.Returns, wantReturn)
	}
	var sum float64
	for _, b := range src.Bars[Warmup-9 : Warmup+1] {
		sum += b.Close
	}
	if math.Abs(first.SMA10-sum/10) > 1e-9 {
		t.Errorf("SMA10 = %v, want %v", first.SMA10, sum/10)
	}
}

func dirtySeries() domain.Series {
	s := makeSeries(80)
	nan := math.NaN()
	s.Bars[10].Close, s.Bars[11].Close = nan, nan
	for i := 20; i <= 26; i++ {
		s.Bars[i].Volume = nan
	}
	b := &s.Bars[30]
	b.Open, b.High, b.Low, b.Close, b.Volume = nan, nan, nan, nan, nan
	s.Bars[40].Open, s.Bars[40].High, s.Bars[40].Low, s.Bars[40].Close = 999.5, 1001, 999, 1000
	s.Bars[50].Volume = 0.001
	return s
}

func TestClean(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	raw := dirtySeries()
	once := p.Clean(raw)

	// One empty row, two rows past the fill limit, one low-volume row.
	if once.Len() != 76 {
		t.Fatalf("Clean length = %d, want 76", once.Len())
	}
	for _, b := range once.Bars {
		if anyMissing(&b, presentFields(once.Fields)) {
			t.Fatalf("cleaned bar still has missing values: %+v", b)
		}
		if b.Timestamp.Equal(t0.Add(40*time.Minute)) && b.Close > 120 {
			t.Errorf("spike close = %v, want clipped toward the series", b.Close)
		}
	}
	if got := once.Bars[10].Close; got != raw.Bars[9].Close {
		t.Errorf("forward-filled close = %v, want %v", got, raw.Bars[9].Close)
	}
	if !math.IsNaN(raw.Bars[10].Close) {
		t.Error("Clean must not modify its input")
	}
}

func TestCleanIdempotent(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	once := p.Clean(dirtySeries())
	twice := p.Clean(once)
	if !reflect.DeepEqual(once, twice) {
		t.Error("Clean(Clean(x)) differs from Clean(x)")
	}
}

func TestNormalize(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	s := makeSeries(3)
	s.Bars[1].Close = s.Bars[1].High + 5 // close above high after clipping
	s.Bars[2].Volume = 40

	out := p.Normalize(s)
	if out.Bars[2].Volume != 1 {
		t.Errorf("max volume normalized to %v, want 1", out.Bars[2].Volume)
	}
	if out.Bars[0].Volume != s.Bars[0].Volume/40 {
		t.Errorf("volume = %v, want %v", out.Bars[0].Volume, s.Bars[0].Volume/40)
	}
	if out.Bars[1].High != s.Bars[1].Close {
		t.Errorf("High = %v, want re-derived %v", out.Bars[1].High, s.Bars[1].Close)
	}
	for _, b := range out.Bars {
		if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
			t.Errorf("inconsistent OHLC: %+v", b)
		}
	}

	zero := makeSeries(2)
	zero.Bars[0].Volume, zero.Bars[1].Volume = 0, 0
	if got := p.Normalize(zero); got.Bars[0].Volume != 0 {
		t.Errorf("zero-volume series normalized to %v", got.Bars[0].Volume)
	}
}

func TestValidate(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)

	if vr := p.Validate(makeSeries(80)); !vr.Valid || len(vr.Issues) != 0 {
		t.Errorf("clean series: Valid=%v Issues=%v", vr.Valid, vr.Issues)
	}

	s := makeSeries(80)
	// Duplicate at bar 5, which also leaves a two-minute step into bar 6.
	s.Bars[5].Timestamp = s.Bars[4].Timestamp
	// Ten-minute hole before bar 60.
	for i := 60; i < 80; i++ {
		s.Bars[i].Timestamp = s.Bars[i].Timestamp.Add(10 * time.Minute)
	}
	s.Bars[70].Close = 1000
	s.Bars[71].Close = -1
	s.Bars[72].Volume = math.NaN()

	vr := p.Validate(s)
	if vr.Valid {
		t.Fatal("Validate reported a broken series as valid")
	}
	wantGaps := []time.Time{s.Bars[6].Timestamp, s.Bars[60].Timestamp}
	if !reflect.DeepEqual(vr.Gaps, wantGaps) {
		t.Errorf("Gaps = %v, want %v", vr.Gaps, wantGaps)
	}
	if len(vr.Anomalies) != 1 || !vr.Anomalies[0].Equal(s.Bars[70].Timestamp) {
		t.Errorf("Anomalies = %v, want [%v]", vr.Anomalies, s.Bars[70].Timestamp)
	}
	if vr.TotalMissing != 1 {
		t.Errorf("TotalMissing = %d, want 1", vr.TotalMissing)
	}
	joined := strings.Join(vr.Issues, "; ")
	for _, want := range []string{"1 duplicate", "2 time gaps", "(1 longer than 5m0s)", "1 price anomalies", "zero or negative"} {
		if !strings.Contains(joined, want) {
			t.Errorf("issues %q missing %q", joined, want)
		}
	}

	partial := domain.Series{Fields: domain.FieldClose, Bars: makeSeries(3).Bars}
	vr = p.Validate(partial)
	if vr.Valid || !strings.Contains(vr.Issues[0], "open") {
		t.Errorf("missing columns not reported: %v", vr.Issues)
	}
}

// failingCache fails every operation.
type failingCache struct{ gets, puts int }

func (c *failingCache) Get(context.Context, string) ([]byte, error) {
	c.gets++
	return nil, errors.New("disk on fire")
}

func (c *failingCache) Put(context.Context, string, []byte) error {
	c.puts++
	return errors.New("disk on fire")
}

func TestProcessCache(t *testing.T) {
	ctx := context.Background()
	clock := util.NewManualClock(t0)
	cache := store.NewFileCache(t.TempDir())
	cfg := DefaultConfig()
	cfg.CacheTTL = time.Hour
	p := newTestProcessor(t, cfg, cache, clock)

	raw := makeSeries(120)
	raw.Bars[3].Timestamp = raw.Bars[2].Timestamp // one validation issue
	start, end := t0, t0.Add(24*time.Hour)

	first, vr := p.Process(ctx, raw, "BTC/USD", start, end)
	if vr.Valid {
		t.Error("first Process should report the raw validation issue")
	}
	if first.Len() == 0 {
		t.Fatal("first Process returned an empty series")
	}

	// Different content, same key: served from cache without validation.
	other := makeSeries(60)
	second, vr := p.Process(ctx, other, "BTC/USD", start, end)
	if !vr.Valid || len(vr.Issues) != 0 {
		t.Errorf("cache hit validation = %+v, want valid and empty", vr)
	}
	if second.Len() != first.Len() {
		t.Errorf("cache hit returned %d rows, want %d", second.Len(), first.Len())
	}

	// Past the TTL the entry is stale and the new content is processed.
	clock.Advance(2 * time.Hour)
	third, _ := p.Process(ctx, other, "BTC/USD", start, end)
	if third.Len() != 60-Warmup {
		t.Errorf("stale entry: got %d rows, want %d", third.Len(), 60-Warmup)
	}
}

func TestProcessCacheFailuresDegrade(t *testing.T) {
	ctx := context.Background()
	cache := &failingCache{}
	p := newTestProcessor(t, DefaultConfig(), cache, nil)

	s, _ := p.Process(ctx, makeSeries(120), "ETH/USD", t0, t0.Add(24*time.Hour))
	if s.Len() != 120-Warmup {
		t.Errorf("Process length = %d, want %d", s.Len(), 120-Warmup)
	}
	if cache.gets != 1 || cache.puts != 1 {
		t.Errorf("cache gets=%d puts=%d, want 1 and 1", cache.gets, cache.puts)
	}

	// Without both bounds the cache is bypassed.
	p.Process(ctx, makeSeries(120), "ETH/USD", time.Time{}, t0.Add(24*time.Hour))
	if cache.gets != 1 {
		t.Errorf("open-ended range consulted the cache")
	}
}

func TestProcessDateFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddIndicators = false
	p := newTestProcessor(t, cfg, nil, nil)

	s, _ := p.Process(context.Background(), makeSeries(120), "BTC/USD", t0.Add(10*time.Minute), t0.Add(19*time.Minute))
	if s.Len() != 10 {
		t.Errorf("filtered length = %d, want 10", s.Len())
	}
}

func TestCacheKey(t *testing.T) {
	got := CacheKey("BTC/USD", t0, t0.Add(36*time.Hour))
	if got != "BTC/USD_20240101_20240102" {
		t.Errorf("CacheKey = %q", got)
	}
	// Same dates, different times of day: same key.
	if CacheKey("BTC/USD", t0.Add(time.Hour), t0.Add(30*time.Hour)) != got {
		t.Error("keys for the same calendar dates should collide")
	}
}

func TestInfo(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	s := makeSeries(5)
	s.Bars[2].Volume = math.NaN()

	sum := p.Info(s)
	if sum.Records != 5 || !sum.Start.Equal(t0) || !sum.End.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("Summary = %+v", sum)
	}
	if sum.Interval != time.Minute {
		t.Errorf("Interval = %v, want 1m", sum.Interval)
	}
	if sum.Missing["volume"] != 1 || sum.Missing["close"] != 0 {
		t.Errorf("Missing = %v", sum.Missing)
	}

	s.Bars[4].Timestamp = s.Bars[4].Timestamp.Add(time.Minute)
	if got := p.Info(s).Interval; got != 0 {
		t.Errorf("irregular Interval = %v, want 0", got)
	}
}

func TestFeatures(t *testing.T) {
	p := newTestProcessor(t, DefaultConfig(), nil, nil)
	s := makeSeries(3)
	s.Bars[0].Close = math.NaN()
	s.Bars[2].Close = math.NaN()

	fm := p.Features(s, []string{"close", "bid", "momentum", "bogus"})
	if !reflect.DeepEqual(fm.Columns, []string{"close", "momentum"}) {
		t.Fatalf("Columns = %v", fm.Columns)
	}
	if fm.Rows[0][0] != 0 {
		t.Errorf("leading missing close = %v, want 0", fm.Rows[0][0])
	}
	if fm.Rows[2][0] != s.Bars[1].Close {
		t.Errorf("trailing missing close = %v, want %v", fm.Rows[2][0], s.Bars[1].Close)
	}

	if got := p.Features(s, nil).Columns; len(got) != len(DefaultFeatures) {
		t.Errorf("default Columns = %v", got)
	}
}
