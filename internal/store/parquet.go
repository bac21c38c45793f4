package store

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantsim/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ SeriesCache = (*FileCache)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for raw bar data. Missing quotes are NaN.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Bid       float64 `parquet:"bid"`
	Ask       float64 `parquet:"ask"`
}

// SeriesRecord is the Parquet schema for a cached processed series. Every
// row carries the series field mask and the time the entry was written.
type SeriesRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
	Bid        float64 `parquet:"bid"`
	Ask        float64 `parquet:"ask"`
	Returns    float64 `parquet:"returns"`
	LogReturns float64 `parquet:"log_returns"`
	Volatility float64 `parquet:"volatility"`
	VolumeMA   float64 `parquet:"volume_ma"`
	VolumeStd  float64 `parquet:"volume_std"`
	Momentum   float64 `parquet:"momentum"`
	SMA10      float64 `parquet:"sma_10"`
	SMA20      float64 `parquet:"sma_20"`
	SMA50      float64 `parquet:"sma_50"`
	Fields     int32   `parquet:"fields"`
	CachedAt   int64   `parquet:"cached_at,timestamp(millisecond)"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/bars/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, symbol string, series domain.Series) error {
	if series.Len() == 0 {
		return nil
	}
	quotes := series.HasQuotes()

	groups := make(map[int][]BarRecord)
	for _, b := range series.Bars {
		r := BarRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Bid:       math.NaN(),
			Ask:       math.NaN(),
		}
		if quotes {
			r.Bid, r.Ask = b.Bid, b.Ask
		}
		year := b.Timestamp.UTC().Year()
		groups[year] = append(groups[year], r)
	}

	for year, records := range groups {
		path := s.barPath(symbol, year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range. The returned series carries bid/ask only when every bar has both.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, start, end time.Time) (domain.Series, error) {
	var bars []domain.Bar
	quotes := true
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(symbol, year))
		if err != nil {
			// File doesn't exist for this year; skip.
			continue
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			if math.IsNaN(r.Bid) || math.IsNaN(r.Ask) {
				quotes = false
			}
			bars = append(bars, domain.Bar{
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
				Bid:       r.Bid,
				Ask:       r.Ask,
			})
		}
	}
	return domain.NewSeries(bars, quotes && len(bars) > 0), nil
}

// ListSymbols lists all symbols that have bar data, in their on-disk form
// (BTC/USD is listed as BTC-USD).
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "bars"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// barPath returns the filesystem path for a bar Parquet file. Pair symbols
// such as BTC/USD are stored as BTC-USD.
func (s *ParquetStore) barPath(symbol string, year int) string {
	dir := strings.ReplaceAll(strings.ToUpper(symbol), "/", "-")
	return filepath.Join(s.DataDir, "bars", dir, fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Processed-series cache
// ---------------------------------------------------------------------------

// FileCache implements SeriesCache with one Parquet blob per key in Dir.
type FileCache struct {
	Dir string
}

// NewFileCache creates a FileCache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

// Get reads the blob for key.
func (c *FileCache) Get(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	return blob, nil
}

// Put writes blob to a temporary file and renames it over the entry.
func (c *FileCache) Put(_ context.Context, key string, blob []byte) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.Dir, "."+entryName(key)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing cache entry %s: %w", key, err)
	}
	return nil
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.Dir, entryName(key)+".parquet")
}

func entryName(key string) string {
	return strings.ReplaceAll(key, "/", "-")
}

// EncodeSeries serializes a processed series to a Parquet blob stamped with
// cachedAt.
func EncodeSeries(series domain.Series, cachedAt time.Time) ([]byte, error) {
	records := make([]SeriesRecord, len(series.Bars))
	for i, b := range series.Bars {
		records[i] = SeriesRecord{
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			Bid:        b.Bid,
			Ask:        b.Ask,
			Returns:    b.Returns,
			LogReturns: b.LogReturns,
			Volatility: b.Volatility,
			VolumeMA:   b.VolumeMA,
			VolumeStd:  b.VolumeStd,
			Momentum:   b.Momentum,
			SMA10:      b.SMA10,
			SMA20:      b.SMA20,
			SMA50:      b.SMA50,
			Fields:     int32(series.Fields),
			CachedAt:   cachedAt.UnixMilli(),
		}
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, records); err != nil {
		return nil, fmt.Errorf("encoding series: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSeries parses a blob produced by EncodeSeries. An entry with no rows
// yields an empty series and a zero cachedAt.
func DecodeSeries(blob []byte) (domain.Series, time.Time, error) {
	records, err := parquet.Read[SeriesRecord](bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return domain.Series{}, time.Time{}, fmt.Errorf("decoding series: %w", err)
	}
	if len(records) == 0 {
		return domain.Series{}, time.Time{}, nil
	}

	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = domain.Bar{
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			Bid:        r.Bid,
			Ask:        r.Ask,
			Returns:    r.Returns,
			LogReturns: r.LogReturns,
			Volatility: r.Volatility,
			VolumeMA:   r.VolumeMA,
			VolumeStd:  r.VolumeStd,
			Momentum:   r.Momentum,
			SMA10:      r.SMA10,
			SMA20:      r.SMA20,
			SMA50:      r.SMA50,
		}
	}
	series := domain.Series{Fields: domain.Field(records[0].Fields), Bars: bars}
	return series, time.UnixMilli(records[0].CachedAt).UTC(), nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
