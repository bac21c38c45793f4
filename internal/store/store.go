// Package store defines storage interfaces for bar series, processed-series
// caches and backtest results, together with their Parquet, Redis, SQLite
// and CSV implementations.
package store

import (
	"context"
	"errors"
	"time"

	"quantsim/internal/domain"
)

// ErrCacheMiss is returned by SeriesCache.Get when no entry exists for a key.
var ErrCacheMiss = errors.New("store: cache miss")

// BarStore persists and retrieves raw OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars for symbol, merging with any bars
	// already stored at the same timestamps.
	WriteBars(ctx context.Context, symbol string, series domain.Series) error

	// ReadBars returns bars for symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) (domain.Series, error)

	// ListSymbols returns all distinct symbols that have stored bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// SeriesCache is a keyed blob store for processed series. Put must be atomic
// per key: a concurrent Get observes either the old or the new blob.
type SeriesCache interface {
	// Get returns the blob stored under key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores blob under key, replacing any previous entry.
	Put(ctx context.Context, key string, blob []byte) error
}

// RunRecord describes the context of one persisted backtest.
type RunRecord struct {
	Symbol   string
	Strategy string
	Start    time.Time
	End      time.Time
	RanAt    time.Time
}

// RunSummary is one row of the backtest history.
type RunSummary struct {
	ID          int64
	Symbol      string
	Strategy    string
	Start       time.Time
	End         time.Time
	RanAt       time.Time
	TotalReturn float64
	SharpeRatio float64
	MaxDrawdown float64
	TotalTrades int
	Parameters  map[string]float64
}

// ResultStore persists backtest results.
type ResultStore interface {
	// SaveResult stores result and its trades, returning the new run ID.
	SaveResult(ctx context.Context, run RunRecord, result *domain.BacktestResult) (int64, error)

	// ListResults returns the most recent runs, newest first, up to limit.
	ListResults(ctx context.Context, limit int) ([]RunSummary, error)

	// ListTrades returns the trades recorded for a run.
	ListTrades(ctx context.Context, runID int64) ([]domain.Trade, error)
}
