package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"quantsim/internal/backtest"
	"quantsim/internal/config"
	"quantsim/internal/processor"
	"quantsim/internal/store"
	"quantsim/internal/strategy"
	"quantsim/internal/strategy/builtins"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *telemetry.Metrics
	bars    *store.ParquetStore
	results *store.SQLiteStore

	closers []func() error
}

// loadConfig reads configPath. A missing file at the default location falls
// back to built-in defaults; an explicitly named file must exist.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil && errors.Is(err, fs.ErrNotExist) && configPath == defaultConfigPath {
		return config.Load("")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp loads configuration and opens the bar store. The result store is
// opened only when withResults is set.
func newApp(withResults bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: telemetry.New(reg),
		bars:    store.NewParquetStore(cfg.Storage.DataDir),
	}

	if withResults {
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening result store: %w", err)
		}
		a.results = results
		a.closers = append(a.closers, results.Close)
	}
	return a, nil
}

// seriesCache returns the Redis cache when one is configured, otherwise the
// file cache under the cache directory.
func (a *app) seriesCache(ctx context.Context) (store.SeriesCache, error) {
	if a.cfg.Redis.Addr == "" {
		return store.NewFileCache(a.cfg.Storage.CacheDir), nil
	}
	rdb, err := store.DialRedis(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.log.Info("using redis series cache", "addr", a.cfg.Redis.Addr, "prefix", a.cfg.Redis.Prefix)
	return store.NewRedisCache(rdb, a.cfg.Redis.Prefix, a.cfg.Processing.CacheTTL), nil
}

// backtester wires the processor, strategy registry and stores.
func (a *app) backtester(ctx context.Context) (*backtest.Backtester, error) {
	cache, err := a.seriesCache(ctx)
	if err != nil {
		return nil, err
	}
	proc, err := processor.New(a.cfg.ProcessorConfig(), cache, util.SystemClock{}, a.metrics, a.log)
	if err != nil {
		return nil, err
	}

	registry := strategy.NewRegistry()
	builtins.Register(registry)

	var results store.ResultStore
	if a.results != nil {
		results = a.results
	}
	return backtest.NewBacktester(a.bars, results, proc, registry, a.cfg.RiskParameters(), a.cfg.EngineParams(), a.metrics, a.log)
}

// Close releases stores and connections and exports metrics when a
// textfile path is configured.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if path := a.cfg.Telemetry.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics textfile: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Flag parsing helpers
// ---------------------------------------------------------------------------

// parseBound parses a YYYY-MM-DD date or an RFC 3339 timestamp in UTC.
// dateOnly reports which form was given.
func parseBound(s string) (t time.Time, dateOnly bool, err error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true, nil
	}
	t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), false, nil
}

// parseRange parses the --start and --end flags. A date-only end covers the
// whole day. Empty flags yield zero times.
func parseRange(start, end string) (time.Time, time.Time, error) {
	var from, to time.Time
	if start != "" {
		t, _, err := parseBound(start)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if end != "" {
		t, dateOnly, err := parseBound(end)
		if err != nil {
			return from, to, err
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("end %s is before start %s", end, start)
	}
	return from, to, nil
}
