package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quantsim/internal/domain"
	"quantsim/internal/engine"
	"quantsim/internal/gather"
	"quantsim/internal/optimize"
	"quantsim/internal/processor"
	"quantsim/internal/strategy"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantsim.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Logging    Logging    `yaml:"logging"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Redis      Redis      `yaml:"redis"`
	Processing Processing `yaml:"processing"`
	Strategy   Strategy   `yaml:"strategy"`
	Risk       Risk       `yaml:"risk"`
	Backtest   Backtest   `yaml:"backtest"`
	Optimize   Optimize   `yaml:"optimize"`
	Fetch      Fetch      `yaml:"fetch"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	CacheDir   string `yaml:"cache_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Alpaca holds credentials and the endpoint for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Redis selects a shared Redis cache for processed series. An empty Addr
// keeps the file cache under Storage.CacheDir.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Processing configures the data processor.
type Processing struct {
	Interval            time.Duration `yaml:"interval"`
	FillGaps            bool          `yaml:"fill_gaps"`
	RemoveOutliers      bool          `yaml:"remove_outliers"`
	OutlierStdThreshold float64       `yaml:"outlier_std_threshold"`
	MinVolume           float64       `yaml:"min_volume"`
	ValidateData        bool          `yaml:"validate_data"`
	MaxGap              time.Duration `yaml:"max_gap"`
	NormalizeVolume     bool          `yaml:"normalize_volume"`
	AddIndicators       bool          `yaml:"add_indicators"`
	CacheEnabled        bool          `yaml:"cache_enabled"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
}

// Strategy selects the signal generator and its parameters. Percentages are
// in percent.
type Strategy struct {
	Name            string  `yaml:"name"`
	ShortEMAPeriod  int     `yaml:"short_ema_period"`
	LongEMAPeriod   int     `yaml:"long_ema_period"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	PositionSizePct float64 `yaml:"position_size_pct"`
	MinVolume       float64 `yaml:"min_volume"`
	MaxSpreadPct    float64 `yaml:"max_spread_pct"`
}

// Risk configures the risk gate.
type Risk struct {
	MaxPositionSize        float64 `yaml:"max_position_size"`
	MaxDailyDrawdownPct    float64 `yaml:"max_daily_drawdown_pct"`
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxConcurrentTrades    int     `yaml:"max_concurrent_trades"`
	MinTradeSize           float64 `yaml:"min_trade_size"`
	MaxLeverage            float64 `yaml:"max_leverage"`
	EmergencyStopLossPct   float64 `yaml:"emergency_stop_loss_pct"`
	VolatilityThresholdPct float64 `yaml:"volatility_threshold_pct"`
}

// Backtest configures the simulation. Fee and slippage rates are fractions.
type Backtest struct {
	InitialCapital  float64 `yaml:"initial_capital"`
	FeeRate         float64 `yaml:"fee_rate"`
	SlippageRate    float64 `yaml:"slippage_rate"`
	IncludeFees     bool    `yaml:"include_fees"`
	IncludeSlippage bool    `yaml:"include_slippage"`
	Fractional      bool    `yaml:"fractional"`
	RequireValid    bool    `yaml:"require_valid"`
}

// Axis is one grid-search dimension.
type Axis struct {
	Name   string    `yaml:"name"`
	Values []float64 `yaml:"values"`
}

// Optimize configures grid search. Axes are swept in the order listed.
type Optimize struct {
	Metric    string `yaml:"metric"`
	Workers   int    `yaml:"workers"`
	MaxTrials int    `yaml:"max_trials"`
	Grid      []Axis `yaml:"grid"`
}

// Fetch configures the Alpaca crypto bar backfill.
type Fetch struct {
	Interval        time.Duration `yaml:"interval"`
	Window          time.Duration `yaml:"window"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// Telemetry configures metric export. An empty TextfilePath disables it.
type Telemetry struct {
	TextfilePath string `yaml:"textfile_path"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used for any key a file leaves unset.
func Default() *Config {
	pc := processor.DefaultConfig()
	sp := strategy.DefaultParameters()
	rp := engine.DefaultRiskParameters()
	bp := engine.DefaultParams()
	fc := gather.DefaultCryptoConfig()

	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/quantsim.db",
			CacheDir:   "data/cache",
		},
		Logging: Logging{Level: "info", Format: "json"},
		Redis:   Redis{Prefix: "quantsim:series:"},
		Processing: Processing{
			Interval:            pc.Interval,
			FillGaps:            pc.FillGaps,
			RemoveOutliers:      pc.RemoveOutliers,
			OutlierStdThreshold: pc.OutlierStdThreshold,
			MinVolume:           pc.MinVolume,
			ValidateData:        pc.ValidateData,
			MaxGap:              pc.MaxGap,
			NormalizeVolume:     pc.NormalizeVolume,
			AddIndicators:       pc.AddIndicators,
			CacheEnabled:        pc.CacheEnabled,
			CacheTTL:            pc.CacheTTL,
		},
		Strategy: Strategy{
			Name:            "ema-cross",
			ShortEMAPeriod:  sp.ShortPeriod,
			LongEMAPeriod:   sp.LongPeriod,
			TakeProfitPct:   sp.TakeProfitPct,
			StopLossPct:     sp.StopLossPct,
			PositionSizePct: sp.PositionSizePct,
			MinVolume:       sp.MinVolume,
			MaxSpreadPct:    sp.MaxSpreadPct,
		},
		Risk: Risk{
			MaxPositionSize:        rp.MaxPositionSize,
			MaxDailyDrawdownPct:    rp.MaxDailyDrawdownPct,
			MaxTradesPerDay:        rp.MaxTradesPerDay,
			MaxConcurrentTrades:    rp.MaxConcurrentTrades,
			MinTradeSize:           rp.MinTradeSize,
			MaxLeverage:            rp.MaxLeverage,
			EmergencyStopLossPct:   rp.EmergencyStopLossPct,
			VolatilityThresholdPct: rp.VolatilityThresholdPct,
		},
		Backtest: Backtest{
			InitialCapital:  bp.InitialCapital,
			FeeRate:         bp.FeeRate,
			SlippageRate:    bp.SlippageRate,
			IncludeFees:     bp.IncludeFees,
			IncludeSlippage: bp.IncludeSlippage,
			Fractional:      bp.Fractional,
		},
		Optimize: Optimize{Metric: engine.MetricSharpeRatio},
		Fetch: Fetch{
			Interval:        fc.Interval,
			Window:          fc.Window,
			RateLimitPerMin: fc.RateLimitPerMin,
			MaxAttempts:     fc.MaxAttempts,
			RetryDelay:      fc.RetryDelay,
			BreakerFailures: fc.BreakerFailures,
			BreakerTimeout:  fc.BreakerTimeout,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default,
// applies environment variable overrides and validates the result. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	// Standard Alpaca env vars take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}

	if v := os.Getenv("TELEMETRY_TEXTFILE"); v != "" {
		cfg.Telemetry.TextfilePath = v
	}
}

// ---------------------------------------------------------------------------
// Validation and conversion
// ---------------------------------------------------------------------------

// Validate reports the first invalid setting as a *domain.ConfigError.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return domain.NewConfigError("logging.format", "must be json or text, got %q", c.Logging.Format)
	}
	if c.Storage.DataDir == "" {
		return domain.NewConfigError("storage.data_dir", "must not be empty")
	}
	if err := c.ProcessorConfig().Validate(); err != nil {
		return err
	}
	if err := c.StrategyParameters().Validate(); err != nil {
		return err
	}
	if err := c.RiskParameters().Validate(); err != nil {
		return err
	}
	if err := c.EngineParams().Validate(); err != nil {
		return err
	}
	if c.Optimize.Metric == "" {
		return domain.NewConfigError("optimize.metric", "must not be empty")
	}
	if c.Optimize.Workers < 0 || c.Optimize.MaxTrials < 0 {
		return domain.NewConfigError("optimize", "workers and max_trials must not be negative")
	}
	for _, a := range c.Optimize.Grid {
		if a.Name == "" || len(a.Values) == 0 {
			return domain.NewConfigError("optimize.grid", "axis %q needs a name and at least one value", a.Name)
		}
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, domain.NewConfigError("logging.level", "unknown level %q", c.Logging.Level)
	}
	return lvl, nil
}

// ProcessorConfig returns the processor settings.
func (c *Config) ProcessorConfig() processor.Config {
	p := c.Processing
	return processor.Config{
		Interval:            p.Interval,
		FillGaps:            p.FillGaps,
		RemoveOutliers:      p.RemoveOutliers,
		OutlierStdThreshold: p.OutlierStdThreshold,
		MinVolume:           p.MinVolume,
		ValidateData:        p.ValidateData,
		MaxGap:              p.MaxGap,
		NormalizeVolume:     p.NormalizeVolume,
		AddIndicators:       p.AddIndicators,
		CacheEnabled:        p.CacheEnabled,
		CacheTTL:            p.CacheTTL,
	}
}

// StrategyParameters returns the strategy parameters.
func (c *Config) StrategyParameters() strategy.Parameters {
	s := c.Strategy
	return strategy.Parameters{
		ShortPeriod:     s.ShortEMAPeriod,
		LongPeriod:      s.LongEMAPeriod,
		TakeProfitPct:   s.TakeProfitPct,
		StopLossPct:     s.StopLossPct,
		PositionSizePct: s.PositionSizePct,
		MinVolume:       s.MinVolume,
		MaxSpreadPct:    s.MaxSpreadPct,
	}
}

// RiskParameters returns the risk gate limits.
func (c *Config) RiskParameters() engine.RiskParameters {
	r := c.Risk
	return engine.RiskParameters{
		MaxPositionSize:        r.MaxPositionSize,
		MaxDailyDrawdownPct:    r.MaxDailyDrawdownPct,
		MaxTradesPerDay:        r.MaxTradesPerDay,
		MaxConcurrentTrades:    r.MaxConcurrentTrades,
		MinTradeSize:           r.MinTradeSize,
		MaxLeverage:            r.MaxLeverage,
		EmergencyStopLossPct:   r.EmergencyStopLossPct,
		VolatilityThresholdPct: r.VolatilityThresholdPct,
	}
}

// EngineParams returns the simulation parameters.
func (c *Config) EngineParams() engine.Params {
	b := c.Backtest
	return engine.Params{
		InitialCapital:  b.InitialCapital,
		FeeRate:         b.FeeRate,
		SlippageRate:    b.SlippageRate,
		IncludeFees:     b.IncludeFees,
		IncludeSlippage: b.IncludeSlippage,
		Fractional:      b.Fractional,
	}
}

// OptimizeConfig returns the grid-search bounds.
func (c *Config) OptimizeConfig() optimize.Config {
	return optimize.Config{Workers: c.Optimize.Workers, MaxTrials: c.Optimize.MaxTrials}
}

// OptimizeGrid returns the configured grid in declared order.
func (c *Config) OptimizeGrid() optimize.Grid {
	grid := make(optimize.Grid, 0, len(c.Optimize.Grid))
	for _, a := range c.Optimize.Grid {
		grid = append(grid, optimize.Axis{Name: a.Name, Values: append([]float64(nil), a.Values...)})
	}
	return grid
}

// CryptoConfig returns backfill settings for symbols over [start, end).
func (c *Config) CryptoConfig(symbols []string, start, end time.Time) gather.CryptoConfig {
	f := c.Fetch
	return gather.CryptoConfig{
		Symbols:         symbols,
		Range:           gather.DateRange{Start: start, End: end},
		Interval:        f.Interval,
		Window:          f.Window,
		RateLimitPerMin: f.RateLimitPerMin,
		MaxAttempts:     f.MaxAttempts,
		RetryDelay:      f.RetryDelay,
		BreakerFailures: f.BreakerFailures,
		BreakerTimeout:  f.BreakerTimeout,
	}
}
