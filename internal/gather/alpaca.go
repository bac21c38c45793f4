package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"

	"quantsim/internal/domain"
	"quantsim/internal/store"
	"quantsim/internal/telemetry"
	"quantsim/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ BarSource = (*AlpacaCryptoSource)(nil)
var _ Gatherer = (*CryptoBarGatherer)(nil)

// ---------------------------------------------------------------------------
// AlpacaCryptoSource: crypto bars from the Alpaca market-data API.
// ---------------------------------------------------------------------------

// AlpacaCryptoSource reads historical crypto bars from Alpaca.
type AlpacaCryptoSource struct {
	client *marketdata.Client
}

// NewAlpacaCryptoSource creates a source authenticated with the given
// credentials. An empty dataURL selects the SDK default endpoint.
func NewAlpacaCryptoSource(apiKey, apiSecret, dataURL string) *AlpacaCryptoSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaCryptoSource{client: marketdata.NewClient(opts)}
}

// FetchBars returns bars for symbol (e.g. "BTC/USD") in r. Alpaca carries no
// bid/ask on bars, so the series holds the required columns only.
func (s *AlpacaCryptoSource) FetchBars(ctx context.Context, symbol string, r DateRange, interval time.Duration) (domain.Series, error) {
	if err := ctx.Err(); err != nil {
		return domain.Series{}, err
	}
	tf, err := timeFrame(interval)
	if err != nil {
		return domain.Series{}, util.Permanent(err)
	}

	cbars, err := s.client.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
		TimeFrame: tf,
		Start:     r.Start,
		End:       r.End,
	})
	if err != nil {
		return domain.Series{}, fmt.Errorf("GetCryptoBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(cbars))
	for _, cb := range cbars {
		if !cb.Timestamp.Before(r.End) {
			continue
		}
		bars = append(bars, domain.Bar{
			Timestamp: cb.Timestamp.UTC(),
			Open:      cb.Open,
			High:      cb.High,
			Low:       cb.Low,
			Close:     cb.Close,
			Volume:    cb.Volume,
		})
	}
	return domain.NewSeries(bars, false), nil
}

// timeFrame maps a bar interval onto an Alpaca time frame.
func timeFrame(interval time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case interval <= 0:
	case interval == 24*time.Hour:
		return marketdata.OneDay, nil
	case interval%time.Hour == 0 && interval < 24*time.Hour:
		return marketdata.NewTimeFrame(int(interval/time.Hour), marketdata.Hour), nil
	case interval%time.Minute == 0 && interval < time.Hour:
		return marketdata.NewTimeFrame(int(interval/time.Minute), marketdata.Min), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported bar interval %s", interval)
}

// ---------------------------------------------------------------------------
// CryptoBarGatherer: windowed backfill into the bar store.
// ---------------------------------------------------------------------------

// CryptoConfig configures a CryptoBarGatherer.
type CryptoConfig struct {
	Symbols         []string
	Range           DateRange
	Interval        time.Duration
	Window          time.Duration // span requested per call
	RateLimitPerMin int
	MaxAttempts     int
	RetryDelay      time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // time the breaker stays open
}

// DefaultCryptoConfig returns one-minute bars fetched a day at a time, 180
// requests per minute and three attempts per window.
func DefaultCryptoConfig() CryptoConfig {
	return CryptoConfig{
		Interval:        time.Minute,
		Window:          24 * time.Hour,
		RateLimitPerMin: 180,
		MaxAttempts:     3,
		RetryDelay:      time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c CryptoConfig) Validate() error {
	switch {
	case len(c.Symbols) == 0:
		return domain.NewConfigError("fetch.symbols", "at least one symbol is required")
	case !c.Range.End.After(c.Range.Start):
		return domain.NewConfigError("fetch.range", "end %s must be after start %s", c.Range.End, c.Range.Start)
	case c.Interval <= 0:
		return domain.NewConfigError("fetch.interval", "must be positive, got %s", c.Interval)
	case c.MaxAttempts <= 0:
		return domain.NewConfigError("fetch.max_attempts", "must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// Summary reports what a gatherer run wrote.
type Summary struct {
	Symbols int
	Windows int
	Bars    int
	Failed  []string
}

// CryptoBarGatherer fetches bars window by window for each symbol and writes
// them to the bar store. Requests are paced by a rate limiter, retried with
// backoff and guarded by a circuit breaker; a symbol whose window still fails
// is recorded and skipped.
type CryptoBarGatherer struct {
	source  BarSource
	store   store.BarStore
	cfg     CryptoConfig
	limiter *util.RateLimiter
	breaker *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
	log     *slog.Logger

	last Summary
}

// NewCryptoBarGatherer creates a gatherer writing to s.
func NewCryptoBarGatherer(source BarSource, s store.BarStore, cfg CryptoConfig, metrics *telemetry.Metrics, log *slog.Logger) (*CryptoBarGatherer, error) {
	if source == nil || s == nil {
		return nil, errors.New("gather: source and store are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = util.OrDiscard(log).With("gatherer", "crypto-bars")

	st := gobreaker.Settings{Name: "alpaca-crypto", Timeout: cfg.BreakerTimeout}
	if cfg.BreakerFailures > 0 {
		failures := cfg.BreakerFailures
		st.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures }
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &CryptoBarGatherer{
		source:  source,
		store:   s,
		cfg:     cfg,
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: metrics,
		log:     log,
	}, nil
}

// Name returns the gatherer identifier.
func (g *CryptoBarGatherer) Name() string { return "crypto-bars" }

// Summary returns the totals of the last Run.
func (g *CryptoBarGatherer) Summary() Summary { return g.last }

// Run backfills every configured symbol. It returns an error only for
// cancellation or store failures; symbols that could not be fetched are
// listed in Summary().Failed.
func (g *CryptoBarGatherer) Run(ctx context.Context) error {
	runStart := time.Now()
	sum := Summary{}
	windows := g.cfg.Range.Split(g.cfg.Window)

	for _, symbol := range g.cfg.Symbols {
		symbol = strings.ToUpper(symbol)
		written, err := g.gatherSymbol(ctx, symbol, windows, &sum)
		if err != nil {
			if ctx.Err() != nil {
				g.last = sum
				return ctx.Err()
			}
			var werr *writeError
			if errors.As(err, &werr) {
				g.last = sum
				return err
			}
			g.log.Error("symbol failed", "symbol", symbol, "error", err)
			sum.Failed = append(sum.Failed, symbol)
			continue
		}
		sum.Symbols++
		g.log.Info("symbol complete", "symbol", symbol, "bars", written)
	}

	g.last = sum
	g.log.Info("gather complete",
		"symbols", sum.Symbols,
		"windows", sum.Windows,
		"bars", sum.Bars,
		"failed", len(sum.Failed),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return nil
}

type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func (g *CryptoBarGatherer) gatherSymbol(ctx context.Context, symbol string, windows []DateRange, sum *Summary) (int, error) {
	written := 0
	for _, w := range windows {
		series, err := g.fetch(ctx, symbol, w)
		if err != nil {
			return written, err
		}
		sum.Windows++
		if series.Len() == 0 {
			continue
		}
		if err := g.store.WriteBars(ctx, symbol, series); err != nil {
			return written, &writeError{fmt.Errorf("writing %s: %w", symbol, err)}
		}
		written += series.Len()
		sum.Bars += series.Len()
	}
	return written, nil
}

// fetch requests one window through the limiter, retry loop and breaker.
func (g *CryptoBarGatherer) fetch(ctx context.Context, symbol string, w DateRange) (domain.Series, error) {
	var series domain.Series
	err := util.Retry(ctx, g.cfg.MaxAttempts, g.cfg.RetryDelay, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.source.FetchBars(ctx, symbol, w, g.cfg.Interval)
		})
		g.metrics.FetchRequest(err)
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return util.Permanent(err)
		case err != nil:
			g.log.Warn("fetch failed", "symbol", symbol, "start", w.Start, "error", err)
			return err
		}
		series = out.(domain.Series)
		return nil
	})
	return series, err
}
