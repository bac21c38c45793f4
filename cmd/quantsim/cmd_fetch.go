package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quantsim/internal/gather"
)

var (
	fetchSymbols []string
	fetchStart   string
	fetchEnd     string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Backfill crypto bars from Alpaca into the bar store",
	Long: `Fetch downloads historical crypto bars from the Alpaca market-data API
window by window and merges them into the Parquet bar store. Requests are
rate limited, retried and guarded by a circuit breaker; symbols that still
fail are reported and skipped.

Credentials come from alpaca.api_key / alpaca.api_secret or the
ALPACA_API_KEY / ALPACA_API_SECRET environment variables.

Example usage:
  quantsim fetch --symbols BTC/USD,ETH/USD --start 2024-01-01 --end 2024-03-31`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringSliceVar(&fetchSymbols, "symbols", nil, "comma-separated crypto pairs, e.g. BTC/USD,ETH/USD (required)")
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "first day, YYYY-MM-DD or RFC 3339 (required)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "last day, YYYY-MM-DD (inclusive) or RFC 3339 (default now)")
	_ = fetchCmd.MarkFlagRequired("symbols")
	_ = fetchCmd.MarkFlagRequired("start")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if a.cfg.Alpaca.APIKey == "" || a.cfg.Alpaca.APISecret == "" {
		return errors.New("alpaca credentials are not configured")
	}

	start, end, err := parseRange(fetchStart, fetchEnd)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	} else {
		// Ranges are half-open for the fetcher.
		end = end.Add(time.Nanosecond)
	}

	symbols := make([]string, 0, len(fetchSymbols))
	for _, s := range fetchSymbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	source := gather.NewAlpacaCryptoSource(a.cfg.Alpaca.APIKey, a.cfg.Alpaca.APISecret, a.cfg.Alpaca.DataURL)
	g, err := gather.NewCryptoBarGatherer(source, a.bars, a.cfg.CryptoConfig(symbols, start, end), a.metrics, a.log)
	if err != nil {
		return err
	}
	if err := g.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", g.Name(), err)
	}

	sum := g.Summary()
	fmt.Fprintf(cmd.OutOrStdout(), "fetched %d bars for %d symbols in %d windows\n", sum.Bars, sum.Symbols, sum.Windows)
	if len(sum.Failed) > 0 {
		return fmt.Errorf("failed symbols: %s", strings.Join(sum.Failed, ", "))
	}
	return nil
}
