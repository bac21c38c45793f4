package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quantsim/internal/backtest"
	"quantsim/internal/domain"
	"quantsim/internal/engine"
	"quantsim/internal/processor"
	"quantsim/internal/store"
)

var (
	runSymbol    string
	runStrategy  string
	runStart     string
	runEnd       string
	runCSVPath   string
	runSave      bool
	runTradesOut string
	runFormat    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backtest a strategy over one symbol",
	Long: `Run processes the bars for one symbol, replays them through the configured
strategy and risk gate, and prints performance, trade and drawdown metrics.

Bars are read from the Parquet bar store for --start..--end unless --csv names
a file to load instead. Results are saved to the SQLite history unless
--save=false.

Example usage:
  quantsim run --symbol BTC/USD --start 2024-01-01 --end 2024-03-31
  quantsim run --symbol BTC/USD --csv btc.csv --save=false --format=json
  quantsim run --symbol ETH/USD --start 2024-01-01 --end 2024-01-31 --trades-out trades.csv`,
	RunE: runBacktest,
}

func init() {
	addRequestFlags(runCmd, &runSymbol, &runStrategy, &runStart, &runEnd, &runCSVPath)
	runCmd.Flags().BoolVar(&runSave, "save", true, "save the result to the backtest history")
	runCmd.Flags().StringVar(&runTradesOut, "trades-out", "", "write the trade log to this CSV file")
	runCmd.Flags().StringVar(&runFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(runCmd)
}

// addRequestFlags registers the flags shared by run and optimize.
func addRequestFlags(cmd *cobra.Command, symbol, strat, start, end, csvPath *string) {
	cmd.Flags().StringVar(symbol, "symbol", "", "symbol to backtest (required)")
	cmd.Flags().StringVar(strat, "strategy", "", "strategy name (default from config)")
	cmd.Flags().StringVar(start, "start", "", "first bar, YYYY-MM-DD or RFC 3339")
	cmd.Flags().StringVar(end, "end", "", "last bar, YYYY-MM-DD (inclusive) or RFC 3339")
	cmd.Flags().StringVar(csvPath, "csv", "", "read bars from this CSV file instead of the bar store")
	_ = cmd.MarkFlagRequired("symbol")
}

// buildRequest assembles a backtest request from flags and configuration.
func buildRequest(a *app, symbol, strat, start, end, csvPath string, save bool) (backtest.Request, error) {
	from, to, err := parseRange(start, end)
	if err != nil {
		return backtest.Request{}, err
	}
	if strat == "" {
		strat = a.cfg.Strategy.Name
	}
	req := backtest.Request{
		Symbol:       symbol,
		Strategy:     strat,
		Params:       a.cfg.StrategyParameters(),
		Start:        from,
		End:          to,
		RequireValid: a.cfg.Backtest.RequireValid,
		Save:         save,
	}
	if csvPath != "" {
		raw, err := readCSVFile(csvPath)
		if err != nil {
			return backtest.Request{}, err
		}
		req.Raw = &raw
	}
	return req, nil
}

func readCSVFile(path string) (domain.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Series{}, err
	}
	defer f.Close()

	series, err := store.ReadCSV(f)
	if err != nil {
		return domain.Series{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return series, nil
}

func runBacktest(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	a, err := newApp(runSave)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	bt, err := a.backtester(ctx)
	if err != nil {
		return err
	}
	req, err := buildRequest(a, runSymbol, runStrategy, runStart, runEnd, runCSVPath, runSave)
	if err != nil {
		return err
	}

	report, err := bt.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("backtest %s: %w", req.Symbol, err)
	}

	if runTradesOut != "" {
		if err := writeTradesFile(runTradesOut, report.Result.Trades); err != nil {
			return err
		}
	}

	switch runFormat {
	case "json":
		return writeJSON(cmd.OutOrStdout(), report)
	default:
		printReport(cmd.OutOrStdout(), req, report.RunID, report.Input, report.Validation, report.Result)
		return nil
	}
}

func writeTradesFile(path string, trades []domain.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := store.WriteTradesCSV(f, trades); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport renders a run in aligned sections.
func printReport(w io.Writer, req backtest.Request, runID int64, info processor.Summary, vr domain.ValidationResult, result *domain.BacktestResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Symbol:\t%s\n", req.Symbol)
	fmt.Fprintf(tw, "Strategy:\t%s\n", req.Strategy)
	if runID > 0 {
		fmt.Fprintf(tw, "Run ID:\t%d\n", runID)
	}
	fmt.Fprintf(tw, "Trades:\t%d\n", len(result.Trades))
	fmt.Fprintf(tw, "Final capital:\t%s\n", formatMoney(result.FinalCapital))
	fmt.Fprintf(tw, "Total return:\t%s\n", formatPct(result.Performance[engine.MetricTotalReturn]))
	if !vr.Valid {
		for _, issue := range vr.Issues {
			fmt.Fprintf(tw, "Data issue:\t%s\n", issue)
		}
	}

	printInput(tw, info)
	printMetrics(tw, "Parameters", result.Parameters)
	printMetrics(tw, "Performance", result.Performance)
	printMetrics(tw, "Trade statistics", result.TradeStats)
	printMetrics(tw, "Drawdown", result.Drawdown)
}

// printInput summarizes the raw bars: count, spacing and missing values per
// column.
func printInput(tw *tabwriter.Writer, info processor.Summary) {
	fmt.Fprintf(tw, "\nInput\n")
	fmt.Fprintf(tw, "  records\t%d\n", info.Records)
	if info.Records > 0 {
		fmt.Fprintf(tw, "  range\t%s .. %s\n", info.Start.Format(time.RFC3339), info.End.Format(time.RFC3339))
	}
	interval := "irregular"
	if info.Interval > 0 {
		interval = info.Interval.String()
	}
	fmt.Fprintf(tw, "  interval\t%s\n", interval)
	cols := make([]string, 0, len(info.Missing))
	for col := range info.Missing {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		fmt.Fprintf(tw, "  missing %s\t%d\n", col, info.Missing[col])
	}
}

func printMetrics(tw *tabwriter.Writer, title string, m map[string]float64) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(tw, "\n%s\n", title)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%.4f\n", k, m[k])
	}
}
