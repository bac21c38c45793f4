package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"quantsim/internal/backtest"
	"quantsim/internal/optimize"
)

var (
	optSymbol    string
	optStrategy  string
	optStart     string
	optEnd       string
	optCSVPath   string
	optMetric    string
	optWorkers   int
	optMaxTrials int
	optSave      bool
	optFormat    string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Grid-search strategy parameters",
	Long: `Optimize runs one backtest per combination of the parameter grid in the
configuration file (optimize.grid) and reports the combination with the
highest value of the chosen metric. Ties keep the earliest combination in
grid order.

Example usage:
  quantsim optimize --symbol BTC/USD --start 2024-01-01 --end 2024-06-30
  quantsim optimize --symbol BTC/USD --csv btc.csv --metric total_return --workers 8`,
	RunE: runOptimize,
}

func init() {
	addRequestFlags(optimizeCmd, &optSymbol, &optStrategy, &optStart, &optEnd, &optCSVPath)
	optimizeCmd.Flags().StringVar(&optMetric, "metric", "", "metric to maximize (default from config)")
	optimizeCmd.Flags().IntVar(&optWorkers, "workers", 0, "concurrent trials (default from config)")
	optimizeCmd.Flags().IntVar(&optMaxTrials, "max-trials", 0, "evaluate at most this many combinations (default from config)")
	optimizeCmd.Flags().BoolVar(&optSave, "save", true, "save the best run to the backtest history")
	optimizeCmd.Flags().StringVar(&optFormat, "format", "table", "output format (table, json)")
	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	a, err := newApp(optSave)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	grid := a.cfg.OptimizeGrid()
	if grid.Size() == 0 {
		return fmt.Errorf("no parameter grid configured under optimize.grid in %s", configPath)
	}
	metric := a.cfg.Optimize.Metric
	if optMetric != "" {
		metric = optMetric
	}
	ocfg := a.cfg.OptimizeConfig()
	if optWorkers > 0 {
		ocfg.Workers = optWorkers
	}
	if optMaxTrials > 0 {
		ocfg.MaxTrials = optMaxTrials
	}

	bt, err := a.backtester(ctx)
	if err != nil {
		return err
	}
	req, err := buildRequest(a, optSymbol, optStrategy, optStart, optEnd, optCSVPath, optSave)
	if err != nil {
		return err
	}

	a.log.Info("optimization started", "symbol", req.Symbol, "strategy", req.Strategy, "metric", metric, "combinations", grid.Size())
	report, err := bt.Optimize(ctx, req, grid, metric, ocfg)
	if err != nil {
		return fmt.Errorf("optimize %s: %w", req.Symbol, err)
	}

	switch optFormat {
	case "json":
		return writeJSON(cmd.OutOrStdout(), report)
	default:
		printBest(cmd.OutOrStdout(), grid, metric, report)
		printReport(cmd.OutOrStdout(), req, report.RunID, report.Input, report.Validation, report.Result)
		return nil
	}
}

// printBest lists the winning value of each grid axis.
func printBest(w io.Writer, grid optimize.Grid, metric string, report *backtest.OptimizeReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	names := make([]string, 0, len(report.Best))
	for k := range report.Best {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Fprintf(tw, "Combinations:\t%d\n", grid.Size())
	fmt.Fprintf(tw, "Best %s:\t%.4f\n", metric, report.Result.Performance[metric])
	for _, k := range names {
		fmt.Fprintf(tw, "  %s\t%g\n", k, report.Best[k])
	}
	fmt.Fprintln(tw)
}
