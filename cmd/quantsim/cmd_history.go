package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quantsim/internal/store"
)

var (
	historyLimit  int
	historyTrades int64
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved backtest runs",
	Long: `History lists the most recent saved runs, newest first, or the trades of
one run when --trades is given.

Example usage:
  quantsim history --limit 10
  quantsim history --trades 42 > trades.csv`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to list")
	historyCmd.Flags().Int64Var(&historyTrades, "trades", 0, "print the trade log of this run ID as CSV")
	historyCmd.Flags().StringVar(&historyFormat, "format", "table", "output format for runs (table, json)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	out := cmd.OutOrStdout()
	if historyTrades > 0 {
		trades, err := a.results.ListTrades(ctx, historyTrades)
		if err != nil {
			return err
		}
		return store.WriteTradesCSV(out, trades)
	}

	runs, err := a.results.ListResults(ctx, historyLimit)
	if err != nil {
		return err
	}
	if historyFormat == "json" {
		return writeJSON(out, runs)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSYMBOL\tSTRATEGY\tSTART\tEND\tRAN AT\tRETURN\tSHARPE\tMAX DD\tTRADES")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%.3f\t%s\t%d\n",
			r.ID, r.Symbol, r.Strategy,
			dateOrDash(r.Start), dateOrDash(r.End),
			r.RanAt.Format("2006-01-02 15:04:05"),
			formatPct(r.TotalReturn), r.SharpeRatio, formatPct(-r.MaxDrawdown), r.TotalTrades,
		)
	}
	return nil
}

func dateOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
