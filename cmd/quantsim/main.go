// Command quantsim backtests and optimizes trading strategies over stored or
// supplied bar data.
//
// Usage:
//
//	quantsim run --symbol BTC/USD --start 2024-01-01 --end 2024-03-31
//	quantsim optimize --symbol BTC/USD --start 2024-01-01 --end 2024-03-31
//	quantsim fetch --symbols BTC/USD,ETH/USD --start 2024-01-01 --end 2024-03-31
//	quantsim history --limit 20
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/quantsim.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "quantsim",
	Short: "Bar-by-bar strategy backtester",
	Long: `quantsim replays historical bars through a signal generator, a risk gate
and a fill simulator, reports performance, trade and drawdown metrics, and
grid-searches strategy parameters.

The configuration file is taken from --config, then QUANTSIM_CONFIG, then
config/quantsim.yaml. Built-in defaults apply when the default file is absent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := defaultConfigPath
	if p := os.Getenv("QUANTSIM_CONFIG"); p != "" {
		def = p
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", def, "path to the YAML configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
