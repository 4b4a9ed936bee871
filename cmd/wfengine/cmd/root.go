package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/walkforward/config"
	"github.com/rustyeddy/walkforward/internal/logging"
)

var (
	cfgFile  string
	logLevel string
	pretty   bool
	derive   []string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "wfengine",
	Short: "Walk-forward strategy validation and paper trading",
	Long: `wfengine validates condition-tree trading strategies without look-ahead
and trades them on paper against a live bar feed.

It provides tools for:
  - Backtesting a strategy over historical bars
  - Walk-forward parameter selection with overfitting diagnostics
  - Paper trading with a persistent position ledger
  - Serving a job queue and the paper ledger over HTTP`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFromFile(cfgFile)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("pretty") {
			cfg.Log.Pretty = pretty
		}
		if cmd.Flags().Changed("derive") {
			cfg.Simulation.Derive = derive
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable console logs")
	rootCmd.PersistentFlags().StringSliceVar(&derive, "derive", nil, "indicator columns to compute from raw bars, e.g. ema:20,atr:14")
}
