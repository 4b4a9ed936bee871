package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/walkforward"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Select an ATR multiplier per walk-forward window",
	Long: `Optimize slides train/test windows over a bar file. Each window picks the
grid value that maximizes the objective on its train range only, then
scores that value on the test range to flag overfitting.

Example:
  wfengine optimize -s strategies/breakout.yaml -b data/AAPL_1h.csv --record`,
	RunE: runOptimize,
}

var (
	optStrategyPath string
	optBarsPath     string
	optSymbol       string
	optTimeframe    string
	optFrom         string
	optTo           string
	optRecord       bool
)

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVarP(&optStrategyPath, "strategy", "s", "", "strategy document (YAML or JSON) (required)")
	optimizeCmd.Flags().StringVarP(&optBarsPath, "bars", "b", "", "bar CSV, optionally .lzma compressed (required)")
	optimizeCmd.Flags().StringVar(&optSymbol, "symbol", "", "symbol (default: derived from the bar file name)")
	optimizeCmd.Flags().StringVar(&optTimeframe, "timeframe", "1h", "bar timeframe")
	optimizeCmd.Flags().StringVar(&optFrom, "from", "", "first bar time (RFC3339)")
	optimizeCmd.Flags().StringVar(&optTo, "to", "", "last bar time (RFC3339)")
	optimizeCmd.Flags().BoolVar(&optRecord, "record", false, "publish window telemetry and cache the current value")

	_ = optimizeCmd.MarkFlagRequired("strategy")
	_ = optimizeCmd.MarkFlagRequired("bars")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	strat, series, err := loadInputs(optStrategyPath, optBarsPath, optSymbol, optTimeframe, optFrom, optTo)
	if err != nil {
		return err
	}

	opt := walkforward.New(cfg.Optimizer(), paramCache(), metrics.New())
	res, err := opt.Run(ctx, series, strat, cfg.Candidates())
	if err != nil {
		return err
	}
	printWindows(cmd, res)

	if !optRecord {
		return nil
	}
	if res.HasCurrent {
		key := walkforward.CacheKey{Symbol: series.Symbol, Timeframe: series.Timeframe}
		if err := opt.Cache.Set(ctx, key, res.Current, opt.Config.CacheTTL); err != nil {
			return fmt.Errorf("cache %s: %w", key, err)
		}
	}
	st, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	run := journal.Run{
		RunID:      id.New(),
		StrategyID: strat.ID,
		Symbol:     series.Symbol,
		Timeframe:  series.Timeframe,
		Created:    time.Now(),
	}
	return st.telemetry.RecordWindows(ctx, run, res.Telemetry())
}

func printWindows(cmd *cobra.Command, res *walkforward.Result) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WINDOW\tTRAIN\tTEST\tVALUE\tTRAIN_M\tTEST_M\tDIV%\tNOTE")
	for _, w := range res.Windows {
		note := ""
		switch {
		case w.LowData:
			note = "low data"
		case w.Selected == nil:
			note = w.Err
		case w.IsOverfitting:
			note = "overfit"
		}
		value, train, test := "-", "-", "-"
		if s := w.Selected; s != nil {
			value = fmt.Sprintf("%g", s.Value)
			train = fmt.Sprintf("%.3f", s.TrainMetric)
			test = fmt.Sprintf("%.3f", s.TestMetric)
		}
		fmt.Fprintf(tw, "%d\t%d-%d\t%d-%d\t%s\t%s\t%s\t%.1f\t%s\n",
			w.Window.ID, w.Window.TrainStart, w.Window.TrainEnd, w.Window.TestStart, w.Window.TestEnd,
			value, train, test, w.DivergencePct, note)
	}
	_ = tw.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d windows selected, score %.3f", res.Selected(), len(res.Windows), res.Score)
	if res.HasCurrent {
		fmt.Fprintf(cmd.OutOrStdout(), ", current %g", res.Current)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
