package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/strategy"
	"github.com/rustyeddy/walkforward/walkforward"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Simulate a strategy over historical bars",
	Long: `Backtest replays a bar file through a strategy's entry and exit trees.
Decisions at bar i see only bars before i; fills use bar i's close.

Example:
  wfengine backtest -s strategies/breakout.yaml -b data/AAPL_1h.csv --symbol AAPL --report run.org`,
	RunE: runBacktest,
}

var (
	btStrategyPath string
	btBarsPath     string
	btSymbol       string
	btTimeframe    string
	btFrom         string
	btTo           string
	btParam        float64
	btSave         bool
	btReport       string
	btCSVDir       string
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVarP(&btStrategyPath, "strategy", "s", "", "strategy document (YAML or JSON) (required)")
	backtestCmd.Flags().StringVarP(&btBarsPath, "bars", "b", "", "bar CSV, optionally .lzma compressed (required)")
	backtestCmd.Flags().StringVar(&btSymbol, "symbol", "", "symbol (default: derived from the bar file name)")
	backtestCmd.Flags().StringVar(&btTimeframe, "timeframe", "1h", "bar timeframe")
	backtestCmd.Flags().StringVar(&btFrom, "from", "", "first bar time (RFC3339)")
	backtestCmd.Flags().StringVar(&btTo, "to", "", "last bar time (RFC3339)")
	backtestCmd.Flags().Float64Var(&btParam, "atr-mult", 0, "apply an ATR multiplier to the strategy's thresholds")
	backtestCmd.Flags().BoolVar(&btSave, "save", false, "store the result in the results database")
	backtestCmd.Flags().StringVar(&btReport, "report", "", "write an org-mode report to this path")
	backtestCmd.Flags().StringVar(&btCSVDir, "csv", "", "export trades and equity CSV files to this directory")

	_ = backtestCmd.MarkFlagRequired("strategy")
	_ = backtestCmd.MarkFlagRequired("bars")
}

func parseRange(from, to string) (start, end time.Time, err error) {
	if from != "" {
		if start, err = time.Parse(time.RFC3339, from); err != nil {
			return start, end, fmt.Errorf("bad --from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return start, end, fmt.Errorf("bad --to: %w", err)
		}
	}
	return start, end, nil
}

// symbolFromPath maps data/AAPL_1h.csv.lzma to AAPL.
func symbolFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexAny(base, "_."); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(base)
}

func loadInputs(strategyPath, barsPath, symbol, timeframe, from, to string) (*strategy.Config, *market.Series, error) {
	strat, err := strategy.LoadFile(strategyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("strategy: %w", err)
	}
	if symbol == "" {
		symbol = symbolFromPath(barsPath)
	}
	start, end, err := parseRange(from, to)
	if err != nil {
		return nil, nil, err
	}
	series, err := market.LoadCSV(barsPath, symbol, timeframe)
	if err != nil {
		return nil, nil, fmt.Errorf("bars: %w", err)
	}
	deriveColumns(series)
	return strat, series.Between(start, end), nil
}

func runBacktest(cmd *cobra.Command, args []string) error {
	strat, series, err := loadInputs(btStrategyPath, btBarsPath, btSymbol, btTimeframe, btFrom, btTo)
	if err != nil {
		return err
	}
	if btParam > 0 {
		strat = walkforward.ATRMultiplier(strat, btParam)
	}

	res, err := backtest.Simulate(series, strat, cfg.Backtest())
	if err != nil {
		return err
	}

	run := journal.Run{
		RunID:      id.New(),
		StrategyID: strat.ID,
		Symbol:     series.Symbol,
		Timeframe:  series.Timeframe,
		Created:    time.Now(),
	}
	printResult(cmd, run.RunID, res)

	if btSave {
		st, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.results.SaveResult(cmd.Context(), run, res); err != nil {
			return fmt.Errorf("save result: %w", err)
		}
	}
	if btReport != "" {
		rep := &backtest.Report{
			RunID:    run.RunID,
			Created:  run.Created,
			Strategy: strat.Name,
			Dataset:  btBarsPath,
			Result:   res,
		}
		if err := rep.WriteFile(btReport); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	if btCSVDir != "" {
		if err := journal.ExportCSV(btCSVDir, run.RunID, res); err != nil {
			return fmt.Errorf("csv export: %w", err)
		}
	}
	return nil
}

func printResult(cmd *cobra.Command, runID string, res *backtest.Result) {
	out := cmd.OutOrStdout()
	m := res.Metrics
	fmt.Fprintf(out, "Run %s: %s %s %s\n", runID, res.StrategyID, res.Symbol, res.Timeframe)
	fmt.Fprintf(out, "  Period:       %s -> %s\n", res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339))
	fmt.Fprintf(out, "  Equity:       %.2f -> %.2f\n", res.Capital, res.Final)
	fmt.Fprintf(out, "  Return:       %.2f%%\n", m.TotalReturn*100)
	fmt.Fprintf(out, "  Sharpe:       %.3f  Sortino: %.3f  Calmar: %.3f\n", m.Sharpe, m.Sortino, m.Calmar)
	fmt.Fprintf(out, "  Max drawdown: %.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(out, "  Trades:       %d (win rate %.1f%%)\n", m.Trades, m.WinRate*100)
	if res.Skipped > 0 {
		fmt.Fprintf(out, "  Skipped:      %d signals rejected by the guard\n", res.Skipped)
	}
}
