package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/feed"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/paper"
	"github.com/rustyeddy/walkforward/strategy"
	"github.com/rustyeddy/walkforward/walkforward"
)

var paperCmd = &cobra.Command{
	Use:   "paper SYMBOL...",
	Short: "Paper trade a strategy against the live bar feed",
	Long: `Paper evaluates the strategy once per interval for every symbol and keeps
positions in the ledger database. Bars stream from live.feed_url when it is
set, are polled from the candles API at live.rest_url (token in
WFENGINE_FEED_TOKEN) when that is set, and are read from storage.data_dir
otherwise.

Before trading each symbol the ATR multiplier is taken from the parameter
cache, or selected by a walk-forward run over the bars in data_dir.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPaper,
}

var paperCloseCmd = &cobra.Command{
	Use:   "close POSITION_ID",
	Short: "Close an open paper position by hand",
	Args:  cobra.ExactArgs(1),
	RunE:  runPaperClose,
}

var (
	paperStrategyPath string
	paperNoOptimize   bool
	paperOnce         bool
	paperClosePrice   float64
)

func init() {
	rootCmd.AddCommand(paperCmd)
	paperCmd.AddCommand(paperCloseCmd)

	paperCmd.Flags().StringVarP(&paperStrategyPath, "strategy", "s", "", "strategy document (YAML or JSON) (required)")
	paperCmd.Flags().BoolVar(&paperNoOptimize, "no-optimize", false, "trade the strategy's thresholds as written")
	paperCmd.Flags().BoolVar(&paperOnce, "once", false, "run a single cycle per symbol and exit")
	_ = paperCmd.MarkFlagRequired("strategy")

	paperCloseCmd.Flags().Float64Var(&paperClosePrice, "price", 0, "exit price, within live.exit_band_pct of the latest close (default: that close)")
}

func openFeed(ctx context.Context, cache *condition.MemoryCache, symbols []string) (feed.Source, func(), error) {
	tf := cfg.Live.Timeframe
	if url := cfg.Live.FeedURL; url != "" {
		ws := feed.NewWSSource(url, cfg.Live.Lookback*2, cache)
		if err := ws.Connect(ctx, tf, symbols...); err != nil {
			return nil, nil, err
		}
		return ws, func() { _ = ws.Close() }, nil
	}
	if url := cfg.Live.RESTURL; url != "" {
		rs := feed.NewRESTSource(url, os.Getenv("WFENGINE_FEED_TOKEN"), cfg.Live.Lookback*2, cache)
		rs.Extra = warmupBars()
		rs.Derive = deriveColumns
		return rs, func() {}, nil
	}

	src := feed.NewStaticSource(cache)
	bars := barDir()
	for _, sym := range symbols {
		s, err := bars.Series(ctx, sym, tf, time.Time{}, time.Time{})
		if err != nil {
			return nil, nil, err
		}
		src.Add(s)
	}
	return src, func() {}, nil
}

// tuned applies the current walk-forward selection for symbol.
func tuned(ctx context.Context, opt *walkforward.Optimizer, base *strategy.Config, symbol string) (*strategy.Config, error) {
	key := walkforward.CacheKey{Symbol: strings.ToUpper(symbol), Timeframe: cfg.Live.Timeframe}
	v, err := opt.Current(ctx, key, func(ctx context.Context) (*walkforward.Result, error) {
		s, err := barDir().Series(ctx, symbol, cfg.Live.Timeframe, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		return opt.Run(ctx, s, base, cfg.Candidates())
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("strategy", base.ID).Str("symbol", symbol).Float64("atr_mult", v).Msg("parameter selected")
	return opt.Apply(base, v), nil
}

func runPaper(cmd *cobra.Command, symbols []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := strategy.LoadFile(paperStrategyPath)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	m := metrics.New()
	l, err := openLedger(m)
	if err != nil {
		return err
	}
	defer l.Store.Close()

	cache := condition.NewMemoryCache()
	src, closeFeed, err := openFeed(ctx, cache, symbols)
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	defer closeFeed()

	eval := condition.NewLive(cache, m)
	eval.Budget = cfg.Budget()
	opt := walkforward.New(cfg.Optimizer(), paramCache(), m)

	// one trader per symbol, since each may run a different multiplier
	traders := make([]*paper.Trader, 0, len(symbols))
	for _, sym := range symbols {
		strat := base
		if !paperNoOptimize {
			if strat, err = tuned(ctx, opt, base, sym); err != nil {
				return fmt.Errorf("%s: %w", sym, err)
			}
		}
		t, err := paper.New(cfg.Paper(), strat, src, l, eval, m)
		if err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
		traders = append(traders, t)
	}

	if paperOnce {
		for i, t := range traders {
			rep := t.Cycle(ctx, symbols[i])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", rep.Symbol, rep.Outcome, rep.Reason)
		}
		return nil
	}

	errc := make(chan error, len(traders))
	for i, t := range traders {
		go func(t *paper.Trader, sym string) {
			errc <- t.Run(ctx, cfg.Interval(), sym)
		}(t, symbols[i])
	}
	for range traders {
		<-errc
	}
	log.Info().Msg("paper trading stopped")
	return nil
}

func runPaperClose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	l, err := openLedger(nil)
	if err != nil {
		return err
	}
	defer l.Store.Close()

	// the latest close prices the exit or bounds the given price
	p, err := l.Store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	src, closeFeed, err := openFeed(ctx, condition.NewMemoryCache(), []string{p.Symbol})
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	defer closeFeed()

	tr, err := paper.CloseManual(ctx, l, src, cfg.Live.Timeframe, args[0], paperClosePrice, cfg.Live.ExitBandPct, time.Now())
	if err != nil {
		return err
	}
	if tr == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was already closed\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "closed %s at %.4f, realized %.2f\n", tr.PositionID, tr.ExitPrice, tr.RealizedPnL)
	return nil
}
