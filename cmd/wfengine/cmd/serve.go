package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/walkforward/feed"
	"github.com/rustyeddy/walkforward/httpapi"
	"github.com/rustyeddy/walkforward/jobs"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/walkforward"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker and the HTTP API",
	Long: `Serve accepts walk-forward jobs over HTTP, runs them from the queue and
exposes the paper ledger and Prometheus metrics.

  POST /jobs                   submit a job
  GET  /jobs/{id}              job status
  GET  /runs/{id}              stored result summary
  GET  /positions              open paper positions
  POST /positions/{id}/close   manual close
  GET  /trades                 closed paper trades
  GET  /metrics                Prometheus metrics`,
	RunE: runServe,
}

var (
	serveAddr    string
	serveWorkers int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 1, "jobs run at once")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	st, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := openLedger(m)
	if err != nil {
		return err
	}
	defer l.Store.Close()

	runner := &jobs.Runner{
		Queue:      st.queue,
		Strategies: jobs.StrategyDir(cfg.Storage.StrategyDir),
		Bars:       barDir(),
		Optimizer:  walkforward.New(cfg.Optimizer(), paramCache(), m),
		Results:    st.results,
		Telemetry:  st.telemetry,
		Metrics:    m,
	}

	// manual closes without a price read the latest close on disk
	srv := httpapi.New(st.queue, l, csvFeed(cfg.Storage.DataDir), st.runs, m)
	srv.Timeframe = cfg.Live.Timeframe
	srv.ExitBandPct = cfg.Live.ExitBandPct
	if d := cfg.ServerTimeout(); d > 0 {
		srv.Timeout = d
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, addr) })
	for i := 0; i < serveWorkers; i++ {
		g.Go(func() error { return runner.Work(ctx, cfg.Poll()) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Msg("server stopped")
	return err
}

// csvFeed serves the tail of each bar file in a directory.
type csvFeed string

func (d csvFeed) Bars(ctx context.Context, symbol, timeframe string, n int) (*market.Series, error) {
	s, err := derivedBars{jobs.CSVDir(d)}.Series(ctx, symbol, timeframe, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	if s.Len() == 0 {
		return nil, feed.ErrNoData
	}
	if n > 0 && s.Len() > n {
		s = s.Slice(s.Len()-n, s.Len())
	}
	return s, nil
}
