package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/rustyeddy/walkforward/httpapi"
	"github.com/rustyeddy/walkforward/indicators"
	"github.com/rustyeddy/walkforward/jobs"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/ledger"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/walkforward"
)

// stores is everything a command may persist to. Fields not configured
// stay nil.
type stores struct {
	results   journal.ResultStore
	runs      httpapi.RunReader
	telemetry journal.TelemetrySink
	queue     jobs.Queue
	closers   []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}
}

// openStores picks Postgres when a DSN is configured and SQLite otherwise.
// Kafka telemetry is added alongside whichever results store is used.
func openStores(ctx context.Context) (*stores, error) {
	s := &stores{}
	var sinks journal.Tee

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)

		pg := journal.NewPostgresFromDB(db, cfg.QueryTimeout())
		q := jobs.NewPostgresQueue(db, cfg.QueryTimeout())
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		if err := q.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.results, s.runs, s.queue = pg, pg, q
		sinks = append(sinks, pg)
	} else {
		sq, err := journal.NewSQLite(cfg.Storage.ResultsDB)
		if err != nil {
			return nil, fmt.Errorf("open results db: %w", err)
		}
		s.closers = append(s.closers, sq.Close)
		s.results, s.runs, s.queue = sq, sq, jobs.NewMemoryQueue()
		sinks = append(sinks, sq)
	}

	if brokers := cfg.Storage.KafkaBrokers; len(brokers) > 0 {
		k := journal.NewKafkaTelemetry(brokers, cfg.Storage.KafkaTopic)
		s.closers = append(s.closers, k.Close)
		sinks = append(sinks, k)
	}
	s.telemetry = sinks
	return s, nil
}

func paramCache() walkforward.ParamCache {
	if addr := cfg.Storage.RedisAddr; addr != "" {
		return walkforward.NewRedisParamCache(addr)
	}
	return walkforward.NewMemoryParamCache()
}

func openLedger(m *metrics.Registry) (*ledger.Ledger, error) {
	store, err := ledger.NewSQLiteStore(cfg.Storage.LedgerDB)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return ledger.New(store, cfg.Simulation.CommissionRate, m), nil
}

// deriveColumns adds the configured indicator columns to s. Specs were
// checked by config.Validate.
func deriveColumns(s *market.Series) {
	if cfg == nil {
		return
	}
	inds, _ := indicators.ParseAll(cfg.Simulation.Derive)
	indicators.Derive(s, inds...)
}

// warmupBars is the longest warm-up among the derived columns.
func warmupBars() int {
	if cfg == nil {
		return 0
	}
	inds, _ := indicators.ParseAll(cfg.Simulation.Derive)
	n := 0
	for _, ind := range inds {
		n = max(n, ind.Warmup())
	}
	return n
}

// derivedBars is a bar source whose series carry the derived columns.
type derivedBars struct {
	jobs.BarSource
}

func (d derivedBars) Series(ctx context.Context, symbol, timeframe string, start, end time.Time) (*market.Series, error) {
	// derive over the whole file so the window start is already warmed up
	s, err := d.BarSource.Series(ctx, symbol, timeframe, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	deriveColumns(s)
	return s.Between(start, end), nil
}

func barDir() derivedBars {
	return derivedBars{jobs.CSVDir(cfg.Storage.DataDir)}
}
