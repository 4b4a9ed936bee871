package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/walkforward/internal/id"
	"github.com/rustyeddy/walkforward/journal"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/strategy"
	"github.com/rustyeddy/walkforward/walkforward"
)

// StrategySource resolves a strategy id to its definition.
type StrategySource interface {
	Strategy(ctx context.Context, id string) (*strategy.Config, error)
}

// BarSource loads historical bars for [start, end]; zero times are open.
type BarSource interface {
	Series(ctx context.Context, symbol, timeframe string, start, end time.Time) (*market.Series, error)
}

// StrategyDir reads <dir>/<id>.yaml, .yml or .json.
type StrategyDir string

func (d StrategyDir) Strategy(_ context.Context, id string) (*strategy.Config, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(string(d), id+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := strategy.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if cfg.ID != id {
			return nil, fmt.Errorf("%s declares id %q", path, cfg.ID)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("strategy %q not found in %s", id, string(d))
}

// CSVDir reads <dir>/<SYMBOL>_<timeframe>.csv, or the .csv.lzma variant.
type CSVDir string

func (d CSVDir) Series(_ context.Context, symbol, timeframe string, start, end time.Time) (*market.Series, error) {
	base := filepath.Join(string(d), strings.ToUpper(symbol)+"_"+timeframe+".csv")
	for _, path := range []string{base, base + ".lzma"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := market.LoadCSV(path, symbol, timeframe)
		if err != nil {
			return nil, err
		}
		return s.Between(start, end), nil
	}
	return nil, fmt.Errorf("no bar file for %s %s in %s", symbol, timeframe, string(d))
}

// SymbolOutcome is what a job produced for one symbol.
type SymbolOutcome struct {
	Symbol     string  `json:"symbol"`
	RunID      string  `json:"run_id,omitempty"`
	Windows    int     `json:"windows"`
	Selected   int     `json:"selected"`
	Overfit    int     `json:"overfit"`
	Score      float64 `json:"score"`
	Current    float64 `json:"current,omitempty"`
	HasCurrent bool    `json:"has_current"`
	Err        string  `json:"error,omitempty"`
}

// Summary collects a job's outcomes in symbol order.
type Summary struct {
	JobID   string          `json:"job_id"`
	Symbols []SymbolOutcome `json:"symbols"`
}

// Selected totals windows that produced a result.
func (s *Summary) Selected() int {
	n := 0
	for _, o := range s.Symbols {
		n += o.Selected
	}
	return n
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d windows selected across %d symbols", s.Selected(), len(s.Symbols))
	for _, o := range s.Symbols {
		if o.Err != "" {
			fmt.Fprintf(&b, "; %s: %s", o.Symbol, o.Err)
		}
	}
	return b.String()
}

// ErrNoResults fails a job in which no window anywhere produced a result.
var ErrNoResults = errors.New("no walk-forward window produced a result")

// Runner executes jobs. Results and Telemetry are optional.
type Runner struct {
	Queue      Queue
	Strategies StrategySource
	Bars       BarSource
	Optimizer  *walkforward.Optimizer
	Results    journal.ResultStore
	Telemetry  journal.TelemetrySink
	Metrics    *metrics.Registry
	// Concurrency bounds symbols run at once; zero means all.
	Concurrency int
}

// Execute runs every symbol of j. A symbol's failure is recorded in its
// outcome; the error is non-nil only when nothing at all was produced.
func (r *Runner) Execute(ctx context.Context, j Job) (*Summary, error) {
	base, err := r.Strategies.Strategy(ctx, j.StrategyID)
	if err != nil {
		return nil, err
	}
	cands, err := j.Parameters.Candidates()
	if err != nil {
		return nil, err
	}

	opt := *r.Optimizer
	opt.Config.Window = j.Parameters.Window(opt.Config.Window)
	if j.Parameters.Objective != "" {
		if opt.Config.Objective, err = perf.ParseObjective(j.Parameters.Objective); err != nil {
			return nil, err
		}
	}

	sum := &Summary{JobID: j.ID, Symbols: make([]SymbolOutcome, len(j.Symbols))}
	g, gctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for i, sym := range j.Symbols {
		i, sym := i, sym
		g.Go(func() error {
			sum.Symbols[i] = r.runSymbol(gctx, &opt, j, base, sym, cands)
			return nil
		})
	}
	_ = g.Wait()

	if sum.Selected() == 0 {
		return sum, fmt.Errorf("%s: %w", sum, ErrNoResults)
	}
	return sum, nil
}

func (r *Runner) runSymbol(ctx context.Context, opt *walkforward.Optimizer, j Job, base *strategy.Config, sym string, cands []float64) (out SymbolOutcome) {
	out = SymbolOutcome{Symbol: sym}
	logger := log.With().Str("job", j.ID).Str("strategy", base.ID).Str("symbol", sym).Logger()
	// a panic fails this symbol only
	defer func() {
		if p := recover(); p != nil {
			out = SymbolOutcome{Symbol: sym, Err: fmt.Sprintf("panic: %v", p)}
			logger.Error().Str("panic", fmt.Sprint(p)).Msg("symbol aborted")
		}
	}()

	series, err := r.Bars.Series(ctx, sym, j.Timeframe, j.Start, j.End)
	if err != nil {
		out.Err = err.Error()
		logger.Warn().Err(err).Msg("symbol skipped")
		return out
	}
	res, err := opt.Run(ctx, series, base, cands)
	if err != nil {
		out.Err = err.Error()
		logger.Warn().Err(err).Msg("walk-forward failed")
		return out
	}

	out.Windows = len(res.Windows)
	out.Selected = res.Selected()
	out.Score = res.Score
	out.Current, out.HasCurrent = res.Current, res.HasCurrent
	for _, w := range res.Windows {
		if w.IsOverfitting {
			out.Overfit++
		}
	}
	if !res.HasCurrent {
		return out
	}

	if opt.Cache != nil {
		key := walkforward.CacheKey{Symbol: sym, Timeframe: j.Timeframe}
		if err := opt.Cache.Set(ctx, key, res.Current, opt.Config.CacheTTL); err != nil {
			logger.Warn().Err(err).Msg("param cache write failed")
		}
	}

	bt, err := opt.OutOfSample(series, base, res)
	if err != nil {
		out.Err = err.Error()
		logger.Warn().Err(err).Msg("out-of-sample replay failed")
		return out
	}

	run := journal.Run{
		RunID:      id.New(),
		JobID:      j.ID,
		StrategyID: base.ID,
		Symbol:     sym,
		Timeframe:  j.Timeframe,
		Created:    time.Now(),
	}
	out.RunID = run.RunID
	if r.Results != nil {
		if err := r.Results.SaveResult(ctx, run, bt); err != nil {
			logger.Error().Err(err).Msg("save result failed")
		}
	}
	if r.Telemetry != nil {
		if err := r.Telemetry.RecordWindows(ctx, run, bt.Windows); err != nil {
			logger.Error().Err(err).Msg("record telemetry failed")
		}
	}
	logger.Info().
		Int("windows", out.Windows).
		Int("selected", out.Selected).
		Int("overfit", out.Overfit).
		Float64("current", out.Current).
		Float64("sharpe", bt.Metrics.Sharpe).
		Msg("symbol complete")
	return out
}

// RunNext claims one job and drives it to completed or failed. It reports
// whether a job was claimed.
func (r *Runner) RunNext(ctx context.Context) (bool, error) {
	j, err := r.Queue.Claim(ctx)
	if err != nil || j == nil {
		return false, err
	}
	r.Metrics.ObserveJob(string(StatusRunning))
	log.Info().Str("job", j.ID).Str("strategy", j.StrategyID).Strs("symbols", j.Symbols).Msg("job claimed")

	sum, err := r.Execute(ctx, *j)
	if err != nil {
		r.Metrics.ObserveJob(string(StatusFailed))
		log.Error().Err(err).Str("job", j.ID).Msg("job failed")
		if ferr := r.Queue.Fail(ctx, j.ID, err.Error()); ferr != nil {
			return true, ferr
		}
		return true, nil
	}
	r.Metrics.ObserveJob(string(StatusCompleted))
	log.Info().Str("job", j.ID).Int("selected", sum.Selected()).Msg("job completed")
	return true, r.Queue.Complete(ctx, j.ID, sum.String())
}

// Work polls the queue until ctx is done.
func (r *Runner) Work(ctx context.Context, poll time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := r.RunNext(ctx)
		if err != nil {
			log.Error().Err(err).Msg("queue error")
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
