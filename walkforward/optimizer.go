package walkforward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/walkforward/backtest"
	"github.com/rustyeddy/walkforward/condition"
	"github.com/rustyeddy/walkforward/market"
	"github.com/rustyeddy/walkforward/metrics"
	"github.com/rustyeddy/walkforward/perf"
	"github.com/rustyeddy/walkforward/strategy"
)

// ErrNoSelection means no window produced a selected value.
var ErrNoSelection = errors.New("no window selected a parameter")

// Config tunes the optimizer. Zero fields take the defaults below.
type Config struct {
	Window           WindowConfig     `json:"window" yaml:"window"`
	MinBars          int              `json:"min_bars" yaml:"min_bars"`
	Objective        perf.Objective   `json:"objective" yaml:"objective"`
	MaxDivergencePct float64          `json:"max_divergence_pct" yaml:"max_divergence_pct"`
	Decay            float64          `json:"decay" yaml:"decay"`
	Workers          int              `json:"workers" yaml:"workers"`
	CacheTTL         time.Duration    `json:"cache_ttl" yaml:"cache_ttl"`
	Sim              backtest.Options `json:"simulation" yaml:"simulation"`
}

const (
	DefaultMinBars          = 100
	DefaultMaxDivergencePct = 20.0
	DefaultDecay            = 0.8
	DefaultCacheTTL         = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Window == (WindowConfig{}) {
		c.Window = DefaultWindowConfig()
	}
	if c.MinBars == 0 {
		c.MinBars = DefaultMinBars
	}
	if c.Objective == "" {
		c.Objective = perf.Sharpe
	}
	if c.MaxDivergencePct == 0 {
		c.MaxDivergencePct = DefaultMaxDivergencePct
	}
	if c.Decay == 0 {
		c.Decay = DefaultDecay
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Candidate is one parameter value scored on a window.
type Candidate struct {
	Value       float64 `json:"value"`
	TrainMetric float64 `json:"train_metric"`
	TestMetric  float64 `json:"test_metric"`
	Err         string  `json:"error,omitempty"`
}

// WindowResult is the outcome of one window. LowData windows carry no
// selection and never contribute to the score.
type WindowResult struct {
	Window        Window      `json:"window"`
	Candidates    []Candidate `json:"candidates,omitempty"`
	Selected      *Candidate  `json:"selected,omitempty"`
	DivergencePct float64     `json:"divergence_pct"`
	IsOverfitting bool        `json:"is_overfitting"`
	LowData       bool        `json:"low_data"`
	Err           string      `json:"error,omitempty"`
}

// Result is a complete walk-forward run.
type Result struct {
	Symbol     string         `json:"symbol"`
	StrategyID string         `json:"strategy_id"`
	Objective  perf.Objective `json:"objective"`
	Windows    []WindowResult `json:"windows"`
	// Score is the recency-weighted mean of selected windows' test metrics.
	Score      float64 `json:"score"`
	Current    float64 `json:"current"`
	HasCurrent bool    `json:"has_current"`
}

// Selected counts windows that picked a value.
func (r *Result) Selected() int {
	n := 0
	for _, w := range r.Windows {
		if w.Selected != nil {
			n++
		}
	}
	return n
}

// Telemetry returns the per-window divergence records for selected windows.
func (r *Result) Telemetry() []backtest.WindowTelemetry {
	var out []backtest.WindowTelemetry
	for _, w := range r.Windows {
		if w.Selected == nil {
			continue
		}
		out = append(out, backtest.WindowTelemetry{
			WindowID:      w.Window.ID,
			TrainMetric:   w.Selected.TrainMetric,
			TestMetric:    w.Selected.TestMetric,
			DivergencePct: w.DivergencePct,
			IsOverfitting: w.IsOverfitting,
		})
	}
	return out
}

// Optimizer runs walk-forward parameter selection.
type Optimizer struct {
	Config  Config
	Apply   ParamApplier
	Cache   ParamCache
	Metrics *metrics.Registry
}

// New returns an optimizer applying candidates as ATR multipliers.
func New(cfg Config, cache ParamCache, m *metrics.Registry) *Optimizer {
	return &Optimizer{Config: cfg.withDefaults(), Apply: ATRMultiplier, Cache: cache, Metrics: m}
}

// Run evaluates every window of series. Windows are independent and run
// concurrently; results come back in window order.
func (o *Optimizer) Run(ctx context.Context, series *market.Series, base *strategy.Config, candidates []float64) (*Result, error) {
	cfg := o.Config.withDefaults()
	apply := o.Apply
	if apply == nil {
		apply = ATRMultiplier
	}
	cands := normalizeCandidates(candidates)
	if len(cands) == 0 {
		return nil, fmt.Errorf("walkforward: no candidates")
	}

	windows, err := BuildWindows(series.Len(), cfg.Window)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, &condition.DataError{Mode: "historical", Symbol: series.Symbol,
			Err: fmt.Errorf("%d bars cannot fit train=%d test=%d: %w",
				series.Len(), cfg.Window.Train, cfg.Window.Test, market.ErrInsufficientBars)}
	}

	results := make([]WindowResult, len(windows))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			defer func() {
				if p := recover(); p != nil {
					results[i] = WindowResult{Window: w, Err: fmt.Sprintf("panic: %v", p)}
					log.Error().
						Str("symbol", series.Symbol).
						Int("window", w.ID).
						Str("panic", fmt.Sprint(p)).
						Msg("window aborted")
				}
			}()
			results[i] = evaluateWindow(series, base, cands, w, cfg, apply)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Symbol: series.Symbol, StrategyID: base.ID, Objective: cfg.Objective, Windows: results}
	res.Score = recencyScore(results, cfg.Decay)
	for i := len(results) - 1; i >= 0; i-- {
		if s := results[i].Selected; s != nil {
			res.Current, res.HasCurrent = s.Value, true
			break
		}
	}

	for _, w := range results {
		switch {
		case w.LowData:
			o.Metrics.ObserveWindow("low_data")
		case w.Selected == nil:
			o.Metrics.ObserveWindow("failed")
		case w.IsOverfitting:
			o.Metrics.ObserveWindow("overfit")
		default:
			o.Metrics.ObserveWindow("selected")
		}
	}
	log.Info().
		Str("strategy", base.ID).
		Str("symbol", series.Symbol).
		Int("windows", len(results)).
		Int("selected", res.Selected()).
		Float64("score", res.Score).
		Msg("walk-forward complete")
	return res, nil
}

func evaluateWindow(series *market.Series, base *strategy.Config, cands []float64, w Window, cfg Config, apply ParamApplier) WindowResult {
	out := WindowResult{Window: w}
	train := series.Slice(w.TrainStart, w.TrainEnd)
	if train.ClosedCount() < cfg.MinBars {
		out.LowData = true
		log.Debug().
			Str("symbol", series.Symbol).
			Int("window", w.ID).
			Int("bars", train.ClosedCount()).
			Int("min_bars", cfg.MinBars).
			Msg("window skipped: low data")
		return out
	}

	best := -1
	bestScore := math.Inf(-1)
	out.Candidates = make([]Candidate, len(cands))
	for k, v := range cands {
		c := Candidate{Value: v}
		score, err := scoreOn(train, apply(base, v), cfg)
		if err != nil {
			c.Err = err.Error()
		} else {
			c.TrainMetric = score
		}
		out.Candidates[k] = c
		if err != nil {
			continue
		}
		// ascending iteration plus strict > keeps the smallest value on ties
		if best < 0 || score > bestScore {
			best, bestScore = k, score
		}
	}
	if best < 0 {
		out.Err = "no candidate could be simulated on the train range"
		log.Warn().Str("symbol", series.Symbol).Int("window", w.ID).Msg(out.Err)
		return out
	}

	test := series.Slice(w.TestStart, w.TestEnd)
	testScore, err := scoreOn(test, apply(base, cands[best]), cfg)
	if err != nil {
		out.Candidates[best].Err = "test: " + err.Error()
	}
	out.Candidates[best].TestMetric = testScore
	sel := out.Candidates[best]
	out.Selected = &sel

	out.DivergencePct = Divergence(sel.TrainMetric, sel.TestMetric)
	out.IsOverfitting = out.DivergencePct > cfg.MaxDivergencePct
	if out.IsOverfitting {
		log.Warn().
			Str("strategy", base.ID).
			Str("symbol", series.Symbol).
			Int("window", w.ID).
			Float64("value", sel.Value).
			Float64("train", sel.TrainMetric).
			Float64("test", sel.TestMetric).
			Float64("divergence_pct", out.DivergencePct).
			Msg("window flagged as overfitting")
	}
	return out
}

func scoreOn(s *market.Series, cfg *strategy.Config, oc Config) (float64, error) {
	res, err := backtest.Simulate(s, cfg, oc.Sim)
	if err != nil {
		return 0, err
	}
	score := res.Metrics.Score(oc.Objective)
	if math.IsNaN(score) {
		return 0, fmt.Errorf("objective %s is NaN", oc.Objective)
	}
	return score, nil
}

// Divergence is |test-train| as a percentage of |train|. A zero train
// metric diverges fully unless test is zero too.
func Divergence(train, test float64) float64 {
	if train == 0 {
		if test == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(test-train) / math.Abs(train) * 100
}

// recencyScore weights the latest selected window 1, the one before decay,
// then decay², and so on.
func recencyScore(ws []WindowResult, decay float64) float64 {
	var num, den float64
	w := 1.0
	for i := len(ws) - 1; i >= 0; i-- {
		s := ws[i].Selected
		if s == nil {
			continue
		}
		num += w * s.TestMetric
		den += w
		w *= decay
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Current returns the cached parameter for key, or runs fn, caches the
// latest selected value and returns it.
func (o *Optimizer) Current(ctx context.Context, key CacheKey, fn func(context.Context) (*Result, error)) (float64, error) {
	if o.Cache != nil {
		v, ok, err := o.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("param cache read failed")
		} else if ok {
			o.Metrics.CacheHit("param")
			return v, nil
		}
		o.Metrics.CacheMiss("param")
	}

	res, err := fn(ctx)
	if err != nil {
		return 0, err
	}
	if !res.HasCurrent {
		return 0, fmt.Errorf("%s: %w", key, ErrNoSelection)
	}
	if o.Cache != nil {
		if err := o.Cache.Set(ctx, key, res.Current, o.Config.withDefaults().CacheTTL); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("param cache write failed")
		}
	}
	return res.Current, nil
}
