// Package perf turns a return series into a bundle of risk-adjusted
// performance metrics. Everything here is a pure function of its inputs.
package perf

import (
	"fmt"
	"math"
	"strings"
)

// MaxRatio caps ratios whose denominator is zero (no losses, no drawdown).
const MaxRatio = 999.0

// eps treats float noise in a dispersion estimate as zero.
const eps = 1e-12

// Objective names the metric an optimizer maximizes.
type Objective string

const (
	Sharpe  Objective = "sharpe"
	Sortino Objective = "sortino"
	Calmar  Objective = "calmar"
)

// ParseObjective accepts sharpe, sortino or calmar (case-insensitive). Empty means sharpe.
func ParseObjective(s string) (Objective, error) {
	switch Objective(strings.ToLower(strings.TrimSpace(s))) {
	case "", Sharpe:
		return Sharpe, nil
	case Sortino:
		return Sortino, nil
	case Calmar:
		return Calmar, nil
	}
	return "", fmt.Errorf("unknown objective %q (supported: sharpe, sortino, calmar)", s)
}

// Options controls annualization.
type Options struct {
	PeriodsPerYear float64 `json:"periods_per_year" yaml:"periods_per_year"`
	RiskFree       float64 `json:"risk_free" yaml:"risk_free"` // annual rate
}

func DefaultOptions() Options {
	return Options{PeriodsPerYear: 252}
}

// Metrics is the aggregate result of a return series plus trade P&Ls.
type Metrics struct {
	Periods          int     `json:"periods"`
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	Volatility       float64 `json:"volatility"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`
	MaxDrawdown      float64 `json:"max_drawdown"`

	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	NetPnL       float64 `json:"net_pnl"`
}

// Score returns the metric the objective names.
func (m Metrics) Score(o Objective) float64 {
	switch o {
	case Sortino:
		return m.Sortino
	case Calmar:
		return m.Calmar
	default:
		return m.Sharpe
	}
}

// Evaluate computes return and risk metrics for per-period simple returns.
func Evaluate(returns []float64, opts Options) Metrics {
	if opts.PeriodsPerYear <= 0 {
		opts.PeriodsPerYear = DefaultOptions().PeriodsPerYear
	}
	m := Metrics{Periods: len(returns)}
	if len(returns) == 0 {
		return m
	}

	rf := opts.RiskFree / opts.PeriodsPerYear
	growth := 1.0
	var sum, downSq float64
	for _, r := range returns {
		growth *= 1 + r
		sum += r - rf
		if d := r - rf; d < 0 {
			downSq += d * d
		}
	}
	n := float64(len(returns))
	mean := sum / n

	m.TotalReturn = growth - 1
	if growth > 0 {
		m.AnnualizedReturn = math.Pow(growth, opts.PeriodsPerYear/n) - 1
	} else {
		m.AnnualizedReturn = -1
	}

	sd := stddev(returns)
	m.Volatility = sd * math.Sqrt(opts.PeriodsPerYear)
	if sd > eps {
		m.Sharpe = mean / sd * math.Sqrt(opts.PeriodsPerYear)
	}

	downside := math.Sqrt(downSq / n)
	switch {
	case downside > eps:
		m.Sortino = mean / downside * math.Sqrt(opts.PeriodsPerYear)
	case mean > 0:
		m.Sortino = MaxRatio
	}

	m.MaxDrawdown = MaxDrawdown(Equity(returns))
	switch {
	case m.MaxDrawdown > 0:
		m.Calmar = m.AnnualizedReturn / m.MaxDrawdown
	case m.AnnualizedReturn > 0:
		m.Calmar = MaxRatio
	}

	m.Sharpe = clamp(m.Sharpe)
	m.Sortino = clamp(m.Sortino)
	m.Calmar = clamp(m.Calmar)
	return m
}

// WithTrades fills the trade statistics from realized per-trade P&L.
func (m Metrics) WithTrades(pnls []float64) Metrics {
	m.Trades = len(pnls)
	m.Wins, m.Losses = 0, 0
	var gross, loss float64
	for _, p := range pnls {
		m.NetPnL += p
		switch {
		case p > 0:
			m.Wins++
			gross += p
		case p < 0:
			m.Losses++
			loss -= p
		}
	}
	if m.Trades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.Trades)
	}
	if m.Wins > 0 {
		m.AvgWin = gross / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = loss / float64(m.Losses)
	}
	switch {
	case loss > 0:
		m.ProfitFactor = gross / loss
	case gross > 0:
		m.ProfitFactor = MaxRatio
	}
	return m
}

// Returns converts an equity curve into simple per-period returns.
// Periods starting from non-positive equity yield a -100% return.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			out[i-1] = -1
			continue
		}
		out[i-1] = equity[i]/equity[i-1] - 1
	}
	return out
}

// Equity compounds returns into a curve starting at 1.
func Equity(returns []float64) []float64 {
	out := make([]float64, len(returns)+1)
	out[0] = 1
	for i, r := range returns {
		out[i+1] = out[i] * (1 + r)
	}
	return out
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(equity []float64) float64 {
	var peak, dd float64
	for i, e := range equity {
		if i == 0 || e > peak {
			peak = e
		}
		if peak > 0 {
			if d := (peak - e) / peak; d > dd {
				dd = d
			}
		}
	}
	return dd
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x > MaxRatio:
		return MaxRatio
	case x < -MaxRatio:
		return -MaxRatio
	}
	return x
}
