package backtest

import (
	"fmt"
	"io"
	"os"
	"text/template"
	"time"
)

// Report is the org-mode summary of one run.
type Report struct {
	RunID    string
	Created  time.Time
	Strategy string
	Dataset  string
	Result   *Result

	Notes       []string
	NextActions []string
}

var reportFuncs = template.FuncMap{
	"mul100": func(x float64) float64 { return x * 100.0 },
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
	"overfit": func(ws []WindowTelemetry) int {
		n := 0
		for _, w := range ws {
			if w.IsOverfitting {
				n++
			}
		}
		return n
	},
}

var reportTmpl = template.Must(template.New("backtest").Funcs(reportFuncs).Parse(ReportTemplate))

// Write renders the report to w.
func (r *Report) Write(w io.Writer) error {
	if r.Result == nil {
		return fmt.Errorf("report %s: no result", r.RunID)
	}
	return reportTmpl.Execute(w, r)
}

// WriteFile renders the report to path.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

const ReportTemplate = `
* BACKTEST: {{.Strategy}} {{.Result.Symbol}} {{if .Result.Timeframe}}{{.Result.Timeframe}}{{else}}(timeframe?){{end}}
:PROPERTIES:
:RUN_ID:      {{if .RunID}}{{.RunID}}{{else}}(run-id?){{end}}
:STRATEGY:    {{.Result.StrategyID}}
:SYMBOL:      {{.Result.Symbol}}
:DATASET:     {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}}
:START_DATE:  {{.Result.Start.Format "2006-01-02"}}
:END_DATE:    {{.Result.End.Format "2006-01-02"}}
:START_BAL:   {{printf "%.2f" .Result.Capital}}
:END_BAL:     {{printf "%.2f" .Result.Final}}
:NET_PL:      {{printf "%.2f" .Result.Metrics.NetPnL}}
:RETURN_PCT:  {{printf "%.2f" (mul100 .Result.Metrics.TotalReturn)}}
:MAX_DD_PCT:  {{printf "%.2f" (mul100 .Result.Metrics.MaxDrawdown)}}
:TRADES:      {{.Result.Metrics.Trades}}
:WINS:        {{.Result.Metrics.Wins}}
:LOSSES:      {{.Result.Metrics.Losses}}
:WIN_RATE:    {{printf "%.2f" (mul100 .Result.Metrics.WinRate)}}
:PROFIT_FAC:  {{if ne .Result.Metrics.ProfitFactor 0.0}}{{printf "%.2f" .Result.Metrics.ProfitFactor}}{{else}}(profit-factor?){{end}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Performance Summary
- Net P/L:          *{{printf "%.2f" .Result.Metrics.NetPnL}}*
- Return:           *{{printf "%.2f" (mul100 .Result.Metrics.TotalReturn)}}%*
- Max Drawdown:     *{{printf "%.2f" (mul100 .Result.Metrics.MaxDrawdown)}}%*
- Sharpe:           *{{printf "%.2f" .Result.Metrics.Sharpe}}*
- Sortino:          *{{printf "%.2f" .Result.Metrics.Sortino}}*
- Calmar:           *{{printf "%.2f" .Result.Metrics.Calmar}}*
- Win Rate:         *{{printf "%.2f" (mul100 .Result.Metrics.WinRate)}}%*
- Skipped signals:  {{.Result.Skipped}}

** Trade Distribution
| Outcome | Count |
|---------+-------|
| Wins    | {{.Result.Metrics.Wins}} |
| Losses  | {{.Result.Metrics.Losses}} |
| Total   | {{.Result.Metrics.Trades}} |

{{- if .Result.Trades }}

** Trades
| Opened | Closed | Side | Entry | Exit | Reason | P/L |
|--------+--------+------+-------+------+--------+-----|
{{- range .Result.Trades }}
| {{.OpenedAt.Format "2006-01-02 15:04"}} | {{.ExitTime.Format "2006-01-02 15:04"}} | {{.Direction}} | {{printf "%.4f" .EntryPrice}} | {{printf "%.4f" .ExitPrice}} | {{.ExitReason}} | {{printf "%.2f" .RealizedPnL}} |
{{- end }}
{{- end }}

{{- if .Result.Windows }}

** Walk-Forward Windows ({{overfit .Result.Windows}} flagged)
| Window | Train | Test | Divergence % | Overfit |
|--------+-------+------+--------------+---------|
{{- range .Result.Windows }}
| {{.WindowID}} | {{printf "%.3f" .TrainMetric}} | {{printf "%.3f" .TestMetric}} | {{printf "%.1f" .DivergencePct}} | {{.IsOverfitting}} |
{{- end }}
{{- end }}

{{- if .Notes }}

** Observations
{{- range .Notes }}
- {{.}}
{{- end }}
{{- end }}

{{- if .NextActions }}

** Notes / Next Actions
{{- range .NextActions }}
- [ ] {{.}}
{{- end }}
{{- end }}
`
