package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rustyeddy/walkforward/backtest"
)

var (
	tradeHeader  = []string{"trade_id", "position_id", "symbol", "direction", "quantity", "entry_price", "exit_price", "open_time", "close_time", "commission", "realized_pl", "reason"}
	equityHeader = []string{"time", "equity"}
)

// CSVJournal writes trades and equity points to two CSV files.
type CSVJournal struct {
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
}

func NewCSV(tradesPath, equityPath string) (*CSVJournal, error) {
	tf, err := os.Create(tradesPath)
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	j := &CSVJournal{csv.NewWriter(tf), csv.NewWriter(ef), tf, ef}
	if err := j.write(j.trades, tradeHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	if err := j.write(j.equity, equityHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func (j *CSVJournal) write(w *csv.Writer, rec []string) error {
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (j *CSVJournal) RecordTrade(t backtest.Trade) error {
	return j.write(j.trades, []string{
		t.ID,
		t.PositionID,
		t.Symbol,
		t.Direction.String(),
		f(t.Quantity),
		f(t.EntryPrice),
		f(t.ExitPrice),
		t.OpenedAt.UTC().Format(time.RFC3339),
		t.ExitTime.UTC().Format(time.RFC3339),
		f(t.Commission),
		f(t.RealizedPnL),
		string(t.ExitReason),
	})
}

func (j *CSVJournal) RecordEquity(e backtest.EquityPoint) error {
	return j.write(j.equity, []string{
		e.Time.UTC().Format(time.RFC3339),
		f(e.Equity),
	})
}

func (j *CSVJournal) Close() error {
	j.trades.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	j.equity.Flush()
	if err := j.equity.Error(); err != nil {
		return err
	}

	if err := j.tf.Close(); err != nil {
		return err
	}
	if err := j.ef.Close(); err != nil {
		return err
	}
	return nil
}

// ExportCSV writes <runID>_trades.csv and <runID>_equity.csv under dir.
func ExportCSV(dir, runID string, res *backtest.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	j, err := NewCSV(filepath.Join(dir, runID+"_trades.csv"), filepath.Join(dir, runID+"_equity.csv"))
	if err != nil {
		return err
	}
	for _, t := range res.Trades {
		if err := j.RecordTrade(t); err != nil {
			_ = j.Close()
			return err
		}
	}
	for _, e := range res.Equity {
		if err := j.RecordEquity(e); err != nil {
			_ = j.Close()
			return err
		}
	}
	return j.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
