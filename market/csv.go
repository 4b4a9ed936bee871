package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ulikunitz/xz/lzma"
)

// LoadCSV reads a bar file. Files ending in .lzma are decompressed on the fly.
//
// The first row is a header. Recognised columns are time, open, high, low,
// close, volume, source and closed; every other column is read as a
// precomputed indicator of the same name. Empty indicator cells are omitted
// from that bar's row.
func LoadCSV(path, symbol, timeframe string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.EqualFold(filepath.Ext(path), ".lzma") {
		lr, err := lzma.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("lzma %s: %w", path, err)
		}
		r = lr
	}

	s, err := ReadCSV(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Symbol = symbol
	s.Timeframe = timeframe
	return s, nil
}

// ReadCSV parses bars from r; see LoadCSV for the column layout.
func ReadCSV(r io.Reader) (*Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := map[string]int{}
	var indicators []int
	for i, h := range header {
		name := strings.TrimSpace(h)
		switch strings.ToLower(name) {
		case "time", "open", "high", "low", "close", "volume", "source", "closed":
			col[strings.ToLower(name)] = i
		default:
			indicators = append(indicators, i)
		}
		header[i] = name
	}
	for _, req := range []string{"time", "open", "high", "low", "close"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("missing %q column", req)
		}
	}

	s := &Series{}
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(row) == 0 {
			continue
		}

		b, err := parseBarRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ind := Indicators{}
		for _, i := range indicators {
			if i >= len(row) || strings.TrimSpace(row[i]) == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad %s %q: %w", line, header[i], row[i], err)
			}
			ind[header[i]] = v
		}

		s.Bars = append(s.Bars, b)
		s.Indicators = append(s.Indicators, ind)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseBarRow(row []string, col map[string]int) (Bar, error) {
	get := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ts := get("time")
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t2, err2 := time.Parse(time.RFC3339Nano, ts)
		if err2 != nil {
			return Bar{}, fmt.Errorf("bad time %q: %w", ts, err)
		}
		t = t2
	}

	b := Bar{Time: t.UTC(), Closed: true}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
	} {
		v := get(f.name)
		if v == "" && f.name == "volume" {
			continue
		}
		if *f.dst, err = strconv.ParseFloat(v, 64); err != nil {
			return Bar{}, fmt.Errorf("bad %s %q: %w", f.name, v, err)
		}
	}

	if b.Source, err = ParseSource(get("source")); err != nil {
		return Bar{}, err
	}
	if c := get("closed"); c != "" {
		if b.Closed, err = strconv.ParseBool(c); err != nil {
			return Bar{}, fmt.Errorf("bad closed %q: %w", c, err)
		}
	}
	return b, nil
}
