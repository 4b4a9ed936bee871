package market

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz/lzma"
)

const sampleCSV = `time,open,high,low,close,volume,source,rsi,atr
2024-01-01T00:00:00Z,100,101,99,100.5,10,verified,55,1.2
2024-01-01T01:00:00Z,100.5,102,100,101.5,12,live,61,
2024-01-01T02:00:00Z,101.5,103,101,102,9,forecast,64,1.4
`

func TestReadCSV(t *testing.T) {
	t.Parallel()

	s, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	assert.Equal(t, 100.5, s.Bars[0].Close)
	assert.True(t, s.Bars[0].Closed)
	assert.Equal(t, SourceLive, s.Bars[1].Source)
	assert.Equal(t, SourceForecast, s.Bars[2].Source)

	v, ok := s.Indicator("rsi", 1)
	assert.True(t, ok)
	assert.Equal(t, 61.0, v)

	_, ok = s.Indicator("atr", 1)
	assert.False(t, ok, "empty cells are omitted")
}

func TestReadCSVErrors(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(strings.NewReader("time,open,high,low\n"))
	assert.ErrorContains(t, err, `missing "close" column`)

	_, err = ReadCSV(strings.NewReader("time,open,high,low,close\nyesterday,1,1,1,1\n"))
	assert.ErrorContains(t, err, "bad time")

	_, err = ReadCSV(strings.NewReader("time,open,high,low,close,source\n2024-01-01T00:00:00Z,1,1,1,1,rumour\n"))
	assert.ErrorContains(t, err, "unknown bar source")
}

func TestLoadCSVCompressed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "BTC_1h.csv.lzma")

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := lzma.NewWriter(f)
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	s, err := LoadCSV(path, "BTC", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTC", s.Symbol)
	assert.Equal(t, "1h", s.Timeframe)
	assert.Equal(t, 3, s.Len())
}
