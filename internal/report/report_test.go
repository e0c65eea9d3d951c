package report

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"megashop/internal/columnar"
	"megashop/internal/engine"
	"megashop/internal/engine/duckdb"
	"megashop/internal/engine/memory"
)

func engines(t *testing.T) []engine.Engine {
	t.Helper()
	dd, err := duckdb.New(context.Background(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dd.Close() })
	return []engine.Engine{memory.New(engine.Options{}), dd}
}

func writeStore(t *testing.T, dir string, rows [][]any) {
	t.Helper()
	_, err := columnar.WritePartitioned(context.Background(), &engine.Table{
		Columns: []engine.Column{
			{Name: "transaction_id", Kind: engine.KindInt},
			{Name: "region_name", Kind: engine.KindString},
			{Name: "category", Kind: engine.KindString},
			{Name: "amount", Kind: engine.KindFloat},
			{Name: "year", Kind: engine.KindInt},
		},
		Rows: rows,
	}, dir, "year")
	require.NoError(t, err)
}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err, "chart must be a valid PNG")
}

func TestRun_OrdersByRevenueDescending(t *testing.T) {
	for _, e := range engines(t) {
		t.Run(e.Name(), func(t *testing.T) {
			store := filepath.Join(t.TempDir(), "processed_sales")
			writeStore(t, store, [][]any{
				{int64(1), "Lazio", "Y", 20.0, int64(2022)},
				{int64(2), "Lazio", "X", 60.0, int64(2022)},
				{int64(3), nil, "Y", 30.0, int64(2023)},
				{int64(4), "Lazio", "X", 40.0, int64(2023)},
				{int64(5), "Lazio", nil, 1.5, int64(2023)},
			})
			chart := filepath.Join(t.TempDir(), "fatturato_per_categoria.png")

			var buf bytes.Buffer
			rows, err := (&Reporter{Engine: e}).Run(context.Background(), store, chart, &buf)
			require.NoError(t, err)
			assert.Equal(t, []CategoryRevenue{
				{Category: "X", Revenue: 100},
				{Category: "Y", Revenue: 50},
				{Category: UnknownCategory, Revenue: 1.5},
			}, rows)
			assertPNG(t, chart)
			assert.Contains(t, buf.String(), "X")
		})
	}
}

func TestRun_EmptyStoreGivesEmptyChart(t *testing.T) {
	chart := filepath.Join(t.TempDir(), "chart.png")
	// No engine is needed when there is nothing to read.
	rows, err := (&Reporter{}).Run(context.Background(), filepath.Join(t.TempDir(), "missing"), chart, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assertPNG(t, chart)
}

func TestSort_TiesByCategory(t *testing.T) {
	rows := []CategoryRevenue{{"b", 5}, {"a", 5}, {"c", 9}}
	Sort(rows)
	assert.Equal(t, []CategoryRevenue{{"c", 9}, {"a", 5}, {"b", 5}}, rows)
}

func TestWriteTable_ThousandsSeparators(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, []CategoryRevenue{{"Elettronica", 1234567.5}}, language.Italian))
	assert.Contains(t, buf.String(), "1.234.567,50")

	buf.Reset()
	require.NoError(t, WriteTable(&buf, []CategoryRevenue{{"Home", 1234567.5}}, language.English))
	assert.Contains(t, buf.String(), "1,234,567.50")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}
