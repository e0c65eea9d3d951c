package batch

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megashop/internal/engine"
	"megashop/internal/engine/duckdb"
	"megashop/internal/engine/memory"
)

func writeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func engines(t *testing.T) []engine.Engine {
	t.Helper()
	dd, err := duckdb.New(context.Background(), engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dd.Close() })
	return []engine.Engine{memory.New(engine.Options{Workers: 2}), dd}
}

func TestListArrivalUnits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.jsonl", `{}`)
	writeFile(t, dir, "a.jsonl", `{}`)
	writeFile(t, dir, "notes.txt", `x`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jsonl"), 0o755))

	got, err := ListArrivalUnits(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.jsonl"), filepath.Join(dir, "b.jsonl")}, got)

	_, err = ListArrivalUnits(filepath.Join(dir, "missing"), ".jsonl")
	require.Error(t, err)
}

func TestEmptyDirectory_ZeroSumEmptyMeans(t *testing.T) {
	for _, e := range engines(t) {
		t.Run(e.Name(), func(t *testing.T) {
			a := &Aggregator{Engine: e}
			total, err := a.TotalAmount(context.Background(), t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, 0.0, total)

			means, err := a.MeanAmountByYear(context.Background(), t.TempDir())
			require.NoError(t, err)
			assert.Empty(t, means)
		})
	}
}

func TestAggregations_MissingFieldsAreNull(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_1.jsonl",
		`{"amount": 10, "year": 2021, "region_id": 1}`,
		`{"year": 2021}`,
		`{"amount": 30, "year": 2021}`,
		``,
		`{"amount": 5}`,
	)
	writeFile(t, dir, "sales_2.jsonl", `{"amount": 7.5, "year": 2020, "payment_type": "card"}`)

	for _, e := range engines(t) {
		t.Run(e.Name(), func(t *testing.T) {
			a := &Aggregator{Engine: e}
			total, err := a.TotalAmount(context.Background(), dir)
			require.NoError(t, err)
			assert.InDelta(t, 52.5, total, Tolerance)

			means, err := a.MeanAmountByYear(context.Background(), dir)
			require.NoError(t, err)
			require.Len(t, means, 2)
			assert.Equal(t, int64(2020), means[0].Year)
			assert.InDelta(t, 7.5, means[0].Mean, Tolerance)
			assert.Equal(t, int64(2021), means[1].Year)
			assert.InDelta(t, 20.0, means[1].Mean, Tolerance)
		})
	}
}

func TestMalformedLineFailsRun(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		mean  bool
	}{
		{"not json", []string{`{"amount": 1, "year": 2021}`, `not json`}, false},
		{"fractional year", []string{`{"amount": 1, "year": 2021}`, `{"amount": 1, "year": 2021.5}`}, true},
		{"bool amount", []string{`{"amount": 1, "year": 2021}`, `{"amount": true, "year": 2021}`}, false},
		{"object amount", []string{`{"amount": {"v": 1}, "year": 2021}`}, false},
		{"text year", []string{`{"amount": 1, "year": "last"}`}, true},
	}
	for _, tc := range tests {
		dir := t.TempDir()
		writeFile(t, dir, "ok.jsonl", `{"amount": 1, "year": 2021}`)
		writeFile(t, dir, "broken.jsonl", tc.lines...)

		for _, e := range engines(t) {
			t.Run(tc.name+"/"+e.Name(), func(t *testing.T) {
				a := &Aggregator{Engine: e}
				var err error
				if tc.mean {
					_, err = a.MeanAmountByYear(context.Background(), dir)
				} else {
					_, err = a.TotalAmount(context.Background(), dir)
				}
				require.Error(t, err)
			})
		}
	}
}

func TestLenientValuesAgree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jsonl",
		"\ufeff"+`{"amount": 2, "year": 2021}`,
		`{"amount": "3.5", "year": "2021"}`,
		`{"amount": " ", "year": 2022.0}`,
		`{"amount": null, "year": 2022}`,
		`{"amount": 4, "year": null}`,
	)

	var results []Result
	for _, e := range engines(t) {
		res, err := (&Aggregator{Engine: e}).Run(context.Background(), dir)
		require.NoError(t, err, e.Name())
		assert.InDelta(t, 9.5, res.Total, Tolerance, e.Name())
		results = append(results, res)
	}
	require.NoError(t, Agree(results[0], results[1], Tolerance))
	assert.Equal(t, []YearMean{{Year: 2021, Mean: 2.75}}, results[0].Means)
}

func TestEnginesAgree(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(42))
	for f := 0; f < 5; f++ {
		var lines []string
		for i := 0; i < 400; i++ {
			year := 2018 + rng.Intn(6)
			amount := float64(rng.Intn(1_000_000)) / 100
			switch rng.Intn(20) {
			case 0:
				lines = append(lines, fmt.Sprintf(`{"year": %d, "region_id": %d}`, year, rng.Intn(10)))
			case 1:
				lines = append(lines, fmt.Sprintf(`{"amount": %.2f}`, amount))
			default:
				lines = append(lines, fmt.Sprintf(`{"amount": %.2f, "year": %d, "region_id": %d}`, amount, year, rng.Intn(10)))
			}
		}
		writeFile(t, dir, fmt.Sprintf("sales_%03d.jsonl", f), lines...)
	}

	var results []Result
	for _, e := range engines(t) {
		res, err := (&Aggregator{Engine: e}).Run(context.Background(), dir)
		require.NoError(t, err, e.Name())
		results = append(results, res)
	}
	require.NoError(t, Agree(results[0], results[1], Tolerance))
	assert.NotEmpty(t, results[0].Means)
}

func TestAgree_ReportsDifferences(t *testing.T) {
	a := Result{Engine: "memory", Total: 10, Means: []YearMean{{2020, 1}}}
	b := Result{Engine: "duckdb", Total: 10, Means: []YearMean{{2020, 1.1}}}
	err := Agree(a, b, Tolerance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2020")

	b.Means = nil
	require.Error(t, Agree(a, b, Tolerance))

	b = a
	b.Total = 10 + 1e-9
	require.NoError(t, Agree(a, b, Tolerance))
}

func TestAggregator_RequiresEngine(t *testing.T) {
	_, err := (&Aggregator{}).TotalAmount(context.Background(), t.TempDir())
	require.Error(t, err)
}
