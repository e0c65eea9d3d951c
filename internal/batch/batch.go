// Package batch aggregates the JSONL arrival units: total amount and mean
// amount per year, on any engine.
package batch

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"megashop/internal/engine"
	"megashop/internal/metrics"
)

// Schema is the subset of an event record the aggregations read.
var Schema = []engine.Column{
	{Name: "amount", Kind: engine.KindFloat},
	{Name: "year", Kind: engine.KindInt},
}

// DefaultSuffix selects arrival units.
const DefaultSuffix = ".jsonl"

// Tolerance is the maximum difference allowed between engines.
const Tolerance = 1e-6

// ListArrivalUnits returns every regular file in dir whose name ends with
// suffix. The result is sorted for stable logs; callers must not rely on it.
//
// Errors:
//   - A missing or unreadable dir is an error.
func ListArrivalUnits(dir, suffix string) ([]string, error) {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list arrival units: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// YearMean is one row of MeanAmountByYear.
type YearMean struct {
	Year int64
	Mean float64
}

// Aggregator runs the batch aggregations on Engine.
type Aggregator struct {
	Engine engine.Engine
	// Suffix selects arrival units; empty means ".jsonl".
	Suffix string
	Logger engine.Logger
}

func (a *Aggregator) logger() func(string, ...any) {
	if a.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return a.Logger.Printf
}

func (a *Aggregator) read(ctx context.Context, dir string) (engine.Relation, int, error) {
	if a.Engine == nil {
		return nil, 0, fmt.Errorf("batch: Engine is required")
	}
	files, err := ListArrivalUnits(dir, a.Suffix)
	if err != nil {
		return nil, 0, err
	}
	r, err := a.Engine.ReadJSONLines(ctx, files, Schema)
	if err != nil {
		return nil, 0, fmt.Errorf("batch read: %w", err)
	}
	return r, len(files), nil
}

// TotalAmount is the sum of amount over every record of every arrival unit.
// Records without amount are ignored; zero files yield 0.
func (a *Aggregator) TotalAmount(ctx context.Context, dir string) (total float64, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("batch_total", start, err) }()

	r, nfiles, err := a.read(ctx, dir)
	if err != nil {
		return 0, err
	}
	agg, err := a.Engine.Aggregate(r, nil, engine.Sum("amount", "total_amount"))
	if err != nil {
		return 0, fmt.Errorf("batch total: %w", err)
	}
	t, err := a.Engine.Collect(ctx, agg)
	if err != nil {
		return 0, fmt.Errorf("batch total: %w", err)
	}
	if t.Len() != 1 {
		return 0, fmt.Errorf("batch total: expected one row, got %d", t.Len())
	}
	total, _ = t.Rows[0][0].(float64)
	a.logger()("stage=batch_total engine=%s files=%d total=%.6f duration=%s",
		a.Engine.Name(), nfiles, total, time.Since(start))
	return total, nil
}

// MeanAmountByYear is the mean of amount grouped by year, sorted by year.
// Records without year are dropped, as are years with no amount at all.
func (a *Aggregator) MeanAmountByYear(ctx context.Context, dir string) (out []YearMean, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("batch_mean", start, err) }()

	r, nfiles, err := a.read(ctx, dir)
	if err != nil {
		return nil, err
	}
	agg, err := a.Engine.Aggregate(r, []string{"year"}, engine.Mean("amount", "mean_amount"))
	if err != nil {
		return nil, fmt.Errorf("batch mean: %w", err)
	}
	t, err := a.Engine.Collect(ctx, agg)
	if err != nil {
		return nil, fmt.Errorf("batch mean: %w", err)
	}

	out = make([]YearMean, 0, t.Len())
	for _, row := range t.Rows {
		year, ok := row[0].(int64)
		if !ok {
			continue
		}
		mean, ok := row[1].(float64)
		if !ok {
			continue
		}
		out = append(out, YearMean{Year: year, Mean: mean})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	metrics.RecordRecords("aggregated", int64(len(out)))
	a.logger()("stage=batch_mean engine=%s files=%d years=%d duration=%s",
		a.Engine.Name(), nfiles, len(out), time.Since(start))
	return out, nil
}

// Result bundles both aggregations from one engine.
type Result struct {
	Engine   string
	Total    float64
	Means    []YearMean
	Duration time.Duration
}

// Run computes both aggregations.
func (a *Aggregator) Run(ctx context.Context, dir string) (Result, error) {
	start := time.Now()
	total, err := a.TotalAmount(ctx, dir)
	if err != nil {
		return Result{}, err
	}
	means, err := a.MeanAmountByYear(ctx, dir)
	if err != nil {
		return Result{}, err
	}
	return Result{Engine: a.Engine.Name(), Total: total, Means: means, Duration: time.Since(start)}, nil
}

// Agree returns an error describing the first difference between a and b
// larger than tol.
func Agree(a, b Result, tol float64) error {
	if math.Abs(a.Total-b.Total) > tol {
		return fmt.Errorf("total differs: %s=%.9f %s=%.9f", a.Engine, a.Total, b.Engine, b.Total)
	}
	if len(a.Means) != len(b.Means) {
		return fmt.Errorf("year count differs: %s=%d %s=%d", a.Engine, len(a.Means), b.Engine, len(b.Means))
	}
	for i := range a.Means {
		x, y := a.Means[i], b.Means[i]
		if x.Year != y.Year {
			return fmt.Errorf("years differ at %d: %s=%d %s=%d", i, a.Engine, x.Year, b.Engine, y.Year)
		}
		if math.Abs(x.Mean-y.Mean) > tol {
			return fmt.Errorf("mean for %d differs: %s=%.9f %s=%.9f", x.Year, a.Engine, x.Mean, b.Engine, y.Mean)
		}
	}
	return nil
}
