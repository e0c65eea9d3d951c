// Package etl joins the transaction, product and region relations and writes
// the year-partitioned processed store.
package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"megashop/internal/engine"
	"megashop/internal/metrics"
)

// ErrNoTransactions is returned when no transactions_batch_*.parquet part exists.
var ErrNoTransactions = errors.New("no transaction parts found")

// Input file names under the parquet directory.
const (
	TransactionsGlob = "transactions_batch_*.parquet"
	ProductsFile     = "products.parquet"
	RegionsFile      = "regions.parquet"
)

// PartitionColumn is the hive partition key of the processed store.
const PartitionColumn = "year"

// OutputColumns is the schema of the processed relation, in order.
var OutputColumns = []string{"transaction_id", "region_name", "category", "amount", "year"}

// Inputs are the resolved input files.
type Inputs struct {
	Transactions []string
	Products     string
	Regions      string
}

// ResolveInputs locates the three relations under dir.
//
// Errors:
//   - ErrNoTransactions when the transaction glob matches nothing.
//   - A wrapped fs error when products or regions is missing.
func ResolveInputs(dir string) (Inputs, error) {
	parts, err := filepath.Glob(filepath.Join(dir, TransactionsGlob))
	if err != nil {
		return Inputs{}, err
	}
	if len(parts) == 0 {
		return Inputs{}, fmt.Errorf("%w in %s", ErrNoTransactions, dir)
	}
	sort.Strings(parts)

	in := Inputs{
		Transactions: parts,
		Products:     filepath.Join(dir, ProductsFile),
		Regions:      filepath.Join(dir, RegionsFile),
	}
	for _, p := range []string{in.Products, in.Regions} {
		if _, err := os.Stat(p); err != nil {
			return Inputs{}, fmt.Errorf("etl input: %w", err)
		}
	}
	return in, nil
}

// Result summarizes one run.
type Result struct {
	Rows       int64
	Partitions []string
	Duration   time.Duration
}

// Stage runs the join/transform on Engine.
type Stage struct {
	Engine engine.Engine
	Logger engine.Logger
}

func (s *Stage) logger() func(string, ...any) {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return s.Logger.Printf
}

// Run reads the inputs from parquetDir and replaces processedDir with
//
//	transactions LEFT JOIN products USING (product_id)
//	             LEFT JOIN regions  USING (region_id)
//
// projected to OutputColumns and partitioned by year. Nothing is written when
// any input is missing or unreadable; a failed write leaves the previous
// processed store in place.
func (s *Stage) Run(ctx context.Context, parquetDir, processedDir string) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("etl", start, err) }()
	if s.Engine == nil {
		return Result{}, fmt.Errorf("etl: Engine is required")
	}
	logf := s.logger()

	in, err := ResolveInputs(parquetDir)
	if err != nil {
		return Result{}, err
	}
	logf("stage=etl_inputs engine=%s transactions=%d products=%s regions=%s",
		s.Engine.Name(), len(in.Transactions), in.Products, in.Regions)

	tx, err := s.Engine.ReadParquet(ctx, in.Transactions)
	if err != nil {
		return Result{}, fmt.Errorf("etl read transactions: %w", err)
	}
	products, err := s.Engine.ReadParquet(ctx, []string{in.Products})
	if err != nil {
		return Result{}, fmt.Errorf("etl read products: %w", err)
	}
	regions, err := s.Engine.ReadParquet(ctx, []string{in.Regions})
	if err != nil {
		return Result{}, fmt.Errorf("etl read regions: %w", err)
	}

	joined, err := s.Engine.Join(tx, products, "product_id")
	if err != nil {
		return Result{}, fmt.Errorf("etl join products: %w", err)
	}
	joined, err = s.Engine.Join(joined, regions, "region_id")
	if err != nil {
		return Result{}, fmt.Errorf("etl join regions: %w", err)
	}
	out, err := s.Engine.Project(joined, OutputColumns...)
	if err != nil {
		return Result{}, fmt.Errorf("etl project: %w", err)
	}
	logf("stage=etl_plan columns=%v", engine.ColumnNames(out.Columns()))

	wr, err := s.Engine.WritePartitioned(ctx, out, processedDir, PartitionColumn)
	if err != nil {
		return Result{}, fmt.Errorf("etl write %s: %w", processedDir, err)
	}
	metrics.RecordRecords("written", wr.Rows)

	res = Result{Rows: wr.Rows, Partitions: wr.Partitions, Duration: time.Since(start)}
	logf("stage=etl ok rows=%d partitions=%d duration=%s", res.Rows, len(res.Partitions), res.Duration)
	return res, nil
}
