// Package engine defines the data engine capability used by the batch, ETL and
// report stages.
//
// Two implementations exist:
//   - engine/memory: eager. Every operation materializes its result.
//   - engine/duckdb: deferred. Operations compose SQL and nothing runs until
//     Collect or WritePartitioned.
//
// Stages depend only on the Engine interface, so both implementations are
// interchangeable and are expected to agree on results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownColumn is returned when an operation names a column the relation
// does not have.
var ErrUnknownColumn = errors.New("unknown column")

// ErrForeignRelation is returned when a Relation produced by one engine is
// passed to another.
var ErrForeignRelation = errors.New("relation belongs to a different engine")

// Logger is the minimal logging interface used by engines.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Kind is the logical type of a column.
type Kind int

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config type name to a Kind. Accepted names are the Kind
// strings plus the common SQL aliases (bigint, double, text, boolean).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint", "int64":
		return KindInt, nil
	case "float", "double", "float64", "numeric":
		return KindFloat, nil
	case "string", "text", "varchar":
		return KindString, nil
	case "bool", "boolean":
		return KindBool, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", s)
	}
}

// Column is a named, typed column of a relation.
type Column struct {
	Name string
	Kind Kind
}

// Relation is an engine-owned handle on a (possibly not yet evaluated) table.
// Only the engine that produced a Relation may consume it.
type Relation interface {
	Columns() []Column
}

// Table is a fully materialized relation. Rows are positional and aligned
// with Columns; a nil value is SQL NULL.
//
// Value types per Kind: int64, float64, string, bool.
type Table struct {
	Columns []Column
	Rows    [][]any
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	return ColumnIndex(t.Columns, name)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// ColumnIndex returns the position of name in cols, or -1.
func ColumnIndex(cols []Column, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// AggFunc is an aggregate function.
type AggFunc int

const (
	// AggSum is the sum of non-NULL values as a float. The sum of no values is 0.
	AggSum AggFunc = iota + 1
	// AggMean is the mean of non-NULL values as a float. No values yield NULL.
	AggMean
	// AggCount counts non-NULL values, or rows when Column is empty.
	AggCount
)

func (f AggFunc) String() string {
	switch f {
	case AggSum:
		return "sum"
	case AggMean:
		return "mean"
	case AggCount:
		return "count"
	default:
		return fmt.Sprintf("agg(%d)", int(f))
	}
}

// Aggregation describes one output column of Aggregate.
type Aggregation struct {
	Func   AggFunc
	Column string
	// As names the output column. Empty means "<func>_<column>".
	As string
}

// Sum returns an AggSum aggregation over col.
func Sum(col, as string) Aggregation { return Aggregation{Func: AggSum, Column: col, As: as} }

// Mean returns an AggMean aggregation over col.
func Mean(col, as string) Aggregation { return Aggregation{Func: AggMean, Column: col, As: as} }

// Count returns an AggCount aggregation over col (empty col counts rows).
func Count(col, as string) Aggregation { return Aggregation{Func: AggCount, Column: col, As: as} }

// OutputName returns the column name the aggregation produces.
func (a Aggregation) OutputName() string {
	if a.As != "" {
		return a.As
	}
	if a.Column == "" {
		return a.Func.String()
	}
	return a.Func.String() + "_" + a.Column
}

// OutputKind returns the kind of the aggregation's output column.
func (a Aggregation) OutputKind() Kind {
	if a.Func == AggCount {
		return KindInt
	}
	return KindFloat
}

// WriteResult summarizes a partitioned write.
type WriteResult struct {
	Rows int64
	// Partitions lists the partition directory names ("year=2021"), sorted.
	Partitions []string
}

// Engine is the capability shared by all data engines.
//
// Join is a left outer join on one key column: NULL keys never match, every
// matching right row produces one output row, and non-key right columns whose
// names already exist on the left are not added.
//
// Aggregate with no groupBy always returns exactly one row. NULL group keys
// form their own group.
//
// WritePartitioned replaces dir wholesale. Data is written to a sibling
// staging directory first; dir is only swapped when the write succeeded.
// Partition columns are encoded in directory names (hive layout) and are not
// stored in the data files.
type Engine interface {
	Name() string

	// ReadJSONLines reads newline-delimited JSON files, keeping the schema
	// columns. Missing keys become NULL. Zero files yield an empty relation.
	ReadJSONLines(ctx context.Context, files []string, schema []Column) (Relation, error)
	// ReadParquet reads and concatenates parquet files. At least one file is required.
	ReadParquet(ctx context.Context, files []string) (Relation, error)
	// ReadPartitioned reads every parquet file below dir and restores hive
	// partition columns from directory names.
	ReadPartitioned(ctx context.Context, dir string) (Relation, error)

	Join(left, right Relation, on string) (Relation, error)
	Project(r Relation, columns ...string) (Relation, error)
	Aggregate(r Relation, groupBy []string, aggs ...Aggregation) (Relation, error)

	WritePartitioned(ctx context.Context, r Relation, dir string, by string) (WriteResult, error)
	Collect(ctx context.Context, r Relation) (*Table, error)

	Close() error
}

// CheckColumns returns ErrUnknownColumn naming the first of names missing from cols.
func CheckColumns(cols []Column, names ...string) error {
	for _, n := range names {
		if ColumnIndex(cols, n) < 0 {
			return fmt.Errorf("%w %q (have %s)", ErrUnknownColumn, n, strings.Join(ColumnNames(cols), ", "))
		}
	}
	return nil
}

// JoinColumns returns the output columns of left JOIN right USING (on), and for
// each appended right column its index in right.
func JoinColumns(left, right []Column, on string) ([]Column, []int) {
	out := append([]Column(nil), left...)
	var idx []int
	for i, c := range right {
		if c.Name == on || ColumnIndex(left, c.Name) >= 0 {
			continue
		}
		out = append(out, c)
		idx = append(idx, i)
	}
	return out, idx
}
