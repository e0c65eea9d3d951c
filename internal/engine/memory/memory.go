// Package memory is the eager engine: every operation materializes an
// *engine.Table immediately.
package memory

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"megashop/internal/columnar"
	"megashop/internal/config"
	"megashop/internal/engine"
	pjson "megashop/internal/parser/json"
	"megashop/internal/transformer"
)

// Kind is the registry name of this engine.
const Kind = config.EngineMemory

func init() {
	engine.Register(Kind, func(opts engine.Options) (engine.Engine, error) {
		return New(opts), nil
	})
}

// Engine is the eager engine. It is safe for concurrent use.
type Engine struct {
	logger  engine.Logger
	workers int
	json    config.Options
}

// New returns an eager engine.
func New(opts engine.Options) *Engine {
	l := opts.Logger
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	return &Engine{logger: l, workers: opts.Workers, json: opts.JSON}
}

type relation struct{ t *engine.Table }

func (r relation) Columns() []engine.Column { return r.t.Columns }

func (e *Engine) Name() string { return Kind }

func (e *Engine) Close() error { return nil }

func table(r engine.Relation) (*engine.Table, error) {
	rel, ok := r.(relation)
	if !ok {
		return nil, fmt.Errorf("memory: %w (%T)", engine.ErrForeignRelation, r)
	}
	return rel.t, nil
}

// ReadJSONLines decodes files in parallel and concatenates them in order.
// Values are coerced to the schema kinds.
//
// Errors:
//   - A malformed line fails the whole read with a file:line parse error.
//   - A value that does not fit its column kind fails with file:line too.
func (e *Engine) ReadJSONLines(ctx context.Context, files []string, schema []engine.Column) (engine.Relation, error) {
	start := time.Now()
	parts := make([][][]any, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if e.workers > 0 {
		g.SetLimit(e.workers)
	}
	for i, path := range files {
		g.Go(func() error {
			rows, err := e.readJSONFile(gctx, path, schema)
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t := &engine.Table{Columns: append([]engine.Column(nil), schema...)}
	for _, p := range parts {
		t.Rows = append(t.Rows, p...)
	}
	e.logger.Printf("stage=read_jsonl engine=memory files=%d rows=%d duration=%s", len(files), len(t.Rows), time.Since(start))
	return relation{t}, nil
}

func (e *Engine) readJSONFile(ctx context.Context, path string, schema []engine.Column) ([][]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := make(chan *transformer.Row, 256)
	errc := make(chan error, 1)
	go func() {
		errc <- pjson.StreamRows(ctx, f, path, engine.ColumnNames(schema), e.json, out)
		close(out)
	}()

	var rows [][]any
	var convErr error
	for r := range out {
		if convErr == nil {
			v := append([]any(nil), r.V...)
			if err := transformer.CoerceRow(v, schema); err != nil {
				convErr = fmt.Errorf("%s:%d: %w", path, r.Line, err)
			} else {
				rows = append(rows, v)
			}
		}
		r.Free()
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	if convErr != nil {
		return nil, convErr
	}
	return rows, nil
}

func (e *Engine) ReadParquet(ctx context.Context, files []string) (engine.Relation, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("memory: read parquet: no files")
	}
	t, err := columnar.ReadFiles(ctx, files, e.workers)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("stage=read_parquet engine=memory files=%d rows=%d", len(files), len(t.Rows))
	return relation{t}, nil
}

func (e *Engine) ReadPartitioned(ctx context.Context, dir string) (engine.Relation, error) {
	t, err := columnar.ReadPartitioned(ctx, dir, e.workers)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("stage=read_partitioned engine=memory dir=%s rows=%d", dir, len(t.Rows))
	return relation{t}, nil
}

// Join is a hash left outer join on one key column.
func (e *Engine) Join(left, right engine.Relation, on string) (engine.Relation, error) {
	lt, err := table(left)
	if err != nil {
		return nil, err
	}
	rt, err := table(right)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(lt.Columns, on); err != nil {
		return nil, fmt.Errorf("join left: %w", err)
	}
	if err := engine.CheckColumns(rt.Columns, on); err != nil {
		return nil, fmt.Errorf("join right: %w", err)
	}
	li, ri := lt.Index(on), rt.Index(on)
	cols, extra := engine.JoinColumns(lt.Columns, rt.Columns, on)

	index := make(map[string][]int, len(rt.Rows))
	for i, row := range rt.Rows {
		if k, ok := joinKey(row[ri]); ok {
			index[k] = append(index[k], i)
		}
	}

	out := &engine.Table{Columns: cols, Rows: make([][]any, 0, len(lt.Rows))}
	for _, lrow := range lt.Rows {
		var matches []int
		if k, ok := joinKey(lrow[li]); ok {
			matches = index[k]
		}
		if len(matches) == 0 {
			row := make([]any, len(cols))
			copy(row, lrow)
			out.Rows = append(out.Rows, row)
			continue
		}
		for _, m := range matches {
			row := make([]any, len(cols))
			copy(row, lrow)
			for j, rc := range extra {
				row[len(lrow)+j] = rt.Rows[m][rc]
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return relation{out}, nil
}

// joinKey renders a key value so that 7, 7.0 and "7" from different sources
// match. NULL never matches.
func joinKey(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case string:
		return t, true
	default:
		return fmt.Sprint(t), true
	}
}

func (e *Engine) Project(r engine.Relation, columns ...string) (engine.Relation, error) {
	t, err := table(r)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(t.Columns, columns...); err != nil {
		return nil, err
	}
	idx := make([]int, len(columns))
	cols := make([]engine.Column, len(columns))
	for i, name := range columns {
		idx[i] = t.Index(name)
		cols[i] = t.Columns[idx[i]]
	}
	out := &engine.Table{Columns: cols, Rows: make([][]any, len(t.Rows))}
	for i, row := range t.Rows {
		nr := make([]any, len(idx))
		for j, p := range idx {
			nr[j] = row[p]
		}
		out.Rows[i] = nr
	}
	return relation{out}, nil
}

type accum struct {
	sum   float64
	count int64
	rows  int64
}

// Aggregate groups rows by groupBy. Output groups keep first-seen order.
func (e *Engine) Aggregate(r engine.Relation, groupBy []string, aggs ...engine.Aggregation) (engine.Relation, error) {
	t, err := table(r)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(t.Columns, groupBy...); err != nil {
		return nil, err
	}
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		aggIdx[i] = -1
		if a.Column == "" {
			if a.Func != engine.AggCount {
				return nil, fmt.Errorf("memory: %s needs a column", a.Func)
			}
			continue
		}
		if err := engine.CheckColumns(t.Columns, a.Column); err != nil {
			return nil, err
		}
		aggIdx[i] = t.Index(a.Column)
	}

	gIdx := make([]int, len(groupBy))
	cols := make([]engine.Column, 0, len(groupBy)+len(aggs))
	for i, g := range groupBy {
		gIdx[i] = t.Index(g)
		cols = append(cols, t.Columns[gIdx[i]])
	}
	for _, a := range aggs {
		cols = append(cols, engine.Column{Name: a.OutputName(), Kind: a.OutputKind()})
	}

	type group struct {
		key []any
		acc []accum
	}
	var order []*group
	groups := map[string]*group{}
	if len(groupBy) == 0 {
		g := &group{acc: make([]accum, len(aggs))}
		order = append(order, g)
		groups[""] = g
	}

	for _, row := range t.Rows {
		key := make([]any, len(gIdx))
		for i, p := range gIdx {
			key[i] = row[p]
		}
		gk := groupKey(key)
		g, ok := groups[gk]
		if !ok {
			g = &group{key: key, acc: make([]accum, len(aggs))}
			groups[gk] = g
			order = append(order, g)
		}
		for i, p := range aggIdx {
			g.acc[i].rows++
			if p < 0 || row[p] == nil {
				continue
			}
			g.acc[i].count++
			if f, ok := toFloat(row[p]); ok {
				g.acc[i].sum += f
			}
		}
	}

	out := &engine.Table{Columns: cols, Rows: make([][]any, 0, len(order))}
	for _, g := range order {
		row := make([]any, 0, len(cols))
		row = append(row, g.key...)
		for i, a := range aggs {
			acc := g.acc[i]
			switch a.Func {
			case engine.AggSum:
				row = append(row, acc.sum)
			case engine.AggMean:
				if acc.count == 0 {
					row = append(row, nil)
				} else {
					row = append(row, acc.sum/float64(acc.count))
				}
			case engine.AggCount:
				if aggIdx[i] < 0 {
					row = append(row, acc.rows)
				} else {
					row = append(row, acc.count)
				}
			default:
				return nil, fmt.Errorf("memory: unsupported aggregate %s", a.Func)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return relation{out}, nil
}

// groupKey distinguishes NULL from every value, including the string "NULL".
func groupKey(key []any) string {
	b := make([]byte, 0, 32)
	for _, v := range key {
		if v == nil {
			b = append(b, 0)
			continue
		}
		s, _ := joinKey(v)
		b = append(b, 1)
		b = append(b, s...)
		b = append(b, 0x1f)
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func (e *Engine) WritePartitioned(ctx context.Context, r engine.Relation, dir string, by string) (engine.WriteResult, error) {
	t, err := table(r)
	if err != nil {
		return engine.WriteResult{}, err
	}
	start := time.Now()
	res, err := columnar.WritePartitioned(ctx, t, dir, by)
	if err != nil {
		return engine.WriteResult{}, err
	}
	e.logger.Printf("stage=write_partitioned engine=memory dir=%s rows=%d partitions=%d duration=%s",
		dir, res.Rows, len(res.Partitions), time.Since(start))
	return res, nil
}

// Collect returns a copy of the relation's table; rows are shared.
func (e *Engine) Collect(ctx context.Context, r engine.Relation) (*engine.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := table(r)
	if err != nil {
		return nil, err
	}
	return &engine.Table{Columns: append([]engine.Column(nil), t.Columns...), Rows: t.Rows}, nil
}

// Table wraps an existing table as a relation of this engine.
func (e *Engine) Table(t *engine.Table) engine.Relation {
	return relation{t}
}
