// Package columnar reads and writes parquet files for the memory engine and
// the test fixtures, including the hive directory layout
// (dir/year=2023/part-0.parquet) and the staged overwrite used by every
// partitioned write.
package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"megashop/internal/engine"
	"megashop/internal/transformer"
)

const readBatch = 1024

// KindOf maps a parquet leaf type to an engine kind.
func KindOf(t parquet.Type) (engine.Kind, error) {
	if lt := t.LogicalType(); lt != nil && lt.UTF8 != nil {
		return engine.KindString, nil
	}
	switch t.Kind() {
	case parquet.Boolean:
		return engine.KindBool, nil
	case parquet.Int32, parquet.Int64:
		return engine.KindInt, nil
	case parquet.Float, parquet.Double:
		return engine.KindFloat, nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return engine.KindString, nil
	default:
		return 0, fmt.Errorf("unsupported parquet type %s", t)
	}
}

// Columns returns the top-level columns of a parquet schema.
// Nested groups are rejected.
func Columns(schema *parquet.Schema) ([]engine.Column, error) {
	fields := schema.Fields()
	cols := make([]engine.Column, 0, len(fields))
	for _, f := range fields {
		if !f.Leaf() {
			return nil, fmt.Errorf("column %q: nested columns are not supported", f.Name())
		}
		k, err := KindOf(f.Type())
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name(), err)
		}
		cols = append(cols, engine.Column{Name: f.Name(), Kind: k})
	}
	return cols, nil
}

// ReadFile reads one parquet file into a Table.
func ReadFile(ctx context.Context, path string) (*engine.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	cols, err := Columns(pf.Schema())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	reader := parquet.NewGenericReader[map[string]any](pf, pf.Schema())
	defer func() { _ = reader.Close() }()

	t := &engine.Table{Columns: cols, Rows: make([][]any, 0, pf.NumRows())}
	buf := make([]map[string]any, readBatch)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range buf {
			buf[i] = make(map[string]any, len(cols))
		}
		n, rerr := reader.Read(buf)
		if rerr != nil && rerr != io.EOF {
			return nil, fmt.Errorf("read parquet rows %s: %w", path, rerr)
		}
		for i := 0; i < n; i++ {
			row := make([]any, len(cols))
			for j, c := range cols {
				row[j] = buf[i][c.Name]
			}
			if err := transformer.CoerceRow(row, cols); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			t.Rows = append(t.Rows, row)
		}
		if rerr == io.EOF || n == 0 {
			break
		}
	}
	return t, nil
}

// ReadFiles reads paths in parallel (at most workers at a time, 0 means no
// limit) and concatenates them in the given order.
//
// Columns are the union of all file schemas in first-seen order; a column
// missing from a file is NULL there. A column that is int in one file and
// float in another becomes float.
//
// Errors:
//   - Any unreadable file aborts the read.
//   - The same column with otherwise incompatible kinds is an error.
func ReadFiles(ctx context.Context, paths []string, workers int) (*engine.Table, error) {
	tables, err := readTables(ctx, paths, workers)
	if err != nil {
		return nil, err
	}
	return Concat(tables, paths)
}

func readTables(ctx context.Context, paths []string, workers int) ([]*engine.Table, error) {
	tables := make([]*engine.Table, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, p := range paths {
		g.Go(func() error {
			t, err := ReadFile(gctx, p)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

// Concat unions tables as described on ReadFiles. names label tables in
// error messages and may be nil.
func Concat(tables []*engine.Table, names []string) (*engine.Table, error) {
	label := func(i int) string {
		if i < len(names) {
			return names[i]
		}
		return fmt.Sprintf("table %d", i)
	}

	var cols []engine.Column
	for i, t := range tables {
		for _, c := range t.Columns {
			j := engine.ColumnIndex(cols, c.Name)
			switch {
			case j < 0:
				cols = append(cols, c)
			case cols[j].Kind == c.Kind:
			case isNumeric(cols[j].Kind) && isNumeric(c.Kind):
				cols[j].Kind = engine.KindFloat
			default:
				return nil, fmt.Errorf("column %q is %s in %s but %s earlier", c.Name, c.Kind, label(i), cols[j].Kind)
			}
		}
	}

	total := 0
	for _, t := range tables {
		total += len(t.Rows)
	}
	out := &engine.Table{Columns: cols, Rows: make([][]any, 0, total)}
	for _, t := range tables {
		pos := make([]int, len(cols))
		for j, c := range cols {
			pos[j] = t.Index(c.Name)
		}
		for _, src := range t.Rows {
			row := make([]any, len(cols))
			for j, p := range pos {
				if p < 0 {
					continue
				}
				v := src[p]
				if n, ok := v.(int64); ok && cols[j].Kind == engine.KindFloat {
					v = float64(n)
				}
				row[j] = v
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func isNumeric(k engine.Kind) bool { return k == engine.KindInt || k == engine.KindFloat }

// ListParquet returns every *.parquet file below dir, sorted. A missing dir
// yields no files and no error.
func ListParquet(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// WriteFile writes t as a single parquet file at path. Columns keep the order
// of t.Columns and every column is optional so NULLs round-trip.
func WriteFile(path string, t *engine.Table) (err error) {
	rowType, err := rowTypeOf(t.Columns)
	if err != nil {
		return err
	}
	schema := parquet.SchemaOf(reflect.New(rowType).Interface())

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w := parquet.NewWriter(f, schema, parquet.Compression(&parquet.Snappy))
	for i, src := range t.Rows {
		row := reflect.New(rowType)
		for j, c := range t.Columns {
			if j >= len(src) || src[j] == nil {
				continue
			}
			v, cerr := transformer.Coerce(src[j], c.Kind)
			if cerr != nil {
				return fmt.Errorf("write parquet %s: row %d: column %q: %w", path, i, c.Name, cerr)
			}
			if v == nil {
				continue
			}
			ptr := reflect.New(rowType.Field(j).Type.Elem())
			ptr.Elem().Set(reflect.ValueOf(v))
			row.Elem().Field(j).Set(ptr)
		}
		if err := w.Write(row.Interface()); err != nil {
			return fmt.Errorf("write parquet rows %s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer %s: %w", path, err)
	}
	return nil
}

// rowTypeOf builds a struct type with one pointer field per column, in
// column order, tagged with the column name. parquet.Group would sort the
// columns by name.
func rowTypeOf(cols []engine.Column) (reflect.Type, error) {
	fields := make([]reflect.StructField, len(cols))
	for i, c := range cols {
		if c.Name == "" || strings.ContainsAny(c.Name, ",`\"") {
			return nil, fmt.Errorf("column %q: name cannot be stored in parquet", c.Name)
		}
		gt, err := goTypeOf(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields[i] = reflect.StructField{
			Name: fmt.Sprintf("C%d", i),
			Type: reflect.PointerTo(gt),
			Tag:  reflect.StructTag(fmt.Sprintf(`parquet:"%s"`, c.Name)),
		}
	}
	return reflect.StructOf(fields), nil
}

func goTypeOf(k engine.Kind) (reflect.Type, error) {
	switch k {
	case engine.KindInt:
		return reflect.TypeOf(int64(0)), nil
	case engine.KindFloat:
		return reflect.TypeOf(float64(0)), nil
	case engine.KindString:
		return reflect.TypeOf(""), nil
	case engine.KindBool:
		return reflect.TypeOf(false), nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", k)
	}
}
