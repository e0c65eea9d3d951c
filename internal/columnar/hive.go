package columnar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"megashop/internal/engine"
)

// NullPartition is the directory value written for a NULL partition key.
// "__HIVE_DEFAULT_PARTITION__" is accepted as NULL when reading.
const NullPartition = "NULL"

const hiveDefaultPartition = "__HIVE_DEFAULT_PARTITION__"

// ErrNoFiles is returned by ReadPartitioned when dir holds no parquet files.
var ErrNoFiles = errors.New("no parquet files")

// ReadPartitioned reads every parquet file below dir and appends the hive
// partition columns found in the directory names after the data columns.
//
// Partition value kinds are inferred across all files: int when every
// non-NULL value parses as an integer, float when every value is numeric,
// string otherwise.
func ReadPartitioned(ctx context.Context, dir string, workers int) (*engine.Table, error) {
	files, err := ListParquet(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoFiles, dir)
	}

	type partKV struct{ key, val string }
	parts := make([][]partKV, len(files))
	var keys []string
	for i, f := range files {
		rel, err := filepath.Rel(dir, filepath.Dir(f))
		if err != nil {
			return nil, err
		}
		if rel == "." {
			continue
		}
		for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
			k, v, ok := strings.Cut(seg, "=")
			if !ok || k == "" {
				continue
			}
			if uv, err := url.PathUnescape(v); err == nil {
				v = uv
			}
			parts[i] = append(parts[i], partKV{k, v})
			if !contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}

	tables, err := readTables(ctx, files, workers)
	if err != nil {
		return nil, err
	}

	partCols := make([]engine.Column, len(keys))
	for ki, k := range keys {
		var vals []string
		for i := range files {
			for _, kv := range parts[i] {
				if kv.key == k && !isNullPartition(kv.val) {
					vals = append(vals, kv.val)
				}
			}
		}
		partCols[ki] = engine.Column{Name: k, Kind: inferKind(vals)}
	}

	for i, t := range tables {
		for _, pc := range partCols {
			if t.Index(pc.Name) >= 0 {
				return nil, fmt.Errorf("partition column %q also stored in %s", pc.Name, files[i])
			}
		}
		extra := make([]any, len(keys))
		for ki, pc := range partCols {
			for _, kv := range parts[i] {
				if kv.key == pc.Name && !isNullPartition(kv.val) {
					extra[ki] = parseTyped(kv.val, pc.Kind)
				}
			}
		}
		t.Columns = append(t.Columns, partCols...)
		for r := range t.Rows {
			t.Rows[r] = append(t.Rows[r], extra...)
		}
	}
	return Concat(tables, files)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func isNullPartition(v string) bool {
	return v == NullPartition || v == hiveDefaultPartition
}

func inferKind(vals []string) engine.Kind {
	if len(vals) == 0 {
		return engine.KindString
	}
	allInt, allNum := true, true
	for _, v := range vals {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			allInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			allNum = false
		}
	}
	switch {
	case allInt:
		return engine.KindInt
	case allNum:
		return engine.KindFloat
	default:
		return engine.KindString
	}
}

func parseTyped(v string, k engine.Kind) any {
	switch k {
	case engine.KindInt:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case engine.KindFloat:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return v
	}
}

// FormatPartitionValue renders v as a hive directory value.
func FormatPartitionValue(v any) string {
	switch t := v.(type) {
	case nil:
		return NullPartition
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return url.PathEscape(t)
	default:
		return url.PathEscape(fmt.Sprint(t))
	}
}

// WritePartitioned replaces dir with t split by column `by`, one
// part-0.parquet per partition. The partition column is not stored in the
// data files.
func WritePartitioned(ctx context.Context, t *engine.Table, dir, by string) (engine.WriteResult, error) {
	byIdx := t.Index(by)
	if byIdx < 0 {
		return engine.WriteResult{}, engine.CheckColumns(t.Columns, by)
	}

	dataCols := make([]engine.Column, 0, len(t.Columns)-1)
	for i, c := range t.Columns {
		if i != byIdx {
			dataCols = append(dataCols, c)
		}
	}

	groups := map[string]*engine.Table{}
	for _, row := range t.Rows {
		key := FormatPartitionValue(row[byIdx])
		g, ok := groups[key]
		if !ok {
			g = &engine.Table{Columns: dataCols}
			groups[key] = g
		}
		data := make([]any, 0, len(dataCols))
		data = append(data, row[:byIdx]...)
		data = append(data, row[byIdx+1:]...)
		g.Rows = append(g.Rows, data)
	}

	res := engine.WriteResult{Rows: int64(len(t.Rows))}
	err := ReplaceDir(dir, func(staging string) error {
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return err
		}
		for key, g := range groups {
			if err := ctx.Err(); err != nil {
				return err
			}
			pdir := filepath.Join(staging, by+"="+key)
			if err := os.MkdirAll(pdir, 0o755); err != nil {
				return err
			}
			if err := WriteFile(filepath.Join(pdir, "part-0.parquet"), g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return engine.WriteResult{}, err
	}
	res.Partitions, err = ListPartitions(dir)
	return res, err
}

// ReplaceDir builds new content for target in a sibling staging directory and
// swaps it into place only when build succeeds. On any failure the previous
// target is left untouched.
//
// build receives the staging path, which does not exist yet.
func ReplaceDir(target string, build func(staging string) error) error {
	target = filepath.Clean(target)
	parent, base := filepath.Dir(target), filepath.Base(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	id := uuid.NewString()
	staging := filepath.Join(parent, "."+base+".staging-"+id)
	backup := filepath.Join(parent, "."+base+".old-"+id)

	if err := build(staging); err != nil {
		return multierror.Append(err, os.RemoveAll(staging)).ErrorOrNil()
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}

	hadOld := true
	if err := os.Rename(target, backup); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return multierror.Append(fmt.Errorf("move aside %s: %w", target, err), os.RemoveAll(staging)).ErrorOrNil()
		}
		hadOld = false
	}
	if err := os.Rename(staging, target); err != nil {
		merr := multierror.Append(fmt.Errorf("swap %s: %w", target, err), os.RemoveAll(staging))
		if hadOld {
			merr = multierror.Append(merr, os.Rename(backup, target))
		}
		return merr.ErrorOrNil()
	}
	if hadOld {
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("remove previous output %s: %w", backup, err)
		}
	}
	return nil
}

// ListPartitions returns the sorted names of the partition directories
// directly below dir.
func ListPartitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), "=") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
