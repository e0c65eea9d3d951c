package columnar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megashop/internal/engine"
)

func salesTable() *engine.Table {
	return &engine.Table{
		Columns: []engine.Column{
			{Name: "transaction_id", Kind: engine.KindInt},
			{Name: "category", Kind: engine.KindString},
			{Name: "amount", Kind: engine.KindFloat},
			{Name: "year", Kind: engine.KindInt},
		},
		Rows: [][]any{
			{int64(1), "Casa", 10.5, int64(2022)},
			{int64(2), nil, 4.0, int64(2023)},
			{int64(3), "Sport", nil, int64(2022)},
			{int64(4), "Casa", 1.0, nil},
		},
	}
}

func rowsByID(t *testing.T, tbl *engine.Table) map[int64]map[string]any {
	t.Helper()
	idx := tbl.Index("transaction_id")
	require.GreaterOrEqual(t, idx, 0)
	out := map[int64]map[string]any{}
	for _, r := range tbl.Rows {
		m := map[string]any{}
		for j, c := range tbl.Columns {
			m[c.Name] = r[j]
		}
		out[r[idx].(int64)] = m
	}
	return out
}

func TestWriteFileReadFile_RoundTripsNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.parquet")
	require.NoError(t, WriteFile(path, salesTable()))

	got, err := ReadFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 4, got.Len())
	assert.Equal(t, []string{"transaction_id", "category", "amount", "year"}, engine.ColumnNames(got.Columns),
		"columns keep the table order")

	byID := rowsByID(t, got)
	assert.Equal(t, "Casa", byID[1]["category"])
	assert.Nil(t, byID[2]["category"])
	assert.Nil(t, byID[3]["amount"])
	assert.Nil(t, byID[4]["year"])
	assert.Equal(t, 10.5, byID[1]["amount"])
	assert.Equal(t, int64(2023), byID[2]["year"])
}

func TestReadFiles_UnionsSchemasAndPromotesNumbers(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.parquet")
	b := filepath.Join(dir, "b.parquet")
	require.NoError(t, WriteFile(a, &engine.Table{
		Columns: []engine.Column{{Name: "id", Kind: engine.KindInt}, {Name: "amount", Kind: engine.KindInt}},
		Rows:    [][]any{{int64(1), int64(5)}},
	}))
	require.NoError(t, WriteFile(b, &engine.Table{
		Columns: []engine.Column{{Name: "id", Kind: engine.KindInt}, {Name: "amount", Kind: engine.KindFloat}, {Name: "note", Kind: engine.KindString}},
		Rows:    [][]any{{int64(2), 2.5, "x"}},
	}))

	got, err := ReadFiles(context.Background(), []string{a, b}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "amount", "note"}, engine.ColumnNames(got.Columns))
	assert.Equal(t, engine.KindFloat, got.Columns[got.Index("amount")].Kind)

	ai, ni := got.Index("amount"), got.Index("note")
	require.Equal(t, 2, got.Len())
	assert.Equal(t, 5.0, got.Rows[0][ai], "file order is kept")
	assert.Nil(t, got.Rows[0][ni])
	assert.Equal(t, 2.5, got.Rows[1][ai])
	assert.Equal(t, "x", got.Rows[1][ni])
}

func TestWriteFile_Errors(t *testing.T) {
	dir := t.TempDir()

	err := WriteFile(filepath.Join(dir, "a.parquet"), &engine.Table{
		Columns: []engine.Column{{Name: "a,b", Kind: engine.KindInt}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a,b"`)

	err = WriteFile(filepath.Join(dir, "b.parquet"), &engine.Table{
		Columns: []engine.Column{{Name: "year", Kind: engine.KindInt}},
		Rows:    [][]any{{"twenty"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `column "year"`)
}

func TestReadFiles_MissingFileFails(t *testing.T) {
	_, err := ReadFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.parquet")}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWritePartitioned_HiveLayoutAndReadBack(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "processed_sales")
	res, err := WritePartitioned(context.Background(), salesTable(), dir, "year")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, []string{"year=2022", "year=2023", "year=NULL"}, res.Partitions)

	files, err := ListParquet(dir)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	// The partition column lives in the path only.
	one, err := ReadFile(context.Background(), filepath.Join(dir, "year=2022", "part-0.parquet"))
	require.NoError(t, err)
	assert.Equal(t, -1, one.Index("year"))

	assert.Equal(t, []string{"transaction_id", "category", "amount"}, engine.ColumnNames(one.Columns))

	got, err := ReadPartitioned(context.Background(), dir, 0)
	require.NoError(t, err)
	yi := got.Index("year")
	require.Equal(t, len(got.Columns)-1, yi, "partition column is appended last")
	assert.Equal(t, engine.KindInt, got.Columns[yi].Kind)

	byID := rowsByID(t, got)
	assert.Equal(t, int64(2022), byID[1]["year"])
	assert.Equal(t, int64(2023), byID[2]["year"])
	assert.Nil(t, byID[4]["year"])
}

func TestReadPartitioned_HiveDefaultPartitionIsNull(t *testing.T) {
	dir := t.TempDir()
	pdir := filepath.Join(dir, "year="+hiveDefaultPartition)
	require.NoError(t, os.MkdirAll(pdir, 0o755))
	require.NoError(t, WriteFile(filepath.Join(pdir, "p.parquet"), &engine.Table{
		Columns: []engine.Column{{Name: "amount", Kind: engine.KindFloat}},
		Rows:    [][]any{{1.0}},
	}))
	got, err := ReadPartitioned(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1.0, nil}}, got.Rows)
}

func TestReadPartitioned_EmptyDir(t *testing.T) {
	_, err := ReadPartitioned(context.Background(), t.TempDir(), 0)
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestWritePartitioned_OverwritesPreviousOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	_, err := WritePartitioned(context.Background(), salesTable(), dir, "year")
	require.NoError(t, err)

	small := &engine.Table{Columns: salesTable().Columns, Rows: salesTable().Rows[:1]}
	res, err := WritePartitioned(context.Background(), small, dir, "year")
	require.NoError(t, err)
	assert.Equal(t, []string{"year=2022"}, res.Partitions)

	got, err := ReadPartitioned(context.Background(), dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Len())

	siblings, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	require.Len(t, siblings, 1, "staging and backup dirs are cleaned up")
}

func TestWritePartitioned_UnknownColumn(t *testing.T) {
	_, err := WritePartitioned(context.Background(), salesTable(), t.TempDir(), "nope")
	assert.ErrorIs(t, err, engine.ErrUnknownColumn)
}

func TestReplaceDir_FailedBuildKeepsPrevious(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("v1"), 0o644))

	boom := errors.New("boom")
	err := ReplaceDir(dir, func(staging string) error {
		require.NoError(t, os.MkdirAll(staging, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(staging, "half.txt"), nil, 0o644))
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := os.ReadFile(filepath.Join(dir, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b))

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"out"}, names)
}

func TestListParquet_MissingDir(t *testing.T) {
	files, err := ListParquet(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFormatPartitionValue(t *testing.T) {
	assert.Equal(t, "2023", FormatPartitionValue(int64(2023)))
	assert.Equal(t, "NULL", FormatPartitionValue(nil))
	assert.Equal(t, "a%2Fb", FormatPartitionValue("a/b"))
	assert.Equal(t, "1.5", FormatPartitionValue(1.5))
}
