package mssql

import (
	"strings"
	"testing"

	"megashop/internal/storage"
)

// TestDedupeRowsByColumns_KeepsFirstOccurrence covers in-batch duplicates,
// which NOT EXISTS alone would try to insert twice.
func TestDedupeRowsByColumns_KeepsFirstOccurrence(t *testing.T) {
	columns := []string{"region_key", "category_key", "year"}
	rows := [][]any{
		{int64(1), int64(2), int64(2023)},
		{int64(1), int64(2), int64(2024)},
		{int64(3), int64(4), int64(2023)},
		{int64(1), int64(2), int64(2025)},
	}

	got, err := dedupeRowsByColumns(rows, columns, []string{"region_key", "category_key"})
	if err != nil {
		t.Fatalf("dedupeRowsByColumns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2: %v", len(got), got)
	}
	if got[0][2] != int64(2023) || got[1][0] != int64(3) {
		t.Fatalf("unexpected rows: %v", got)
	}
}

func TestDedupeRowsByColumns_MissingColumnErrors(t *testing.T) {
	if _, err := dedupeRowsByColumns([][]any{{1, 2}}, []string{"a", "b"}, []string{"missing"}); err == nil {
		t.Fatalf("expected error for missing dedupe column")
	}
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	q, args := buildInsertNotExistsSQL("dbo.fact_sales",
		[]string{"transaction_id", "row_hash"},
		[][]any{{"t1", "h1"}, {"t2", "h2"}},
		[]string{"row_hash"})

	want := "INSERT INTO [dbo].[fact_sales] ([transaction_id], [row_hash]) " +
		"SELECT v.[transaction_id], v.[row_hash] FROM (VALUES (@p1, @p2), (@p3, @p4)) " +
		"AS v([transaction_id], [row_hash]) " +
		"WHERE NOT EXISTS (SELECT 1 FROM [dbo].[fact_sales] t WHERE t.[row_hash] = v.[row_hash])"
	if q != want {
		t.Fatalf("sql mismatch\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("got %d args, want 4", len(args))
	}
}

func TestBuildEnsureDimensionKeysSQL(t *testing.T) {
	q, args := buildEnsureDimensionKeysSQL("dim_region", "region_id", []any{"1", "2"})
	if !strings.Contains(q, "(VALUES (@p1), (@p2)) AS v([key]) LEFT JOIN [dim_region] t") {
		t.Fatalf("unexpected sql: %s", q)
	}
	if !strings.HasSuffix(q, "WHERE t.[region_id] IS NULL") {
		t.Fatalf("missing anti-join filter: %s", q)
	}
	if len(args) != 2 {
		t.Fatalf("got %d args", len(args))
	}
}

func TestBuildCreateSQL_IdentityAndGuard(t *testing.T) {
	yes := true
	q, err := buildCreateSQL(storage.TableSpec{
		Name:       "dim_category",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "category_key", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "category", Type: "NVARCHAR(200)"},
			{Name: "note", Type: "NVARCHAR(50)", Nullable: &yes},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"category"}}},
	})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'dim_category', N'U') IS NULL",
		"[category_key] INT IDENTITY(1,1) PRIMARY KEY",
		"[category] NVARCHAR(200) NOT NULL",
		"[note] NVARCHAR(50) NULL",
		"UNIQUE ([category])",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("missing %q in %s", want, q)
		}
	}
}

func TestMssqlTableIdent(t *testing.T) {
	if got := mssqlTableIdent("dbo.we]ird"); got != "[dbo].[we]]ird]" {
		t.Fatalf("got %s", got)
	}
}
