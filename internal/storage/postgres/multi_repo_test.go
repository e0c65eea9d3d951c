package postgres

import (
	"strings"
	"testing"

	"megashop/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

// TestBuildInsertSQL_PlaceholdersAndConflict checks row-major placeholder
// numbering and the ON CONFLICT clause used for idempotent reloads.
func TestBuildInsertSQL_PlaceholdersAndConflict(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("fact_sales",
		[]string{"transaction_id", "row_hash"},
		[][]any{{"t1", "h1"}, {"t2", "h2"}},
		[]string{"row_hash"},
	)

	want := `INSERT INTO "fact_sales" ("transaction_id", "row_hash") VALUES ($1, $2), ($3, $4) ON CONFLICT ("row_hash") DO NOTHING;`
	if q != want {
		t.Fatalf("sql mismatch\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 4 || args[0] != "t1" || args[3] != "h2" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildInsertSQL_NoDedupe(t *testing.T) {
	t.Parallel()

	q, _ := buildInsertSQL("fact_sales", []string{"a"}, [][]any{{1}}, nil)
	if strings.Contains(q, "ON CONFLICT") {
		t.Fatalf("unexpected ON CONFLICT: %s", q)
	}
}

func TestBuildSelectByKeysSQL(t *testing.T) {
	t.Parallel()

	got := buildSelectByKeysSQL("public.dim_region", "region_id", "region_key", 3)
	want := `SELECT "region_id", "region_key" FROM "public"."dim_region" WHERE "region_id" IN ($1, $2, $3)`
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestBuildCreateSQL_SchemaQualified(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "mart.dim_category",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "category_key", Type: "SERIAL"},
		Columns: []storage.ColumnSpec{
			{Name: "category", Type: "TEXT"},
			{Name: "note", Type: "TEXT", Nullable: boolPtr(true)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"category"}}},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "mart";` {
		t.Fatalf("schemaSQL = %q", schemaSQL)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "mart"."dim_category"`,
		`"category_key" SERIAL PRIMARY KEY`,
		`"category" TEXT NOT NULL`,
		`"note" TEXT,`,
		`UNIQUE ("category")`,
	} {
		if !strings.Contains(tableSQL, want) {
			t.Fatalf("tableSQL missing %q: %s", want, tableSQL)
		}
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec storage.TableSpec
	}{
		{"empty name", storage.TableSpec{Columns: []storage.ColumnSpec{{Name: "a", Type: "int"}}}},
		{"no columns", storage.TableSpec{Name: "t"}},
		{"bad constraint", storage.TableSpec{
			Name:        "t",
			Columns:     []storage.ColumnSpec{{Name: "a", Type: "int"}},
			Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
		}},
		{"column without type", storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "a"}}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := buildCreateSQL(tt.spec); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSplitQualifiedName(t *testing.T) {
	t.Parallel()

	if s, n := splitQualifiedName("public.sales"); s != "public" || n != "sales" {
		t.Fatalf("got (%q, %q)", s, n)
	}
	if s, n := splitQualifiedName("sales"); s != "" || n != "sales" {
		t.Fatalf("got (%q, %q)", s, n)
	}
}
