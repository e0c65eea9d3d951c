// Package mssql is the SQL Server warehouse backend.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"megashop/internal/storage"
)

// SQL Server rejects statements with more than 2100 parameters.
const maxParams = 2000

func init() {
	storage.RegisterMulti("sqlserver", NewMulti)
}

// MultiRepo implements storage.MultiRepository for SQL Server.
//
// There is no ON CONFLICT, so idempotent inserts materialize the batch as a
// VALUES table and keep only rows with no match (NOT EXISTS). Duplicates
// inside one batch are collapsed first, keeping the first occurrence.
type MultiRepo struct {
	db *sql.DB
}

// NewMulti opens cfg.DSN with the "sqlserver" driver and pings it.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &MultiRepo{db: db}, nil
}

func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates tables behind an OBJECT_ID guard.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// EnsureDimensionKeys inserts missing keys with an anti-join over VALUES.
// Keys are deduplicated and sorted so repeated runs issue identical SQL.
func (r *MultiRepo) EnsureDimensionKeys(ctx context.Context, table, keyColumn string, keys []any, conflictColumns []string) error {
	if len(keys) == 0 {
		return nil
	}
	if table == "" || keyColumn == "" {
		return fmt.Errorf("mssql: EnsureDimensionKeys: table and keyColumn are required")
	}
	if len(conflictColumns) > 0 && (len(conflictColumns) != 1 || !strings.EqualFold(conflictColumns[0], keyColumn)) {
		return fmt.Errorf("mssql: EnsureDimensionKeys: conflict columns must be [%s], got %v", keyColumn, conflictColumns)
	}

	uniq := make(map[string]any, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		nk := storage.NormalizeKey(k)
		if nk == "" {
			continue
		}
		if _, ok := uniq[nk]; ok {
			continue
		}
		uniq[nk] = k
		order = append(order, nk)
	}
	if len(order) == 0 {
		return nil
	}
	sort.Strings(order)
	sorted := make([]any, len(order))
	for i, nk := range order {
		sorted[i] = uniq[nk]
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(sorted); start += maxParams {
		end := min(start+maxParams, len(sorted))
		q, args := buildEnsureDimensionKeysSQL(table, keyColumn, sorted[start:end])
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: ensure keys %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s", mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table))
	out := make(map[string]int64)
	if err := r.scanKeyValues(ctx, out, table, q); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("mssql: SelectKeyValueByKeys: table, keyColumn, valueColumn are required")
	}
	for start := 0; start < len(keys); start += maxParams {
		end := min(start+maxParams, len(keys))
		q, args := buildSelectKeyValueByKeysSQL(table, keyColumn, valueColumn, keys[start:end])
		if err := r.scanKeyValues(ctx, out, table, q, args...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *MultiRepo) scanKeyValues(ctx context.Context, out map[string]int64, table, q string, args ...any) error {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("mssql: select %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return fmt.Errorf("mssql: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	return rows.Err()
}

// InsertFactRows inserts rows in parameter-bounded chunks. With dedupeColumns
// set, rows already present (or repeated earlier in rows) are skipped.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("mssql: InsertFactRows: table and columns are required")
	}
	if len(dedupeColumns) > 0 {
		var err error
		if rows, err = dedupeRowsByColumns(rows, columns, dedupeColumns); err != nil {
			return 0, fmt.Errorf("mssql: InsertFactRows %s: %w", table, err)
		}
	}

	perStmt := max(1, maxParams/len(columns))
	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		var (
			q    string
			args []any
		)
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, rows[start:end], dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, rows[start:end])
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// dedupeRowsByColumns keeps the first row for every distinct dedupe key and
// preserves the order of first occurrences.
func dedupeRowsByColumns(rows [][]any, columns, dedupeColumns []string) ([][]any, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, len(dedupeColumns))
	for i, dc := range dedupeColumns {
		p, ok := pos[dc]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not present in columns", dc)
		}
		idx[i] = p
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var key strings.Builder
	for _, row := range rows {
		key.Reset()
		for _, p := range idx {
			key.WriteString(storage.NormalizeKey(row[p]))
			key.WriteByte(0x1f)
		}
		if _, dup := seen[key.String()]; dup {
			continue
		}
		seen[key.String()] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	var parts []string

	if pk := t.PrimaryKey; pk != nil {
		if strings.TrimSpace(pk.Name) == "" {
			return "", fmt.Errorf("mssql: table %s: primary key name is empty", t.Name)
		}
		switch strings.ToLower(strings.TrimSpace(pk.Type)) {
		case "serial", "identity", "int identity", "integer identity":
			parts = append(parts, fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)))
		case "bigserial":
			parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)))
		default:
			parts = append(parts, fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type))
		}
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("mssql: table %s: column name/type must be set", t.Name)
		}
		def := mssqlIdent(c.Name) + " " + c.Type
		if c.Nullable == nil || !*c.Nullable {
			def += " NOT NULL"
		} else {
			def += " NULL"
		}
		if c.References != "" {
			def += " REFERENCES " + c.References
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("mssql: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("mssql: table %s: unique constraint has no columns", t.Name)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = mssqlIdent(c)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(t.Name, "'", "''"), mssqlTableIdent(t.Name), strings.Join(parts, ", ")), nil
}

func buildEnsureDimensionKeysSQL(table, keyColumn string, keys []any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT v.[key] FROM (VALUES ", mssqlTableIdent(table), mssqlIdent(keyColumn))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d)", i+1)
		args = append(args, k)
	}
	fmt.Fprintf(&b, ") AS v([key]) LEFT JOIN %s t ON t.%s = v.[key] WHERE t.%s IS NULL",
		mssqlTableIdent(table), mssqlIdent(keyColumn), mssqlIdent(keyColumn))
	return b.String(), args
}

func buildSelectKeyValueByKeysSQL(table, keyColumn, valueColumn string, keys []any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s FROM %s WHERE %s IN (",
		mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table), mssqlIdent(keyColumn))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// writeValues appends "(@p1, @p2), (@p3, @p4)..." for rows and returns args.
func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

func columnList(prefix string, columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", mssqlTableIdent(table), columnList("", columns))
	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL inserts the VALUES rows that match no existing row
// on dedupeColumns.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM (VALUES ",
		mssqlTableIdent(table), columnList("", columns), columnList("v.", columns))
	args := writeValues(&b, columns, rows)
	fmt.Fprintf(&b, ") AS v(%s) WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE ", columnList("", columns), mssqlTableIdent(table))
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t.%s = v.%s", mssqlIdent(dc), mssqlIdent(dc))
	}
	b.WriteString(")")
	return b.String(), args
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a possibly schema-qualified name:
// "dbo.sales" becomes [dbo].[sales].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
