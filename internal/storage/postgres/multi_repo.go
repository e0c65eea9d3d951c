// Package postgres is the Postgres warehouse backend built on pgxpool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"megashop/internal/storage"
)

// maxParams stays under the 65535 bind-parameter limit of the wire protocol.
const maxParams = 60000

func init() {
	storage.RegisterMulti("postgres", NewMulti)
}

// MultiRepo implements storage.MultiRepository for Postgres. Idempotency uses
// ON CONFLICT ... DO NOTHING, so the dedupe and key columns need a UNIQUE
// constraint.
type MultiRepo struct {
	pool *pgxpool.Pool
}

// NewMulti opens a pool for cfg.DSN and pings it once.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &MultiRepo{pool: pool}, nil
}

func (r *MultiRepo) Close() { r.pool.Close() }

// EnsureTables creates missing schemas and tables.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("postgres: create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// EnsureDimensionKeys inserts keys with ON CONFLICT DO NOTHING. An empty
// conflictColumns defaults to keyColumn.
func (r *MultiRepo) EnsureDimensionKeys(ctx context.Context, table, keyColumn string, keys []any, conflictColumns []string) error {
	if len(keys) == 0 {
		return nil
	}
	if table == "" || keyColumn == "" {
		return fmt.Errorf("postgres: EnsureDimensionKeys: table and keyColumn are required")
	}
	if len(conflictColumns) == 0 {
		conflictColumns = []string{keyColumn}
	}

	for start := 0; start < len(keys); start += maxParams {
		end := min(start+maxParams, len(keys))
		rows := make([][]any, 0, end-start)
		for _, k := range keys[start:end] {
			rows = append(rows, []any{k})
		}
		q, args := buildInsertSQL(table, []string{keyColumn}, rows, conflictColumns)
		if _, err := r.pool.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("postgres: ensure keys %s: %w", table, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("postgres: SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}
	out := make(map[string]int64)
	q := fmt.Sprintf("SELECT %s, %s FROM %s", pgIdent(keyColumn), pgIdent(valueColumn), pgTableIdent(table))
	if err := r.scanKeyValues(ctx, out, table, q); err != nil {
		return nil, err
	}
	return out, nil
}

// SelectKeyValueByKeys uses a chunked IN (...) list rather than ANY($1) so the
// key type never needs an explicit array cast.
func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("postgres: SelectKeyValueByKeys: table, keyColumn, valueColumn are required")
	}
	for start := 0; start < len(keys); start += maxParams {
		end := min(start+maxParams, len(keys))
		q := buildSelectByKeysSQL(table, keyColumn, valueColumn, end-start)
		if err := r.scanKeyValues(ctx, out, table, q, keys[start:end]...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *MultiRepo) scanKeyValues(ctx context.Context, out map[string]int64, table, q string, args ...any) error {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres: select %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return fmt.Errorf("postgres: scan %s: %w", table, err)
		}
		out[storage.NormalizeKey(k)] = id
	}
	return rows.Err()
}

// InsertFactRows performs chunked multi-row INSERTs. dedupeColumns becomes
// ON CONFLICT (...) DO NOTHING.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("postgres: InsertFactRows %s: columns is empty", table)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("postgres: InsertFactRows %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
	}

	perStmt := max(1, maxParams/len(columns))
	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		q, args := buildInsertSQL(table, columns, rows[start:end], dedupeColumns)
		tag, err := r.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: insert %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// buildInsertSQL renders one INSERT with $n placeholders numbered row-major.
// Every row must have len(columns) values.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}
	b.WriteString(";")
	return b.String(), args
}

func buildSelectByKeysSQL(table, keyColumn, valueColumn string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s FROM %s WHERE %s IN (",
		pgIdent(keyColumn), pgIdent(valueColumn), pgTableIdent(table), pgIdent(keyColumn))
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// buildCreateSQL returns an optional CREATE SCHEMA (for "schema.table" names)
// and the CREATE TABLE IF NOT EXISTS statement.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("postgres: table name is empty")
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", pgIdent(schema))
	}

	var defs []string
	if t.PrimaryKey != nil {
		if t.PrimaryKey.Name == "" || t.PrimaryKey.Type == "" {
			return "", "", fmt.Errorf("postgres: table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		defs = append(defs, fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", "", fmt.Errorf("postgres: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", "", fmt.Errorf("postgres: table %s: unique constraint requires columns", t.Name)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = pgIdent(strings.TrimSpace(c))
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}
	if len(defs) == 0 {
		return "", "", fmt.Errorf("postgres: table %s: no columns", t.Name)
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, tableSQL, nil
}

// buildColumnDef renders one column. A nil Nullable means NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}
	def := pgIdent(name) + " " + typ
	if c.Nullable == nil || !*c.Nullable {
		def += " NOT NULL"
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		def += " REFERENCES " + ref
	}
	return def, nil
}

// splitQualifiedName splits "schema.table". Anything else is unqualified.
func splitQualifiedName(name string) (schema, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(strings.TrimSpace(name))
}
