// Package sqlite is the SQLite warehouse backend (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"megashop/internal/storage"
)

// maxVars keeps every statement below SQLite's bound-parameter limit.
const maxVars = 30000

// MultiRepo implements storage.MultiRepository for SQLite.
//
// SQLite allows one writer at a time, so the pool is capped at a single
// connection and concurrent loader workers queue on it instead of failing
// with SQLITE_BUSY.
type MultiRepo struct {
	db *sql.DB
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

// NewMulti opens cfg.DSN (a file path or file: URI).
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: dsn is empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &MultiRepo{db: db}, nil
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

// EnsureTables runs CREATE TABLE IF NOT EXISTS for every auto-created table.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		q, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// EnsureDimensionKeys inserts missing keys with INSERT OR IGNORE. The table
// needs a UNIQUE constraint on keyColumn; conflictColumns is not used.
func (r *MultiRepo) EnsureDimensionKeys(ctx context.Context, table, keyColumn string, keys []any, _ []string) error {
	if len(keys) == 0 {
		return nil
	}
	if table == "" || keyColumn == "" {
		return fmt.Errorf("sqlite: EnsureDimensionKeys: table and keyColumn are required")
	}
	for start := 0; start < len(keys); start += maxVars {
		end := min(start+maxVars, len(keys))
		part := keys[start:end]

		q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES %s",
			sqlIdent(table), sqlIdent(keyColumn),
			strings.TrimSuffix(strings.Repeat("(?), ", len(part)), ", "))
		if _, err := r.db.ExecContext(ctx, q, part...); err != nil {
			return fmt.Errorf("sqlite: ensure keys %s: %w", table, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", sqlIdent(keyColumn), sqlIdent(valueColumn), sqlIdent(table))
	out := map[string]int64{}
	if err := r.scanKeyValues(ctx, out, table, valueColumn, q); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	for start := 0; start < len(keys); start += maxVars {
		end := min(start+maxVars, len(keys))
		part := keys[start:end]
		q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
			sqlIdent(keyColumn), sqlIdent(valueColumn), sqlIdent(table), sqlIdent(keyColumn),
			strings.TrimSuffix(strings.Repeat("?,", len(part)), ","))
		if err := r.scanKeyValues(ctx, out, table, valueColumn, q, part...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *MultiRepo) scanKeyValues(ctx context.Context, out map[string]int64, table, valueColumn, q string, args ...any) error {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite: select %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k any
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return fmt.Errorf("sqlite: scan %s: %w", table, err)
		}
		if !id.Valid {
			return fmt.Errorf("sqlite: %s.%s is NULL; use primary_key.type serial for an auto-generated id", table, valueColumn)
		}
		out[storage.NormalizeKey(k)] = id.Int64
	}
	return rows.Err()
}

// InsertFactRows inserts rows in chunks. With dedupeColumns set it uses
// INSERT OR IGNORE, which relies on a UNIQUE constraint over those columns.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("sqlite: InsertFactRows %s: columns is empty", table)
	}

	verb := "INSERT INTO "
	if len(dedupeColumns) > 0 {
		verb = "INSERT OR IGNORE INTO "
	}
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = sqlIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	perStmt := max(1, maxVars/len(columns))

	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))

		var b strings.Builder
		b.WriteString(verb)
		b.WriteString(sqlIdent(table))
		b.WriteString(" (")
		b.WriteString(strings.Join(cols, ", "))
		b.WriteString(") VALUES ")

		args := make([]any, 0, (end-start)*len(columns))
		for i, row := range rows[start:end] {
			if len(row) != len(columns) {
				return total, fmt.Errorf("sqlite: InsertFactRows %s: row has %d values, want %d", table, len(row), len(columns))
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(tuple)
			args = append(args, row...)
		}

		res, err := r.db.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("sqlite: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateTableSQL renders the DDL for t. "serial" primary keys become
// INTEGER PRIMARY KEY AUTOINCREMENT so SQLite generates the surrogate id.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}
	var parts []string

	if t.PrimaryKey != nil {
		switch strings.ToLower(strings.TrimSpace(t.PrimaryKey.Type)) {
		case "serial", "bigserial", "identity", "int identity", "integer identity":
			parts = append(parts, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf("%s %s PRIMARY KEY", sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		if c.Name == "" || c.Type == "" {
			return "", fmt.Errorf("sqlite: table %s: column name/type must be set", t.Name)
		}
		col := sqlIdent(c.Name) + " " + c.Type
		if c.Nullable == nil || !*c.Nullable {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("sqlite: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = sqlIdent(c)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("sqlite: table %s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}
