// Package duckdb is the deferred engine. Relations are SQL text over an
// in-process DuckDB database; nothing is evaluated until Collect or
// WritePartitioned, so large inputs are processed out of core.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"megashop/internal/columnar"
	"megashop/internal/config"
	"megashop/internal/engine"
)

// Kind is the registry name of this engine.
const Kind = config.EngineDuckDB

func init() {
	engine.Register(Kind, func(opts engine.Options) (engine.Engine, error) {
		return New(context.Background(), opts)
	})
}

// Engine owns one in-memory DuckDB database.
type Engine struct {
	db     *sql.DB
	logger engine.Logger
	json   config.Options
}

// New opens an in-memory DuckDB database and applies the configured limits.
func New(ctx context.Context, opts engine.Options) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// Settings are applied per connection; one connection keeps them in force
	// for every statement. DuckDB parallelizes inside a statement.
	db.SetMaxOpenConns(1)

	if err := setup(ctx, db, opts.DuckDB); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := opts.Logger
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	return &Engine{db: db, logger: l, json: opts.JSON}, nil
}

func setup(ctx context.Context, db *sql.DB, cfg config.DuckDBConfig) error {
	if cfg.MemoryLimitMB > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%dMB';", cfg.MemoryLimitMB)); err != nil {
			return fmt.Errorf("set memory_limit: %w", err)
		}
	}
	if cfg.TempDirectory != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET temp_directory = %s;", quoteString(cfg.TempDirectory))); err != nil {
			return fmt.Errorf("set temp_directory: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", cfg.Threads)); err != nil {
			return fmt.Errorf("set threads: %w", err)
		}
	}
	return db.PingContext(ctx)
}

func (e *Engine) Name() string { return Kind }

// Close releases the database.
func (e *Engine) Close() error { return e.db.Close() }

type relation struct {
	e    *Engine
	sql  string
	cols []engine.Column
}

func (r *relation) Columns() []engine.Column { return r.cols }

func (e *Engine) rel(r engine.Relation) (*relation, error) {
	rel, ok := r.(*relation)
	if !ok || rel.e != e {
		return nil, fmt.Errorf("duckdb: %w (%T)", engine.ErrForeignRelation, r)
	}
	return rel, nil
}

// ReadJSONLines builds a read_json scan with an explicit column list, so
// missing keys read as NULL. Numeric columns go through strictValue and fail
// on the values the memory engine rejects.
func (e *Engine) ReadJSONLines(ctx context.Context, files []string, schema []engine.Column) (engine.Relation, error) {
	cols := append([]engine.Column(nil), schema...)
	if len(files) == 0 {
		sel := make([]string, len(cols))
		for i, c := range cols {
			sel[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", sqlType(c.Kind), quoteIdent(c.Name))
		}
		return &relation{e: e, sql: "SELECT " + strings.Join(sel, ", ") + " WHERE false", cols: cols}, nil
	}

	rev := map[string]string{}
	for orig, norm := range e.json.StringMap("header_map") {
		if orig != "" && norm != "" {
			rev[norm] = orig
		}
	}

	keys := make([]string, len(cols))
	sel := make([]string, len(cols))
	for i, c := range cols {
		key := c.Name
		if orig, ok := rev[c.Name]; ok {
			key = orig
		}
		keys[i] = fmt.Sprintf("%s: %s", quoteString(key), quoteString(jsonScanType(c.Kind)))
		sel[i] = fmt.Sprintf("%s AS %s", strictValue(quoteIdent(key), c), quoteIdent(c.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM read_json(%s, format = 'newline_delimited', columns = {%s})",
		strings.Join(sel, ", "), fileList(files), strings.Join(keys, ", "))
	e.logger.Printf("stage=read_jsonl engine=duckdb files=%d deferred=true", len(files))
	return &relation{e: e, sql: q, cols: cols}, nil
}

func (e *Engine) ReadParquet(ctx context.Context, files []string) (engine.Relation, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("duckdb: read parquet: no files")
	}
	src := fmt.Sprintf("SELECT * FROM read_parquet(%s, union_by_name = true)", fileList(files))
	r, err := e.describe(ctx, src)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("stage=read_parquet engine=duckdb files=%d deferred=true", len(files))
	return r, nil
}

func (e *Engine) ReadPartitioned(ctx context.Context, dir string) (engine.Relation, error) {
	files, err := columnar.ListParquet(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w under %s", columnar.ErrNoFiles, dir)
	}
	src := fmt.Sprintf("SELECT * FROM read_parquet(%s, hive_partitioning = true, union_by_name = true)", fileList(files))
	r, err := e.describe(ctx, src)
	if err != nil {
		return nil, err
	}
	e.logger.Printf("stage=read_partitioned engine=duckdb dir=%s files=%d deferred=true", dir, len(files))
	return r, nil
}

// describe reads the result schema of src from metadata only and wraps src in
// casts to the engine's four value types.
func (e *Engine) describe(ctx context.Context, src string) (*relation, error) {
	rows, err := e.db.QueryContext(ctx, "DESCRIBE "+src)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}
	defer rows.Close()

	n, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var cols []engine.Column
	for rows.Next() {
		vals := make([]any, len(n))
		ptrs := make([]any, len(n))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("describe scan: %w", err)
		}
		name, _ := vals[0].(string)
		typ, _ := vals[1].(string)
		cols = append(cols, engine.Column{Name: name, Kind: kindOf(typ)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}

	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = fmt.Sprintf("CAST(%s AS %s) AS %s", quoteIdent(c.Name), sqlType(c.Kind), quoteIdent(c.Name))
	}
	return &relation{e: e, sql: fmt.Sprintf("SELECT %s FROM (%s) AS src", strings.Join(sel, ", "), src), cols: cols}, nil
}

func (e *Engine) Join(left, right engine.Relation, on string) (engine.Relation, error) {
	l, err := e.rel(left)
	if err != nil {
		return nil, err
	}
	r, err := e.rel(right)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(l.cols, on); err != nil {
		return nil, fmt.Errorf("join left: %w", err)
	}
	if err := engine.CheckColumns(r.cols, on); err != nil {
		return nil, fmt.Errorf("join right: %w", err)
	}
	cols, extra := engine.JoinColumns(l.cols, r.cols, on)

	sel := []string{"l.*"}
	for _, i := range extra {
		sel = append(sel, "r."+quoteIdent(r.cols[i].Name))
	}
	q := fmt.Sprintf("SELECT %s FROM (%s) AS l LEFT JOIN (%s) AS r ON l.%s = r.%s",
		strings.Join(sel, ", "), l.sql, r.sql, quoteIdent(on), quoteIdent(on))
	return &relation{e: e, sql: q, cols: cols}, nil
}

func (e *Engine) Project(r engine.Relation, columns ...string) (engine.Relation, error) {
	rel, err := e.rel(r)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(rel.cols, columns...); err != nil {
		return nil, err
	}
	cols := make([]engine.Column, len(columns))
	sel := make([]string, len(columns))
	for i, name := range columns {
		cols[i] = rel.cols[engine.ColumnIndex(rel.cols, name)]
		sel[i] = quoteIdent(name)
	}
	q := fmt.Sprintf("SELECT %s FROM (%s) AS p", strings.Join(sel, ", "), rel.sql)
	return &relation{e: e, sql: q, cols: cols}, nil
}

func (e *Engine) Aggregate(r engine.Relation, groupBy []string, aggs ...engine.Aggregation) (engine.Relation, error) {
	rel, err := e.rel(r)
	if err != nil {
		return nil, err
	}
	if err := engine.CheckColumns(rel.cols, groupBy...); err != nil {
		return nil, err
	}

	var cols []engine.Column
	var sel, keys []string
	for _, g := range groupBy {
		cols = append(cols, rel.cols[engine.ColumnIndex(rel.cols, g)])
		sel = append(sel, quoteIdent(g))
		keys = append(keys, quoteIdent(g))
	}
	for _, a := range aggs {
		if a.Column != "" {
			if err := engine.CheckColumns(rel.cols, a.Column); err != nil {
				return nil, err
			}
		}
		expr, err := aggExpr(a)
		if err != nil {
			return nil, err
		}
		sel = append(sel, expr+" AS "+quoteIdent(a.OutputName()))
		cols = append(cols, engine.Column{Name: a.OutputName(), Kind: a.OutputKind()})
	}

	q := fmt.Sprintf("SELECT %s FROM (%s) AS a", strings.Join(sel, ", "), rel.sql)
	if len(keys) > 0 {
		q += " GROUP BY " + strings.Join(keys, ", ")
	}
	return &relation{e: e, sql: q, cols: cols}, nil
}

func aggExpr(a engine.Aggregation) (string, error) {
	switch a.Func {
	case engine.AggSum:
		if a.Column == "" {
			return "", fmt.Errorf("duckdb: sum needs a column")
		}
		return fmt.Sprintf("CAST(COALESCE(SUM(%s), 0) AS DOUBLE)", quoteIdent(a.Column)), nil
	case engine.AggMean:
		if a.Column == "" {
			return "", fmt.Errorf("duckdb: mean needs a column")
		}
		return fmt.Sprintf("CAST(AVG(%s) AS DOUBLE)", quoteIdent(a.Column)), nil
	case engine.AggCount:
		if a.Column == "" {
			return "COUNT(*)", nil
		}
		return fmt.Sprintf("COUNT(%s)", quoteIdent(a.Column)), nil
	default:
		return "", fmt.Errorf("duckdb: unsupported aggregate %s", a.Func)
	}
}

// WritePartitioned evaluates r with COPY ... PARTITION_BY into a staging
// directory that replaces dir on success.
func (e *Engine) WritePartitioned(ctx context.Context, r engine.Relation, dir string, by string) (engine.WriteResult, error) {
	rel, err := e.rel(r)
	if err != nil {
		return engine.WriteResult{}, err
	}
	if err := engine.CheckColumns(rel.cols, by); err != nil {
		return engine.WriteResult{}, err
	}

	start := time.Now()
	var res engine.WriteResult
	err = columnar.ReplaceDir(dir, func(staging string) error {
		q := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, PARTITION_BY (%s), FILENAME_PATTERN 'part-{i}')",
			rel.sql, quoteString(staging), quoteIdent(by))
		out, err := e.db.ExecContext(ctx, q)
		if err != nil {
			return fmt.Errorf("copy partitioned: %w", err)
		}
		res.Rows, err = out.RowsAffected()
		return err
	})
	if err != nil {
		return engine.WriteResult{}, err
	}
	res.Partitions, err = columnar.ListPartitions(dir)
	if err != nil {
		return engine.WriteResult{}, err
	}
	e.logger.Printf("stage=write_partitioned engine=duckdb dir=%s rows=%d partitions=%d duration=%s",
		dir, res.Rows, len(res.Partitions), time.Since(start))
	return res, nil
}

// Collect evaluates r.
func (e *Engine) Collect(ctx context.Context, r engine.Relation) (*engine.Table, error) {
	rel, err := e.rel(r)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, rel.sql)
	if err != nil {
		return nil, fmt.Errorf("duckdb collect: %w", err)
	}
	defer rows.Close()

	t := &engine.Table{Columns: append([]engine.Column(nil), rel.cols...)}
	for rows.Next() {
		vals := make([]any, len(rel.cols))
		ptrs := make([]any, len(rel.cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("duckdb collect scan: %w", err)
		}
		for i := range vals {
			vals[i] = normalize(vals[i])
		}
		t.Rows = append(t.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duckdb collect: %w", err)
	}
	e.logger.Printf("stage=collect engine=duckdb rows=%d duration=%s", len(t.Rows), time.Since(start))
	return t, nil
}

// SQL returns the query text behind r. Used in logs and tests.
func (e *Engine) SQL(r engine.Relation) (string, error) {
	rel, err := e.rel(r)
	if err != nil {
		return "", err
	}
	return rel.sql, nil
}
