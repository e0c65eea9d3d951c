package duckdb

import (
	"fmt"
	"strings"
	"time"

	"megashop/internal/engine"
)

func quoteString(s string) string { return `'` + strings.ReplaceAll(s, `'`, `''`) + `'` }
func quoteIdent(s string) string  { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func fileList(files []string) string {
	q := make([]string, len(files))
	for i, f := range files {
		q[i] = quoteString(f)
	}
	return "[" + strings.Join(q, ", ") + "]"
}

func sqlType(k engine.Kind) string {
	switch k {
	case engine.KindInt:
		return "BIGINT"
	case engine.KindFloat:
		return "DOUBLE"
	case engine.KindBool:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// kindOf maps a DuckDB type name from DESCRIBE to an engine kind. Anything
// that is not numeric or boolean is read as text.
func kindOf(typ string) engine.Kind {
	t := strings.ToUpper(strings.TrimSpace(typ))
	switch t {
	case "BOOLEAN":
		return engine.KindBool
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT":
		return engine.KindInt
	case "FLOAT", "REAL", "DOUBLE":
		return engine.KindFloat
	}
	if strings.HasPrefix(t, "DECIMAL") {
		return engine.KindFloat
	}
	return engine.KindString
}

// normalize maps driver values onto the engine value types.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, int64, float64, string, bool:
		return t
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case int:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// jsonScanType is the read_json column type for k. Numeric columns are read
// as raw JSON so strictValue can reject what a plain cast would round.
func jsonScanType(k engine.Kind) string {
	switch k {
	case engine.KindInt, engine.KindFloat:
		return "JSON"
	default:
		return sqlType(k)
	}
}

// strictValue converts the raw JSON column ref to the SQL type of c with the
// rules of transformer.Coerce: integral floats and numeric strings are
// accepted, blank strings are NULL, anything else raises an error that names
// the column.
func strictValue(ref string, c engine.Column) string {
	text := fmt.Sprintf("trim(json_extract_string(%s, '$'))", ref)
	num := fmt.Sprintf("CAST(%s AS DOUBLE)", text)
	null := fmt.Sprintf("%s IS NULL OR json_type(%s) = 'NULL'", ref, ref)
	fail := func(what string) string {
		return fmt.Sprintf("error(%s || CAST(%s AS VARCHAR) || %s)",
			quoteString(fmt.Sprintf("column %q: ", c.Name)), ref, quoteString(what))
	}

	switch c.Kind {
	case engine.KindInt:
		return fmt.Sprintf("CAST(CASE"+
			" WHEN %s THEN NULL"+
			" WHEN json_type(%s) IN ('BIGINT', 'UBIGINT') THEN CAST(%s AS BIGINT)"+
			" WHEN json_type(%s) = 'BOOLEAN' THEN CASE WHEN CAST(%s AS BOOLEAN) THEN 1 ELSE 0 END"+
			" WHEN json_type(%s) = 'VARCHAR' AND %s = '' THEN NULL"+
			" WHEN json_type(%s) IN ('DOUBLE', 'VARCHAR') AND %s = trunc(%s) THEN CAST(%s AS BIGINT)"+
			" ELSE %s END AS BIGINT)",
			null, ref, ref, ref, ref, ref, text, ref, num, num, num, fail(" is not an integer"))
	case engine.KindFloat:
		return fmt.Sprintf("CAST(CASE"+
			" WHEN %s THEN NULL"+
			" WHEN json_type(%s) IN ('BIGINT', 'UBIGINT', 'DOUBLE') THEN %s"+
			" WHEN json_type(%s) = 'VARCHAR' THEN CAST(NULLIF(%s, '') AS DOUBLE)"+
			" ELSE %s END AS DOUBLE)",
			null, ref, num, ref, text, fail(" is not a number"))
	default:
		return ref
	}
}
