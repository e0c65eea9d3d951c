package config

import (
	"fmt"
	"strings"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of ValidatePipeline. Path is a dotted JSON path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidatePipeline checks p for problems that would make a run fail or
// misbehave. It never mutates p and returns issues in document order.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Paths.JSONDir) == "" {
		errf("paths.json_dir", "must not be empty")
	}
	if strings.TrimSpace(p.Paths.ParquetDir) == "" {
		errf("paths.parquet_dir", "must not be empty")
	}
	if strings.TrimSpace(p.Paths.ProcessedDir) == "" {
		errf("paths.processed_dir", "must not be empty")
	}
	if strings.TrimSpace(p.Paths.ChartPath) == "" {
		errf("paths.chart_path", "must not be empty")
	} else if !strings.HasSuffix(strings.ToLower(p.Paths.ChartPath), ".png") {
		warnf("paths.chart_path", "chart is always PNG encoded; %q has a different extension", p.Paths.ChartPath)
	}

	switch p.Engine.Kind {
	case EngineMemory, EngineDuckDB:
	default:
		errf("engine.kind", "unknown engine %q (want %q or %q)", p.Engine.Kind, EngineMemory, EngineDuckDB)
	}
	if p.Engine.DuckDB.MemoryLimitMB < 0 {
		errf("engine.duckdb.memory_limit_mb", "must be >= 0")
	}

	if p.Parser.Kind != "" && p.Parser.Kind != "jsonl" {
		errf("parser.kind", "unsupported parser %q (want jsonl)", p.Parser.Kind)
	}

	if p.Runtime.BatchSize < 0 {
		warnf("runtime.batch_size", "negative batch size; default 1024 is used")
	}
	if p.Runtime.LoaderWorkers < 0 {
		warnf("runtime.loader_workers", "negative worker count; default 1 is used")
	}
	if p.Runtime.ReaderWorkers < 0 {
		warnf("runtime.reader_workers", "negative worker count; default is used")
	}

	if p.Watch.Suffix != "" && !strings.HasPrefix(p.Watch.Suffix, ".") {
		warnf("watch.suffix", "suffix %q does not start with a dot", p.Watch.Suffix)
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	default:
		errf("metrics.backend", "unknown metrics backend %q", p.Metrics.Backend)
	}

	out = append(out, validateWarehouse(p.Warehouse)...)
	return out
}

func validateWarehouse(w Warehouse) []Issue {
	if w.Kind == "" {
		return nil
	}

	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(w.DSN) == "" {
		add(SeverityError, "warehouse.dsn", "required when warehouse.kind is set")
	}
	if len(w.Tables) == 0 {
		add(SeverityError, "warehouse.tables", "must not be empty")
	}
	if w.RowHash.TargetField != "" && len(w.RowHash.Fields) == 0 {
		add(SeverityError, "warehouse.row_hash.fields", "must list at least one field when target_field is set")
	}

	dims := map[string]bool{}
	for _, t := range w.Tables {
		if t.Load.Kind == "dimension" {
			dims[t.Name] = true
		}
	}

	for i, t := range w.Tables {
		base := fmt.Sprintf("warehouse.tables[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			add(SeverityError, base+".name", "must not be empty")
		}
		switch t.Load.Kind {
		case "dimension":
			if len(t.Load.FromRows) == 0 {
				add(SeverityError, base+".load.from_rows", "dimension needs one source field")
			}
			if t.Load.Cache == nil || t.Load.Cache.KeyColumn == "" || t.Load.Cache.ValueColumn == "" {
				add(SeverityError, base+".load.cache", "dimension needs cache.key_column and cache.value_column")
			}
		case "fact":
			for j, fr := range t.Load.FromRows {
				if fr.Lookup == nil {
					continue
				}
				if !dims[fr.Lookup.Table] {
					add(SeverityError, fmt.Sprintf("%s.load.from_rows[%d].lookup.table", base, j),
						"lookup references %q which is not a dimension table", fr.Lookup.Table)
				}
			}
		default:
			add(SeverityError, base+".load.kind", "unknown load kind %q", t.Load.Kind)
		}
	}
	return out
}
