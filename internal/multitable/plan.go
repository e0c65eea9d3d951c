package multitable

import (
	"fmt"
	"sort"
	"strings"

	"megashop/internal/storage"
)

// Lookup on_missing policies.
const (
	OnMissingInsert = "insert"
	OnMissingNull   = "null"
	OnMissingDrop   = "drop"
	OnMissingFail   = "fail"
)

// Plan compilation turns column names into row indices so the loader reads
// []*transformer.Row values without per-row map lookups.

type indexedPlan struct {
	Dimensions []indexedDimension
	Facts      []indexedFact
}

func (p indexedPlan) AllTables() []storage.TableSpec {
	out := make([]storage.TableSpec, 0, len(p.Dimensions)+len(p.Facts))
	for _, d := range p.Dimensions {
		out = append(out, d.Table)
	}
	for _, f := range p.Facts {
		out = append(out, f.Table)
	}
	return out
}

type indexedDimension struct {
	Table       storage.TableSpec
	SourceIndex int

	KeyColumn   string
	ValueColumn string
}

type indexedFact struct {
	Table         storage.TableSpec
	TargetColumns []string
	DedupeColumns []string
	Columns       []indexedFactColumn
}

type indexedFactColumn struct {
	TargetColumn     string
	SourceFieldIndex int
	Nullable         bool
	Lookup           *indexedLookup
}

type indexedLookup struct {
	Table           string
	MatchFieldIndex int
	OnMissing       string
}

// buildIndexedPlan compiles cfg.Tables against the stream layout columns.
// Dimensions are ordered before facts and each group is sorted by name, so
// the DDL order is stable.
//
// Errors:
//   - Unknown load kinds.
//   - Unknown on_missing policies.
//   - A lookup on a table that is not a dimension of the plan.
func buildIndexedPlan(cfg Pipeline, columns []string) (indexedPlan, error) {
	colIndex := indexColumns(columns)

	var plan indexedPlan
	dims := map[string]bool{}

	for _, t := range cfg.Tables {
		switch t.Load.Kind {
		case "dimension":
			plan.Dimensions = append(plan.Dimensions, compileDimension(t, colIndex))
			dims[t.Name] = true
		case "fact":
			f, err := compileFact(t, colIndex)
			if err != nil {
				return plan, err
			}
			plan.Facts = append(plan.Facts, f)
		default:
			return plan, fmt.Errorf("table %s: unknown load kind %q", t.Name, t.Load.Kind)
		}
	}

	for _, f := range plan.Facts {
		for _, c := range f.Columns {
			if c.Lookup != nil && !dims[c.Lookup.Table] {
				return plan, fmt.Errorf("table %s: column %s looks up %q which is not a dimension",
					f.Table.Name, c.TargetColumn, c.Lookup.Table)
			}
		}
	}

	sort.SliceStable(plan.Dimensions, func(i, j int) bool { return plan.Dimensions[i].Table.Name < plan.Dimensions[j].Table.Name })
	sort.SliceStable(plan.Facts, func(i, j int) bool { return plan.Facts[i].Table.Name < plan.Facts[j].Table.Name })

	return plan, nil
}

func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

func fieldIndex(colIndex map[string]int, field string) int {
	if field == "" {
		return -1
	}
	if i, ok := colIndex[field]; ok {
		return i
	}
	return -1
}

func compileDimension(t storage.TableSpec, colIndex map[string]int) indexedDimension {
	srcField := ""
	keyCol := ""
	if len(t.Load.FromRows) > 0 {
		srcField = t.Load.FromRows[0].SourceField
		keyCol = t.Load.FromRows[0].TargetColumn
	}

	valCol := ""
	if t.Load.Cache != nil {
		if t.Load.Cache.KeyColumn != "" {
			keyCol = t.Load.Cache.KeyColumn
		}
		valCol = t.Load.Cache.ValueColumn
	}
	if valCol == "" && t.PrimaryKey != nil {
		valCol = t.PrimaryKey.Name
	}

	return indexedDimension{
		Table:       t,
		SourceIndex: fieldIndex(colIndex, srcField),
		KeyColumn:   keyCol,
		ValueColumn: valCol,
	}
}

func compileFact(t storage.TableSpec, colIndex map[string]int) (indexedFact, error) {
	f := indexedFact{Table: t}
	nullableByColumn := mapNullableByColumn(t.Columns)

	for _, fr := range t.Load.FromRows {
		f.TargetColumns = append(f.TargetColumns, fr.TargetColumn)

		col := indexedFactColumn{
			TargetColumn:     fr.TargetColumn,
			SourceFieldIndex: -1,
			Nullable:         nullableByColumn[fr.TargetColumn],
		}

		if fr.Lookup != nil {
			policy := strings.ToLower(strings.TrimSpace(fr.Lookup.OnMissing))
			switch policy {
			case "":
				policy = OnMissingInsert
			case OnMissingInsert, OnMissingNull, OnMissingDrop, OnMissingFail:
			default:
				return f, fmt.Errorf("table %s: column %s: unknown on_missing %q", t.Name, fr.TargetColumn, fr.Lookup.OnMissing)
			}
			col.Lookup = &indexedLookup{
				Table:           fr.Lookup.Table,
				MatchFieldIndex: fieldIndex(colIndex, pickLookupMatchField(fr.Lookup.Match)),
				OnMissing:       policy,
			}
		} else {
			col.SourceFieldIndex = fieldIndex(colIndex, fr.SourceField)
		}

		f.Columns = append(f.Columns, col)
	}

	if t.Load.Dedupe != nil && len(t.Load.Dedupe.ConflictColumns) > 0 {
		f.DedupeColumns = append(f.DedupeColumns, t.Load.Dedupe.ConflictColumns...)
	}
	return f, nil
}

func mapNullableByColumn(cols []storage.ColumnSpec) map[string]bool {
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Nullable != nil && *c.Nullable
	}
	return out
}

// pickLookupMatchField returns the source field mapped from the
// lexicographically smallest dimension column, so a multi-entry match map
// compiles the same way every run. Empty match yields "".
func pickLookupMatchField(match map[string]string) string {
	if len(match) == 0 {
		return ""
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return match[keys[0]]
}

// requiredInputColumns derives the stream layout from the table specs and the
// row hash. added lists generated columns the processed store does not carry.
func requiredInputColumns(cfg Pipeline) (cols []string, added []string) {
	set := map[string]struct{}{}
	put := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}

	for _, t := range cfg.Tables {
		for _, fr := range t.Load.FromRows {
			put(fr.SourceField)
			if fr.Lookup != nil {
				for _, src := range fr.Lookup.Match {
					put(src)
				}
			}
		}
	}
	if target := strings.TrimSpace(cfg.RowHash.TargetField); target != "" {
		for _, f := range cfg.RowHash.Fields {
			put(f)
		}
		put(target)
		added = append(added, target)
	}

	cols = make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, added
}
