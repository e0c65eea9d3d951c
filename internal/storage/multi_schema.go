package storage

// TableSpec declares one warehouse table and how the loader fills it.
//
// Specs live in this package so internal/multitable and every backend can
// share them without an import cycle.
type TableSpec struct {
	Name            string           `json:"name" mapstructure:"name"`
	AutoCreateTable bool             `json:"auto_create_table" mapstructure:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty" mapstructure:"primary_key"`
	Columns         []ColumnSpec     `json:"columns" mapstructure:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty" mapstructure:"constraints"`
	Load            LoadSpec         `json:"load" mapstructure:"load"`
}

// PrimaryKeySpec is a surrogate key column. Type "serial" is translated to
// the backend's auto-increment form.
type PrimaryKeySpec struct {
	Name string `json:"name" mapstructure:"name"`
	Type string `json:"type" mapstructure:"type"`
}

// ColumnSpec is a plain column. A nil Nullable means NOT NULL.
type ColumnSpec struct {
	Name       string `json:"name" mapstructure:"name"`
	Type       string `json:"type" mapstructure:"type"`
	References string `json:"references,omitempty" mapstructure:"references"`
	Nullable   *bool  `json:"nullable,omitempty" mapstructure:"nullable"`
}

// ConstraintSpec is a table-level constraint. Only "unique" is supported.
type ConstraintSpec struct {
	Kind    string   `json:"kind" mapstructure:"kind"`
	Columns []string `json:"columns" mapstructure:"columns"`
}

// LoadSpec says whether a table is a dimension (keys ensured in pass 1) or a
// fact (rows inserted in pass 2).
type LoadSpec struct {
	Kind     string        `json:"kind" mapstructure:"kind"`
	FromRows []FromRowSpec `json:"from_rows" mapstructure:"from_rows"`

	Conflict *ConflictSpec `json:"conflict,omitempty" mapstructure:"conflict"`
	Cache    *CacheSpec    `json:"cache,omitempty" mapstructure:"cache"`

	Dedupe *DedupeSpec `json:"dedupe,omitempty" mapstructure:"dedupe"`
}

type DedupeSpec struct {
	ConflictColumns []string `json:"conflict_columns" mapstructure:"conflict_columns"`
	Action          string   `json:"action" mapstructure:"action"`
}

type ConflictSpec struct {
	TargetColumns []string `json:"target_columns" mapstructure:"target_columns"`
	Action        string   `json:"action" mapstructure:"action"`
}

// CacheSpec names the key and surrogate columns of a dimension. Prewarm loads
// the whole dimension into memory before pass 2.
type CacheSpec struct {
	KeyColumn   string `json:"key_column" mapstructure:"key_column"`
	ValueColumn string `json:"value_column" mapstructure:"value_column"`
	Prewarm     bool   `json:"prewarm" mapstructure:"prewarm"`
}

// FromRowSpec maps one target column to either a source field of the processed
// row or a dimension lookup.
type FromRowSpec struct {
	TargetColumn string      `json:"target_column" mapstructure:"target_column"`
	SourceField  string      `json:"source_field,omitempty" mapstructure:"source_field"`
	Lookup       *LookupSpec `json:"lookup,omitempty" mapstructure:"lookup"`
}

// LookupSpec resolves a surrogate id. Match maps the dimension key column to
// the source field; OnMissing is "insert" (default), "null", "drop" or "fail".
type LookupSpec struct {
	Table     string            `json:"table" mapstructure:"table"`
	Match     map[string]string `json:"match" mapstructure:"match"`
	Return    string            `json:"return" mapstructure:"return"`
	OnMissing string            `json:"on_missing" mapstructure:"on_missing"`
}
