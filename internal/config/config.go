// Package config defines the megashop pipeline document and loads it.
//
// The document is JSON (see configs/pipelines/megashop.json). Every scalar key
// can be overridden from the environment with the MEGASHOP_ prefix, dots
// replaced by underscores: paths.json_dir becomes MEGASHOP_PATHS_JSON_DIR.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"megashop/internal/storage"
)

// Engine kinds understood by internal/engine.
const (
	EngineMemory = "memory"
	EngineDuckDB = "duckdb"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "MEGASHOP"

// Pipeline is the top-level configuration shared by every megashop command.
type Pipeline struct {
	Job       string        `json:"job" mapstructure:"job"`
	Paths     Paths         `json:"paths" mapstructure:"paths"`
	Engine    EngineConfig  `json:"engine" mapstructure:"engine"`
	Parser    Parser        `json:"parser" mapstructure:"parser"`
	Runtime   RuntimeConfig `json:"runtime" mapstructure:"runtime"`
	Watch     WatchConfig   `json:"watch" mapstructure:"watch"`
	Warehouse Warehouse     `json:"warehouse" mapstructure:"warehouse"`
	Metrics   MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// Paths is the directory convention of the data lake.
//
// Empty sub-paths are derived from BaseDir by Normalize:
//
//	<base>/json             arrival units (*.jsonl)
//	<base>/parquet          transactions_batch_*.parquet, products.parquet, regions.parquet
//	<base>/processed_sales  year-partitioned output of the ETL stage
type Paths struct {
	BaseDir      string `json:"base_dir" mapstructure:"base_dir"`
	JSONDir      string `json:"json_dir" mapstructure:"json_dir"`
	ParquetDir   string `json:"parquet_dir" mapstructure:"parquet_dir"`
	ProcessedDir string `json:"processed_dir" mapstructure:"processed_dir"`
	ChartPath    string `json:"chart_path" mapstructure:"chart_path"`
}

// EngineConfig selects the data engine.
type EngineConfig struct {
	// Kind: "memory" | "duckdb"
	Kind   string       `json:"kind" mapstructure:"kind"`
	DuckDB DuckDBConfig `json:"duckdb" mapstructure:"duckdb"`
}

// DuckDBConfig holds DuckDB-specific settings. Zero values keep DuckDB defaults.
type DuckDBConfig struct {
	MemoryLimitMB int64  `json:"memory_limit_mb" mapstructure:"memory_limit_mb"`
	Threads       int    `json:"threads" mapstructure:"threads"`
	TempDirectory string `json:"temp_directory" mapstructure:"temp_directory"`
}

// Parser configures how arrival units are decoded.
type Parser struct {
	// Kind: "jsonl" (the only supported format).
	Kind    string  `json:"kind" mapstructure:"kind"`
	Options Options `json:"options" mapstructure:"options"`
}

// RuntimeConfig controls pipeline execution behavior.
type RuntimeConfig struct {
	ReaderWorkers int `json:"reader_workers" mapstructure:"reader_workers"`
	LoaderWorkers int `json:"loader_workers" mapstructure:"loader_workers"`
	BatchSize     int `json:"batch_size" mapstructure:"batch_size"`
	ChannelBuffer int `json:"channel_buffer" mapstructure:"channel_buffer"`

	// DebugTimings enables per-batch timing logs in the warehouse loader.
	DebugTimings bool `json:"debug_timings" mapstructure:"debug_timings"`
}

// WatchConfig configures the live aggregator.
type WatchConfig struct {
	// Dir defaults to Paths.JSONDir.
	Dir    string `json:"dir" mapstructure:"dir"`
	Suffix string `json:"suffix" mapstructure:"suffix"`
}

// Warehouse configures the optional relational sink for the processed store.
type Warehouse struct {
	// Kind: "sqlite" | "postgres" | "sqlserver"; empty disables the load command.
	Kind    string              `json:"kind" mapstructure:"kind"`
	DSN     string              `json:"dsn" mapstructure:"dsn"`
	RowHash HashConfig          `json:"row_hash" mapstructure:"row_hash"`
	Tables  []storage.TableSpec `json:"tables" mapstructure:"tables"`
}

// HashConfig describes the row hash appended to every processed row before loading.
type HashConfig struct {
	Fields      []string `json:"fields" mapstructure:"fields"`
	TargetField string   `json:"target_field" mapstructure:"target_field"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend: "none" | "datadog"
	Backend    string        `json:"backend" mapstructure:"backend"`
	Tags       string        `json:"tags" mapstructure:"tags"`
	FlushEvery time.Duration `json:"flush_every" mapstructure:"flush_every"`
}

// Default returns the configuration used when no file is given. It mirrors the
// ./data_local layout the sample data generator writes.
func Default() Pipeline {
	p := Pipeline{
		Job:    "megashop",
		Paths:  Paths{BaseDir: "./data_local", ChartPath: "fatturato_per_categoria.png"},
		Engine: EngineConfig{Kind: EngineMemory},
		Parser: Parser{Kind: "jsonl", Options: Options{}},
		Runtime: RuntimeConfig{
			ReaderWorkers: 4,
			LoaderWorkers: 1,
			BatchSize:     1024,
			ChannelBuffer: 256,
		},
		Watch: WatchConfig{Suffix: ".jsonl"},
		Warehouse: Warehouse{
			RowHash: HashConfig{
				Fields:      []string{"transaction_id", "region_name", "category", "amount", "year"},
				TargetField: "row_hash",
			},
		},
		Metrics: MetricsConfig{Backend: "none", FlushEvery: 60 * time.Second},
	}
	p.Normalize()
	return p
}

// Normalize fills derived defaults in place. It is idempotent.
func (p *Pipeline) Normalize() {
	if p.Paths.BaseDir == "" {
		p.Paths.BaseDir = "./data_local"
	}
	if p.Paths.JSONDir == "" {
		p.Paths.JSONDir = filepath.Join(p.Paths.BaseDir, "json")
	}
	if p.Paths.ParquetDir == "" {
		p.Paths.ParquetDir = filepath.Join(p.Paths.BaseDir, "parquet")
	}
	if p.Paths.ProcessedDir == "" {
		p.Paths.ProcessedDir = filepath.Join(p.Paths.BaseDir, "processed_sales")
	}
	if p.Watch.Dir == "" {
		p.Watch.Dir = p.Paths.JSONDir
	}
	if p.Watch.Suffix == "" {
		p.Watch.Suffix = ".jsonl"
	}
	if p.Engine.Kind == "" {
		p.Engine.Kind = EngineMemory
	}
	if p.Parser.Kind == "" {
		p.Parser.Kind = "jsonl"
	}
	if p.Parser.Options == nil {
		p.Parser.Options = Options{}
	}
}

// Load reads the pipeline document at path (optional) and applies
// MEGASHOP_* environment overrides on top of Default().
//
// Errors:
//   - Returns an error when path is set but cannot be read or decoded.
func Load(path string) (Pipeline, error) {
	cfg := Default()
	// Derived paths are recomputed after the document is applied, so a
	// base_dir override moves every sub-directory with it.
	cfg.Paths = Paths{BaseDir: cfg.Paths.BaseDir, ChartPath: cfg.Paths.ChartPath}
	cfg.Watch.Dir = ""

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Pipeline{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Pipeline{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// bindEnvs registers every scalar key of cfg so viper resolves the matching
// environment variable during Unmarshal. Slices and maps are file-only.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := append(append([]string(nil), parts...), tag)
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnvs(v, val.Field(i).Interface(), key...)
		case reflect.Slice, reflect.Map:
			continue
		default:
			_ = v.BindEnv(strings.Join(key, "."))
		}
	}
}
