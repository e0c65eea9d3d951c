package multitable

import (
	"megashop/internal/config"
	"megashop/internal/storage"
	"megashop/internal/transformer"
)

// Pipeline is the slice of the megashop document the warehouse loader needs.
type Pipeline struct {
	// Source is the processed store (year-partitioned parquet).
	Source string

	Kind   string
	DSN    string
	Tables []storage.TableSpec

	// RowHash is computed per row before loading; an empty TargetField
	// disables it.
	RowHash transformer.HashSpec

	Runtime RuntimeConfig
}

// RuntimeConfig controls loader execution.
type RuntimeConfig struct {
	ReaderWorkers int
	LoaderWorkers int
	BatchSize     int
	ChannelBuffer int

	// DebugTimings logs duration and row counts of every pass 2 batch.
	DebugTimings bool
}

// FromConfig projects the megashop document onto a loader Pipeline.
func FromConfig(p config.Pipeline) Pipeline {
	return Pipeline{
		Source: p.Paths.ProcessedDir,
		Kind:   p.Warehouse.Kind,
		DSN:    p.Warehouse.DSN,
		Tables: p.Warehouse.Tables,
		RowHash: transformer.HashSpec{
			Fields:      p.Warehouse.RowHash.Fields,
			TargetField: p.Warehouse.RowHash.TargetField,
			TrimSpace:   true,
		},
		Runtime: RuntimeConfig{
			ReaderWorkers: p.Runtime.ReaderWorkers,
			LoaderWorkers: p.Runtime.LoaderWorkers,
			BatchSize:     p.Runtime.BatchSize,
			ChannelBuffer: p.Runtime.ChannelBuffer,
			DebugTimings:  p.Runtime.DebugTimings,
		},
	}
}

func (p Pipeline) batchSize() int {
	if p.Runtime.BatchSize <= 0 {
		return 1024
	}
	return p.Runtime.BatchSize
}

func (p Pipeline) loaderWorkers() int {
	if p.Runtime.LoaderWorkers <= 0 {
		return 1
	}
	return p.Runtime.LoaderWorkers
}

func (p Pipeline) channelBuffer() int {
	if p.Runtime.ChannelBuffer <= 0 {
		return 256
	}
	return p.Runtime.ChannelBuffer
}
