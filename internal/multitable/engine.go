// Package multitable loads the processed store into a relational warehouse.
//
// Tables are declared as storage.TableSpec values. Dimension tables are
// filled in pass 1 from distinct key values; fact tables are filled in pass 2
// with dimension lookups resolved to surrogate ids per batch.
package multitable

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"megashop/internal/metrics"
	"megashop/internal/storage"
	"megashop/internal/transformer"
)

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Stats summarizes a load.
type Stats struct {
	// Rows is the number of processed rows seen in pass 2.
	Rows int64
	// Inserted counts fact rows actually written, summed over fact tables.
	Inserted int64
	// Dropped counts rows skipped by lookups with on_missing "drop".
	Dropped int64
}

// Engine is the loader seam used by Runner.
type Engine interface {
	Run(ctx context.Context, cfg Pipeline, columns []string) (Stats, error)
}

// Engine2Pass streams the processed store twice:
//   - Pass 1 ensures dimension keys exist, in batches, without a global dedupe.
//   - Pass 2 resolves ids per batch and inserts facts from a pool of loader workers.
//
// Neither pass holds more than a few batches of rows in memory.
type Engine2Pass struct {
	Repo   storage.MultiRepository
	Logger Logger

	// Stream replaces StreamProcessed when set.
	Stream StreamFn
}

// Run executes the two-pass plan.
func (e *Engine2Pass) Run(ctx context.Context, cfg Pipeline, columns []string) (Stats, error) {
	if e.Repo == nil {
		return Stats{}, fmt.Errorf("loader: Repo is required")
	}

	plan, err := buildIndexedPlan(cfg, columns)
	if err != nil {
		return Stats{}, err
	}

	ddlStart := time.Now()
	if err := e.Repo.EnsureTables(ctx, plan.AllTables()); err != nil {
		return Stats{}, fmt.Errorf("ensure tables: %w", err)
	}
	e.logf("stage=ddl ok duration=%s", durMS(ddlStart))

	pass1Start := time.Now()
	err = e.ensureDimensionsStreaming(ctx, cfg, columns, plan)
	metrics.RecordStep("load_dimensions", pass1Start, err)
	if err != nil {
		return Stats{}, err
	}
	e.logf("stage=pass1_ensure_dims ok duration=%s", durMS(pass1Start))

	seed, err := e.prewarm(ctx, plan)
	if err != nil {
		return Stats{}, err
	}

	pass2Start := time.Now()
	st, err := e.loadFactsStreaming(ctx, cfg, columns, plan, seed)
	metrics.RecordStep("load_facts", pass2Start, err)
	if err != nil {
		return st, err
	}
	metrics.RecordRecords("inserted", st.Inserted)
	metrics.RecordRecords("skipped", st.Dropped)
	e.logf("stage=pass2_load_facts ok rows=%d inserted=%d dropped=%d duration=%s",
		st.Rows, st.Inserted, st.Dropped, durMS(pass2Start))

	return st, nil
}

func (e *Engine2Pass) logf(format string, v ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
	}
}

func (e *Engine2Pass) stream(ctx context.Context, cfg Pipeline, columns []string) (*RowStream, error) {
	if e.Stream != nil {
		return e.Stream(ctx, cfg, columns)
	}
	return StreamProcessed(ctx, cfg, columns)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// ensureDimensionsStreaming queues dimension keys per table and flushes them
// with EnsureDimensionKeys whenever a queue reaches the batch size. Keys are
// deduplicated within a flush only; the backend's idempotent insert handles
// repeats across flushes.
func (e *Engine2Pass) ensureDimensionsStreaming(
	ctx context.Context,
	cfg Pipeline,
	columns []string,
	plan indexedPlan,
) error {
	batchSize := cfg.batchSize()

	pending := make(map[string][]any, len(plan.Dimensions))
	for _, dim := range plan.Dimensions {
		pending[dim.Table.Name] = make([]any, 0, batchSize)
	}

	stream, err := e.stream(ctx, cfg, columns)
	if err != nil {
		return err
	}

	flushDim := func(dim indexedDimension) error {
		keys := pending[dim.Table.Name]
		if len(keys) == 0 {
			return nil
		}
		pending[dim.Table.Name] = make([]any, 0, batchSize)

		keys = dedupeTypedKeys(keys)

		conflictCols := []string{dim.KeyColumn}
		if dim.Table.Load.Conflict != nil && len(dim.Table.Load.Conflict.TargetColumns) > 0 {
			conflictCols = dim.Table.Load.Conflict.TargetColumns
		}
		if err := e.Repo.EnsureDimensionKeys(ctx, dim.Table.Name, dim.KeyColumn, keys, conflictCols); err != nil {
			return fmt.Errorf("dimension %s: %w", dim.Table.Name, err)
		}
		return nil
	}

	seenRows := 0
	var loopErr error
	for r := range stream.Rows {
		if loopErr != nil {
			r.Free()
			continue
		}
		seenRows++
		for _, dim := range plan.Dimensions {
			if dim.SourceIndex < 0 {
				continue
			}
			v := r.V[dim.SourceIndex]
			if storage.NormalizeKey(v) == "" {
				continue
			}
			pending[dim.Table.Name] = append(pending[dim.Table.Name], typedBindValue(v))
			if len(pending[dim.Table.Name]) >= batchSize {
				if err := flushDim(dim); err != nil {
					loopErr = err
					break
				}
			}
		}
		r.Free()
	}
	if err := stream.Wait(); err != nil {
		return err
	}
	if loopErr != nil {
		return loopErr
	}

	for _, dim := range plan.Dimensions {
		if err := flushDim(dim); err != nil {
			return err
		}
	}

	e.logf("stage=pass1_rows seen_rows=%d", seenRows)
	return nil
}

// prewarm loads dimensions whose cache asks for it. Every pass 2 worker
// starts from a copy of the result.
func (e *Engine2Pass) prewarm(ctx context.Context, plan indexedPlan) (map[string]map[string]int64, error) {
	seed := make(map[string]map[string]int64)
	for _, dim := range plan.Dimensions {
		if dim.Table.Load.Cache == nil || !dim.Table.Load.Cache.Prewarm {
			continue
		}
		kv, err := e.Repo.SelectAllKeyValue(ctx, dim.Table.Name, dim.KeyColumn, dim.ValueColumn)
		if err != nil {
			return nil, fmt.Errorf("prewarm %s: %w", dim.Table.Name, err)
		}
		seed[dim.Table.Name] = kv
		e.logf("stage=prewarm table=%s keys=%d", dim.Table.Name, len(kv))
	}
	return seed, nil
}

// loadFactsStreaming streams the store again and inserts facts in batches.
//
// Cancellation model:
//   - Any worker error cancels the derived context with that error as cause.
//   - The producer keeps draining the stream and frees rows it can no longer hand off.
//   - The first error wins and is returned ahead of the stream's own error.
func (e *Engine2Pass) loadFactsStreaming(
	ctx context.Context,
	cfg Pipeline,
	columns []string,
	plan indexedPlan,
	seed map[string]map[string]int64,
) (Stats, error) {
	batchSize := cfg.batchSize()
	loaderWorkers := cfg.loaderWorkers()
	debug := cfg.Runtime.DebugTimings

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
		}
	}

	stream, err := e.stream(ctx, cfg, columns)
	if err != nil {
		return Stats{}, err
	}

	var inserted, dropped atomic.Int64

	// Ownership of every row in a batch moves to the worker that receives it.
	batchCh := make(chan []*transformer.Row, loaderWorkers*2)

	var wg sync.WaitGroup
	wg.Add(loaderWorkers)
	for w := 0; w < loaderWorkers; w++ {
		go func(workerID int) {
			defer wg.Done()

			// cache[dimTable][normalizedKey] = id, private to the worker.
			cache := make(map[string]map[string]int64, len(plan.Dimensions))
			for t, kv := range seed {
				cache[t] = maps.Clone(kv)
			}

			for batch := range batchCh {
				select {
				case <-ctx.Done():
					freeRows(batch)
					continue
				default:
				}

				start := time.Now()
				ins, drop, err := e.processFactBatch(ctx, plan, batch, cache)
				dur := durMS(start)
				freeRows(batch)

				inserted.Add(ins)
				dropped.Add(drop)
				if err != nil {
					setErr(err)
					if debug {
						e.logf("stage=pass2_batch worker=%d status=error duration=%s err=%v", workerID, dur, err)
					}
					continue
				}
				if debug {
					e.logf("stage=pass2_batch worker=%d status=ok duration=%s rows=%d inserted=%d dropped=%d",
						workerID, dur, len(batch), ins, drop)
				}
			}
		}(w)
	}

	var seenRows int64
	batch := make([]*transformer.Row, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]*transformer.Row, 0, batchSize)
		select {
		case batchCh <- out:
		case <-ctx.Done():
			freeRows(out)
		}
	}

	for r := range stream.Rows {
		select {
		case <-ctx.Done():
			r.Free()
			continue
		default:
		}
		seenRows++
		batch = append(batch, r)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()

	close(batchCh)
	wg.Wait()

	st := Stats{Rows: seenRows, Inserted: inserted.Load(), Dropped: dropped.Load()}

	streamErr := stream.Wait()
	select {
	case werr := <-errCh:
		return st, werr
	default:
	}
	if streamErr != nil {
		return st, streamErr
	}

	e.logf("stage=pass2_rows seen_rows=%d loader_workers=%d", seenRows, loaderWorkers)
	return st, nil
}

func freeRows(rows []*transformer.Row) {
	for _, r := range rows {
		r.Free()
	}
}

func (e *Engine2Pass) processFactBatch(
	ctx context.Context,
	plan indexedPlan,
	batch []*transformer.Row,
	cache map[string]map[string]int64,
) (inserted, dropped int64, _ error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	if err := e.resolveBatchLookups(ctx, plan, batch, cache); err != nil {
		return 0, 0, err
	}

	for _, fact := range plan.Facts {
		ins, drop, err := e.insertFactBatch(ctx, fact, batch, cache)
		inserted += int64(ins)
		dropped += int64(drop)
		if err != nil {
			return inserted, dropped, err
		}
	}
	return inserted, dropped, nil
}

// resolveBatchLookups fetches the key -> id pairs this batch needs and that
// the cache does not hold yet, one query per dimension table.
func (e *Engine2Pass) resolveBatchLookups(
	ctx context.Context,
	plan indexedPlan,
	batch []*transformer.Row,
	cache map[string]map[string]int64,
) error {
	// needed[dimTable][normalizedKey] = typed bind value
	needed := make(map[string]map[string]any, len(plan.Dimensions))

	for _, fact := range plan.Facts {
		for _, col := range fact.Columns {
			if col.Lookup == nil || col.Lookup.MatchFieldIndex < 0 {
				continue
			}
			dimTable := col.Lookup.Table
			for _, r := range batch {
				v := r.V[col.Lookup.MatchFieldIndex]
				nk := storage.NormalizeKey(v)
				if nk == "" {
					continue
				}
				if _, ok := cache[dimTable][nk]; ok {
					continue
				}
				m := needed[dimTable]
				if m == nil {
					m = make(map[string]any)
					needed[dimTable] = m
				}
				if _, exists := m[nk]; !exists {
					m[nk] = typedBindValue(v)
				}
			}
		}
	}

	for _, dim := range plan.Dimensions {
		m := needed[dim.Table.Name]
		if len(m) == 0 {
			continue
		}
		keys := make([]any, 0, len(m))
		for _, v := range m {
			keys = append(keys, v)
		}

		kv, err := e.Repo.SelectKeyValueByKeys(ctx, dim.Table.Name, dim.KeyColumn, dim.ValueColumn, keys)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", dim.Table.Name, err)
		}

		cm := cache[dim.Table.Name]
		if cm == nil {
			cm = make(map[string]int64, len(kv))
			cache[dim.Table.Name] = cm
		}
		maps.Copy(cm, kv)
	}
	return nil
}

// insertFactBatch builds the target rows of fact from batch and inserts them.
//
// Lookup policy:
//   - Empty key: NULL when the column is nullable, row dropped for
//     on_missing "drop", error otherwise.
//   - Key not found: NULL for on_missing "null", row dropped for "drop",
//     error otherwise ("insert" dimensions are filled in pass 1 so a miss
//     means the store changed between passes).
func (e *Engine2Pass) insertFactBatch(
	ctx context.Context,
	fact indexedFact,
	batch []*transformer.Row,
	cache map[string]map[string]int64,
) (inserted int, dropped int, _ error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}

	outRows := make([][]any, 0, len(batch))

rows:
	for _, r := range batch {
		rowOut := make([]any, len(fact.Columns))

		for i, c := range fact.Columns {
			switch {
			case c.Lookup != nil:
				key := ""
				if c.Lookup.MatchFieldIndex >= 0 {
					key = storage.NormalizeKey(r.V[c.Lookup.MatchFieldIndex])
				}
				if key == "" {
					switch {
					case c.Nullable:
						rowOut[i] = nil
						continue
					case c.Lookup.OnMissing == OnMissingDrop:
						dropped++
						continue rows
					default:
						return inserted, dropped, fmt.Errorf("fact %s: row %d: empty lookup key table=%s",
							fact.Table.Name, r.Line, c.Lookup.Table)
					}
				}

				id, ok := cache[c.Lookup.Table][key]
				if !ok {
					switch c.Lookup.OnMissing {
					case OnMissingNull:
						rowOut[i] = nil
						continue
					case OnMissingDrop:
						dropped++
						continue rows
					default:
						return inserted, dropped, fmt.Errorf("fact %s: row %d: lookup miss table=%s key=%q",
							fact.Table.Name, r.Line, c.Lookup.Table, key)
					}
				}
				rowOut[i] = id

			case c.SourceFieldIndex >= 0:
				rowOut[i] = r.V[c.SourceFieldIndex]

			default:
				rowOut[i] = nil
			}
		}
		outRows = append(outRows, rowOut)
	}

	if len(outRows) == 0 {
		return 0, dropped, nil
	}

	affected, err := e.Repo.InsertFactRows(ctx, fact.Table.Name, fact.TargetColumns, outRows, fact.DedupeColumns)
	if err != nil {
		return 0, dropped, fmt.Errorf("fact %s: %w", fact.Table.Name, err)
	}
	return int(affected), dropped, nil
}

// dedupeTypedKeys drops repeated keys, comparing by storage.NormalizeKey and
// keeping the first typed value.
func dedupeTypedKeys(in []any) []any {
	seen := make(map[string]struct{}, len(in))
	out := make([]any, 0, len(in))
	for _, v := range in {
		k := storage.NormalizeKey(v)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func typedBindValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return v
	}
}
