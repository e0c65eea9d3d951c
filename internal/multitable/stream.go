package multitable

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"megashop/internal/columnar"
	"megashop/internal/engine"
	"megashop/internal/transformer"
)

// RowStream is one pass over the processed store.
//
// The consumer must drain Rows and Free every row, then call Wait.
type RowStream struct {
	Rows <-chan *transformer.Row
	wait func() error
}

// Wait blocks until the producers exit and returns their first error.
func (s *RowStream) Wait() error {
	if s.wait == nil {
		return nil
	}
	return s.wait()
}

// StreamFn produces a row stream laid out as columns. Tests inject their own.
type StreamFn func(ctx context.Context, cfg Pipeline, columns []string) (*RowStream, error)

// StreamProcessed reads the processed store at cfg.Source and emits rows laid
// out as columns, with cfg.RowHash.TargetField filled by the row hash stage.
//
// Errors:
//   - columnar.ErrNoFiles when the store holds no parquet files.
//   - engine.ErrUnknownColumn when a column other than the hash target is
//     missing from the store.
func StreamProcessed(ctx context.Context, cfg Pipeline, columns []string) (*RowStream, error) {
	tbl, err := columnar.ReadPartitioned(ctx, cfg.Source, cfg.Runtime.ReaderWorkers)
	if err != nil {
		return nil, fmt.Errorf("read processed store: %w", err)
	}

	src := make([]int, len(columns))
	for i, c := range columns {
		src[i] = tbl.Index(c)
		if src[i] < 0 && c != cfg.RowHash.TargetField {
			return nil, fmt.Errorf("%w: %q not in processed store (have %v)",
				engine.ErrUnknownColumn, c, engine.ColumnNames(tbl.Columns))
		}
	}

	buf := cfg.channelBuffer()
	raw := make(chan *transformer.Row, buf)
	out := make(chan *transformer.Row, buf)

	var rejected atomic.Int64
	var firstReject atomic.Value

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(raw)
		for i, v := range tbl.Rows {
			r := transformer.GetRow(len(columns))
			r.Line = i + 1
			for j, pos := range src {
				if pos >= 0 {
					r.V[j] = v[pos]
				}
			}
			select {
			case raw <- r:
			case <-gctx.Done():
				r.Drop()
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		defer close(out)
		if cfg.RowHash.TargetField == "" {
			for r := range raw {
				select {
				case out <- r:
				case <-gctx.Done():
					r.Drop()
				}
			}
			return nil
		}
		transformer.HashLoopRows(gctx, columns, raw, out, cfg.RowHash, func(line int, reason string) {
			if rejected.Add(1) == 1 {
				firstReject.Store(fmt.Sprintf("row %d: %s", line, reason))
			}
		})
		return nil
	})

	return &RowStream{
		Rows: out,
		wait: func() error {
			if err := g.Wait(); err != nil {
				return err
			}
			if n := rejected.Load(); n > 0 {
				return fmt.Errorf("row hash rejected %d rows (first: %v)", n, firstReject.Load())
			}
			return nil
		},
	}, nil
}
