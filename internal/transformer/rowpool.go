// Package transformer holds the row plumbing shared by the JSONL parser, the
// memory engine and the warehouse loader: a pooled positional Row, value
// coercion to engine kinds, and the streaming row hash.
package transformer

import "sync"

// Row is a pooled positional record travelling between pipeline stages.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time; sending it on a channel
//     transfers ownership.
//   - The final consumer calls Free once nothing references r or r.V.
//   - Cancellation paths call Drop instead, so a row still visible to a
//     draining stage is never handed out again by GetRow.
type Row struct {
	V    []any
	Line int // 1-based source line, 0 when unknown
}

var rowPool sync.Pool

// GetRow returns a Row with len(V) == colCount and every element nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns r to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop releases r without pooling it.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
