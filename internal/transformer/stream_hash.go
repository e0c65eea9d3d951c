package transformer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HashSpec describes how the row hash is derived.
//
// Fields are concatenated in order with Separator (default 0x1f) and hashed
// with SHA-256; the lowercase hex digest is written into TargetField.
type HashSpec struct {
	Fields            []string
	TargetField       string
	IncludeFieldNames bool
	// Overwrite replaces a non-nil value already present in TargetField.
	Overwrite bool
	Separator string
	TrimSpace bool
}

// HashRow computes the hash of r.V according to spec. idx holds the position
// of each spec field in r.V.
func HashRow(v []any, idx []int, spec HashSpec) string {
	sep := spec.Separator
	if sep == "" {
		sep = "\x1f"
	}
	var b strings.Builder
	var scratch [64]byte
	for i, pos := range idx {
		if i > 0 {
			b.WriteString(sep)
		}
		if spec.IncludeFieldNames {
			b.WriteString(spec.Fields[i])
			b.WriteByte('=')
		}
		appendCanonicalValue(&b, v[pos], spec.TrimSpace, &scratch)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// HashLoopRows reads rows from in, writes the hash into spec.TargetField and
// forwards them to out. It returns when in is closed.
//
// Edge cases:
//   - TargetField not in columns: every row is forwarded untouched.
//   - A row whose length differs from columns is rejected and freed.
//   - A spec field not in columns rejects every row (reported once per row).
//   - After ctx is done, remaining input is drained with Drop.
func HashLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec HashSpec,
	onReject func(line int, reason string),
) {
	reject := func(r *Row, reason string) {
		if onReject != nil {
			onReject(r.Line, reason)
		}
		r.Free()
	}

	targetIdx := indexOf(columns, spec.TargetField)

	fieldIdx := make([]int, len(spec.Fields))
	missing := ""
	for i, name := range spec.Fields {
		fieldIdx[i] = indexOf(columns, name)
		if fieldIdx[i] < 0 && missing == "" {
			missing = name
		}
	}

	for r := range in {
		if r == nil {
			continue
		}
		select {
		case <-ctx.Done():
			r.Drop()
			continue
		default:
		}

		if targetIdx >= 0 {
			if len(r.V) != len(columns) {
				reject(r, fmt.Sprintf("hash: row has %d values, want %d", len(r.V), len(columns)))
				continue
			}
			if missing != "" {
				reject(r, fmt.Sprintf("hash: missing field %q", missing))
				continue
			}
			if r.V[targetIdx] == nil || spec.Overwrite {
				r.V[targetIdx] = HashRow(r.V, fieldIdx, spec)
			}
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}

func indexOf(cols []string, name string) int {
	if name == "" {
		return -1
	}
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// appendCanonicalValue writes a type-stable text form of v. Integral floats
// are written like integers so a value read as 7.0 hashes like 7.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool, scratch *[64]byte) {
	switch t := v.(type) {
	case nil:
		b.WriteByte(0)
	case string:
		if trimSpace {
			t = strings.TrimSpace(t)
		}
		b.WriteString(t)
	case []byte:
		s := string(t)
		if trimSpace {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)
	case bool:
		b.Write(strconv.AppendBool(scratch[:0], t))
	case int:
		b.Write(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int32:
		b.Write(strconv.AppendInt(scratch[:0], int64(t), 10))
	case int64:
		b.Write(strconv.AppendInt(scratch[:0], t, 10))
	case float32:
		appendFloat(b, float64(t), scratch)
	case float64:
		appendFloat(b, t, scratch)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			appendFloat(b, f, scratch)
			return
		}
		b.WriteString(t.String())
	default:
		fmt.Fprintf(b, "%v", t)
	}
}

func appendFloat(b *strings.Builder, f float64, scratch *[64]byte) {
	if f == float64(int64(f)) {
		b.Write(strconv.AppendInt(scratch[:0], int64(f), 10))
		return
	}
	b.Write(strconv.AppendFloat(scratch[:0], f, 'g', -1, 64))
}
