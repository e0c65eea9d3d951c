package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a dimension key value to the canonical string used by
// lookup caches, so "7", int64(7) and json.Number("7") share one entry.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := t.Float64(); err == nil {
			return NormalizeKey(f)
		}
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
