package transformer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"megashop/internal/engine"
)

// Coerce converts a decoded value to the Go type of kind
// (int64, float64, string, bool). nil stays nil.
//
// Edge cases:
//   - json.Number and numeric strings are parsed; an empty string is NULL for
//     numeric and bool kinds.
//   - A float is accepted for KindInt only when it is integral.
//   - Objects and arrays are rejected for every kind.
func Coerce(v any, kind engine.Kind) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case engine.KindInt:
		return coerceInt(v)
	case engine.KindFloat:
		return coerceFloat(v)
	case engine.KindString:
		return coerceString(v)
	case engine.KindBool:
		return coerceBool(v)
	default:
		return nil, fmt.Errorf("coerce: unsupported kind %s", kind)
	}
}

// CoerceRow converts v in place so v[i] matches cols[i].Kind. The error names
// the offending column.
func CoerceRow(v []any, cols []engine.Column) error {
	for i, c := range cols {
		if i >= len(v) {
			break
		}
		out, err := Coerce(v[i], c.Kind)
		if err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
		v[i] = out
	}
	return nil
}

func coerceInt(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return intFromFloat(t)
	case float32:
		return intFromFloat(float64(t))
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not a number", t.String())
		}
		return intFromFloat(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not an integer", t)
		}
		return intFromFloat(f)
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("coerce: cannot convert %T to int", v)
	}
}

func intFromFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("coerce: %v is not an integer", f)
	}
	return int64(f), nil
}

func coerceFloat(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not a number", t.String())
		}
		return f, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not a number", t)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("coerce: cannot convert %T to float", v)
	}
}

func coerceString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case json.Number:
		return t.String(), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case map[string]any, []any:
		return nil, fmt.Errorf("coerce: cannot convert %T to string", v)
	default:
		return fmt.Sprint(t), nil
	}
}

func coerceBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not a bool", t)
		}
		return b, nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("coerce: %q is not a bool", t.String())
		}
		return n != 0, nil
	case int64:
		return t != 0, nil
	default:
		return nil, fmt.Errorf("coerce: cannot convert %T to bool", v)
	}
}
