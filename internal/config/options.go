package config

import (
	"fmt"
	"strings"
)

// Options is a free-form options bag attached to parser and transform configs.
//
// Values come straight from the decoded JSON document, so nested objects are
// map[string]any and arrays are []any.
type Options map[string]any

// Any returns the raw value for key, or nil when absent.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns the option as a string, or def when absent or empty.
// Non-string scalars are formatted with fmt.Sprint.
func (o Options) String(key, def string) string {
	v := o.Any(key)
	if v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// StringMap returns the option as map[string]string. Entries whose values are
// not strings are skipped.
func (o Options) StringMap(key string) map[string]string {
	out := make(map[string]string)
	switch m := o.Any(key).(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
