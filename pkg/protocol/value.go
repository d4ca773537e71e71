package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value helpers narrow hub-controlled JSON at the boundary. Each takes the
// first key that yields a usable value and returns the zero value otherwise.

// Str returns the first string value among the given keys.
func Str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// LowerStr is Str lowercased and trimmed.
func LowerStr(m map[string]any, keys ...string) string {
	return strings.ToLower(strings.TrimSpace(Str(m, keys...)))
}

// Int64 returns the first integer-like value among the given keys.
// JSON numbers, json.Number, and numeric strings all qualify.
func Int64(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n), true
		case int64:
			return n, true
		case int:
			return int64(n), true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

// Float returns the first numeric value among the given keys.
func Float(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Bool returns the first boolean-like value among the given keys.
// Accepts true/false, "true"/"false", and 0/1.
func Bool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true", "1", "yes":
				return true, true
			case "false", "0", "no":
				return false, true
			}
		case float64:
			return b != 0, true
		}
	}
	return false, false
}

// Obj returns the first nested object among the given keys.
func Obj(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if o, ok := v.(map[string]any); ok {
				return o
			}
		}
	}
	return nil
}

// Arr returns the first nested array among the given keys.
func Arr(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if a, ok := v.([]any); ok {
				return a
			}
		}
	}
	return nil
}

// Has reports whether any of the given keys is present, even with a null value.
func Has(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// ToMap round-trips any JSON-marshalable value into a loose map. Used where a
// typed frame must be inspected the same way hub payloads are.
func ToMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
