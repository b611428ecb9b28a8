package common

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Decode parses a JSON object, keeping numbers as json.Number.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup walks a dotted path ("ticket.id") through nested objects.
func Lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// String returns the first non-empty scalar among paths, formatted as text.
func String(m map[string]any, paths ...string) string {
	for _, path := range paths {
		v, ok := Lookup(m, path)
		if !ok {
			continue
		}
		if s := scalar(v); s != "" {
			return s
		}
	}
	return ""
}

// Int returns the first integer among paths.
func Int(m map[string]any, paths ...string) (int64, bool) {
	for _, path := range paths {
		v, ok := Lookup(m, path)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, true
			}
		case float64:
			return int64(n), true
		}
	}
	return 0, false
}

// Object returns the nested object at path.
func Object(m map[string]any, path string) map[string]any {
	v, ok := Lookup(m, path)
	if !ok {
		return nil
	}
	obj, _ := v.(map[string]any)
	return obj
}

// Array returns the nested array at path.
func Array(m map[string]any, path string) []any {
	v, ok := Lookup(m, path)
	if !ok {
		return nil
	}
	arr, _ := v.([]any)
	return arr
}

func scalar(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return ""
	}
}
