package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// ReadString returns the first non-empty string value among keys.
func ReadString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch value := v.(type) {
		case string:
			s = value
		case fmt.Stringer:
			s = value.String()
		case float64:
			s = strconv.FormatFloat(value, 'f', -1, 64)
		case int:
			s = strconv.Itoa(value)
		case int64:
			s = strconv.FormatInt(value, 10)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// ReadBool returns the first boolean-ish value among keys.
func ReadBool(raw map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch value := raw[key].(type) {
		case bool:
			return value
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
				return b
			}
		}
	}
	return false
}
