package vectorstore

import (
	"fmt"
	"strconv"
)

func payloadString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func payloadInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// PayloadString reads a string payload field, "" when absent.
func PayloadString(p map[string]any, field string) string {
	v, ok := p[field]
	if !ok {
		return ""
	}
	return payloadString(v)
}

// PayloadInt reads an integer payload field, 0 when absent.
func PayloadInt(p map[string]any, field string) int64 {
	v, ok := p[field]
	if !ok {
		return 0
	}
	n, _ := payloadInt(v)
	return n
}

// PayloadFloat reads a float payload field, 0 when absent.
func PayloadFloat(p map[string]any, field string) float64 {
	switch t := p[field].(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
