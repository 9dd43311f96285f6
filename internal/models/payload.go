package models

import "time"

// Payload is the opaque field map carried by an operation.
type Payload map[string]any

func (p Payload) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p[key]
	return ok
}

func (p Payload) GetString(key string) string {
	if p == nil {
		return ""
	}
	val, ok := p[key]
	if !ok {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

func (p Payload) GetInt64(key string) int64 {
	if p == nil {
		return 0
	}
	val, ok := p[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// GetBool returns the value and whether it was present as a boolean.
func (p Payload) GetBool(key string) (bool, bool) {
	if p == nil {
		return false, false
	}
	val, ok := p[key].(bool)
	return val, ok
}

func (p Payload) GetTime(key string) time.Time {
	if p == nil {
		return time.Time{}
	}
	val, ok := p[key]
	if !ok {
		return time.Time{}
	}
	switch v := val.(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t
	case float64:
		return time.UnixMilli(int64(v))
	default:
		return time.Time{}
	}
}
