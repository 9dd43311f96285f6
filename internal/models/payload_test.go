package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPayload_Helpers(t *testing.T) {
	now := time.Now()
	p := Payload{
		"int64":  int64(123),
		"int":    123,
		"float":  123.45,
		"string": "hello",
		"time":   "2025-01-01T10:00:00Z",
		"time_t": now,
		"millis": float64(1700000000000),
		"flag":   true,
	}

	t.Run("NilPayload", func(t *testing.T) {
		var nilPayload Payload
		assert.Equal(t, int64(0), nilPayload.GetInt64("any"))
		assert.Equal(t, "", nilPayload.GetString("any"))
		assert.True(t, nilPayload.GetTime("any").IsZero())
		assert.False(t, nilPayload.Has("any"))
		_, ok := nilPayload.GetBool("any")
		assert.False(t, ok)
	})

	t.Run("GetInt64", func(t *testing.T) {
		assert.Equal(t, int64(123), p.GetInt64("int64"))
		assert.Equal(t, int64(123), p.GetInt64("int"))
		assert.Equal(t, int64(123), p.GetInt64("float"))
		assert.Equal(t, int64(0), p.GetInt64("string"))
		assert.Equal(t, int64(0), p.GetInt64("missing"))
	})

	t.Run("GetString", func(t *testing.T) {
		assert.Equal(t, "hello", p.GetString("string"))
		assert.Equal(t, "", p.GetString("int"))
	})

	t.Run("GetBool", func(t *testing.T) {
		v, ok := p.GetBool("flag")
		assert.True(t, ok)
		assert.True(t, v)
		_, ok = p.GetBool("string")
		assert.False(t, ok)
	})

	t.Run("GetTime", func(t *testing.T) {
		assert.Equal(t, 2025, p.GetTime("time").Year())
		assert.Equal(t, now.Unix(), p.GetTime("time_t").Unix())
		assert.Equal(t, int64(1700000000000), p.GetTime("millis").UnixMilli())
		assert.True(t, p.GetTime("string").IsZero())
	})
}
