package registry

import (
	"context"
	"errors"
	"testing"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := New()
	ctx := context.Background()

	var got string
	r.Register("createLog", func(_ context.Context, p models.Payload) error {
		got = "first:" + p.GetString("body")
		return nil
	})
	r.Register("createLog", func(_ context.Context, p models.Payload) error {
		got = "second:" + p.GetString("body")
		return nil
	})
	r.Register("addComment", func(context.Context, models.Payload) error {
		return errors.New("offline")
	})

	assert.NoError(t, r.Call(ctx, "createLog", models.Payload{"body": "x"}))
	assert.Equal(t, "second:x", got, "last registration wins")

	assert.EqualError(t, r.Call(ctx, "addComment", nil), "offline")

	err := r.Call(ctx, "doUnknownThing", nil)
	assert.ErrorIs(t, err, ErrHandlerMissing)

	_, ok := r.Lookup("doUnknownThing")
	assert.False(t, ok)

	assert.Equal(t, []string{"addComment", "createLog"}, r.Actions())
}
