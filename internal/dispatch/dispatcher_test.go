package dispatch

import (
	"context"
	"errors"
	"testing"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher(t *testing.T) {
	d := New()
	ctx := context.Background()
	errNotFound := errors.New("log not found")

	d.Register("createLog", func(_ context.Context, p models.Payload) (any, error) {
		return map[string]string{"id": p.GetString("id")}, nil
	})
	d.Register("addComment", func(context.Context, models.Payload) (any, error) {
		return nil, errNotFound
	})

	t.Run("RoutesByName", func(t *testing.T) {
		res, err := d.Dispatch(ctx, "createLog", models.Payload{"id": "log-1"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"id": "log-1"}, res)
	})

	t.Run("NilPayload", func(t *testing.T) {
		_, err := d.Dispatch(ctx, "createLog", nil)
		assert.NoError(t, err)
	})

	t.Run("UnknownAction", func(t *testing.T) {
		_, err := d.Dispatch(ctx, "doUnknownThing", nil)
		assert.ErrorIs(t, err, ErrUnknownAction)
	})

	t.Run("DomainError", func(t *testing.T) {
		_, err := d.Dispatch(ctx, "addComment", nil)
		var de *DomainError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "addComment", de.Action)
		assert.ErrorIs(t, err, errNotFound)
		assert.Equal(t, "addComment: log not found", err.Error())
	})

	assert.True(t, d.Has("createLog"))
	assert.False(t, d.Has("nope"))
	assert.Equal(t, []string{"addComment", "createLog"}, d.Actions())
}
