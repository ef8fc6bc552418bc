package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/els-fr/livreur/internal/errors"
)

func TestNewTask(t *testing.T) {
	t.Parallel()

	tk, err := NewTask("saveDelivery", map[string]any{"eventId": "E1", "seq": 2})
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, "saveDelivery", tk.Endpoint)
	assert.JSONEq(t, `{"eventId":"E1","seq":2}`, string(tk.Payload))
	assert.False(t, tk.CreatedAt.IsZero())

	_, err = NewTask("", nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = NewTask("saveDelivery", make(chan int))
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	var got json.RawMessage
	r.Handle("saveDelivery", func(_ context.Context, tk Task) error {
		got = tk.Payload
		return nil
	})

	require.NoError(t, r.Execute(t.Context(), Task{ID: "1", Endpoint: "saveDelivery", Payload: []byte(`{"a":1}`)}))
	assert.JSONEq(t, `{"a":1}`, string(got))

	err := r.Execute(t.Context(), Task{ID: "2", Endpoint: "unknown"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}
