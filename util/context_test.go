package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/errors"
)

func TestValueFromCtx(t *testing.T) {
	type TestStruct struct {
		Field string
	}

	t.Run("string value - success", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "string-key", "test-value")
		got, err := ValueFromCtx[string](ctx, "string-key")
		require.NoError(t, err)
		assert.Equal(t, "test-value", got)
	})

	t.Run("struct value - success", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "struct-key", TestStruct{Field: "test"})
		got, err := ValueFromCtx[TestStruct](ctx, "struct-key")
		require.NoError(t, err)
		assert.Equal(t, TestStruct{Field: "test"}, got)
	})

	t.Run("pointer value - success", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "ptr-key", &TestStruct{Field: "test"})
		got, err := ValueFromCtx[*TestStruct](ctx, "ptr-key")
		require.NoError(t, err)
		assert.Equal(t, &TestStruct{Field: "test"}, got)
	})

	t.Run("missing value - error", func(t *testing.T) {
		_, err := ValueFromCtx[int](context.Background(), "missing-key")
		assert.True(t, errors.IsKind(err, errors.IllegalState))
	})

	t.Run("wrong type - error", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "wrong-type", "string-value")
		_, err := ValueFromCtx[int](ctx, "wrong-type")
		assert.True(t, errors.IsKind(err, errors.InvalidArgument))
	})
}

func TestCorrelationID(t *testing.T) {
	_, err := CorrelationIDFromCtx(context.Background())
	assert.Error(t, err)

	ctx := CorrelationIDToCtx(context.Background(), "abc")
	id, err := CorrelationIDFromCtx(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
}
