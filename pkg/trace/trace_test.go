package trace

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEnsure_KeepsExistingID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	got, id := Ensure(ctx)
	require.Equal(t, "abc", id)
	require.Equal(t, ctx, got)
}

func TestEnsure_GeneratesUUID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	fromCtx, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, fromCtx)
}

func TestFromContext_Missing(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
}
