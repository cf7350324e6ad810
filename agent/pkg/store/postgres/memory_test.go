package postgres_test

import (
	"testing"

	"github.com/malbeclabs/sqlflow/agent/pkg/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := postgres.NewMemoryStore(newMigratedPool(t))

	_, ok, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "t1", "first"))
	require.NoError(t, s.Put(ctx, "t1", "second"))
	v, ok, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	require.NoError(t, s.Delete(ctx, "t1"))
	_, ok, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing thread is not an error.
	require.NoError(t, s.Delete(ctx, "nope"))
}
