package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildDemoSchemasRegistersThreeDistinctShapes(t *testing.T) {
	st, err := newMemoryStore(1)
	require.NoError(t, err)

	schemas, err := buildDemoSchemas(st)
	require.NoError(t, err)

	require.Equal(t, "owner", schemas.Friendship.LocalAttrName())
	require.Equal(t, "friend", schemas.Friendship.RemoteAttrName())

	require.Equal(t, "gid", schemas.Widget.LocalAttrName())
	require.Equal(t, schemas.Widget.LocalAttrName(), schemas.Widget.RemoteAttrName())

	require.Equal(t, "email", schemas.Account.KeyAttrName())

	require.NotEqual(t, schemas.Friendship.EdgeType(), schemas.Widget.EdgeType())
	require.NotEqual(t, schemas.Widget.EdgeType(), schemas.Account.EdgeType())
}

func TestBuildDemoSchemasIsIdempotentAgainstSameAllocator(t *testing.T) {
	st, err := newMemoryStore(1)
	require.NoError(t, err)

	first, err := buildDemoSchemas(st)
	require.NoError(t, err)
	second, err := buildDemoSchemas(st)
	require.NoError(t, err)

	require.Equal(t, first.Widget.EdgeType(), second.Widget.EdgeType())
}
