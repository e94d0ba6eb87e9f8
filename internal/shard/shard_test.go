package shard

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestShard(t *testing.T) *Shard {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range CreateTablesSQL() {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return Open(db, SQLiteDialect{}, "test-host", "test-db")
}

func TestGenerateGidAllocatesSequentialCounters(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	g1, err := s.GenerateGid(ctx, 7, 1)
	require.NoError(t, err)
	g2, err := s.GenerateGid(ctx, 7, 1)
	require.NoError(t, err)

	require.Equal(t, uint32(7), uint32(g1>>32))
	require.Equal(t, g1+1, g2)
}

func TestAddThenGetRoundTrips(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	row, overwrite, err := s.Add(ctx, 100, 1, 2, 0, []byte(`{"a":1}`), nil, false)
	require.NoError(t, err)
	require.False(t, overwrite)
	require.Equal(t, uint64(1), row.Revision)

	got, ok, err := s.Get(ctx, 100, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"a":1}`), got.Data)
	require.Equal(t, uint64(1), got.Revision)

	count, err := s.Count(ctx, 100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestAddWithoutOverwriteRejectsDuplicate(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("v1"), nil, false)
	require.NoError(t, err)

	_, _, err = s.Add(ctx, 100, 1, 2, 0, []byte("v2"), nil, false)
	require.ErrorIs(t, err, ErrDuplicateInstance)
}

func TestAddOverwriteBumpsRevisionAndReportsOverwrite(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("v1"), nil, false)
	require.NoError(t, err)

	row, overwrite, err := s.Add(ctx, 100, 1, 2, 0, []byte("v2"), nil, true)
	require.NoError(t, err)
	require.True(t, overwrite)
	require.Equal(t, uint64(2), row.Revision)

	count, err := s.Count(ctx, 100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count, "overwrite should not change the edge count")
}

func TestUniqueIndexViolation(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	ix := []IndexTuple{{IndexType: 5, IndexValue: []byte("dup"), Unique: true}}
	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("v1"), ix, false)
	require.NoError(t, err)

	_, _, err = s.Add(ctx, 100, 3, 4, 0, []byte("v2"), ix, false)
	require.ErrorIs(t, err, ErrUniqueViolation)
}

func TestDeleteRemovesEdgeAndIndexRows(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	ix := []IndexTuple{{IndexType: 5, IndexValue: []byte("k"), Unique: false}}
	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("v1"), ix, false)
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, 100, 1, 2, []uint64{5})
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := s.Get(ctx, 100, 1, 2)
	require.NoError(t, err)
	require.False(t, ok)

	count, err := s.Count(ctx, 100, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	rows, err := s.Query(ctx, 100, 5, []byte{0}, []byte{0xFF}, nil)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteOfMissingEdgeIsNoop(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	deleted, err := s.Delete(ctx, 100, 1, 2, nil)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestQueryByGid1ListsAllRevisionsDescending(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("a"), nil, false)
	require.NoError(t, err)
	_, _, err = s.Add(ctx, 100, 1, 3, 0, []byte("b"), nil, false)
	require.NoError(t, err)

	gid1 := uint64(1)
	rows, err := s.Query(ctx, 100, 0, nil, nil, &gid1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestQueryGlobalIndexScatersAcrossGid1(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	ix := func(v byte) []IndexTuple { return []IndexTuple{{IndexType: 9, IndexValue: []byte{v}}} }
	_, _, err := s.Add(ctx, 100, 1, 2, 0, []byte("a"), ix(1), false)
	require.NoError(t, err)
	_, _, err = s.Add(ctx, 100, 5, 6, 0, []byte("b"), ix(2), false)
	require.NoError(t, err)

	rows, err := s.Query(ctx, 100, 9, []byte{0}, []byte{0xFF}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestUpsertDefinitionIsIdempotent(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	id1, err := s.UpsertDefinition(ctx, "TestUser")
	require.NoError(t, err)
	id2, err := s.UpsertDefinition(ctx, "TestUser")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := s.UpsertDefinition(ctx, "OtherClass")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestLockRequiresOngoingTransaction(t *testing.T) {
	s := newTestShard(t)
	ctx := context.Background()

	_, err := s.Lock(ctx, 1)
	require.Error(t, err)

	err = s.Transaction(ctx, func(ctx context.Context) error {
		_, err := s.Lock(ctx, 1)
		return err
	})
	require.NoError(t, err)
}
