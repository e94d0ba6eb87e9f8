package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/awable/edgestore/internal/shard"
)

func newTestStore(t *testing.T, numHosts int) *Store {
	t.Helper()
	shards := make([]*shard.Shard, numHosts)
	for i := 0; i < numHosts; i++ {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		for _, stmt := range shard.CreateTablesSQL() {
			_, err := db.Exec(stmt)
			require.NoError(t, err)
		}
		shards[i] = shard.Open(db, shard.SQLiteDialect{}, "host", "db")
	}
	s, err := New(shards, 0)
	require.NoError(t, err)
	return s
}

func TestGenerateGidPinnedColoRoutesToSameShard(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	colo := uint32(5)
	g1, err := s.GenerateGid(ctx, nil, &colo)
	require.NoError(t, err)
	g2, err := s.GenerateGid(ctx, nil, &colo)
	require.NoError(t, err)

	require.Equal(t, colo, s.Colo(g1))
	require.Equal(t, g1+1, g2)
}

func TestGenerateGidFromColoGidReusesColo(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	colo := uint32(2)
	coloGid, err := s.GenerateGid(ctx, nil, &colo)
	require.NoError(t, err)

	derived, err := s.GenerateGid(ctx, &coloGid, nil)
	require.NoError(t, err)
	require.Equal(t, colo, s.Colo(derived))
}

func TestAllocateTypeIsIdempotentAndShiftedToHighBits(t *testing.T) {
	s := newTestStore(t, 3)

	id1, err := s.AllocateType("TestUser")
	require.NoError(t, err)
	id2, err := s.AllocateType("TestUser")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Zero(t, id1&0xffffffff, "allocated type id should be shifted clear of the low 32 bits")
}

func TestAddGetDeleteRoundTrip(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	colo := uint32(1)
	gid1, err := s.GenerateGid(ctx, nil, &colo)
	require.NoError(t, err)
	gid2 := uint64(999)

	_, overwrite, err := s.Add(ctx, 42, gid1, gid2, 0, []byte("hello"), nil, false)
	require.NoError(t, err)
	require.False(t, overwrite)

	row, ok, err := s.Get(ctx, 42, gid1, gid2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), row.Data)

	deleted, err := s.Delete(ctx, 42, gid1, gid2, nil)
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestQueryGlobalMergesAcrossHosts(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	for _, colo := range []uint32{0, 1, 2} {
		colo := colo
		gid1, err := s.GenerateGid(ctx, nil, &colo)
		require.NoError(t, err)
		_, _, err = s.Add(ctx, 7, gid1, 1, 0, []byte{byte(colo)}, []shard.IndexTuple{{IndexType: 55, IndexValue: []byte{byte(colo)}}}, false)
		require.NoError(t, err)
	}

	rows, err := s.Query(ctx, 7, 55, []byte{0}, []byte{0xFF}, QueryScope{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestLockRunsFnOnceAcrossDedupedColos(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	calls := 0
	err := s.Lock(ctx, []uint32{5, 1, 5, 3}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDedupSortedOrdersAscendingAndRemovesDuplicates(t *testing.T) {
	require.Equal(t, []uint32{1, 3, 5}, dedupSorted([]uint32{5, 1, 5, 3}))
}

func TestKey2ColoIsDeterministic(t *testing.T) {
	a := Key2Colo([]byte("user:alice"))
	b := Key2Colo([]byte("user:alice"))
	c := Key2Colo([]byte("user:bob"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
