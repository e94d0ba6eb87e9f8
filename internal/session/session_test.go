package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/awable/edgestore/internal/attr"
	"github.com/awable/edgestore/internal/eventbus"
	"github.com/awable/edgestore/internal/query"
	"github.com/awable/edgestore/internal/schema"
	"github.com/awable/edgestore/internal/shard"
	"github.com/awable/edgestore/internal/store"
)

func newTestSession(t *testing.T, numHosts int) (*Session, *store.Store, *eventbus.Bus) {
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
	st, err := store.New(shards, 0)
	require.NoError(t, err)
	bus := eventbus.NewWithDefaults()
	return New(st, bus), st, bus
}

// friendshipSchema is a plain (non-entity) edge type: Owner/Friend are
// distinct local/remote gids, with an Int payload attr.
func friendshipSchema(t *testing.T, st *store.Store) *schema.Schema {
	t.Helper()
	since, err := attr.Int(attr.Options{})
	require.NoError(t, err)
	sch, err := schema.Build(st, schema.Spec{
		Name: "Friendship",
		Attrs: map[string]*attr.Descriptor{
			"Owner":  attr.LocalGid(),
			"Friend": attr.RemoteGid(),
			"Since":  since,
		},
	})
	require.NoError(t, err)
	return sch
}

// widgetSchema is an Entity-style schema (gid1 == gid2), no ColoGid attr.
func widgetSchema(t *testing.T, st *store.Store) *schema.Schema {
	t.Helper()
	name, err := attr.Unicode(attr.Options{})
	require.NoError(t, err)
	count, err := attr.Int(attr.Options{Default: int64(0)})
	require.NoError(t, err)
	sch, err := schema.Build(st, schema.Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"Gid":   attr.PrimaryGid(),
			"Name":  name,
			"Count": count,
		},
	})
	require.NoError(t, err)
	return sch
}

// accountSchema is a KeyEntity-style schema: Entity identity plus a
// PrimaryKey attr, which schema.Build auto-registers a unique index over.
func accountSchema(t *testing.T, st *store.Store) *schema.Schema {
	t.Helper()
	sch, err := schema.Build(st, schema.Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"Gid":   attr.PrimaryGid(),
			"Email": attr.PrimaryKey(),
		},
	})
	require.NoError(t, err)
	return sch
}

func TestAddGetDeleteEdgeRoundTrips(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1)<<32 | 1
	friend := uint64(2)<<32 | 1

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		_, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(100)}, false)
		return err
	})
	require.NoError(t, err)

	inst, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	require.NotNil(t, inst)
	v, err := inst.Get("Since")
	require.NoError(t, err)
	require.Equal(t, int64(100), v)

	err = sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		return sess.Delete(ctx, sch, owner, friend)
	})
	require.NoError(t, err)

	inst, err = sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	require.Nil(t, inst)
}

func TestAddWithoutGetRejectsDuplicate(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1)<<32 | 2
	friend := uint64(2)<<32 | 2

	add := func() error {
		return sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
			_, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(1)}, false)
			return err
		})
	}
	require.NoError(t, add())
	require.ErrorIs(t, add(), ErrDuplicateInstance)
}

func TestAddWithGetReturnsExisting(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1)<<32 | 3
	friend := uint64(2)<<32 | 3

	var first, second *Instance
	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		var err error
		first, err = sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(5)}, false)
		return err
	})
	require.NoError(t, err)

	err = sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		var err error
		second, err = sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(999)}, true)
		return err
	})
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestSetRequiresLockButGetDoesNotOutsideScope(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1)<<32 | 4
	friend := uint64(2)<<32 | 4

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		_, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(1)}, false)
		return err
	})
	require.NoError(t, err)

	inst, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	require.NotNil(t, inst)

	_, err = inst.Get("Since")
	require.NoError(t, err, "reading an attribute outside any lock scope is unrestricted")

	err = inst.Set("Since", int64(2))
	require.ErrorIs(t, err, ErrLockRequired)
}

func TestSetPersistsMutationAfterLockCommits(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1) << 32
	friend := uint64(2) << 32

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		inst, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(1)}, false)
		if err != nil {
			return err
		}
		return sess.Set(ctx, inst, "Since", int64(2))
	})
	require.NoError(t, err)

	// Force a fresh decode from the stored row, rather than serving the
	// same in-memory *Instance the write path already mutated, so this
	// actually exercises the persisted bytes rather than Go-level state.
	sess.ClearInstanceCache()
	sess.ClearQueryCache()

	inst, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	require.NotNil(t, inst)
	since, err := inst.Get("Since")
	require.NoError(t, err)
	require.Equal(t, int64(2), since, "Set's mutation must be marked for save, not silently dropped at commit")
}

func TestSetMutationRolledBackOnLockError(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(1) << 32
	friend := uint64(2) << 32

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		_, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(1)}, false)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		inst, err := sess.Get(ctx, sch, owner, friend)
		if err != nil {
			return err
		}
		if err := sess.Set(ctx, inst, "Since", int64(999)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	sess.ClearInstanceCache()
	sess.ClearQueryCache()

	inst, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	since, err := inst.Get("Since")
	require.NoError(t, err)
	require.Equal(t, int64(1), since, "a failed lock scope must not persist a mutation made inside it")
}

func TestQueryListsByLocalGid(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(3)<<32 | 1
	friendA := uint64(4)<<32 | 1
	friendB := uint64(5)<<32 | 1

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		if _, err := sess.Add(ctx, sch, owner, friendA, map[string]any{"Since": int64(1)}, false); err != nil {
			return err
		}
		_, err := sess.Add(ctx, sch, owner, friendB, map[string]any{"Since": int64(2)}, false)
		return err
	})
	require.NoError(t, err)

	ownerAttr, err := sch.Attr("Owner")
	require.NoError(t, err)
	eq, err := ownerAttr.Eq(owner)
	require.NoError(t, err)
	q, err := query.New(sch.LocalAttrName()).Filter(eq)
	require.NoError(t, err)

	results, err := sess.Query(ctx, sch, q)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestQueryCacheServesRepeatedGet(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	owner := uint64(6)<<32 | 1
	friend := uint64(7)<<32 | 1

	err := sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		_, err := sess.Add(ctx, sch, owner, friend, map[string]any{"Since": int64(1)}, false)
		return err
	})
	require.NoError(t, err)

	first, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	second, err := sess.Get(ctx, sch, owner, friend)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestLockExpansionRejected(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	outerOwner := uint64(8) << 32
	innerOwner := uint64(9) << 32

	err := sess.Lock(ctx, []uint64{outerOwner}, nil, func(ctx context.Context) error {
		return sess.Lock(ctx, []uint64{innerOwner}, nil, func(ctx context.Context) error {
			_, err := sess.Add(ctx, sch, innerOwner, innerOwner, nil, false)
			return err
		})
	})
	require.ErrorIs(t, err, ErrLockExpansion)
}

func TestAddEntityGeneratesGid(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := widgetSchema(t, st)
	ctx := context.Background()

	inst, err := sess.AddEntity(ctx, sch, 0, map[string]any{"Name": "sprocket"}, false)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.NotZero(t, inst.Gid1())
	require.Equal(t, inst.Gid1(), inst.Gid2())

	v, err := inst.Get("Name")
	require.NoError(t, err)
	require.Equal(t, "sprocket", v)

	v, err = inst.Get("Count")
	require.NoError(t, err)
	require.Equal(t, int64(0), v, "declared default applies when omitted")
}

func TestAddByKeyGetByKeyDeleteByKey(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := accountSchema(t, st)
	ctx := context.Background()

	inst, err := sess.AddByKey(ctx, sch, "alice@example.com", nil, false)
	require.NoError(t, err)
	require.NotNil(t, inst)
	require.Equal(t, store.Key2Colo([]byte("alice@example.com")), st.Colo(inst.Gid1()))

	_, err = sess.AddByKey(ctx, sch, "alice@example.com", nil, false)
	require.ErrorIs(t, err, ErrDuplicateInstance)

	got, err := sess.GetByKey(ctx, sch, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, inst.Gid1(), got.Gid1())

	err = sess.DeleteByKey(ctx, sch, "alice@example.com")
	require.NoError(t, err)

	got, err = sess.GetByKey(ctx, sch, "alice@example.com")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGlobalQueryInsideLockRejected(t *testing.T) {
	sess, st, _ := newTestSession(t, 4)
	sch := friendshipSchema(t, st)
	ctx := context.Background()

	sinceAttr, err := sch.Attr("Since")
	require.NoError(t, err)
	ge, err := sinceAttr.Ge(int64(0))
	require.NoError(t, err)
	q, err := query.New(sch.LocalAttrName()).Filter(ge)
	require.NoError(t, err)

	owner := uint64(10) << 32
	err = sess.Lock(ctx, []uint64{owner}, nil, func(ctx context.Context) error {
		_, err := sess.Query(ctx, sch, q)
		return err
	})
	require.ErrorIs(t, err, ErrGlobalQueryInsideLock)
}
