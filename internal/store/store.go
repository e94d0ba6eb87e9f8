// Package store implements the global router described in spec §4.3: gid
// allocation, colo routing to per-host shards, definitions allocation,
// and scatter/merge for queries that are not scoped to a single colo.
// Grounded on the original source's datastore.py DataStore class.
package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/awable/edgestore/internal/colo"
	"github.com/awable/edgestore/internal/shard"
)

// maxColoID mirrors DataStore._MAX_COLO_ID: colos are kept in the 32-bit
// range for now (spec §9's gid-width design note).
const maxColoID = (uint64(1) << 32) - 1

// Store is the process-wide router over a fixed set of host shards, one
// of which (DefinitionsHost) also owns the definitions table. It
// implements internal/schema.TypeAllocator so Schema.Build can allocate
// edgetype/indextype ids without importing this package.
type Store struct {
	shards          []*shard.Shard // index i serves host i, per colo%NumHosts routing
	definitionsHost int            // index into shards
}

// New builds a Store over hostShards, ordered to match the configured
// DATABASE_HOSTS list (spec §6), with definitionsHostIndex naming which
// one owns the definitions table.
func New(hostShards []*shard.Shard, definitionsHostIndex int) (*Store, error) {
	if len(hostShards) == 0 {
		return nil, fmt.Errorf("store: at least one host shard is required")
	}
	if definitionsHostIndex < 0 || definitionsHostIndex >= len(hostShards) {
		return nil, fmt.Errorf("store: definitions host index %d out of range", definitionsHostIndex)
	}
	return &Store{shards: hostShards, definitionsHost: definitionsHostIndex}, nil
}

// NumHosts is the number of shards gids are distributed across.
func (s *Store) NumHosts() int { return len(s.shards) }

// Colo extracts the colo component of a gid, per spec §3.
func (s *Store) Colo(gid uint64) uint32 { return colo.Gid(gid).Colo() }

func (s *Store) hostShard(hostIndex int) *shard.Shard { return s.shards[hostIndex] }

func (s *Store) coloShard(c uint32) *shard.Shard {
	return s.hostShard(colo.Host(c, len(s.shards)))
}

func (s *Store) gidShard(gid uint64) *shard.Shard {
	return s.coloShard(s.Colo(gid))
}

// Key2Colo derives the colo a key-addressed entity lives on, per spec §9's
// resolved Open Question and entity.py's KeyEntity._key2colo: crc32(key)
// mod 2^32.
func Key2Colo(key []byte) uint32 {
	return crc32.ChecksumIEEE(key)
}

// GenerateGid allocates a new gid, grounded on DataStore.generateGid.
// Exactly one of coloGid/colo may be given to pin the new gid's colo;
// with neither, a colo is chosen uniformly at random in [1, 2^32-1], per
// spec §4.3.
func (s *Store) GenerateGid(ctx context.Context, coloGid *uint64, colo *uint32) (uint64, error) {
	if coloGid != nil && colo != nil {
		return 0, fmt.Errorf("store: cannot specify both colo and colo_gid")
	}
	var c uint32
	switch {
	case colo != nil:
		c = *colo
	case coloGid != nil:
		c = s.Colo(*coloGid)
	default:
		c = uint32(1 + rand.Int63n(int64(maxColoID)))
	}
	return s.coloShard(c).GenerateGid(ctx, c, 1)
}

// AllocateType implements internal/schema.TypeAllocator by upserting name
// into the definitions table on the designated definitions host, grounded
// on datametaclass.py's getDefinitionType/DataStore.addOrGetDefinitionType.
func (s *Store) AllocateType(name string) (uint64, error) {
	typeID, err := s.hostShard(s.definitionsHost).UpsertDefinition(context.Background(), name)
	if err != nil {
		return 0, err
	}
	// getDefinitionType shifts the allocated counter into the high 32
	// bits so definition "gids" live in the same numeric space as data
	// gids without colliding with them (datametaclass.py:
	// `return deftype_gid << 32`).
	return typeID << 32, nil
}

// Add writes an edge row on gid1's shard, grounded on DataStore.add.
func (s *Store) Add(ctx context.Context, edgeType, gid1, gid2 uint64, encoding int, data []byte, indices []shard.IndexTuple, overwrite bool) (shard.EdgeRow, bool, error) {
	return s.gidShard(gid1).Add(ctx, edgeType, gid1, gid2, encoding, data, indices, overwrite)
}

// Delete removes an edge row on gid1's shard, grounded on DataStore.delete.
func (s *Store) Delete(ctx context.Context, edgeType, gid1, gid2 uint64, indexTypes []uint64) (bool, error) {
	return s.gidShard(gid1).Delete(ctx, edgeType, gid1, gid2, indexTypes)
}

// Get fetches a single edge row on gid1's shard, grounded on DataStore.get.
func (s *Store) Get(ctx context.Context, edgeType, gid1, gid2 uint64) (shard.EdgeRow, bool, error) {
	return s.gidShard(gid1).Get(ctx, edgeType, gid1, gid2)
}

// Count fetches gid1's maintained edge count, grounded on DataStore.count.
func (s *Store) Count(ctx context.Context, edgeType, gid1 uint64) (uint64, error) {
	return s.gidShard(gid1).Count(ctx, edgeType, gid1)
}

// QueryScope pins a query to either a single gid1 (list-by-parent or
// gid1-scoped index scan) or a single explicit colo (index scan scoped to
// one host); both are nil for a global scatter/merge across every host.
type QueryScope struct {
	Gid1 *uint64
	Colo *uint32
}

// Query runs an index (or list-by-parent) scan, grounded on
// DataStore.query. When scope names neither a gid1 nor a colo, the scan
// runs concurrently against every host shard and the per-host result
// streams — each already ordered by (indexvalue, revision DESC) — are
// merged back into a single ordered stream, mirroring the original's
// `headpq.merge(*results)` over heap-ordered per-shard cursors.
func (s *Store) Query(ctx context.Context, edgeType, indexType uint64, start, end []byte, scope QueryScope) ([]shard.EdgeRow, error) {
	if scope.Gid1 != nil && scope.Colo != nil {
		return nil, fmt.Errorf("store: cannot query with both parent gid and colo")
	}

	if scope.Colo != nil || scope.Gid1 != nil {
		var colo uint32
		if scope.Colo != nil {
			colo = *scope.Colo
		} else {
			colo = s.Colo(*scope.Gid1)
		}
		return s.coloShard(colo).Query(ctx, edgeType, indexType, start, end, scope.Gid1)
	}

	results := make([][]shard.EdgeRow, len(s.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.shards {
		i := i
		g.Go(func() error {
			rows, err := s.shards[i].Query(gctx, edgeType, indexType, start, end, nil)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeOrderedRows(results), nil
}

// mergeOrderedRows merges already-sorted per-shard result streams into a
// single stream ordered the same way the query planner's Range orders a
// single shard's rows: ascending indexvalue, then descending revision.
// Go's standard library has no generic k-way merge in sort, so this does
// the straightforward heap-free merge (host counts are small — at most
// NUM_HOSTS — so an O(n*k) merge is not a bottleneck).
func mergeOrderedRows(streams [][]shard.EdgeRow) []shard.EdgeRow {
	total := 0
	for _, s := range streams {
		total += len(s)
	}
	out := make([]shard.EdgeRow, 0, total)
	idx := make([]int, len(streams))
	for {
		best := -1
		for i, s := range streams {
			if idx[i] >= len(s) {
				continue
			}
			if best == -1 || less(s[idx[i]], streams[best][idx[best]]) {
				best = i
			}
		}
		if best == -1 {
			return out
		}
		out = append(out, streams[best][idx[best]])
		idx[best]++
	}
}

func less(a, b shard.EdgeRow) bool {
	if c := compareBytes(a.IndexValue, b.IndexValue); c != 0 {
		return c < 0
	}
	return a.Revision > b.Revision
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Lock acquires the advisory row lock on every colo in colos (sorted
// ascending, per spec §4.4's lock-ordering rule), opening a transaction
// per distinct shard colos span, then runs fn before committing. Grounded
// on DataStore.lock, adapted from a context-manager nesting arbitrarily
// many shard.transaction() scopes into an explicit ascending-order fold.
func (s *Store) Lock(ctx context.Context, colos []uint32, fn func(ctx context.Context) error) error {
	unique := dedupSorted(colos)
	return s.lockColos(ctx, unique, fn)
}

func (s *Store) lockColos(ctx context.Context, colos []uint32, fn func(ctx context.Context) error) error {
	if len(colos) == 0 {
		return fn(ctx)
	}
	colo := colos[0]
	sh := s.coloShard(colo)
	return sh.Transaction(ctx, func(ctx context.Context) error {
		if _, err := sh.Lock(ctx, colo); err != nil {
			return err
		}
		return s.lockColos(ctx, colos[1:], fn)
	})
}

func dedupSorted(colos []uint32) []uint32 {
	set := make(map[uint32]struct{}, len(colos))
	for _, c := range colos {
		set[c] = struct{}{}
	}
	out := make([]uint32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
