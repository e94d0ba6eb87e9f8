// Package session implements the edge-runtime layer described in spec
// §4.5 and §9: a per-instance cache, a three-level query cache, lock
// scopes that gate every read and write, and the deferred save/delete
// protocol that flushes dirtied instances when a lock scope commits.
//
// Grounded on the original source's edgedata.py (EdgeData/EdgeDataType:
// the instance cache, _queryCache, checkLock/isLocked/insideLock, the
// lock context manager's try/except/else/finally structure, _save/
// _delete) and entity.py (Entity/KeyEntity: gid-generation-then-lock for
// Add, the addbykey/getbykey/deletebykey trio built on a colo-only lock
// plus a unique-index query). Python's module-level, thread-unsafe
// `_lockedColos`/`_saveInstances`/etc. become state carried on
// context.Context per lock scope, since a Go process may run many lock
// scopes concurrently; see lockScope and scopeFromContext.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/awable/edgestore/internal/attr"
	"github.com/awable/edgestore/internal/codec"
	"github.com/awable/edgestore/internal/eventbus"
	"github.com/awable/edgestore/internal/query"
	"github.com/awable/edgestore/internal/schema"
	"github.com/awable/edgestore/internal/shard"
	"github.com/awable/edgestore/internal/store"
)

// defaultInstanceCacheSize bounds the process-wide instance identity cache;
// defaultQueryScopeCacheSize bounds the number of distinct probes (gets,
// counts, index ranges) remembered per (colo, edgetype, gid1) query-cache
// scope. Both are plain LRU caches rather than unbounded maps, so a
// long-running process serving many distinct gids never grows these
// caches without limit.
const (
	defaultInstanceCacheSize   = 1 << 16
	defaultQueryScopeCacheSize = 256
)

// lockScopeKey is the context key a top-level Lock call stashes its
// *lockScope under; nested Lock calls read it back to validate that they
// are not trying to expand the colo set, and Instance lookups read it
// back to decide whether an instance may be read or written.
type lockScopeKey struct{}

// lockScope is the per-call state EdgeData kept as class-level globals:
// the colos currently held, and the instances touched while holding them.
type lockScope struct {
	colos  map[uint32]struct{}
	save   map[instanceKey]*Instance
	del    map[instanceKey]*Instance
	locked map[instanceKey]*Instance
}

func scopeFromContext(ctx context.Context) (*lockScope, bool) {
	s, ok := ctx.Value(lockScopeKey{}).(*lockScope)
	return s, ok
}

// cacheScope is the second level of the query cache, keyed the same way
// as `_queryCache[colo][(edgetype, localgid)]`; gid1 is 0 for a global
// (colo-scoped-only) query cache entry.
type cacheScope struct {
	edgeType uint64
	gid1     uint64
}

// probeKey is the third level: a "get" by remote gid, a "count", or an
// index/list range.
type probeKey struct {
	op        string
	gid2      uint64
	indexType uint64
	start     string
	end       string
}

// ChangedPayload is EventChanged's payload: the instances a committed
// lock scope saved or deleted.
type ChangedPayload struct {
	Saved   []*Instance
	Deleted []*Instance
}

// Session is the process-local edge runtime over a Store: instance
// identity, the query cache, and lock-scope enforcement. One Session is
// normally shared by an entire process, the way DATASTORE and EdgeData's
// class-level caches were process-wide singletons in the original.
type Session struct {
	store *store.Store
	bus   *eventbus.Bus

	mu        sync.Mutex
	instances *lru.Cache[instanceKey, *Instance]

	cacheMu            sync.Mutex
	queryCache         map[uint32]map[cacheScope]*lru.Cache[probeKey, any]
	queryCacheDisabled int
}

// New builds a Session over st, firing bus's EventChanged event whenever a
// lock scope commits saved or deleted instances. bus may be nil to opt
// out of event notification entirely.
func New(st *store.Store, bus *eventbus.Bus) *Session {
	instances, err := lru.New[instanceKey, *Instance](defaultInstanceCacheSize)
	if err != nil {
		panic(fmt.Sprintf("session: building instance cache: %v", err))
	}
	return &Session{
		store:      st,
		bus:        bus,
		instances:  instances,
		queryCache: map[uint32]map[cacheScope]*lru.Cache[probeKey, any]{},
	}
}

// getOrCreateInstance returns the cached instance at key, installing the
// result of create if no entry exists yet. The check-then-create sequence
// is guarded by mu so two concurrent lookups for the same key never
// install two different *Instance values into the cache.
func (sess *Session) getOrCreateInstance(key instanceKey, create func() *Instance) *Instance {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if inst, ok := sess.instances.Get(key); ok {
		return inst
	}
	inst := create()
	sess.instances.Add(key, inst)
	return inst
}

// GenerateGid allocates a new gid, delegating to the underlying Store;
// exposed here so callers never need to reach past the Session.
func (sess *Session) GenerateGid(ctx context.Context, coloGid *uint64, colo *uint32) (uint64, error) {
	return sess.store.GenerateGid(ctx, coloGid, colo)
}

func (sess *Session) checkLock(ctx context.Context, colo uint32, required bool) error {
	scope, insideLock := scopeFromContext(ctx)
	if !insideLock {
		if required {
			return fmt.Errorf("%w: colo %d", ErrLockRequired, colo)
		}
		return nil
	}
	if _, locked := scope.colos[colo]; !locked {
		return fmt.Errorf("%w: colo %d", ErrLockRequired, colo)
	}
	return nil
}

func (sess *Session) insideLock(ctx context.Context) bool {
	_, ok := scopeFromContext(ctx)
	return ok
}

// Lock is the edge-runtime lock scope from spec §4.5. An empty gids+colos
// pair is a no-op that just runs fn, matching "empty lock waits for the
// first non-empty lock". A Lock call nested inside another one validates
// that every requested colo is already covered by the enclosing scope and
// otherwise just runs fn — nested locks never re-enter the store's own
// transaction, only the outermost call does. On success, every instance fn
// marked for save or delete is flushed inside the same store transaction
// before it commits; on any error, dirtied instances are reverted to their
// last-committed state and the error propagates. Grounded on
// EdgeData.lock.
func (sess *Session) Lock(ctx context.Context, gids []uint64, colos []uint32, fn func(ctx context.Context) error) error {
	coloSet := map[uint32]struct{}{}
	for _, g := range gids {
		if g != 0 {
			coloSet[sess.store.Colo(g)] = struct{}{}
		}
	}
	for _, c := range colos {
		coloSet[c] = struct{}{}
	}

	if len(coloSet) == 0 {
		return fn(ctx)
	}

	if outer, ok := scopeFromContext(ctx); ok {
		for c := range coloSet {
			if _, covered := outer.colos[c]; !covered {
				return fmt.Errorf("%w: colo %d", ErrLockExpansion, c)
			}
		}
		return fn(ctx)
	}

	coloList := make([]uint32, 0, len(coloSet))
	for c := range coloSet {
		coloList = append(coloList, c)
	}
	sort.Slice(coloList, func(i, j int) bool { return coloList[i] < coloList[j] })

	scope := &lockScope{
		colos:  coloSet,
		save:   map[instanceKey]*Instance{},
		del:    map[instanceKey]*Instance{},
		locked: map[instanceKey]*Instance{},
	}

	for _, c := range coloList {
		sess.clearQueryCacheColo(c)
	}

	runErr := sess.store.Lock(ctx, coloList, func(txCtx context.Context) error {
		innerCtx := context.WithValue(txCtx, lockScopeKey{}, scope)
		if err := fn(innerCtx); err != nil {
			return err
		}
		for _, inst := range scope.save {
			if err := sess.saveInstance(innerCtx, inst); err != nil {
				return err
			}
		}
		for _, inst := range scope.del {
			if err := sess.deleteInstance(innerCtx, inst); err != nil {
				return err
			}
		}
		return nil
	})

	if runErr != nil {
		for _, c := range coloList {
			sess.clearQueryCacheColo(c)
		}
		for _, inst := range scope.save {
			inst.revert()
		}
	} else {
		var payload ChangedPayload
		for _, inst := range scope.save {
			inst.commit()
			payload.Saved = append(payload.Saved, inst)
		}
		for _, inst := range scope.del {
			payload.Deleted = append(payload.Deleted, inst)
		}
		if sess.bus != nil && (len(payload.Saved) > 0 || len(payload.Deleted) > 0) {
			sess.bus.Trigger(eventbus.EventChanged, payload)
		}
	}

	for _, inst := range scope.locked {
		inst.setLocked(false)
	}

	return runErr
}

func (sess *Session) markSave(ctx context.Context, inst *Instance) error {
	scope, ok := scopeFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: cannot save without a lock", ErrLockRequired)
	}
	scope.save[instanceKeyOf(inst)] = inst
	return nil
}

func (sess *Session) markDelete(ctx context.Context, inst *Instance) error {
	scope, ok := scopeFromContext(ctx)
	if !ok {
		return fmt.Errorf("%w: cannot delete without a lock", ErrLockRequired)
	}
	scope.del[instanceKeyOf(inst)] = inst
	return nil
}

func instanceKeyOf(inst *Instance) instanceKey {
	return instanceKey{edgeType: inst.schema.EdgeType(), gid1: inst.gid1, gid2: inst.gid2}
}

func (sess *Session) stampLocked(ctx context.Context, key instanceKey, inst *Instance, colo uint32) {
	scope, ok := scopeFromContext(ctx)
	if !ok {
		return
	}
	if _, covered := scope.colos[colo]; !covered {
		return
	}
	inst.setLocked(true)
	scope.locked[key] = inst
}

// instanceFromEdge returns the cached instance for row, decoding and
// installing its payload if this is a newer revision than the instance
// already holds. Grounded on EdgeData._getInstanceFromEdge.
func (sess *Session) instanceFromEdge(ctx context.Context, sch *schema.Schema, row shard.EdgeRow) (*Instance, error) {
	key := instanceKey{edgeType: sch.EdgeType(), gid1: row.Gid1, gid2: row.Gid2}
	inst := sess.getOrCreateInstance(key, func() *Instance {
		return &Instance{schema: sch, gid1: row.Gid1, gid2: row.Gid2}
	})

	inst.mu.Lock()
	if inst.revision < row.Revision {
		base, err := codec.Decode(row.Encoding, row.Data)
		if err != nil {
			inst.mu.Unlock()
			return nil, err
		}
		native, err := sch.FromBaseDict(base)
		if err != nil {
			inst.mu.Unlock()
			return nil, err
		}
		inst.datadict = native
		inst.committedDatadict = cloneMap(native)
		inst.revision = row.Revision
		inst.committedRevision = row.Revision
	}
	inst.mu.Unlock()

	sess.stampLocked(ctx, key, inst, sess.store.Colo(row.Gid1))
	return inst, nil
}

// newInstance constructs (or reuses the cache slot for) a not-yet-saved
// instance, validating attrs and enforcing the ColoGid placement
// invariant (spec §3 invariant 5). Grounded on EdgeDataType.__call__'s
// "attrs given" branch plus EdgeData.__init__.
func (sess *Session) newInstance(ctx context.Context, sch *schema.Schema, gid1, gid2 uint64, attrs map[string]any) (*Instance, error) {
	validated, err := sch.ValidateDict(attrs)
	if err != nil {
		return nil, err
	}
	if err := checkColoInvariant(sess.store, sch, gid1, validated); err != nil {
		return nil, err
	}

	key := instanceKey{edgeType: sch.EdgeType(), gid1: gid1, gid2: gid2}
	inst := sess.getOrCreateInstance(key, func() *Instance {
		return &Instance{schema: sch, gid1: gid1, gid2: gid2}
	})

	inst.mu.Lock()
	inst.datadict = validated
	inst.revision = 0
	inst.mu.Unlock()

	sess.stampLocked(ctx, key, inst, sess.store.Colo(gid1))
	return inst, nil
}

func checkColoInvariant(st *store.Store, sch *schema.Schema, gid1 uint64, validated map[string]any) error {
	coloAttrName := sch.ColoAttrName()
	if coloAttrName == "" {
		return nil
	}
	v, ok := validated[coloAttrName]
	if !ok {
		return nil
	}
	coloGid, ok := gidValue(v)
	if !ok {
		return fmt.Errorf("session: %q is not a gid value", coloAttrName)
	}
	if st.Colo(coloGid) != st.Colo(gid1) {
		return fmt.Errorf("%w: %q", ErrColoMismatch, coloAttrName)
	}
	return nil
}

func gidValue(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	case int:
		return uint64(x), true
	default:
		return 0, false
	}
}

// Add creates (or, with get=true, returns the existing) instance of sch at
// (gid1, gid2). The new instance is only durably written once the
// enclosing Lock scope commits. Grounded on EdgeData.add.
func (sess *Session) Add(ctx context.Context, sch *schema.Schema, gid1, gid2 uint64, attrs map[string]any, get bool) (*Instance, error) {
	if gid1 == 0 || gid2 == 0 {
		return nil, fmt.Errorf("session: add requires non-zero gid1 and gid2")
	}
	colo := sess.store.Colo(gid1)
	if err := sess.checkLock(ctx, colo, true); err != nil {
		return nil, err
	}

	existing, err := sess.Get(ctx, sch, gid1, gid2)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !get {
			return nil, fmt.Errorf("%w: (%d,%d,%d)", ErrDuplicateInstance, sch.EdgeType(), gid1, gid2)
		}
		return existing, nil
	}

	inst, err := sess.newInstance(ctx, sch, gid1, gid2, attrs)
	if err != nil {
		return nil, err
	}
	if err := sess.markSave(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Set validates value against attrname and writes it to inst, then
// re-marks inst for save in the enclosing Lock scope so the mutation is
// actually flushed when that scope commits. Grounded on
// EdgeData.__setattr__, which calls self._markSave() on every attribute
// write (edgedata.py:283-291) — every mutation, not just the first one
// after an Add, re-enters the save set.
func (sess *Session) Set(ctx context.Context, inst *Instance, attrname string, value any) error {
	if err := inst.Set(attrname, value); err != nil {
		return err
	}
	return sess.markSave(ctx, inst)
}

// Delete marks the instance at (gid1, gid2), if any, for deletion when
// the enclosing Lock scope commits. Grounded on EdgeData.delete.
func (sess *Session) Delete(ctx context.Context, sch *schema.Schema, gid1, gid2 uint64) error {
	if gid1 == 0 || gid2 == 0 {
		return fmt.Errorf("session: delete requires non-zero gid1 and gid2")
	}
	colo := sess.store.Colo(gid1)
	if err := sess.checkLock(ctx, colo, true); err != nil {
		return err
	}
	inst, err := sess.Get(ctx, sch, gid1, gid2)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	return sess.markDelete(ctx, inst)
}

// Get fetches the instance at (gid1, gid2), nil if none exists, serving
// from the query cache when possible. Grounded on EdgeData.get.
func (sess *Session) Get(ctx context.Context, sch *schema.Schema, gid1, gid2 uint64) (*Instance, error) {
	if gid1 == 0 || gid2 == 0 {
		return nil, fmt.Errorf("session: get requires non-zero gid1 and gid2")
	}
	colo := sess.store.Colo(gid1)
	if err := sess.checkLock(ctx, colo, false); err != nil {
		return nil, err
	}

	scope := cacheScope{edgeType: sch.EdgeType(), gid1: gid1}
	probe := probeKey{op: "get", gid2: gid2}
	if cached, ok := sess.getQueryCache(colo, scope, probe); ok {
		inst, _ := cached.(*Instance)
		return inst, nil
	}

	row, found, err := sess.store.Get(ctx, sch.EdgeType(), gid1, gid2)
	if err != nil {
		return nil, err
	}
	var inst *Instance
	if found {
		inst, err = sess.instanceFromEdge(ctx, sch, row)
		if err != nil {
			return nil, err
		}
	}
	sess.setQueryCache(colo, scope, probe, inst)
	return inst, nil
}

// Count returns gid1's maintained edge count for sch, serving from the
// query cache when possible. Grounded on EdgeData.count.
func (sess *Session) Count(ctx context.Context, sch *schema.Schema, gid1 uint64) (uint64, error) {
	if gid1 == 0 {
		return 0, fmt.Errorf("session: count requires a non-zero gid1")
	}
	colo := sess.store.Colo(gid1)
	if err := sess.checkLock(ctx, colo, false); err != nil {
		return 0, err
	}
	scope := cacheScope{edgeType: sch.EdgeType(), gid1: gid1}
	probe := probeKey{op: "count"}
	if cached, ok := sess.getQueryCache(colo, scope, probe); ok {
		return cached.(uint64), nil
	}
	count, err := sess.store.Count(ctx, sch.EdgeType(), gid1)
	if err != nil {
		return 0, err
	}
	sess.setQueryCache(colo, scope, probe, count)
	return count, nil
}

// Query runs q against sch's declared indices (or the list-by-parent fast
// path when q names no more than a local-gid equality arg), serving from
// the query cache when the query is scoped to a single colo. A query
// scoped to neither a gid1 nor an explicit colo scatters across every
// host and is never cached — and is forbidden from inside any lock scope,
// since it cannot be attributed to a single colo's advisory lock.
// Grounded on EdgeData.queryfetch.
func (sess *Session) Query(ctx context.Context, sch *schema.Schema, q *query.Query) ([]*Instance, error) {
	colo, hasColo := q.Colo(sess.store.Colo)
	if !hasColo {
		if sess.insideLock(ctx) {
			return nil, ErrGlobalQueryInsideLock
		}
	} else if err := sess.checkLock(ctx, colo, false); err != nil {
		return nil, err
	}

	gid1, hasGid1 := q.LocalGid()

	var indexType uint64
	var start, end []byte
	if q.IsIndexQuery() {
		specs := make([]query.IndexSpec, len(sch.Indexes()))
		for i, idx := range sch.Indexes() {
			specs[i] = idx.Spec()
		}
		spec, err := query.SelectIndex(specs, q, hasColo)
		if err != nil {
			return nil, err
		}
		indexType, start, end, err = query.Range(*spec, q, q.EqualValues())
		if err != nil {
			return nil, err
		}
	}

	var cScope cacheScope
	if hasGid1 {
		cScope = cacheScope{edgeType: sch.EdgeType(), gid1: gid1}
	} else {
		cScope = cacheScope{edgeType: sch.EdgeType()}
	}
	probe := probeKey{op: "range", indexType: indexType, start: string(start), end: string(end)}

	if hasColo {
		if cached, ok := sess.getQueryCache(colo, cScope, probe); ok {
			return cached.([]*Instance), nil
		}
	}

	var storeScope store.QueryScope
	switch {
	case hasGid1:
		g := gid1
		storeScope.Gid1 = &g
	case hasColo:
		c := colo
		storeScope.Colo = &c
	}

	rows, err := sess.store.Query(ctx, sch.EdgeType(), indexType, start, end, storeScope)
	if err != nil {
		return nil, err
	}

	instances := make([]*Instance, len(rows))
	for i, row := range rows {
		inst, err := sess.instanceFromEdge(ctx, sch, row)
		if err != nil {
			return nil, err
		}
		instances[i] = inst
	}

	if hasColo {
		sess.setQueryCache(colo, cScope, probe, instances)
		for _, inst := range instances {
			sess.setQueryCache(sess.store.Colo(inst.gid1), cacheScope{edgeType: sch.EdgeType(), gid1: inst.gid1}, probeKey{op: "get", gid2: inst.gid2}, inst)
		}
	}

	return instances, nil
}

// AddEntity adds a primary-gid instance (gid1 == gid2), generating gid
// when it is 0. When sch declares a ColoGid attr, attrs must supply it so
// the new gid can be pinned to that attr's colo; generation runs before
// the lock is acquired, matching Entity.add's "generate then lock" order
// (gid allocation is its own atomic shard operation, not part of the
// instance's transaction). Grounded on entity.py's Entity.add.
func (sess *Session) AddEntity(ctx context.Context, sch *schema.Schema, gid uint64, attrs map[string]any, get bool) (*Instance, error) {
	if gid == 0 {
		coloGid, err := entityColoGid(sch, attrs)
		if err != nil {
			return nil, err
		}
		gid, err = sess.store.GenerateGid(ctx, coloGid, nil)
		if err != nil {
			return nil, err
		}
	}

	var result *Instance
	err := sess.Lock(ctx, []uint64{gid}, nil, func(ctx context.Context) error {
		inst, err := sess.Add(ctx, sch, gid, gid, attrs, get)
		if err != nil {
			return err
		}
		result = inst
		return nil
	})
	return result, err
}

func entityColoGid(sch *schema.Schema, attrs map[string]any) (*uint64, error) {
	coloAttrName := sch.ColoAttrName()
	if coloAttrName == "" {
		return nil, nil
	}
	v, ok := attrs[coloAttrName]
	if !ok {
		return nil, fmt.Errorf("session: %q (colo gid attr) is required to place a new %s", coloAttrName, sch.Name())
	}
	gid, ok := gidValue(v)
	if !ok {
		return nil, fmt.Errorf("session: %q is not a gid value", coloAttrName)
	}
	return &gid, nil
}

// GetByKey looks up sch's (unique) primary-key index for key, nil if no
// instance has that key. Grounded on KeyEntity.getbykey.
func (sess *Session) GetByKey(ctx context.Context, sch *schema.Schema, key string) (*Instance, error) {
	keyAttrName := sch.KeyAttrName()
	if keyAttrName == "" {
		return nil, fmt.Errorf("session: %s has no declared primary key attr", sch.Name())
	}
	keyAttr, err := sch.Attr(keyAttrName)
	if err != nil {
		return nil, err
	}
	eqArg, err := keyAttr.Eq(key)
	if err != nil {
		return nil, err
	}
	q := query.New(sch.LocalAttrName()).SetColo(store.Key2Colo([]byte(key)))
	q, err = q.Filter(eqArg)
	if err != nil {
		return nil, err
	}
	instances, err := sess.Query(ctx, sch, q)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[0], nil
}

// AddByKey creates (or, with get=true, returns the existing) key-addressed
// instance for key, generating its gid from key's colo. Grounded on
// KeyEntity.addbykey.
func (sess *Session) AddByKey(ctx context.Context, sch *schema.Schema, key string, attrs map[string]any, get bool) (*Instance, error) {
	keyAttrName := sch.KeyAttrName()
	if keyAttrName == "" {
		return nil, fmt.Errorf("session: %s has no declared primary key attr", sch.Name())
	}
	if existing, ok := attrs[keyAttrName]; ok {
		if s, ok2 := existing.(string); !ok2 || s != key {
			return nil, fmt.Errorf("session: conflicting value for primary key attr %q", keyAttrName)
		}
	}

	merged := cloneMap(attrs)
	merged[keyAttrName] = key
	colo := store.Key2Colo([]byte(key))

	var result *Instance
	err := sess.Lock(ctx, nil, []uint32{colo}, func(ctx context.Context) error {
		existing, err := sess.GetByKey(ctx, sch, key)
		if err != nil {
			return err
		}
		if existing != nil {
			if !get {
				return fmt.Errorf("%w: key %q", ErrDuplicateInstance, key)
			}
			result = existing
			return nil
		}

		gid, err := sess.store.GenerateGid(ctx, nil, &colo)
		if err != nil {
			return err
		}
		inst, err := sess.Add(ctx, sch, gid, gid, merged, false)
		if err != nil {
			return err
		}
		result = inst
		return nil
	})
	return result, err
}

// DeleteByKey deletes the instance with the given key, if any. Grounded
// on KeyEntity.deletebykey.
func (sess *Session) DeleteByKey(ctx context.Context, sch *schema.Schema, key string) error {
	colo := store.Key2Colo([]byte(key))
	return sess.Lock(ctx, nil, []uint32{colo}, func(ctx context.Context) error {
		existing, err := sess.GetByKey(ctx, sch, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		return sess.Delete(ctx, sch, existing.gid1, existing.gid2)
	})
}

// saveInstance is the EdgeData._save protocol: validate, encode, compute
// index tuples, and write the row, run inside the same store transaction
// the enclosing Lock scope opened.
func (sess *Session) saveInstance(ctx context.Context, inst *Instance) error {
	validated := inst.snapshot()
	base, err := inst.schema.ToBaseDict(validated)
	if err != nil {
		return err
	}
	encoding, data, err := codec.Encode(base)
	if err != nil {
		return err
	}

	var indices []shard.IndexTuple
	for _, idx := range inst.schema.Indexes() {
		tuples, err := idx.Tuples(func(d *attr.Descriptor) (any, error) {
			return indexAttrValue(validated, d)
		})
		if err != nil {
			return err
		}
		for _, tuple := range tuples {
			encoded, err := codec.EncodeIndex(tuple, true)
			if err != nil {
				return err
			}
			indices = append(indices, shard.IndexTuple{
				IndexType:  idx.Spec().Type,
				IndexValue: encoded,
				Unique:     idx.Spec().Unique,
			})
		}
	}

	inst.mu.Lock()
	overwrite := inst.revision != 0
	inst.mu.Unlock()

	row, _, err := sess.store.Add(ctx, inst.schema.EdgeType(), inst.gid1, inst.gid2, encoding, data, indices, overwrite)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.revision = row.Revision
	inst.mu.Unlock()

	colo := sess.store.Colo(inst.gid1)
	sess.clearQueryCacheScope(colo, cacheScope{edgeType: inst.schema.EdgeType(), gid1: inst.gid1})
	// colo-wide range results (cached with no gid1) may now miss this row
	sess.clearQueryCacheScope(colo, cacheScope{edgeType: inst.schema.EdgeType()})
	sess.setQueryCache(colo, cacheScope{edgeType: inst.schema.EdgeType(), gid1: inst.gid1}, probeKey{op: "get", gid2: inst.gid2}, inst)
	return nil
}

// deleteInstance is the EdgeData._delete protocol.
func (sess *Session) deleteInstance(ctx context.Context, inst *Instance) error {
	indexTypes := make([]uint64, len(inst.schema.Indexes()))
	for i, idx := range inst.schema.Indexes() {
		indexTypes[i] = idx.Spec().Type
	}
	if _, err := sess.store.Delete(ctx, inst.schema.EdgeType(), inst.gid1, inst.gid2, indexTypes); err != nil {
		return err
	}
	colo := sess.store.Colo(inst.gid1)
	sess.clearQueryCacheScope(colo, cacheScope{edgeType: inst.schema.EdgeType(), gid1: inst.gid1})
	// colo-wide range results (cached with no gid1) may still hold this row
	sess.clearQueryCacheScope(colo, cacheScope{edgeType: inst.schema.EdgeType()})
	return nil
}

func indexAttrValue(validated map[string]any, d *attr.Descriptor) (any, error) {
	if !d.IsNested() {
		return validated[d.Name()], nil
	}
	parent, ok := validated[d.ParentName()]
	if !ok {
		return nil, nil
	}
	return d.ReadNested(parent)
}

// DisableQueryCache disables the query cache until the returned func is
// called, counting nested calls so the cache only re-enables once every
// caller has released it. Grounded on EdgeData.disabledQueryCache.
func (sess *Session) DisableQueryCache() func() {
	sess.cacheMu.Lock()
	sess.queryCacheDisabled++
	sess.cacheMu.Unlock()
	return func() {
		sess.cacheMu.Lock()
		sess.queryCacheDisabled--
		sess.cacheMu.Unlock()
	}
}

// ClearInstanceCache drops every cached instance. Grounded on
// EdgeData.clearInstanceCache.
func (sess *Session) ClearInstanceCache() {
	sess.mu.Lock()
	sess.instances.Purge()
	sess.mu.Unlock()
}

// ClearQueryCache drops the entire query cache. Grounded on
// EdgeData.clearQueryCache.
func (sess *Session) ClearQueryCache() {
	sess.cacheMu.Lock()
	sess.queryCache = map[uint32]map[cacheScope]*lru.Cache[probeKey, any]{}
	sess.cacheMu.Unlock()
}

func (sess *Session) getQueryCache(colo uint32, scope cacheScope, probe probeKey) (any, bool) {
	sess.cacheMu.Lock()
	defer sess.cacheMu.Unlock()
	if sess.queryCacheDisabled > 0 {
		return nil, false
	}
	byColo, ok := sess.queryCache[colo]
	if !ok {
		return nil, false
	}
	byScope, ok := byColo[scope]
	if !ok {
		return nil, false
	}
	return byScope.Get(probe)
}

func (sess *Session) setQueryCache(colo uint32, scope cacheScope, probe probeKey, value any) {
	sess.cacheMu.Lock()
	defer sess.cacheMu.Unlock()
	byColo, ok := sess.queryCache[colo]
	if !ok {
		byColo = map[cacheScope]*lru.Cache[probeKey, any]{}
		sess.queryCache[colo] = byColo
	}
	byScope, ok := byColo[scope]
	if !ok {
		var err error
		byScope, err = lru.New[probeKey, any](defaultQueryScopeCacheSize)
		if err != nil {
			panic(fmt.Sprintf("session: building query scope cache: %v", err))
		}
		byColo[scope] = byScope
	}
	byScope.Add(probe, value)
}

func (sess *Session) clearQueryCacheColo(colo uint32) {
	sess.cacheMu.Lock()
	defer sess.cacheMu.Unlock()
	delete(sess.queryCache, colo)
}

func (sess *Session) clearQueryCacheScope(colo uint32, scope cacheScope) {
	sess.cacheMu.Lock()
	defer sess.cacheMu.Unlock()
	if byColo, ok := sess.queryCache[colo]; ok {
		delete(byColo, scope)
	}
}
