package session

import (
	"fmt"
	"sync"

	"github.com/awable/edgestore/internal/attr"
	"github.com/awable/edgestore/internal/schema"
)

// instanceKey identifies a cached instance the same way
// EdgeDataType._instanceCache does: (edgetype, localgid, remotegid).
type instanceKey struct {
	edgeType   uint64
	gid1, gid2 uint64
}

// Instance is a live, cached view of one edge row: its validated attribute
// values plus the bookkeeping Session.Lock needs to decide what to persist
// and what to roll back. Grounded on edgedata.py's EdgeData instance
// state (__datadict__/__committeddatadict__/__revision__/__locked__/
// __save__/__delete__).
type Instance struct {
	mu sync.Mutex

	schema     *schema.Schema
	gid1, gid2 uint64

	revision          uint64
	committedRevision uint64
	datadict          map[string]any
	committedDatadict map[string]any

	locked bool
}

// Schema returns the instance's registered class.
func (inst *Instance) Schema() *schema.Schema { return inst.schema }

// Gid1 returns the edge row's owning gid.
func (inst *Instance) Gid1() uint64 { return inst.gid1 }

// Gid2 returns the edge row's target gid (equal to Gid1 for an Entity).
func (inst *Instance) Gid2() uint64 { return inst.gid2 }

// Revision returns the instance's last-known committed revision, 0 for an
// instance that has never been saved.
func (inst *Instance) Revision() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.revision
}

// isLocked reports whether the instance was fetched or created under a
// lock scope that currently covers its colo. See checkLock in session.go
// for why this check matters: EdgeData.__setattr__/__getattr__ forbid
// touching attributes on an instance that was not resolved under the
// active lock.
func (inst *Instance) isLocked() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.locked
}

func (inst *Instance) setLocked(v bool) {
	inst.mu.Lock()
	inst.locked = v
	inst.mu.Unlock()
}

// Get reads attrname's current value (possibly dotted, for a nested
// LocalData path). It performs no lock check of its own: the colo check
// for reads inside a lock scope happens in the Session lookups that
// resolve instances, so an instance resolved earlier can be read here
// whatever lock scope is active. Grounded on EdgeData.__getattr__.
func (inst *Instance) Get(attrname string) (any, error) {
	def, err := inst.schema.Attr(attrname)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if def.Kind() == attr.KindComputed {
		return def.Compute(inst)
	}

	if def.IsNested() {
		parent, ok := inst.datadict[def.ParentName()]
		if !ok {
			return nil, nil
		}
		return def.ReadNested(parent)
	}

	v, ok := inst.datadict[attrname]
	if !ok {
		return def.Default(), nil
	}
	return v, nil
}

// Set validates value and stores it, enforcing spec §4.5's write rule:
// always requires the instance to be locked, nested or not. Grounded on
// EdgeData.__setattr__'s `assert self.__locked__, "cannot make changes
// without a lock"`. Callers should go through Session.Set rather than
// calling this directly: Session.Set re-marks the instance for save in
// the enclosing lock scope once validation succeeds, the same way every
// EdgeData.__setattr__ call re-enters _markSave, not just the first one.
func (inst *Instance) Set(attrname string, value any) error {
	def, err := inst.schema.Attr(attrname)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if def.IsNested() {
		return fmt.Errorf("session: cannot set a nested attribute path %q directly, set the parent LocalData value instead", attrname)
	}
	validated, err := def.Validate(value)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.locked {
		return fmt.Errorf("%w: cannot change %q without a lock", ErrLockRequired, attrname)
	}
	if inst.datadict == nil {
		inst.datadict = map[string]any{}
	}
	inst.datadict[attrname] = validated
	return nil
}

// snapshot returns a defensive copy of the instance's current validated
// attribute map, for encoding or index-tuple computation.
func (inst *Instance) snapshot() map[string]any {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return cloneMap(inst.datadict)
}

// commit mirrors the committed dict/revision forward after a successful
// save, so a later failed lock scope can revert to this point. Grounded
// on EdgeData.lock's else-clause.
func (inst *Instance) commit() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.committedDatadict = cloneMap(inst.datadict)
	inst.committedRevision = inst.revision
}

// revert undoes uncommitted changes after a failed lock scope, mirroring
// EdgeData.lock's except-clause.
func (inst *Instance) revert() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.datadict = cloneMap(inst.committedDatadict)
	inst.revision = inst.committedRevision
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String renders a compact debug view, grounded on EdgeData.debug_print
// (padded "name: value" lines) but returned rather than printed, matching
// a preference for fmt.Stringer debug views over ad hoc
// print statements.
func (inst *Instance) String() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return fmt.Sprintf("%s{gid1=%d gid2=%d revision=%d locked=%t attrs=%v}",
		inst.schema.Name(), inst.gid1, inst.gid2, inst.revision, inst.locked, inst.datadict)
}
