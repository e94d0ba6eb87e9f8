package session

import "errors"

// ErrLockRequired backs spec §7's LockError: reading/writing an instance,
// or running queries, outside the lock scope that covers its colo.
// Grounded on edgedata.py's bare `assert ... "lock required"` /
// "cannot make changes without a lock" / "using unlocked data inside lock".
var ErrLockRequired = errors.New("session: lock required")

// ErrLockExpansion backs the nested-lock half of LockError: a nested Lock
// call naming a colo the enclosing lock does not already cover. Grounded
// on EdgeData.lock's `assert colos.issubset(_lockedColos), "cannot acquire
// new locks inside a lock"`.
var ErrLockExpansion = errors.New("session: nested lock would expand the enclosing lock scope")

// ErrGlobalQueryInsideLock backs the cross-host-query half of LockError,
// grounded on EdgeData.queryfetch's `assert query.colo or not
// cls.insideLock(), "global query inside lock forbidden"`.
var ErrGlobalQueryInsideLock = errors.New("session: a colo-less query cannot run inside a lock scope")

// ErrDuplicateInstance backs spec §7's DuplicateInstance: Add found an
// existing instance and get was not requested. Grounded on EdgeData.add's
// `assert not instance or get, "duplicate data"`.
var ErrDuplicateInstance = errors.New("session: duplicate instance")

// ErrColoMismatch backs spec §3 invariant 5: a ColoGid-role attribute's
// value must resolve to the same colo as the owning row's gid1. Grounded
// on entity.py's `assert cls.colo(gid) == cls._key2colo(key)` (the
// KeyEntity specialization of the same invariant) generalized to the
// plain ColoGid role.
var ErrColoMismatch = errors.New("session: colo gid attr does not match the owning row's colo")
