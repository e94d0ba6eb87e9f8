package shard

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for shard-level conditions, grounded on
// internal/storage/sqlite/errors.go one-sentinel-per-condition style.
var (
	// ErrNotFound indicates the requested edge/meta/index row does not exist.
	ErrNotFound = errors.New("shard: not found")

	// ErrDuplicateInstance backs spec §7's DuplicateInstance: Add called
	// without overwrite on a gid pair that already has a current revision.
	ErrDuplicateInstance = errors.New("shard: duplicate instance")

	// ErrUniqueViolation backs spec §7's UniqueViolation: a unique index
	// row already exists for the computed indexvalue.
	ErrUniqueViolation = errors.New("shard: unique index violation")

	// ErrStorage backs spec §7's StorageError: anything else the
	// underlying SQL driver reports.
	ErrStorage = errors.New("shard: storage error")
)

// wrapDBError wraps a database error with operation context, folding
// sql.ErrNoRows into ErrNotFound, mirroring wrapDBError in
// sqlite backend.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func wrapDBErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}
