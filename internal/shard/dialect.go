package shard

import (
	"context"
	"database/sql"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting dialect methods
// run either standalone (tests that don't need a surrounding transaction)
// or against the shard's ambient transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EdgeRow is one row of the edgedata table, plus the indexvalue it was
// fetched by when the read came off an index query (spec §4.4's query
// result tuple: `(edgetype, indexvalue, revision, gid1, gid2, encoding,
// data)`).
type EdgeRow struct {
	EdgeType   uint64
	IndexValue []byte
	Revision   uint64
	Gid1       uint64
	Gid2       uint64
	Encoding   int
	Data       []byte
}

// IndexTuple is one computed index row to maintain alongside an edge
// write: the index's allocated type, the order-preserving encoded value,
// and whether the index is declared unique (spec §4.1/§4.2).
type IndexTuple struct {
	IndexType  uint64
	IndexValue []byte
	Unique     bool
}

// Dialect isolates the handful of statements that rely on MySQL's
// LAST_INSERT_ID(expr) side-channel trick (spec §6) or on MySQL-only join
// syntax, so the rest of Shard's control flow (spec §4.4's algorithms for
// add/delete/query) runs unchanged against either a production MySQL
// cluster or the modernc.org/sqlite test double. Everything that is
// already portable SQL (edgeindex CRUD, edgemeta count updates) lives
// directly in shard.go instead of the Dialect, so only what genuinely
// differs is duplicated.
type Dialect interface {
	Name() string

	// JoinHint returns the query-optimizer hint to put between "FROM
	// edgeindex" and "JOIN edgedata" in the index query, mirroring the
	// original source's STRAIGHT_JOIN. Empty string means a plain JOIN.
	JoinHint() string

	// GenerateGid upserts the colo counter row, returning the new
	// counter value. start seeds a never-before-seen colo's counter
	// (1 for a normal gid allocation, 0 for the advisory-lock generateGid
	// used by Shard.Lock).
	GenerateGid(ctx context.Context, exec execer, colo uint32, start uint64) (counter uint64, err error)

	// IncrementRevision upserts the edgemeta row for (edgeType, gid1),
	// returning the new revision.
	IncrementRevision(ctx context.Context, exec execer, edgeType, gid1 uint64) (revision uint64, err error)

	// UpsertEdge inserts (or, if overwrite, inserts-or-updates) the
	// edgedata row at the given revision. affectedRows is 1 for a fresh
	// insert, 2 for an overwrite of an existing row (matching MySQL's
	// ON DUPLICATE KEY UPDATE affected-rows convention); prevRevision is
	// the revision the row had before this write (equal to revision
	// itself for a fresh insert).
	UpsertEdge(ctx context.Context, exec execer, edgeType, revision, gid1, gid2 uint64, encoding int, data []byte, overwrite bool) (affectedRows int, prevRevision uint64, err error)

	// DeleteEdge deletes the current edgedata row for (edgeType, gid1,
	// gid2), returning whether a row was deleted and the revision it was
	// deleted at (needed to clean up that revision's index rows).
	DeleteEdge(ctx context.Context, exec execer, edgeType, gid1, gid2 uint64) (deleted bool, revision uint64, err error)

	// UpsertDefinition allocates or fetches the typeid for name from the
	// definitions table, using the same LAST_INSERT_ID counter trick as
	// GenerateGid (spec §4.2 step 3, grounded on datametaclass.py's
	// getDefinitionType).
	UpsertDefinition(ctx context.Context, exec execer, name string) (typeID uint64, err error)
}
