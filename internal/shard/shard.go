// Package shard implements the per-database protocol described in spec
// §4.4: the SQL statements and transaction discipline a single host's
// database speaks, grounded on the original source's db.py (connection +
// reentrant-transaction wrapper) and datastore.py's DataStoreShard (the
// exact add/delete/query/get/count/lock algorithms). The MySQL-specific
// parts of that protocol (the LAST_INSERT_ID(expr) side channel, the
// STRAIGHT_JOIN hint) are isolated behind the Dialect interface so the
// rest of this file runs unmodified against either the production
// driver (go-sql-driver/mysql) or the sqlite test double.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/awable/edgestore/internal/telemetry"
)

// idleRecycleInterval mirrors db.py's _recycleInterval: MySQL closes idle
// connections, so pooled connections are recycled after an hour.
const idleRecycleInterval = time.Hour

// retryMaxElapsed bounds how long Shard retries a transient SQL error
// before giving up, mirroring serverRetryMaxElapsed.
const retryMaxElapsed = 30 * time.Second

// Shard is one (host, database) pair: a pooled *sql.DB plus the dialect
// that knows how to speak its SQL variant. One Shard instance is created
// per host by internal/store and reused for the process lifetime.
type Shard struct {
	db      *sql.DB
	dialect Dialect
	host    string
	dbName  string
}

// Open wraps an already-configured *sql.DB (the driver registration and
// DSN are the caller's concern — cmd/edgestorectl uses go-sql-driver/mysql
// for a configured cluster, and tests and the in-memory demo store use
// modernc.org/sqlite) as a Shard, applying the
// idle-connection recycling DB.getConnection() does by hand.
func Open(db *sql.DB, dialect Dialect, host, dbName string) *Shard {
	db.SetConnMaxIdleTime(idleRecycleInterval)
	return &Shard{db: db, dialect: dialect, host: host, dbName: dbName}
}

func (s *Shard) spanAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	return append(telemetry.SpanAttrs(s.host, s.dbName, 0), extra...)
}

// txKey is keyed by the owning *Shard so that locking several shards
// within one nested Transaction call (spec §4.5's multi-colo lock scope,
// possibly spanning several hosts) tracks each shard's ambient
// transaction independently instead of colliding on a single context key.
type txKey struct{ shard *Shard }

func (s *Shard) txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{shard: s}).(*sql.Tx)
	return tx, ok
}

func (s *Shard) execer(ctx context.Context) execer {
	if tx, ok := s.txFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// Transaction runs fn inside a SQL transaction, collapsing nested calls
// into the outermost one exactly like db.py's depth-counted
// _startTransaction/_commitTransaction/_rollbackTransaction: only the
// outermost Transaction call issues BEGIN/COMMIT; inner calls reuse the
// ambient *sql.Tx carried on ctx. Any error from fn — at any nesting
// depth — rolls back the whole transaction once it unwinds to the
// outermost call, matching the original's "any exception aborts
// everything" behavior.
func (s *Shard) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := s.txFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErrorf(err, "begin transaction on %s", s.host)
	}
	ctx = context.WithValue(ctx, txKey{shard: s}, tx)

	if err := fn(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBErrorf(err, "commit transaction on %s", s.host)
	}
	return nil
}

// HasOngoingTransaction reports whether ctx already carries the shard's
// ambient transaction, mirroring db.py's hasOngoingTransaction — used by
// Lock to assert it is only ever called from inside a Transaction.
func (s *Shard) HasOngoingTransaction(ctx context.Context) bool {
	_, ok := s.txFromContext(ctx)
	return ok
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"driver: bad connection", "invalid connection", "broken pipe", "connection reset", "lock wait timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (s *Shard) withRetry(ctx context.Context, op func() error) error {
	attempts := 0
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && isRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if attempts > 1 {
		telemetry.Metrics.ShardRetryCount.Add(ctx, int64(attempts-1))
	}
	return err
}

// GenerateGid allocates the next counter value for colo and returns the
// full 64-bit gid (colo<<32 | counter), grounded on
// DataStoreShard.generateGid. start seeds the counter of a colo that has no
// row yet (1 for a normal allocation, 0 from Lock); a colo that already has
// a row has its counter advanced by one either way, so Lock's advisory
// upsert also consumes a counter value.
func (s *Shard) GenerateGid(ctx context.Context, colo uint32, start uint64) (uint64, error) {
	var counter uint64
	err := s.Transaction(ctx, func(ctx context.Context) error {
		ctx, span := telemetry.StartExec(ctx, "shard.generate_gid", "colo upsert", s.spanAttrs(attribute.Int64("edgestore.colo", int64(colo)))...)
		var execErr error
		counter, execErr = s.dialect.GenerateGid(ctx, s.execer(ctx), colo, start)
		telemetry.EndSpan(span, execErr)
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return (uint64(colo) << 32) | counter, nil
}

// Lock acquires the advisory row lock on colo's counter row, asserting
// there is already an ongoing transaction the way DataStoreShard.lock
// does (`assert self._db.hasOngoingTransaction()`). The caller (typically
// internal/store/internal/session's lock scope) is expected to already be
// inside a Transaction opened for the whole lock scope.
func (s *Shard) Lock(ctx context.Context, colo uint32) (uint64, error) {
	if !s.HasOngoingTransaction(ctx) {
		return 0, fmt.Errorf("shard: Lock called outside an ongoing transaction")
	}
	start := time.Now()
	var counter uint64
	err := func() error {
		var execErr error
		counter, execErr = s.dialect.GenerateGid(ctx, s.execer(ctx), colo, 0)
		return execErr
	}()
	telemetry.Metrics.ShardLockWaitMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return 0, err
	}
	return (uint64(colo) << 32) | counter, nil
}

// Add inserts or overwrites the current edge row for (edgeType, gid1,
// gid2) and maintains its declared index rows, grounded on
// DataStoreShard.add. indices is the full set of index tuples this edge
// should have after the write (spec §3's "exactly one index row per
// declared index per tuple" invariant); on an overwrite, the previous
// revision's index rows are deleted first.
func (s *Shard) Add(ctx context.Context, edgeType, gid1, gid2 uint64, encoding int, data []byte, indices []IndexTuple, overwrite bool) (row EdgeRow, wasOverwrite bool, err error) {
	err = s.Transaction(ctx, func(ctx context.Context) error {
		return s.withRetry(ctx, func() error {
			exec := s.execer(ctx)

			revision, err := s.dialect.IncrementRevision(ctx, exec, edgeType, gid1)
			if err != nil {
				return err
			}

			affectedRows, prevRevision, err := s.dialect.UpsertEdge(ctx, exec, edgeType, revision, gid1, gid2, encoding, data, overwrite)
			if err != nil {
				return err
			}

			switch affectedRows {
			case 1:
				if err := s.incrementCount(ctx, exec, edgeType, gid1, 1); err != nil {
					return err
				}
			case 2:
				wasOverwrite = true
				if prevRevision != revision-1 {
					return fmt.Errorf("shard: edge %d/%d/%d changed concurrently during add (prev revision %d, expected %d)", edgeType, gid1, gid2, prevRevision, revision-1)
				}
			}

			for _, ix := range indices {
				if affectedRows == 2 {
					if _, err := exec.ExecContext(ctx, deleteIndexSQL, ix.IndexType, gid1, prevRevision); err != nil {
						return wrapDBErrorf(err, "delete stale index rows for edge %d/%d/%d", edgeType, gid1, gid2)
					}
				}
				if ix.Unique {
					var count int
					if err := exec.QueryRowContext(ctx, uniqueIndexSQL, ix.IndexType, ix.IndexValue).Scan(&count); err != nil {
						return wrapDBErrorf(err, "check index uniqueness for edge %d/%d/%d", edgeType, gid1, gid2)
					}
					if count != 0 {
						return wrapDBErrorf(ErrUniqueViolation, "add edge %d/%d/%d", edgeType, gid1, gid2)
					}
				}
				if _, err := exec.ExecContext(ctx, addIndexSQL, ix.IndexType, ix.IndexValue, gid1, revision); err != nil {
					return wrapDBErrorf(err, "add index row for edge %d/%d/%d", edgeType, gid1, gid2)
				}
			}

			row = EdgeRow{EdgeType: edgeType, Revision: revision, Gid1: gid1, Gid2: gid2, Encoding: encoding, Data: data}
			return nil
		})
	})
	return row, wasOverwrite, err
}

func (s *Shard) incrementCount(ctx context.Context, exec execer, edgeType, gid1 uint64, delta int) error {
	_, err := exec.ExecContext(ctx, `UPDATE edgemeta SET count = count + ? WHERE edgetype = ? AND gid1 = ?`, delta, edgeType, gid1)
	if err != nil {
		return wrapDBErrorf(err, "update count for edgetype %d gid1 %d", edgeType, gid1)
	}
	return nil
}

// Delete removes the current edge row for (edgeType, gid1, gid2) and its
// index rows, grounded on DataStoreShard.delete. Reports whether a row
// was actually deleted (deleting a gid pair with no current revision is a
// no-op, not an error).
func (s *Shard) Delete(ctx context.Context, edgeType, gid1, gid2 uint64, indexTypes []uint64) (deleted bool, err error) {
	err = s.Transaction(ctx, func(ctx context.Context) error {
		return s.withRetry(ctx, func() error {
			exec := s.execer(ctx)

			if _, err := s.dialect.IncrementRevision(ctx, exec, edgeType, gid1); err != nil {
				return err
			}

			var delRevision uint64
			deleted, delRevision, err = s.dialect.DeleteEdge(ctx, exec, edgeType, gid1, gid2)
			if err != nil {
				return err
			}
			if !deleted {
				return nil
			}

			if err := s.incrementCount(ctx, exec, edgeType, gid1, -1); err != nil {
				return err
			}
			for _, indexType := range indexTypes {
				if _, err := exec.ExecContext(ctx, deleteIndexSQL, indexType, gid1, delRevision); err != nil {
					return wrapDBErrorf(err, "delete index rows for edge %d/%d/%d", edgeType, gid1, gid2)
				}
			}
			return nil
		})
	})
	return deleted, err
}

const (
	uniqueIndexSQL = `SELECT COUNT(1) FROM edgeindex WHERE indextype = ? AND indexvalue = ?`
	deleteIndexSQL = `DELETE FROM edgeindex WHERE indextype = ? AND gid1 = ? AND revision = ?`
	addIndexSQL    = `INSERT INTO edgeindex (indextype, indexvalue, gid1, revision) VALUES (?, ?, ?, ?)`

	listSQL = `
		SELECT edgetype, revision, gid1, gid2, encoding, data
		FROM edgedata
		WHERE edgetype = ? AND gid1 = ?
		ORDER BY revision DESC
	`

	getSQL = `
		SELECT edgetype, revision, gid1, gid2, encoding, data
		FROM edgedata
		WHERE edgetype = ? AND gid1 = ? AND gid2 = ?
	`

	countSQL = `SELECT count FROM edgemeta WHERE edgetype = ? AND gid1 = ?`
)

func (s *Shard) indexQuerySQL(gid1Predicate string) string {
	return fmt.Sprintf(`
		SELECT edgedata.edgetype, edgeindex.indexvalue, edgedata.revision, edgedata.gid1, edgedata.gid2, edgedata.encoding, edgedata.data
		FROM edgeindex %s JOIN edgedata
			ON (edgedata.edgetype = ? AND edgedata.gid1 = %s AND edgedata.revision = edgeindex.revision)
		WHERE edgeindex.indextype = ? AND edgeindex.indexvalue BETWEEN ? AND ?
		ORDER BY edgeindex.indexvalue, edgeindex.revision DESC
	`, s.dialect.JoinHint(), gid1Predicate)
}

// Query runs one of spec §4.6's three query shapes against this shard,
// grounded on DataStoreShard.query: a plain list-by-parent scan when
// indexType is zero, an indexed scan scoped to gid1 when both are given,
// or a global indexed scan across the whole shard when gid1 is nil.
func (s *Shard) Query(ctx context.Context, edgeType uint64, indexType uint64, start, end []byte, gid1 *uint64) ([]EdgeRow, error) {
	var (
		query string
		args  []any
	)
	switch {
	case gid1 != nil && indexType == 0:
		query, args = listSQL, []any{edgeType, *gid1}
	case gid1 != nil:
		query, args = s.indexQuerySQL("?"), []any{edgeType, *gid1, indexType, start, end}
	default:
		query, args = s.indexQuerySQL("edgeindex.gid1"), []any{edgeType, indexType, start, end}
	}

	ctx, span := telemetry.StartExec(ctx, "shard.query", query, s.spanAttrs()...)
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, wrapDBErrorf(err, "query edgetype %d", edgeType)
	}
	defer rows.Close()

	var out []EdgeRow
	for rows.Next() {
		var row EdgeRow
		if indexType == 0 {
			if err := rows.Scan(&row.EdgeType, &row.Revision, &row.Gid1, &row.Gid2, &row.Encoding, &row.Data); err != nil {
				telemetry.EndSpan(span, err)
				return nil, wrapDBErrorf(err, "scan edgetype %d", edgeType)
			}
		} else {
			if err := rows.Scan(&row.EdgeType, &row.IndexValue, &row.Revision, &row.Gid1, &row.Gid2, &row.Encoding, &row.Data); err != nil {
				telemetry.EndSpan(span, err)
				return nil, wrapDBErrorf(err, "scan edgetype %d", edgeType)
			}
		}
		out = append(out, row)
	}
	err = rows.Err()
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, wrapDBErrorf(err, "iterate edgetype %d", edgeType)
	}
	return out, nil
}

// Get fetches the single current row for (edgeType, gid1, gid2), grounded
// on DataStoreShard.get (the plain, non-indexed form; spec §4.4 notes the
// indexed get form shares the same STRAIGHT_JOIN shape as Query and is
// unused by the session layer, which always knows gid2 directly).
func (s *Shard) Get(ctx context.Context, edgeType, gid1, gid2 uint64) (EdgeRow, bool, error) {
	ctx, span := telemetry.StartExec(ctx, "shard.get", getSQL, s.spanAttrs()...)
	var row EdgeRow
	err := s.execer(ctx).QueryRowContext(ctx, getSQL, edgeType, gid1, gid2).
		Scan(&row.EdgeType, &row.Revision, &row.Gid1, &row.Gid2, &row.Encoding, &row.Data)
	telemetry.EndSpan(span, err)
	if err == sql.ErrNoRows {
		return EdgeRow{}, false, nil
	}
	if err != nil {
		return EdgeRow{}, false, wrapDBErrorf(err, "get edge %d/%d/%d", edgeType, gid1, gid2)
	}
	return row, true, nil
}

// Count returns edgemeta's maintained count for (edgeType, gid1),
// grounded on DataStoreShard.count.
func (s *Shard) Count(ctx context.Context, edgeType, gid1 uint64) (uint64, error) {
	ctx, span := telemetry.StartExec(ctx, "shard.count", countSQL, s.spanAttrs()...)
	var count uint64
	err := s.execer(ctx).QueryRowContext(ctx, countSQL, edgeType, gid1).Scan(&count)
	telemetry.EndSpan(span, err)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapDBErrorf(err, "count edgetype %d gid1 %d", edgeType, gid1)
	}
	return count, nil
}

// UpsertDefinition allocates or fetches the typeid for name, grounded on
// DataStore.addOrGetDefinitionType. Runs in its own transaction since
// definitions live on a single designated host independent of any
// in-progress lock scope (spec §4.3).
func (s *Shard) UpsertDefinition(ctx context.Context, name string) (uint64, error) {
	var typeID uint64
	err := s.Transaction(ctx, func(ctx context.Context) error {
		var err error
		typeID, err = s.dialect.UpsertDefinition(ctx, s.execer(ctx), name)
		return err
	})
	return typeID, err
}

// Close releases the shard's connection pool.
func (s *Shard) Close() error {
	return s.db.Close()
}
