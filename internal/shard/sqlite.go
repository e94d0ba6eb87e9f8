package shard

import (
	"context"
	"database/sql"
	"errors"
)

// SQLiteDialect implements Dialect against modernc.org/sqlite, EdgeStore's
// test double for a production MySQL shard (spec §1 AMBIENT STACK's "Test
// tooling" section). SQLite has neither MySQL's LAST_INSERT_ID(expr)
// side-channel nor ON DUPLICATE KEY UPDATE, so every statement MySQLDialect
// does in one round trip is split here into an explicit SELECT followed by
// an INSERT or UPDATE, run inside the same ambient transaction — same net
// effect on the rows, same return values, different wire shape.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string     { return "sqlite" }
func (SQLiteDialect) JoinHint() string { return "" }

func (SQLiteDialect) GenerateGid(ctx context.Context, exec execer, colo uint32, start uint64) (uint64, error) {
	var counter uint64
	err := exec.QueryRowContext(ctx, `SELECT counter FROM colo WHERE colo = ?`, colo).Scan(&counter)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := exec.ExecContext(ctx, `INSERT INTO colo (colo, counter) VALUES (?, ?)`, colo, start); err != nil {
			return 0, wrapDBErrorf(err, "generate gid for colo %d", colo)
		}
		return start, nil
	case err != nil:
		return 0, wrapDBErrorf(err, "generate gid for colo %d", colo)
	}
	next := counter + 1
	if _, err := exec.ExecContext(ctx, `UPDATE colo SET counter = ? WHERE colo = ?`, next, colo); err != nil {
		return 0, wrapDBErrorf(err, "generate gid for colo %d", colo)
	}
	return next, nil
}

func (SQLiteDialect) IncrementRevision(ctx context.Context, exec execer, edgeType, gid1 uint64) (uint64, error) {
	var revision uint64
	err := exec.QueryRowContext(ctx, `SELECT revision FROM edgemeta WHERE edgetype = ? AND gid1 = ?`, edgeType, gid1).Scan(&revision)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := exec.ExecContext(ctx, `INSERT INTO edgemeta (edgetype, gid1, revision, count) VALUES (?, ?, 1, 0)`, edgeType, gid1); err != nil {
			return 0, wrapDBErrorf(err, "increment revision for edgetype %d gid1 %d", edgeType, gid1)
		}
		return 1, nil
	case err != nil:
		return 0, wrapDBErrorf(err, "increment revision for edgetype %d gid1 %d", edgeType, gid1)
	}
	next := revision + 1
	if _, err := exec.ExecContext(ctx, `UPDATE edgemeta SET revision = ? WHERE edgetype = ? AND gid1 = ?`, next, edgeType, gid1); err != nil {
		return 0, wrapDBErrorf(err, "increment revision for edgetype %d gid1 %d", edgeType, gid1)
	}
	return next, nil
}

func (SQLiteDialect) UpsertEdge(ctx context.Context, exec execer, edgeType, revision, gid1, gid2 uint64, encoding int, data []byte, overwrite bool) (int, uint64, error) {
	var existing uint64
	err := exec.QueryRowContext(ctx, `SELECT revision FROM edgedata WHERE edgetype = ? AND gid1 = ? AND gid2 = ?`, edgeType, gid1, gid2).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := exec.ExecContext(ctx, `INSERT INTO edgedata (edgetype, revision, gid1, gid2, encoding, data) VALUES (?, ?, ?, ?, ?, ?)`,
			edgeType, revision, gid1, gid2, encoding, data); err != nil {
			return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
		}
		return 1, revision, nil
	case err != nil:
		return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	if !overwrite {
		return 0, 0, wrapDBErrorf(ErrDuplicateInstance, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	if _, err := exec.ExecContext(ctx, `UPDATE edgedata SET revision = ?, encoding = ?, data = ? WHERE edgetype = ? AND gid1 = ? AND gid2 = ?`,
		revision, encoding, data, edgeType, gid1, gid2); err != nil {
		return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	return 2, existing, nil
}

func (SQLiteDialect) DeleteEdge(ctx context.Context, exec execer, edgeType, gid1, gid2 uint64) (bool, uint64, error) {
	var revision uint64
	err := exec.QueryRowContext(ctx, `SELECT revision FROM edgedata WHERE edgetype = ? AND gid1 = ? AND gid2 = ?`, edgeType, gid1, gid2).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, wrapDBErrorf(err, "delete edge %d/%d/%d", edgeType, gid1, gid2)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM edgedata WHERE edgetype = ? AND gid1 = ? AND gid2 = ?`, edgeType, gid1, gid2); err != nil {
		return false, 0, wrapDBErrorf(err, "delete edge %d/%d/%d", edgeType, gid1, gid2)
	}
	return true, revision, nil
}

func (SQLiteDialect) UpsertDefinition(ctx context.Context, exec execer, name string) (uint64, error) {
	var typeID uint64
	err := exec.QueryRowContext(ctx, `SELECT typeid FROM definitions WHERE name = ?`, name).Scan(&typeID)
	if err == nil {
		return typeID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, wrapDBErrorf(err, "allocate definition %q", name)
	}
	res, err := exec.ExecContext(ctx, `INSERT INTO definitions (name) VALUES (?)`, name)
	if err != nil {
		return 0, wrapDBErrorf(err, "allocate definition %q", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBErrorf(err, "allocate definition %q", name)
	}
	return uint64(id), nil
}

// CreateTablesSQL returns the DDL used to stand up a fresh in-memory
// sqlite shard for tests: a portable equivalent of the MySQL schema
// spec §6 requires bit-exact in production (AUTO_INCREMENT becomes
// INTEGER PRIMARY KEY, VARBINARY becomes BLOB, but column names and
// shapes match exactly so the same Go types flow through either dialect).
func CreateTablesSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS colo (
			colo INTEGER PRIMARY KEY,
			counter INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edgemeta (
			edgetype INTEGER NOT NULL,
			gid1 INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (edgetype, gid1)
		)`,
		`CREATE TABLE IF NOT EXISTS edgedata (
			edgetype INTEGER NOT NULL,
			gid1 INTEGER NOT NULL,
			gid2 INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			encoding INTEGER NOT NULL,
			data BLOB,
			PRIMARY KEY (edgetype, gid1, gid2)
		)`,
		`CREATE TABLE IF NOT EXISTS edgeindex (
			indextype INTEGER NOT NULL,
			indexvalue BLOB NOT NULL,
			gid1 INTEGER NOT NULL,
			revision INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS edgeindex_lookup ON edgeindex (indextype, indexvalue)`,
		`CREATE TABLE IF NOT EXISTS definitions (
			typeid INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
	}
}

var _ Dialect = SQLiteDialect{}
