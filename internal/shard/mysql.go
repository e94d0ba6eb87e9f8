package shard

import (
	"context"
)

// MySQLDialect implements Dialect against a production MySQL cluster
// using exactly the SQL text from the original source's
// DataStoreShard/DataStore classes (spec §6's "bit-exact SQL schema"
// requirement): every mutating statement routes its return value through
// MySQL's connection-local LAST_INSERT_ID() side channel, which
// go-sql-driver/mysql surfaces via sql.Result.LastInsertId() exactly the
// way the old _mysql/MySQLdb binding surfaced it through cursor.lastrowid.
type MySQLDialect struct{}

func (MySQLDialect) Name() string     { return "mysql" }
func (MySQLDialect) JoinHint() string { return "STRAIGHT_JOIN" }

const mysqlGenerateGidSQL = `
	INSERT INTO colo (colo, counter) VALUES (?, LAST_INSERT_ID(?))
	ON DUPLICATE KEY UPDATE counter = LAST_INSERT_ID(counter + 1)
`

func (MySQLDialect) GenerateGid(ctx context.Context, exec execer, colo uint32, start uint64) (uint64, error) {
	res, err := exec.ExecContext(ctx, mysqlGenerateGidSQL, colo, start)
	if err != nil {
		return 0, wrapDBErrorf(err, "generate gid for colo %d", colo)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBErrorf(err, "generate gid for colo %d", colo)
	}
	return uint64(id), nil
}

const mysqlIncrementRevisionSQL = `
	INSERT INTO edgemeta (edgetype, gid1, revision, count) VALUES (?, ?, LAST_INSERT_ID(1), 0)
	ON DUPLICATE KEY UPDATE revision = LAST_INSERT_ID(revision + 1)
`

func (MySQLDialect) IncrementRevision(ctx context.Context, exec execer, edgeType, gid1 uint64) (uint64, error) {
	res, err := exec.ExecContext(ctx, mysqlIncrementRevisionSQL, edgeType, gid1)
	if err != nil {
		return 0, wrapDBErrorf(err, "increment revision for edgetype %d gid1 %d", edgeType, gid1)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBErrorf(err, "increment revision for edgetype %d gid1 %d", edgeType, gid1)
	}
	return uint64(id), nil
}

const mysqlAddSQL = `
	INSERT INTO edgedata (edgetype, revision, gid1, gid2, encoding, data)
	VALUES (?, LAST_INSERT_ID(?), ?, ?, ?, ?)
`

const mysqlAddOverwriteSQL = `
	INSERT INTO edgedata (edgetype, revision, gid1, gid2, encoding, data)
	VALUES (?, LAST_INSERT_ID(?), ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE data = VALUES(data),
		revision = LAST_INSERT_ID(revision), revision = VALUES(revision),
		encoding = VALUES(encoding), data = VALUES(data)
`

func (MySQLDialect) UpsertEdge(ctx context.Context, exec execer, edgeType, revision, gid1, gid2 uint64, encoding int, data []byte, overwrite bool) (int, uint64, error) {
	query := mysqlAddSQL
	if overwrite {
		query = mysqlAddOverwriteSQL
	}
	res, err := exec.ExecContext(ctx, query, edgeType, revision, gid1, gid2, encoding, data)
	if err != nil {
		return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	prevRevision, err := res.LastInsertId()
	if err != nil {
		return 0, 0, wrapDBErrorf(err, "add edge %d/%d/%d", edgeType, gid1, gid2)
	}
	return int(affected), uint64(prevRevision), nil
}

const mysqlDeleteSQL = `
	DELETE FROM edgedata WHERE edgetype = ? AND gid1 = ? AND gid2 = ?
		AND revision = LAST_INSERT_ID(revision)
`

const mysqlLastInsertIDSQL = `SELECT LAST_INSERT_ID()`

func (MySQLDialect) DeleteEdge(ctx context.Context, exec execer, edgeType, gid1, gid2 uint64) (bool, uint64, error) {
	res, err := exec.ExecContext(ctx, mysqlDeleteSQL, edgeType, gid1, gid2)
	if err != nil {
		return false, 0, wrapDBErrorf(err, "delete edge %d/%d/%d", edgeType, gid1, gid2)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, wrapDBErrorf(err, "delete edge %d/%d/%d", edgeType, gid1, gid2)
	}
	// The MySQL driver, like the old MySQLdb binding, does not populate
	// LastInsertId on a DELETE, so the deleted row's revision (set by the
	// LAST_INSERT_ID(revision) trick above) has to be fetched separately.
	var revision uint64
	if err := exec.QueryRowContext(ctx, mysqlLastInsertIDSQL).Scan(&revision); err != nil {
		return false, 0, wrapDBErrorf(err, "fetch deleted revision for edge %d/%d/%d", edgeType, gid1, gid2)
	}
	return affected == 1, revision, nil
}

const mysqlUpsertDefinitionSQL = `
	INSERT INTO definitions (name, typeid) VALUES (?, NULL)
	ON DUPLICATE KEY UPDATE typeid = LAST_INSERT_ID(typeid)
`

func (MySQLDialect) UpsertDefinition(ctx context.Context, exec execer, name string) (uint64, error) {
	res, err := exec.ExecContext(ctx, mysqlUpsertDefinitionSQL, name)
	if err != nil {
		return 0, wrapDBErrorf(err, "allocate definition %q", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBErrorf(err, "allocate definition %q", name)
	}
	return uint64(id), nil
}

var _ Dialect = MySQLDialect{}
