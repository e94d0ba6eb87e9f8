package main

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/awable/edgestore/internal/config"
	"github.com/awable/edgestore/internal/shard"
	"github.com/awable/edgestore/internal/store"
)

// newMemoryStore stands up numHosts independent in-memory sqlite shards
// and wires them into a Store, the same fixture shape internal/session's
// own tests use in place of a live MySQL cluster.
func newMemoryStore(numHosts int) (*store.Store, error) {
	if numHosts <= 0 {
		numHosts = 1
	}
	shards := make([]*shard.Shard, numHosts)
	for i := 0; i < numHosts; i++ {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("edgestorectl: opening in-memory shard %d: %w", i, err)
		}
		for _, stmt := range shard.CreateTablesSQL() {
			if _, err := db.Exec(stmt); err != nil {
				return nil, fmt.Errorf("edgestorectl: creating tables on shard %d: %w", i, err)
			}
		}
		shards[i] = shard.Open(db, shard.SQLiteDialect{}, fmt.Sprintf("memory-%d", i), "edgestorectl-demo")
	}
	return store.New(shards, 0)
}

// openConfiguredStore loads --config and dials a MySQLDialect shard per
// configured host, mirroring how a long-lived edgestore process would
// build its Store at startup.
func openConfiguredStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	defIdx, err := cfg.DefinitionsHostIndex()
	if err != nil {
		return nil, err
	}
	shards := make([]*shard.Shard, len(cfg.DatabaseHosts))
	for i, host := range cfg.DatabaseHosts {
		dsn := fmt.Sprintf("tcp(%s)/%s", host, cfg.DatabaseName)
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("edgestorectl: opening %s: %w", host, err)
		}
		shards[i] = shard.Open(db, shard.MySQLDialect{}, host, cfg.DatabaseName)
	}
	return store.New(shards, defIdx)
}

// openConfiguredOrDemoStore picks the in-memory demo store when demo is
// set, otherwise dials the cluster named by --config.
func openConfiguredOrDemoStore(demo bool) (*store.Store, error) {
	if demo {
		return newMemoryStore(1)
	}
	return openConfiguredStore()
}
