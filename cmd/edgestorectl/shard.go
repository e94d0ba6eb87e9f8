package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"

	"github.com/awable/edgestore/internal/config"
)

const pingTimeout = 5 * time.Second

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Work with configured shard hosts",
}

var shardPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping every host in --config's database_hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		failed := 0
		for _, host := range cfg.DatabaseHosts {
			if err := pingHost(rootCtx, host, cfg.DatabaseName); err != nil {
				fmt.Printf("%s: FAIL (%v)\n", host, err)
				failed++
				continue
			}
			fmt.Printf("%s: OK\n", host)
		}
		if failed > 0 {
			return fmt.Errorf("edgestorectl: %d of %d hosts unreachable", failed, len(cfg.DatabaseHosts))
		}
		return nil
	},
}

func pingHost(ctx context.Context, host, dbName string) error {
	db, err := sql.Open("mysql", fmt.Sprintf("tcp(%s)/%s", host, dbName))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func init() {
	shardCmd.AddCommand(shardPingCmd)
	rootCmd.AddCommand(shardCmd)
}
