// Command edgestorectl is the operator CLI for an EdgeStore deployment:
// inspecting schema registrations, pinging configured shard hosts,
// generating gids, and running a self-contained in-memory demo. Grounded
// on cmd/bd/main.go's cobra root command (signal-aware context, a
// persistent --json flag, Execute-then-os.Exit(1) on error) without the
// daemon/auto-flush machinery that has no EdgeStore analogue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc

	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "edgestorectl",
	Short: "edgestorectl - operate an EdgeStore deployment",
	Long: `edgestorectl inspects and exercises an EdgeStore deployment: describing
registered schemas, pinging configured shard hosts, generating gids, and
running a self-contained demo against an in-memory store.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to edgestore.yaml (EDGESTORE_* env vars always take precedence)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Unused: every command prints plain text regardless")
}

func main() {
	defer func() {
		if rootCancel != nil {
			rootCancel()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "edgestorectl: %v\n", err)
		os.Exit(1)
	}
}
