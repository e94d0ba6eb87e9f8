package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	gidColo int
	gidDemo bool
)

var gidCmd = &cobra.Command{
	Use:   "gid",
	Short: "Work with gids",
}

var gidGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Allocate a fresh gid",
	Long: `Allocates a fresh gid from a shard. With --demo it allocates against a
throwaway in-memory store; otherwise it loads --config and allocates
against the configured cluster, in the colo given by --colo or, when
--colo is not set, in a randomly chosen colo.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openConfiguredOrDemoStore(gidDemo)
		if err != nil {
			return err
		}
		var colo *uint32
		if cmd.Flags().Changed("colo") {
			c := uint32(gidColo)
			colo = &c
		}
		gid, err := st.GenerateGid(rootCtx, nil, colo)
		if err != nil {
			return fmt.Errorf("edgestorectl: generating gid: %w", err)
		}
		fmt.Println(gid)
		return nil
	},
}

func init() {
	gidGenerateCmd.Flags().IntVar(&gidColo, "colo", 0, "Colo to allocate the gid from")
	gidGenerateCmd.Flags().BoolVar(&gidDemo, "demo", false, "Use an in-memory demo store instead of --config")
	gidCmd.AddCommand(gidGenerateCmd)
	rootCmd.AddCommand(gidCmd)
}
