package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/awable/edgestore/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect registered schemas",
}

var schemaDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Register and print the built-in demo schemas",
	Long: `Registers edgestorectl's fixed demo schemas (Friendship, Widget, Account)
against a throwaway in-memory allocator and prints their resolved
edgetype ids, role attrs, and declared indices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newMemoryStore(1)
		if err != nil {
			return err
		}
		schemas, err := buildDemoSchemas(st)
		if err != nil {
			return fmt.Errorf("edgestorectl: registering demo schemas: %w", err)
		}
		for _, s := range []*schema.Schema{schemas.Friendship, schemas.Widget, schemas.Account} {
			describeSchema(s)
		}
		return nil
	},
}

func describeSchema(s *schema.Schema) {
	fmt.Printf("%s (edgetype %d)\n", s.Name(), s.EdgeType())
	if s.LocalAttrName() != "" {
		fmt.Printf("  local:  %s\n", s.LocalAttrName())
	}
	if s.RemoteAttrName() != "" && s.RemoteAttrName() != s.LocalAttrName() {
		fmt.Printf("  remote: %s\n", s.RemoteAttrName())
	}
	if s.ColoAttrName() != "" {
		fmt.Printf("  colo:   %s\n", s.ColoAttrName())
	}
	if s.KeyAttrName() != "" {
		fmt.Printf("  key:    %s\n", s.KeyAttrName())
	}
	fmt.Printf("  attrs:  %v\n", s.AttrNames())
	for _, idx := range s.Indexes() {
		spec := idx.Spec()
		fmt.Printf("  index %d: %v (unique=%v)\n", spec.Type, spec.AttrNames, spec.Unique)
	}
}

func init() {
	schemaCmd.AddCommand(schemaDescribeCmd)
	rootCmd.AddCommand(schemaCmd)
}
