package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/awable/edgestore/internal/eventbus"
	"github.com/awable/edgestore/internal/query"
	"github.com/awable/edgestore/internal/session"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Exercise the full stack against an in-memory store",
}

var demoRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, link, and query a handful of demo entities",
	Long: `Wires an in-memory store, an event bus, and a Session together and
drives them through AddByKey, AddEntity, Add, and Query, printing each
step's result — a self-contained illustration of how the pieces
described by "schema describe" actually fit together at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newMemoryStore(1)
		if err != nil {
			return err
		}
		schemas, err := buildDemoSchemas(st)
		if err != nil {
			return fmt.Errorf("edgestorectl: registering demo schemas: %w", err)
		}
		sess := session.New(st, eventbus.NewWithDefaults())

		// Each of AddByKey/AddEntity opens its own Lock scope sized to the
		// gid it resolves, the same way entity.py only ever locks the
		// colo it is about to touch.
		alice, err := sess.AddByKey(rootCtx, schemas.Account, "alice@example.com", map[string]any{
			"display_name": "Alice",
		}, true)
		if err != nil {
			return fmt.Errorf("edgestorectl: adding alice: %w", err)
		}
		bob, err := sess.AddByKey(rootCtx, schemas.Account, "bob@example.com", map[string]any{
			"display_name": "Bob",
		}, true)
		if err != nil {
			return fmt.Errorf("edgestorectl: adding bob: %w", err)
		}

		gid, err := sess.GenerateGid(rootCtx, nil, nil)
		if err != nil {
			return fmt.Errorf("edgestorectl: generating widget gid: %w", err)
		}
		widget, err := sess.AddEntity(rootCtx, schemas.Widget, gid, map[string]any{
			"name":  "sprocket",
			"count": int64(3),
		}, false)
		if err != nil {
			return fmt.Errorf("edgestorectl: adding widget: %w", err)
		}
		fmt.Printf("created widget: %s\n", widget)

		// Friendship links alice and bob, so the lock scope spans both of
		// their gids (and, on a multi-colo store, both their colos).
		err = sess.Lock(rootCtx, []uint64{alice.Gid1(), bob.Gid1()}, nil, func(ctx context.Context) error {
			_, err := sess.Add(ctx, schemas.Friendship, alice.Gid1(), bob.Gid1(), map[string]any{
				"since": int64(2020),
			}, false)
			return err
		})
		if err != nil {
			return fmt.Errorf("edgestorectl: linking alice and bob: %w", err)
		}
		fmt.Printf("alice: %s\n", alice)
		fmt.Printf("bob:   %s\n", bob)

		q, err := query.New("owner").Filter(query.Arg{AttrName: "owner", Op: query.OpEQ, Value: alice.Gid1()})
		if err != nil {
			return fmt.Errorf("edgestorectl: building query: %w", err)
		}
		friends, err := sess.Query(rootCtx, schemas.Friendship, q)
		if err != nil {
			return fmt.Errorf("edgestorectl: querying friendships: %w", err)
		}
		fmt.Printf("alice's friendships: %d\n", len(friends))
		for _, f := range friends {
			fmt.Printf("  %s\n", f)
		}
		return nil
	},
}

func init() {
	demoCmd.AddCommand(demoRunCmd)
	rootCmd.AddCommand(demoCmd)
}
