package main

import (
	"github.com/awable/edgestore/internal/attr"
	"github.com/awable/edgestore/internal/schema"
)

// demoSchemas are the fixed set of classes "schema describe" and "demo
// run" both register, covering a plain edge class (Friendship), an
// Entity class (Widget), and a KeyEntity class (Account) — the same
// three shapes internal/session's own tests exercise.
type demoSchemas struct {
	Friendship *schema.Schema
	Widget     *schema.Schema
	Account    *schema.Schema
}

func buildDemoSchemas(allocator schema.TypeAllocator) (*demoSchemas, error) {
	since, err := attr.Int(attr.Options{})
	if err != nil {
		return nil, err
	}
	friendship, err := schema.Build(allocator, schema.Spec{
		Name: "Friendship",
		Attrs: map[string]*attr.Descriptor{
			"owner":  attr.LocalGid(),
			"friend": attr.RemoteGid(),
			"since":  since,
		},
	})
	if err != nil {
		return nil, err
	}

	name, err := attr.Unicode(attr.Options{Required: true})
	if err != nil {
		return nil, err
	}
	count, err := attr.Int(attr.Options{Default: int64(0)})
	if err != nil {
		return nil, err
	}
	widget, err := schema.Build(allocator, schema.Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"name":  name,
			"count": count,
		},
	})
	if err != nil {
		return nil, err
	}

	display, err := attr.String(attr.Options{})
	if err != nil {
		return nil, err
	}
	account, err := schema.Build(allocator, schema.Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"gid":          attr.PrimaryGid(),
			"email":        attr.PrimaryKey(),
			"display_name": display,
		},
	})
	if err != nil {
		return nil, err
	}

	return &demoSchemas{Friendship: friendship, Widget: widget, Account: account}, nil
}
