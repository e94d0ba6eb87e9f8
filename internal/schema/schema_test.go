package schema

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awable/edgestore/internal/attr"
)

// fakeAllocator hands out sequential type ids, reusing the id already given
// to a name, mirroring internal/store.Store.AllocateType's upsert semantics
// without requiring a database.
type fakeAllocator struct {
	next  uint64
	ids   map[string]uint64
	calls int32
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{ids: map[string]uint64{}}
}

func (a *fakeAllocator) AllocateType(name string) (uint64, error) {
	atomic.AddInt32(&a.calls, 1)
	if id, ok := a.ids[name]; ok {
		return id, nil
	}
	a.next++
	a.ids[name] = a.next
	return a.next, nil
}

func mustDescriptor(t *testing.T, d *attr.Descriptor, err error) *attr.Descriptor {
	t.Helper()
	require.NoError(t, err)
	return d
}

func TestBuildAssignsLocalAndRemoteGidAttrs(t *testing.T) {
	alloc := newFakeAllocator()
	s, err := Build(alloc, Spec{
		Name: "Friendship",
		Attrs: map[string]*attr.Descriptor{
			"owner":  attr.LocalGid(),
			"friend": attr.RemoteGid(),
			"since":  mustDescriptor(t, attr.Int(attr.Options{})),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "owner", s.LocalAttrName())
	require.Equal(t, "friend", s.RemoteAttrName())
	require.Contains(t, s.AttrNames(), "since")
	require.NotZero(t, s.EdgeType())
}

func TestBuildRejectsReservedName(t *testing.T) {
	alloc := newFakeAllocator()
	_, err := Build(alloc, Spec{
		Name: "Bad",
		Attrs: map[string]*attr.Descriptor{
			"gid1": mustDescriptor(t, attr.Int(attr.Options{})),
		},
	})
	require.ErrorIs(t, err, ErrSchema)
}

func TestBuildRejectsRedefinedLocalGid(t *testing.T) {
	alloc := newFakeAllocator()
	_, err := Build(alloc, Spec{
		Name: "Bad",
		Attrs: map[string]*attr.Descriptor{
			"a": attr.LocalGid(),
			"b": attr.LocalGid(),
		},
	})
	require.ErrorIs(t, err, ErrSchema)
}

func TestBuildRejectsBothKeyAndColoGid(t *testing.T) {
	alloc := newFakeAllocator()
	_, err := Build(alloc, Spec{
		Name: "Bad",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"key":   attr.PrimaryKey(),
			"shard": attr.ColoGid(),
		},
	})
	require.ErrorIs(t, err, ErrSchema)
}

func TestBuildRegistersUniqueIndexForFreshPrimaryKey(t *testing.T) {
	alloc := newFakeAllocator()
	s, err := Build(alloc, Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"email": attr.PrimaryKey(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "email", s.KeyAttrName())
	require.Len(t, s.Indexes(), 1)
	require.True(t, s.Indexes()[0].Spec().Unique)
	require.Equal(t, []string{"email"}, s.Indexes()[0].Spec().AttrNames)
}

func TestBuildInheritsKeyIndexWithoutRedeclaring(t *testing.T) {
	alloc := newFakeAllocator()
	base, err := Build(alloc, Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"email": attr.PrimaryKey(),
		},
	})
	require.NoError(t, err)

	callsBeforeChild := alloc.calls

	child, err := Build(alloc, Spec{
		Name:    "PremiumAccount",
		Parents: []*Schema{base},
		Attrs: map[string]*attr.Descriptor{
			"tier": mustDescriptor(t, attr.String(attr.Options{})),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "email", child.KeyAttrName())
	require.Len(t, child.Indexes(), 1, "inherited key index must not be re-registered")
	require.Greater(t, alloc.calls, callsBeforeChild, "child still allocates its own edgetype")
}

func TestBuildClonesParentDescriptorsIndependently(t *testing.T) {
	alloc := newFakeAllocator()
	base, err := Build(alloc, Spec{
		Name: "Base",
		Attrs: map[string]*attr.Descriptor{
			"gid":  attr.PrimaryGid(),
			"name": mustDescriptor(t, attr.String(attr.Options{})),
		},
	})
	require.NoError(t, err)

	child, err := Build(alloc, Spec{
		Name:    "Child",
		Parents: []*Schema{base},
	})
	require.NoError(t, err)

	baseAttr, err := base.Attr("name")
	require.NoError(t, err)
	childAttr, err := child.Attr("name")
	require.NoError(t, err)
	require.NotSame(t, baseAttr, childAttr)
}

func TestBuildRejectsRedefinedAttrFromParent(t *testing.T) {
	alloc := newFakeAllocator()
	base, err := Build(alloc, Spec{
		Name: "Base",
		Attrs: map[string]*attr.Descriptor{
			"name": mustDescriptor(t, attr.String(attr.Options{})),
		},
	})
	require.NoError(t, err)

	_, err = Build(alloc, Spec{
		Name:    "Child",
		Parents: []*Schema{base},
		Attrs: map[string]*attr.Descriptor{
			"name": mustDescriptor(t, attr.String(attr.Options{})),
		},
	})
	require.ErrorIs(t, err, ErrSchema)
}

func TestBuildReusesEdgeTypeAcrossRebuilds(t *testing.T) {
	alloc := newFakeAllocator()
	a, err := Build(alloc, Spec{Name: "Widget", Attrs: map[string]*attr.Descriptor{
		"gid": attr.PrimaryGid(),
	}})
	require.NoError(t, err)

	b, err := Build(alloc, Spec{Name: "Widget", Attrs: map[string]*attr.Descriptor{
		"gid": attr.PrimaryGid(),
	}})
	require.NoError(t, err)

	require.Equal(t, a.EdgeType(), b.EdgeType())
}

func TestValidateDictRequiresRequiredAttr(t *testing.T) {
	alloc := newFakeAllocator()
	s, err := Build(alloc, Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"gid":  attr.PrimaryGid(),
			"name": mustDescriptor(t, attr.String(attr.Options{Required: true})),
		},
	})
	require.NoError(t, err)

	_, err = s.ValidateDict(map[string]any{})
	require.ErrorIs(t, err, attr.ErrValidation)

	v, err := s.ValidateDict(map[string]any{"name": "widget"})
	require.NoError(t, err)
	require.Equal(t, "widget", v["name"])
}

func TestToBaseDictAndFromBaseDictRoundTrip(t *testing.T) {
	alloc := newFakeAllocator()
	s, err := Build(alloc, Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"count": mustDescriptor(t, attr.Int(attr.Options{})),
		},
	})
	require.NoError(t, err)

	validated, err := s.ValidateDict(map[string]any{"count": int32(3)})
	require.NoError(t, err)

	base, err := s.ToBaseDict(validated)
	require.NoError(t, err)

	native, err := s.FromBaseDict(base)
	require.NoError(t, err)
	require.Equal(t, int64(3), native["count"])
}

func TestFromBaseDictSkipsUnknownAttrs(t *testing.T) {
	alloc := newFakeAllocator()
	s, err := Build(alloc, Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"gid": attr.PrimaryGid(),
		},
	})
	require.NoError(t, err)

	native, err := s.FromBaseDict(map[string]any{"stale_attr": "x"})
	require.NoError(t, err)
	require.Empty(t, native)
}

func TestBuildIndexResolvesDottedNestedPath(t *testing.T) {
	alloc := newFakeAllocator()
	code := mustDescriptor(t, attr.Int(attr.Options{}))
	nested := &fakeNestedSchema{code: code}
	localData := mustDescriptor(t, attr.LocalData(nested))

	s, err := Build(alloc, Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"gid":   attr.PrimaryGid(),
			"phone": localData,
		},
		Indexes: []IndexSpec{
			{AttrNames: []string{"phone.code"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, s.Indexes(), 1)
	require.Equal(t, []string{"phone.code"}, s.Indexes()[0].Spec().AttrNames)
}

func TestBuildIndexRejectsUnknownAttr(t *testing.T) {
	alloc := newFakeAllocator()
	_, err := Build(alloc, Spec{
		Name: "Widget",
		Attrs: map[string]*attr.Descriptor{
			"gid": attr.PrimaryGid(),
		},
		Indexes: []IndexSpec{
			{AttrNames: []string{"nope"}},
		},
	})
	require.ErrorIs(t, err, ErrSchema)
}

func TestIndexDefTuplesProducesCartesianProductForRepeated(t *testing.T) {
	alloc := newFakeAllocator()
	code := mustDescriptor(t, attr.Int(attr.Options{}))
	nested := &fakeNestedSchema{code: code}
	localData := mustDescriptor(t, attr.LocalData(nested))
	repeated := mustDescriptor(t, attr.Repeated(localData))

	s, err := Build(alloc, Spec{
		Name: "Account",
		Attrs: map[string]*attr.Descriptor{
			"gid":     attr.PrimaryGid(),
			"numbers": repeated,
		},
		Indexes: []IndexSpec{
			{AttrNames: []string{"numbers.code"}},
		},
	})
	require.NoError(t, err)

	idx := s.Indexes()[0]
	tuples, err := idx.Tuples(func(d *attr.Descriptor) (any, error) {
		return []any{int64(1), int64(2)}, nil
	})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
}

// fakeNestedSchema is a minimal attr.NestedShape standing in for a
// LocalData-embedded schema, avoiding a circular dependency on Schema
// itself inside this package's own tests.
type fakeNestedSchema struct {
	code *attr.Descriptor
}

func (n *fakeNestedSchema) Attr(name string) (*attr.Descriptor, error) {
	if name == "code" {
		return n.code, nil
	}
	return nil, attr.ErrValidation
}

func (n *fakeNestedSchema) ValidateDict(values map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if v, ok := values["code"]; ok {
		validated, err := n.code.Validate(v)
		if err != nil {
			return nil, err
		}
		out["code"] = validated
	}
	return out, nil
}

func (n *fakeNestedSchema) ToBaseDict(values map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (n *fakeNestedSchema) FromBaseDict(values map[string]any) (map[string]any, error) {
	return n.ValidateDict(values)
}
