// Package schema implements the metaclass-equivalent registration layer
// from spec §4.2: merging parent attribute descriptors, extracting role
// attrs, allocating a stable edgetype id, and registering declared
// indices.
//
// Grounded on the original source's datametaclass.py (DataMetaClass.__new__:
// parent-attr merge, role extraction, __origname__-based edgetype
// allocation) and edgedata.py's EdgeDataType.__init__ (local/remote attr
// extraction, index registration with the
// "<ClassName>:<attr1>:<attr2>:..." naming scheme). Go has no
// class-declaration hook to run this at "class body" time, so spec §9's
// design note applies directly: a builder function consumes a Spec value
// and returns a registered *Schema handle.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/awable/edgestore/internal/attr"
	"github.com/awable/edgestore/internal/query"
)

// ErrSchema is the sentinel backing spec §7's SchemaError: redefined
// attribute, reserved name, multiple role attrs, invalid index attrs.
// Build does not reject registering the same class name twice: the
// allocator hands the rebuilt schema the same edgetype.
var ErrSchema = errors.New("schema: invalid declaration")

func schemaErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSchema}, args...)...)
}

// reserved names mirror EdgeDataType._RESERVED plus the gid1/gid2 column
// names that a user-declared attribute could otherwise shadow.
var reserved = map[string]struct{}{
	"get":  {},
	"gid1": {},
	"gid2": {},
}

// TypeAllocator allocates a stable 64-bit id for a definitions-table name,
// reusing the same id on repeated calls with the same name. Implemented by
// internal/store.Store via the LAST_INSERT_ID upsert described in spec
// §4.3 "Definitions".
type TypeAllocator interface {
	AllocateType(name string) (uint64, error)
}

// IndexSpec declares one index before registration: the (possibly dotted,
// for nested attrs) attribute names it covers, and whether it enforces
// uniqueness.
type IndexSpec struct {
	AttrNames []string
	Unique    bool
}

// Spec describes a class being registered: its canonical name, the parent
// schemas it extends (first parent is primary, per datametaclass.py), the
// new attribute descriptors it declares (unbound; Build assigns names),
// and its declared indices.
type Spec struct {
	Name     string
	OrigName string
	Parents  []*Schema
	Attrs    map[string]*attr.Descriptor
	Indexes  []IndexSpec
}

// IndexDef is a fully registered index: its allocated type id, resolved
// attribute descriptors in declared order, and whether any of them is
// reached through a Repeated(LocalData) path (spec §8 scenario 4).
type IndexDef struct {
	spec     query.IndexSpec
	attrs    []*attr.Descriptor
	repeated bool
}

// Spec returns the query-planner view of this index.
func (ix *IndexDef) Spec() query.IndexSpec { return ix.spec }

// Attrs returns the index's resolved attribute descriptors in order.
func (ix *IndexDef) Attrs() []*attr.Descriptor { return ix.attrs }

// Tuples computes the index tuples for one instance, per spec invariant 2:
// "exactly one index row per declared index per tuple produced from the
// instance's repeated attributes". getValue returns the already-to-based
// value of one (possibly nested) attribute; for an attribute reached
// through a Repeated(LocalData) path it returns a []any of per-element
// values, and Tuples takes the cartesian product across such columns (in
// practice a single repeated column, since today's schemas index at most
// one repeated path per index).
func (ix *IndexDef) Tuples(getValue func(*attr.Descriptor) (any, error)) ([][]any, error) {
	cols := make([][]any, len(ix.attrs))
	for i, d := range ix.attrs {
		v, err := getValue(d)
		if err != nil {
			return nil, err
		}
		if ix.repeated && d.IsNested() && d.ViaRepeated() {
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("schema: index on %q: expected repeated values, got %T", d.Name(), v)
			}
			cols[i] = items
		} else {
			cols[i] = []any{v}
		}
	}
	return cartesianProduct(cols), nil
}

func cartesianProduct(cols [][]any) [][]any {
	result := [][]any{{}}
	for _, col := range cols {
		next := make([][]any, 0, len(result)*len(col))
		for _, prefix := range result {
			for _, v := range col {
				tuple := make([]any, len(prefix)+1)
				copy(tuple, prefix)
				tuple[len(prefix)] = v
				next = append(next, tuple)
			}
		}
		result = next
	}
	return result
}

// Schema is a registered class: its edgetype id, role attr names,
// ordinary payload attrs, and declared indices.
type Schema struct {
	name     string
	edgeType uint64

	localAttrName  string
	remoteAttrName string
	coloAttrName   string
	keyAttrName    string

	attrs map[string]*attr.Descriptor
	order []string

	indexes []*IndexDef
}

// Build registers spec, merging parent schemas and allocating an edgetype
// id via allocator, per spec §4.2's five registration steps.
func Build(allocator TypeAllocator, spec Spec) (*Schema, error) {
	s := &Schema{attrs: map[string]*attr.Descriptor{}}

	var primary *Schema
	if len(spec.Parents) > 0 {
		primary = spec.Parents[0]
	}
	if primary != nil {
		s.localAttrName = primary.localAttrName
		s.remoteAttrName = primary.remoteAttrName
		s.coloAttrName = primary.coloAttrName
		s.keyAttrName = primary.keyAttrName
	}

	// step 1: merge parent attrs and indices, deep-copying descriptors so
	// later mutation on this schema never bleeds back into the parent.
	for _, parent := range spec.Parents {
		for _, name := range parent.order {
			if _, exists := s.attrs[name]; exists {
				return nil, schemaErrorf("redefined attr %q", name)
			}
			s.attrs[name] = parent.attrs[name].Clone()
			s.order = append(s.order, name)
		}
		for _, parentIndex := range parent.indexes {
			clone := &IndexDef{spec: parentIndex.spec, repeated: parentIndex.repeated}
			clone.attrs = make([]*attr.Descriptor, len(parentIndex.attrs))
			for i, d := range parentIndex.attrs {
				clone.attrs[i] = d.Clone()
			}
			s.indexes = append(s.indexes, clone)
		}
	}

	// step 2: scan declared attrs, assign names, extract roles.
	names := make([]string, 0, len(spec.Attrs))
	for name := range spec.Attrs {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic order regardless of map iteration

	for _, name := range names {
		if _, isReserved := reserved[name]; isReserved {
			return nil, schemaErrorf("reserved attr name %q", name)
		}
		def := spec.Attrs[name]
		if err := def.BindName(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchema, err)
		}

		switch def.Role() {
		case attr.RoleLocalGid:
			if s.localAttrName != "" {
				return nil, schemaErrorf("redefined local gid attr")
			}
			s.localAttrName = name
		case attr.RoleRemoteGid:
			if s.remoteAttrName != "" {
				return nil, schemaErrorf("redefined remote gid attr")
			}
			s.remoteAttrName = name
		case attr.RolePrimaryGid:
			if s.localAttrName != "" || s.remoteAttrName != "" {
				return nil, schemaErrorf("redefined local or remote gid attr")
			}
			s.localAttrName = name
			s.remoteAttrName = name
		default:
			if _, exists := s.attrs[name]; exists {
				return nil, schemaErrorf("redefined attr %q", name)
			}
			s.attrs[name] = def
			s.order = append(s.order, name)

			if def.Role() == attr.RoleColoGid {
				if s.keyAttrName != "" {
					return nil, schemaErrorf("cannot define both key and colo gid attrs")
				}
				if s.coloAttrName != "" {
					return nil, schemaErrorf("multiple colo gid attrs")
				}
				s.coloAttrName = name
			}
			if def.Role() == attr.RolePrimaryKey {
				if s.coloAttrName != "" {
					return nil, schemaErrorf("cannot define both key and colo gid attrs")
				}
				if s.keyAttrName != "" {
					return nil, schemaErrorf("multiple primary key attrs")
				}
				s.keyAttrName = name
			}
		}
	}

	// step 3: allocate a stable edgetype id for the class's canonical name.
	defName := spec.Name
	if spec.OrigName != "" {
		defName = spec.OrigName
	}
	s.name = spec.Name
	edgeType, err := allocator.AllocateType(defName)
	if err != nil {
		return nil, fmt.Errorf("schema: allocating edgetype for %q: %w", defName, err)
	}
	s.edgeType = edgeType

	// step 4: a primary-key attr declared at this level gets a unique index
	// over itself for free, mirroring KeyEntityType.__init__'s
	// `self.addIndex(Index(keyattr, unique=True))`. Parents that already
	// carry this index had it cloned in step 1, so only a freshly declared
	// key attr needs it registered here.
	if s.keyAttrName != "" {
		if _, declaredHere := spec.Attrs[s.keyAttrName]; declaredHere {
			def, err := s.buildIndex(allocator, IndexSpec{AttrNames: []string{s.keyAttrName}, Unique: true})
			if err != nil {
				return nil, err
			}
			s.indexes = append(s.indexes, def)
		}
	}

	// step 4 continued: register declared indices, merging with the
	// inherited ones already copied above.
	for _, idx := range spec.Indexes {
		def, err := s.buildIndex(allocator, idx)
		if err != nil {
			return nil, err
		}
		s.indexes = append(s.indexes, def)
	}

	return s, nil
}

func (s *Schema) buildIndex(allocator TypeAllocator, spec IndexSpec) (*IndexDef, error) {
	if len(spec.AttrNames) == 0 {
		return nil, schemaErrorf("index must name at least one attr")
	}
	attrs := make([]*attr.Descriptor, 0, len(spec.AttrNames))
	names := make([]string, 0, len(spec.AttrNames))
	repeated := false

	for _, name := range spec.AttrNames {
		d, err := s.resolveAttrPath(name)
		if err != nil {
			return nil, schemaErrorf("invalid index attr %q: %v", name, err)
		}
		if d.IsNested() && d.ViaRepeated() {
			repeated = true
		}
		attrs = append(attrs, d)
		names = append(names, d.Name())
	}

	indexName := fmt.Sprintf("%s:%s", s.name, strings.Join(names, ":"))
	indexType, err := allocator.AllocateType(indexName)
	if err != nil {
		return nil, fmt.Errorf("schema: allocating indextype for %q: %w", indexName, err)
	}

	return &IndexDef{
		spec:     query.IndexSpec{Type: indexType, AttrNames: names, Unique: spec.Unique},
		attrs:    attrs,
		repeated: repeated,
	}, nil
}

// resolveAttrPath resolves a plain or dotted ("phone.code") attribute name
// against this schema's payload attrs, per spec §4.1's nested attribute
// access.
func (s *Schema) resolveAttrPath(path string) (*attr.Descriptor, error) {
	parent, field, nested := strings.Cut(path, ".")
	d, ok := s.attrs[parent]
	if !ok {
		return nil, fmt.Errorf("no such attr %q", parent)
	}
	if !nested {
		return d, nil
	}
	return d.Field(field)
}

// Name returns the schema's canonical class name.
func (s *Schema) Name() string { return s.name }

// EdgeType returns the allocated edgetype id for this schema.
func (s *Schema) EdgeType() uint64 { return s.edgeType }

// LocalAttrName returns the name of the attribute holding the edge row's
// gid1, empty if none was declared yet (only the degenerate base schema
// has none).
func (s *Schema) LocalAttrName() string { return s.localAttrName }

// RemoteAttrName returns the name of the attribute holding the edge row's
// gid2.
func (s *Schema) RemoteAttrName() string { return s.remoteAttrName }

// ColoAttrName returns the colo-gid attribute name, empty if none declared.
func (s *Schema) ColoAttrName() string { return s.coloAttrName }

// KeyAttrName returns the primary-key attribute name, empty if none
// declared.
func (s *Schema) KeyAttrName() string { return s.keyAttrName }

// Indexes returns the schema's registered indices in declaration order
// (parents' indices first).
func (s *Schema) Indexes() []*IndexDef { return s.indexes }

// Attr resolves a plain or dotted attribute name to its descriptor,
// satisfying attr.NestedShape so a Schema can itself be the embedded
// record of a LocalData attribute.
func (s *Schema) Attr(name string) (*attr.Descriptor, error) {
	return s.resolveAttrPath(name)
}

// AttrNames returns the schema's payload attribute names in declaration
// order (excludes the local/remote identity attrs, which are never part
// of the payload).
func (s *Schema) AttrNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ValidateDict validates values against every declared attr, enforcing
// requiredness, mirroring Data.dict(validate=true) in the original source.
// Absent optional attrs are left out of the result, not filled with their
// defaults.
func (s *Schema) ValidateDict(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.order))
	for _, name := range s.order {
		def := s.attrs[name]
		raw, present := values[name]
		if !present || raw == nil {
			if def.Required() {
				return nil, fmt.Errorf("%w: %q is required", attr.ErrValidation, name)
			}
			continue
		}
		v, err := def.Validate(raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ToBaseDict converts a validated attribute map to its codec-safe form.
func (s *Schema) ToBaseDict(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		def, ok := s.attrs[name]
		if !ok {
			continue
		}
		base, err := def.ToBase(v)
		if err != nil {
			return nil, err
		}
		out[name] = base
	}
	return out, nil
}

// FromBaseDict is the inverse of ToBaseDict, applied when decoding a
// stored row. Unknown attribute names (from an older schema revision) are
// skipped, matching the original source's "skip unknown attributes".
func (s *Schema) FromBaseDict(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		def, ok := s.attrs[name]
		if !ok {
			continue
		}
		native, err := def.FromBase(v)
		if err != nil {
			return nil, err
		}
		out[name] = native
	}
	return out, nil
}
