// Package attr implements the attribute descriptor system from spec §4.1:
// typed attributes with validate/to-base/from-base behaviors, role attrs
// used by schema registration, and the comparison-operator query-expression
// builder that produces internal/query.Arg values.
//
// Grounded on the original source's attr.py: Attr base class plus
// AttrBool/AttrInt/AttrFloat/AttrString/AttrUnicode/AttrDict/AttrDateTime/
// AttrGid/AttrRepeated/AttrComputed, and the role subclasses declared in
// edgedata.py/entity.py (LocalGidAttr/RemoteGidAttr/ColoGidAttr/
// PrimaryKeyAttr, with PrimaryGid subsuming local+remote per spec §9's
// resolved Open Question). Go has no class hierarchy or operator
// overloading on field descriptors, so the Python `__eq__`/`__gt__`/etc.
// methods become named methods (Eq/Gt/...) returning a query.Arg, and the
// "class" taxonomy becomes a Kind enum switched over inside one
// Descriptor type — matching spec §9's "typed attribute-map keyed by
// attribute id" design note.
package attr

import (
	"errors"
	"fmt"
	"time"

	"github.com/awable/edgestore/internal/query"
)

// ErrValidation is the sentinel backing spec §7's ValidationError: missing
// required attr, wrong value type, invalid datetime.
var ErrValidation = errors.New("attr: validation error")

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Kind is the closed set of attribute types named in spec §4.1.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
	KindUnicode
	KindDateTime
	KindDict
	KindGid
	KindRepeated
	KindLocalData
	KindComputed
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindUnicode:
		return "Unicode"
	case KindDateTime:
		return "DateTime"
	case KindDict:
		return "Dict"
	case KindGid:
		return "Gid"
	case KindRepeated:
		return "Repeated"
	case KindLocalData:
		return "LocalData"
	case KindComputed:
		return "Computed"
	default:
		return "?"
	}
}

// Role marks an attribute as participating in gid/key routing rather than
// being an ordinary payload attribute. LocalGid/RemoteGid never appear in
// the serialized payload (they are the edge row's gid1/gid2); ColoGid and
// PrimaryKey remain in the payload and in indices, per spec §4.1.
type Role int

const (
	RoleNone Role = iota
	RoleLocalGid
	RoleRemoteGid
	RolePrimaryGid // subsumes both RoleLocalGid and RoleRemoteGid, see spec §9
	RoleColoGid
	RolePrimaryKey
)

func (r Role) String() string {
	switch r {
	case RoleLocalGid:
		return "LocalGid"
	case RoleRemoteGid:
		return "RemoteGid"
	case RolePrimaryGid:
		return "PrimaryGid"
	case RoleColoGid:
		return "ColoGid"
	case RolePrimaryKey:
		return "PrimaryKey"
	default:
		return "None"
	}
}

// InPayload reports whether a role attr's value is stored in the edge's
// serialized payload (and hence in indices). LocalGid/RemoteGid/PrimaryGid
// are purely routing info carried as gid1/gid2 in the edge row itself.
func (r Role) InPayload() bool {
	return r == RoleNone || r == RoleColoGid || r == RolePrimaryKey
}

// NestedShape is the minimal contract a LocalData attribute needs from its
// embedded schema, satisfied by internal/schema.Schema. Keeping it as an
// interface here (rather than importing internal/schema) keeps the
// dependency graph acyclic: internal/schema imports internal/attr, not the
// other way around.
type NestedShape interface {
	Attr(name string) (*Descriptor, error)
	ValidateDict(values map[string]any) (map[string]any, error)
	ToBaseDict(values map[string]any) (map[string]any, error)
	FromBaseDict(values map[string]any) (map[string]any, error)
}

// Descriptor is an attribute's full declaration: its kind, role,
// requiredness, validated default, and (for Repeated/LocalData/Computed)
// the extra state those kinds need.
type Descriptor struct {
	name           string
	kind           Kind
	role           Role
	required       bool
	alwaysRequired bool
	hasDefault     bool
	def            any

	elem   *Descriptor  // set when kind == KindRepeated
	nested NestedShape  // set when kind == KindLocalData (or elem's kind is)
	fn     ComputeFunc  // set when kind == KindComputed

	// nested-access bookkeeping, set only on descriptors returned by Field.
	parentName  string
	fieldName   string
	viaRepeated bool
}

// ComputeFunc produces a Computed attribute's value from its owning
// instance. The owner type is left as `any` because attr does not know the
// session/instance representation; callers type-assert inside fn.
type ComputeFunc func(owner any) (any, error)

// Options configures requiredness and a default value for attribute
// constructors that allow them (role attrs and Computed do not).
type Options struct {
	Required bool
	Default  any
}

func newScalar(kind Kind, opts Options) (*Descriptor, error) {
	d := &Descriptor{kind: kind, required: opts.Required}
	if opts.Default != nil {
		v, err := d.validateValue(opts.Default)
		if err != nil {
			return nil, err
		}
		d.def = v
		d.hasDefault = true
	}
	if opts.Required && opts.Default != nil {
		return nil, validationErrorf("required attr cannot have a default")
	}
	return d, nil
}

// Bool declares a boolean attribute.
func Bool(opts Options) (*Descriptor, error) { return newScalar(KindBool, opts) }

// Int declares an integer attribute (stored as int64).
func Int(opts Options) (*Descriptor, error) { return newScalar(KindInt, opts) }

// Float declares a floating point attribute.
func Float(opts Options) (*Descriptor, error) { return newScalar(KindFloat, opts) }

// String declares a byte-string attribute.
func String(opts Options) (*Descriptor, error) { return newScalar(KindString, opts) }

// Unicode declares a text attribute. Go strings are always UTF-8, so this
// is kept distinct from String only to preserve the original schema's
// String/Unicode distinction for callers porting declarations across.
func Unicode(opts Options) (*Descriptor, error) { return newScalar(KindUnicode, opts) }

// Dict declares a free-form map[string]any attribute.
func Dict(opts Options) (*Descriptor, error) { return newScalar(KindDict, opts) }

// DateTime declares a UTC timestamp attribute, stored as microseconds
// since epoch per spec §4.1.
func DateTime(opts Options) (*Descriptor, error) { return newScalar(KindDateTime, opts) }

// Gid declares a plain (non-role) gid-valued attribute.
func Gid(opts Options) (*Descriptor, error) { return newScalar(KindGid, opts) }

// Repeated declares a sequence of elem, defaulting to an empty sequence.
// elem itself must not be required (an individual element of a repeated
// attribute has no notion of being independently required).
func Repeated(elem *Descriptor) (*Descriptor, error) {
	if elem == nil {
		return nil, validationErrorf("Repeated needs an element descriptor")
	}
	if elem.required || elem.alwaysRequired {
		return nil, validationErrorf("Repeated element attr cannot be required")
	}
	return &Descriptor{kind: KindRepeated, elem: elem, hasDefault: true, def: []any{}}, nil
}

// LocalData declares an embedded sub-record validated against nested.
func LocalData(nested NestedShape) (*Descriptor, error) {
	if nested == nil {
		return nil, validationErrorf("LocalData needs a nested schema")
	}
	return &Descriptor{kind: KindLocalData, nested: nested}, nil
}

// Computed declares a read-only attribute whose value is fn(owner). It can
// never be required, defaulted, or set.
func Computed(fn ComputeFunc) *Descriptor {
	return &Descriptor{kind: KindComputed, fn: fn}
}

// LocalGid declares the edge row's owning (gid1) identity attribute.
func LocalGid() *Descriptor {
	return &Descriptor{kind: KindGid, role: RoleLocalGid, alwaysRequired: true}
}

// RemoteGid declares the edge row's target (gid2) identity attribute.
func RemoteGid() *Descriptor {
	return &Descriptor{kind: KindGid, role: RoleRemoteGid, alwaysRequired: true}
}

// PrimaryGid declares an attribute that is simultaneously the local and
// remote identity (entities where gid1 == gid2), per spec §9.
func PrimaryGid() *Descriptor {
	return &Descriptor{kind: KindGid, role: RolePrimaryGid, alwaysRequired: true}
}

// ColoGid declares a gid-valued attribute whose colo must match the owning
// row's colo (invariant 5 in spec §3); unlike LocalGid/RemoteGid it stays
// in the serialized payload.
func ColoGid() *Descriptor {
	return &Descriptor{kind: KindGid, role: RoleColoGid, alwaysRequired: true}
}

// PrimaryKey declares a string attribute whose crc32 determines the row's
// colo (invariant 5 in spec §3, KeyEntity in the original source).
func PrimaryKey() *Descriptor {
	return &Descriptor{kind: KindString, role: RolePrimaryKey, alwaysRequired: true}
}

// Name returns the attribute's declared name, assigned by schema
// registration via BindName.
func (d *Descriptor) Name() string { return d.name }

// Kind returns the attribute's declared type.
func (d *Descriptor) Kind() Kind { return d.kind }

// Role returns the attribute's routing role, RoleNone for ordinary
// payload attributes.
func (d *Descriptor) Role() Role { return d.role }

// Required reports whether the attribute must be present at save.
func (d *Descriptor) Required() bool { return d.required || d.alwaysRequired }

// Elem returns the element descriptor of a Repeated attribute, nil
// otherwise.
func (d *Descriptor) Elem() *Descriptor { return d.elem }

// Nested returns the embedded schema of a LocalData attribute, nil
// otherwise.
func (d *Descriptor) Nested() NestedShape { return d.nested }

// BindName assigns the attribute's name during schema registration. It may
// only be called once; rebinding (e.g. accidental reuse of a descriptor
// across two schema fields) is a SchemaError-class bug caught here.
func (d *Descriptor) BindName(name string) error {
	if d.name != "" && d.name != name {
		return fmt.Errorf("attr: descriptor already bound to name %q, cannot rebind to %q", d.name, name)
	}
	d.name = name
	return nil
}

// Clone deep-copies the descriptor so a parent schema's attribute can be
// merged into a child schema without the child's later BindName/mutations
// bleeding back into the parent (spec §4.2 step 1: "deep-copy to prevent
// cross-class mutation").
func (d *Descriptor) Clone() *Descriptor {
	clone := *d
	if d.elem != nil {
		clone.elem = d.elem.Clone()
	}
	return &clone
}

// Default returns a fresh copy of the attribute's validated default value,
// or nil if none was declared. Copying mirrors Python's `copy.copy(self.default)`
// in Attr.getter, preventing callers from aliasing a shared empty slice.
func (d *Descriptor) Default() any {
	if !d.hasDefault {
		return nil
	}
	return copyValue(d.def)
}

func copyValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		copy(out, x)
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	default:
		return v
	}
}

// Validate enforces requiredness and, for a non-nil value, delegates to
// the kind-specific coercion. A nil value is valid only when the attribute
// is not required (the zero value then reads back as Default()).
func (d *Descriptor) Validate(value any) (any, error) {
	if value == nil {
		if d.Required() {
			return nil, validationErrorf("%q is required", d.name)
		}
		return nil, nil
	}
	return d.validateValue(value)
}

func (d *Descriptor) validateValue(value any) (any, error) {
	switch d.kind {
	case KindBool:
		b, ok := asBool(value)
		if !ok {
			return nil, validationErrorf("%q: expected bool, got %T", d.name, value)
		}
		return b, nil
	case KindInt, KindGid:
		i, ok := asInt64(value)
		if !ok {
			return nil, validationErrorf("%q: expected integer, got %T", d.name, value)
		}
		return i, nil
	case KindFloat:
		f, ok := asFloat64(value)
		if !ok {
			return nil, validationErrorf("%q: expected float, got %T", d.name, value)
		}
		return f, nil
	case KindString, KindUnicode:
		s, ok := value.(string)
		if !ok {
			return nil, validationErrorf("%q: expected string, got %T", d.name, value)
		}
		return s, nil
	case KindDict:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, validationErrorf("%q: expected dict, got %T", d.name, value)
		}
		return m, nil
	case KindDateTime:
		t, ok := value.(time.Time)
		if !ok || t.Location() != time.UTC {
			return nil, validationErrorf("%q: require a UTC time.Time", d.name)
		}
		return t, nil
	case KindRepeated:
		items, ok := value.([]any)
		if !ok {
			return nil, validationErrorf("%q: expected a sequence", d.name)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := d.elem.Validate(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindLocalData:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, validationErrorf("%q: expected a dict for nested attr", d.name)
		}
		return d.nested.ValidateDict(m)
	case KindComputed:
		return nil, validationErrorf("%q: cannot set a computed attr", d.name)
	default:
		return nil, validationErrorf("%q: unknown kind %v", d.name, d.kind)
	}
}

// ToBase converts a validated value to its codec-safe (JSON-marshalable)
// representation, per spec §4.1's "to-base" behavior.
func (d *Descriptor) ToBase(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch d.kind {
	case KindDateTime:
		t := value.(time.Time)
		delta := t.Sub(epoch)
		return delta.Microseconds(), nil
	case KindRepeated:
		items := value.([]any)
		out := make([]any, len(items))
		for i, item := range items {
			v, err := d.elem.ToBase(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindLocalData:
		return d.nested.ToBaseDict(value.(map[string]any))
	case KindGid:
		if g, ok := value.(int64); ok {
			return g, nil
		}
		return value, nil
	default:
		return value, nil
	}
}

// FromBase is the inverse of ToBase, applied when decoding a stored row.
func (d *Descriptor) FromBase(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch d.kind {
	case KindDateTime:
		micros, ok := asInt64(value)
		if !ok {
			return nil, validationErrorf("%q: expected integer microseconds", d.name)
		}
		return epoch.Add(time.Duration(micros) * time.Microsecond), nil
	case KindRepeated:
		items, ok := value.([]any)
		if !ok {
			return nil, validationErrorf("%q: expected a sequence", d.name)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := d.elem.FromBase(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindLocalData:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, validationErrorf("%q: expected a dict for nested attr", d.name)
		}
		return d.nested.FromBaseDict(m)
	default:
		return value, nil
	}
}

// Compute evaluates a Computed attribute's getter for owner.
func (d *Descriptor) Compute(owner any) (any, error) {
	if d.kind != KindComputed {
		return nil, fmt.Errorf("attr: %q is not a computed attr", d.name)
	}
	return d.fn(owner)
}

var epoch = time.Unix(0, 0).UTC()

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	default:
		return false, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// Field resolves a dotted sub-attribute of a LocalData attribute, or of a
// Repeated attribute whose element is LocalData, per spec §4.1's "Nested
// attribute access". The returned descriptor's name is the dotted path
// ("phone.code"); reading it walks the parent value via ReadNested.
func (d *Descriptor) Field(childName string) (*Descriptor, error) {
	var nested NestedShape
	viaRepeated := false
	parentName := d.name

	switch d.kind {
	case KindLocalData:
		nested = d.nested
	case KindRepeated:
		if d.elem == nil || d.elem.kind != KindLocalData {
			return nil, fmt.Errorf("attr: %q is not a repeated local-data attr", d.name)
		}
		nested = d.elem.nested
		viaRepeated = true
	default:
		return nil, fmt.Errorf("attr: %q is not nestable", d.name)
	}

	child, err := nested.Attr(childName)
	if err != nil {
		return nil, fmt.Errorf("attr: %q has no field %q: %w", parentName, childName, err)
	}
	synthetic := child.Clone()
	synthetic.name = parentName + "." + childName
	synthetic.parentName = parentName
	synthetic.fieldName = childName
	synthetic.viaRepeated = viaRepeated
	return synthetic, nil
}

// IsNested reports whether d was produced by Field.
func (d *Descriptor) IsNested() bool { return d.fieldName != "" }

// ViaRepeated reports whether d's parent is a Repeated(LocalData) attribute
// (so ReadNested returns a slice of child values rather than a single one).
func (d *Descriptor) ViaRepeated() bool { return d.viaRepeated }

// ParentName returns the top-level attribute name a nested descriptor was
// resolved through ("phone" for "phone.code"), empty if d is not nested.
func (d *Descriptor) ParentName() string { return d.parentName }

// ReadNested walks parentValue (the already from-based value of the parent
// attribute) down to this nested descriptor's field. For a repeated
// parent, set is unsupported and get returns the slice of child reads, per
// spec §4.1.
func (d *Descriptor) ReadNested(parentValue any) (any, error) {
	if !d.IsNested() {
		return nil, fmt.Errorf("attr: %q is not a nested attribute", d.name)
	}
	if d.viaRepeated {
		items, ok := parentValue.([]any)
		if !ok {
			return nil, fmt.Errorf("attr: %q: expected a sequence on repeated parent", d.name)
		}
		out := make([]any, len(items))
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("attr: %q: expected a dict element", d.name)
			}
			out[i] = m[d.fieldName]
		}
		return out, nil
	}
	m, ok := parentValue.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("attr: %q: expected a dict parent value", d.name)
	}
	return m[d.fieldName], nil
}

// Eq builds an equality query arg, validating value eagerly (spec §4.1).
func (d *Descriptor) Eq(value any) (query.Arg, error) { return d.arg(query.OpEQ, value) }

// Gt builds a strict lower-bound query arg.
func (d *Descriptor) Gt(value any) (query.Arg, error) { return d.arg(query.OpGT, value) }

// Ge builds an inclusive lower-bound query arg.
func (d *Descriptor) Ge(value any) (query.Arg, error) { return d.arg(query.OpGE, value) }

// Lt builds a strict upper-bound query arg.
func (d *Descriptor) Lt(value any) (query.Arg, error) { return d.arg(query.OpLT, value) }

// Le builds an inclusive upper-bound query arg.
func (d *Descriptor) Le(value any) (query.Arg, error) { return d.arg(query.OpLE, value) }

// Desc builds a descending-order query arg (unary `-attr` in the original
// source).
func (d *Descriptor) Desc() query.Arg {
	return query.Arg{AttrName: d.name, Op: query.OpDesc}
}

// Asc builds an ascending-order query arg (unary `+attr`).
func (d *Descriptor) Asc() query.Arg {
	return query.Arg{AttrName: d.name, Op: query.OpAsc}
}

func (d *Descriptor) arg(op query.Op, value any) (query.Arg, error) {
	validated, err := d.Validate(value)
	if err != nil {
		return query.Arg{}, err
	}
	return query.Arg{AttrName: d.name, Op: op, Value: validated}, nil
}
