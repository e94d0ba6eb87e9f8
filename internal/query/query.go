// Package query implements the query/index planner described in spec §4.6:
// building an equality/inequality/order query against a schema's declared
// indices, selecting a matching index, and computing the order-preserving
// byte range to scan.
//
// This package is deliberately decoupled from internal/attr and
// internal/schema: args and index specs are keyed by attribute name, the
// same way the original source's Index.match/Index.range operate on
// attrdef.name rather than descriptor identity. That keeps the dependency
// graph a DAG: internal/attr imports internal/query to build Args from
// comparison operators, internal/schema imports both, and this package
// imports neither.
package query

import (
	"fmt"

	"github.com/awable/edgestore/internal/codec"
)

// Op is a query comparison or ordering operator.
type Op int

const (
	OpEQ Op = iota
	OpGE
	OpGT
	OpLT
	OpLE
	OpDesc // unary: descending sort on this attr
	OpAsc  // unary: ascending sort on this attr
)

func (op Op) String() string {
	switch op {
	case OpEQ:
		return "="
	case OpGE:
		return ">="
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpDesc:
		return "DESC"
	case OpAsc:
		return "ASC"
	default:
		return "?"
	}
}

func (op Op) isInequality() bool { return op == OpGT || op == OpGE || op == OpLT || op == OpLE }
func (op Op) isOrder() bool      { return op == OpDesc || op == OpAsc }

// Arg is one comparison or ordering term built from an attribute
// descriptor; Value has already been validated/coerced by the attribute
// that produced it.
type Arg struct {
	AttrName string
	Op       Op
	Value    any
}

// IndexSpec is a declared index: an ordered attribute-name sequence plus
// its uniqueness flag, as registered by the schema metaclass layer (spec
// §4.2 step 4).
type IndexSpec struct {
	Type      uint64
	AttrNames []string
	Unique    bool
}

// ErrQuery is the sentinel for every fatal query-construction error named
// in spec §7 ("QueryError"): multiple inequality attrs, order/inequality
// disagreement, no matching index, unique index used outside a colo scope.
type ErrQuery struct{ msg string }

func (e *ErrQuery) Error() string { return "query: " + e.msg }

func queryErrorf(format string, args ...any) error {
	return &ErrQuery{msg: fmt.Sprintf(format, args...)}
}

// Query accumulates equality args, at most one inequality range, order
// args, and a colo scope for a single fetch, mirroring query.py's Query
// class.
type Query struct {
	localGidName string
	localGid     *uint64
	colo         *uint32

	equal map[string]Arg
	other []Arg
	order []Arg
}

// New starts a query for an edge class whose local-gid attribute is named
// localGidName (empty if the class has none, which should not normally
// happen but keeps this package independent of schema's invariants).
func New(localGidName string) *Query {
	return &Query{localGidName: localGidName, equal: map[string]Arg{}}
}

// SetColo pins an explicit colo scope, used by key-addressed lookups
// (KeyEntity.getbykey in the original source) where there is no local-gid
// equality arg to infer it from.
func (q *Query) SetColo(c uint32) *Query {
	q.colo = &c
	return q
}

// Filter adds equality/inequality args, validating the constraints from
// spec §4.6: at most one distinct inequality attribute, at most one start
// (GT/GE) and one end (LT/LE) bound, and a non-conflicting colo.
func (q *Query) Filter(args ...Arg) (*Query, error) {
	for _, arg := range args {
		if arg.Op.isOrder() {
			return nil, queryErrorf("order arg %q passed to Filter, use Order", arg.AttrName)
		}
		if arg.Op == OpEQ {
			if _, exists := q.equal[arg.AttrName]; exists {
				return nil, queryErrorf("redefined equality attr %q", arg.AttrName)
			}
			q.equal[arg.AttrName] = arg
			continue
		}
		q.other = append(q.other, arg)
	}

	// distinct inequality attribute check
	otherNames := map[string]struct{}{}
	for _, arg := range q.other {
		otherNames[arg.AttrName] = struct{}{}
	}
	if len(otherNames) > 1 {
		return nil, queryErrorf("more than one inequality attr")
	}

	start, end, err := q.startEnd()
	if err != nil {
		return nil, err
	}
	if start != nil && end != nil {
		cmp, err := compare(start.Value, end.Value)
		if err != nil {
			return nil, err
		}
		if cmp > 0 {
			return nil, queryErrorf("disjoint inequality range")
		}
	}

	if len(q.order) > 0 {
		firstOther := firstOtherName(q.other)
		if firstOther != "" && q.order[0].AttrName != firstOther {
			return nil, queryErrorf("inequality arg should be first order arg")
		}
	}

	// local gid + colo derivation
	if localArg, ok := q.equal[q.localGidName]; ok && q.localGidName != "" {
		gid, ok := gidFromValue(localArg.Value)
		if !ok {
			return nil, queryErrorf("local gid equality arg has non-gid value")
		}
		if q.colo != nil {
			return nil, queryErrorf("conflicting colo arguments")
		}
		q.localGid = &gid
	}

	return q, nil
}

// Order adds ordering args. The first order arg, if any, must be the same
// attribute as the single inequality attr (if one is present).
func (q *Query) Order(args ...Arg) (*Query, error) {
	for _, arg := range args {
		if !arg.Op.isOrder() {
			return nil, queryErrorf("non-order op passed to Order")
		}
		for _, existing := range q.order {
			if existing.AttrName == arg.AttrName {
				return nil, queryErrorf("redefined order attr %q", arg.AttrName)
			}
		}
	}
	q.order = append(q.order, args...)

	firstOther := firstOtherName(q.other)
	if firstOther != "" && len(q.order) > 0 && q.order[0].AttrName != firstOther {
		return nil, queryErrorf("first order arg should be same as first inequality arg")
	}
	return q, nil
}

// gidFromValue normalizes a validated gid-kind value to uint64: attr.Gid
// (and the role gid kinds) validate through the same signed path as
// ordinary integers, so a local-gid equality arg's Value arrives as
// int64, not uint64.
func gidFromValue(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	default:
		return 0, false
	}
}

func firstOtherName(other []Arg) string {
	if len(other) == 0 {
		return ""
	}
	return other[0].AttrName
}

func (q *Query) startEnd() (start, end *Arg, err error) {
	var starts, ends []Arg
	for _, arg := range q.other {
		switch arg.Op {
		case OpGT, OpGE:
			starts = append(starts, arg)
		case OpLT, OpLE:
			ends = append(ends, arg)
		default:
			return nil, nil, queryErrorf("unexpected op %v in inequality args", arg.Op)
		}
	}
	if len(starts) > 1 || len(ends) > 1 {
		return nil, nil, queryErrorf("conflicting inequality args")
	}
	if len(starts) == 1 {
		start = &starts[0]
	}
	if len(ends) == 1 {
		end = &ends[0]
	}
	return start, end, nil
}

// IsIndexQuery reports whether the query needs the query planner (more than
// one arg, or no local-gid equality arg to use the list-by-parent fast
// path), per spec §4.6.
func (q *Query) IsIndexQuery() bool {
	numArgs := len(q.equal) + len(q.other) + len(q.order)
	return numArgs > 1 || q.localGid == nil
}

// Colo returns the query's colo scope, either explicit or implied by the
// local-gid equality arg.
func (q *Query) Colo(coloOf func(gid uint64) uint32) (uint32, bool) {
	if q.colo != nil {
		return *q.colo, true
	}
	if q.localGid != nil {
		return coloOf(*q.localGid), true
	}
	return 0, false
}

// LocalGid returns the gid value of the local-gid equality arg, if present.
func (q *Query) LocalGid() (uint64, bool) {
	if q.localGid == nil {
		return 0, false
	}
	return *q.localGid, true
}

// EqualValues returns the validated value of every equality arg, keyed by
// attribute name, for Range's equalValues parameter.
func (q *Query) EqualValues() map[string]any {
	out := make(map[string]any, len(q.equal))
	for name, arg := range q.equal {
		out[name] = arg.Value
	}
	return out
}

// equalNameSet returns the set of equality-arg attribute names.
func (q *Query) equalNameSet() map[string]struct{} {
	set := make(map[string]struct{}, len(q.equal))
	for name := range q.equal {
		set[name] = struct{}{}
	}
	return set
}

// residualNames returns the ordered list of "other" attribute names used
// for index selection: order args take precedence over raw inequality args
// when both are present, matching query.py's
// `index.match(equal_args, query.orderargs or other_args)`.
func (q *Query) residualNames() []string {
	if len(q.order) > 0 {
		names := make([]string, len(q.order))
		for i, arg := range q.order {
			names[i] = arg.AttrName
		}
		return names
	}
	names := make([]string, len(q.other))
	for i, arg := range q.other {
		names[i] = arg.AttrName
	}
	return names
}

// SelectIndex picks the first declared index (in declaration order) whose
// attribute sequence begins with some permutation of the equality names
// followed by the residual (inequality/order) names in order, per spec
// §4.6. Unique indices are only selectable when scopedToColo is true.
func SelectIndex(specs []IndexSpec, q *Query, scopedToColo bool) (*IndexSpec, error) {
	equalSet := q.equalNameSet()
	residual := q.residualNames()

	for i := range specs {
		spec := specs[i]
		if spec.Unique && !scopedToColo {
			continue
		}
		if indexMatches(spec, equalSet, residual) {
			return &specs[i], nil
		}
	}
	return nil, queryErrorf("no matching index for query")
}

func indexMatches(spec IndexSpec, equalNames map[string]struct{}, residual []string) bool {
	n := len(equalNames)
	m := len(residual)
	if n+m > len(spec.AttrNames) {
		return false
	}
	for i := 0; i < n; i++ {
		if _, ok := equalNames[spec.AttrNames[i]]; !ok {
			return false
		}
	}
	for i := 0; i < m; i++ {
		if spec.AttrNames[n+i] != residual[i] {
			return false
		}
	}
	return true
}

// Range computes the inclusive [start, end] byte range (matched with
// BETWEEN) to scan for spec within q, per
// spec §4.6's "Range computation". equalValues maps attribute name to its
// validated equality value; callers (internal/schema) own the mapping from
// name to attribute so this package never needs to know about attr.Descriptor.
func Range(spec IndexSpec, q *Query, equalValues map[string]any) (indexType uint64, start, end []byte, err error) {
	n := len(q.equal)
	base := make([]any, 0, n+1)
	for i := 0; i < n; i++ {
		name := spec.AttrNames[i]
		v, ok := equalValues[name]
		if !ok {
			return 0, nil, nil, queryErrorf("missing equality value for attr %q", name)
		}
		base = append(base, v)
	}

	startArg, endArg, err := q.startEnd()
	if err != nil {
		return 0, nil, nil, err
	}

	startTuple := base
	if startArg != nil {
		startTuple = append(append([]any{}, base...), startArg.Value)
	}
	endTuple := base
	if endArg != nil {
		endTuple = append(append([]any{}, base...), endArg.Value)
	}

	openStart := startArg == nil || startArg.Op == OpGE
	openEnd := endArg == nil || endArg.Op == OpLE

	startBytes, err := codec.EncodeIndex(startTuple, openStart)
	if err != nil {
		return 0, nil, nil, err
	}

	// The end bound is always encoded plain (open=true, no exclusiveSuffix):
	// exclusiveSuffix sorts *after* the encoding, which is right for an
	// exclusive lower bound (OpGT, handled by openStart above) but backwards
	// for an exclusive upper bound (OpLT) — it would still match a stored
	// row whose indexvalue equals the bound exactly. OpLE/no-bound instead
	// extends the plain prefix so continuations still match; OpLT instead
	// takes the bytewise predecessor of the plain encoding, so the bound
	// itself sorts strictly before the excluded value.
	endBytes, err := codec.EncodeIndex(endTuple, true)
	if err != nil {
		return 0, nil, nil, err
	}
	if openEnd {
		endBytes = codec.ExtendPrefix(endBytes)
	} else if dec, ok := codec.DecrementBytes(endBytes); ok {
		endBytes = dec
	} else {
		// endTuple already encodes the smallest possible value: nothing can
		// be strictly less than it, so force an empty range.
		endBytes = nil
	}

	return spec.Type, startBytes, endBytes, nil
}

// compare orders two validated scalar values of the same declared type, for
// the start<=end range sanity check.
func compare(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		if !ok {
			return 0, queryErrorf("mismatched inequality value types")
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, queryErrorf("mismatched inequality value types")
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, queryErrorf("mismatched inequality value types")
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case uint64:
		bv, ok := b.(uint64)
		if !ok {
			return 0, queryErrorf("mismatched inequality value types")
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, queryErrorf("unsupported inequality value type %T", a)
	}
}
