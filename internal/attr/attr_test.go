package attr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awable/edgestore/internal/query"
)

// fakeNested is a minimal NestedShape for exercising LocalData without
// depending on internal/schema (which itself depends on this package).
type fakeNested struct {
	code *Descriptor
}

func newFakeNested(t *testing.T) *fakeNested {
	t.Helper()
	code, err := Int(Options{})
	require.NoError(t, err)
	require.NoError(t, code.BindName("code"))
	return &fakeNested{code: code}
}

func (n *fakeNested) Attr(name string) (*Descriptor, error) {
	if name == "code" {
		return n.code, nil
	}
	return nil, validationErrorf("no such nested attr %q", name)
}

func (n *fakeNested) ValidateDict(values map[string]any) (map[string]any, error) {
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

func (n *fakeNested) ToBaseDict(values map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (n *fakeNested) FromBaseDict(values map[string]any) (map[string]any, error) {
	return n.ValidateDict(values)
}

func TestScalarValidateRejectsWrongType(t *testing.T) {
	d, err := Int(Options{})
	require.NoError(t, err)
	require.NoError(t, d.BindName("count"))

	_, err = d.Validate("not an int")
	require.ErrorIs(t, err, ErrValidation)
}

func TestScalarValidateCoercesIntWidths(t *testing.T) {
	d, err := Int(Options{})
	require.NoError(t, err)
	v, err := d.Validate(int32(7))
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

func TestRequiredRejectsNil(t *testing.T) {
	d, err := String(Options{Required: true})
	require.NoError(t, err)
	require.NoError(t, d.BindName("name"))

	_, err = d.Validate(nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRequiredAndDefaultConflict(t *testing.T) {
	_, err := Int(Options{Required: true, Default: int64(1)})
	require.Error(t, err)
}

func TestDefaultReturnsFreshCopyEachTime(t *testing.T) {
	d, err := Repeated(mustInt(t))
	require.NoError(t, err)

	a := d.Default().([]any)
	b := d.Default().([]any)
	a = append(a, int64(1))
	require.NotEqual(t, a, b, "mutating one Default() call's slice must not affect another")
}

func TestGidValidatesAsInt64(t *testing.T) {
	d, err := Gid(Options{})
	require.NoError(t, err)
	v, err := d.Validate(uint64(1)<<32 | 5)
	require.NoError(t, err)
	require.IsType(t, int64(0), v)
}

func TestDateTimeRoundTripsThroughBase(t *testing.T) {
	d, err := DateTime(Options{})
	require.NoError(t, err)
	now := time.Now().UTC().Round(time.Microsecond)

	validated, err := d.Validate(now)
	require.NoError(t, err)

	base, err := d.ToBase(validated)
	require.NoError(t, err)
	micros, ok := base.(int64)
	require.True(t, ok)

	back, err := d.FromBase(micros)
	require.NoError(t, err)
	require.True(t, now.Equal(back.(time.Time)))
}

func TestDateTimeRejectsNonUTC(t *testing.T) {
	d, err := DateTime(Options{})
	require.NoError(t, err)
	_, err = d.Validate(time.Now())
	require.ErrorIs(t, err, ErrValidation)
}

func TestRepeatedValidatesEachElement(t *testing.T) {
	d, err := Repeated(mustInt(t))
	require.NoError(t, err)

	v, err := d.Validate([]any{int64(1), "bad"})
	require.Nil(t, v)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRepeatedElementCannotBeRequired(t *testing.T) {
	required, err := Int(Options{Required: true})
	require.NoError(t, err)
	_, err = Repeated(required)
	require.Error(t, err)
}

func TestLocalDataValidatesThroughNested(t *testing.T) {
	nested := newFakeNested(t)
	d, err := LocalData(nested)
	require.NoError(t, err)
	require.NoError(t, d.BindName("phone"))

	v, err := d.Validate(map[string]any{"code": int32(1)})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"code": int64(1)}, v)
}

func TestFieldAndReadNestedResolveDottedPath(t *testing.T) {
	nested := newFakeNested(t)
	d, err := LocalData(nested)
	require.NoError(t, err)
	require.NoError(t, d.BindName("phone"))

	field, err := d.Field("code")
	require.NoError(t, err)
	require.True(t, field.IsNested())
	require.Equal(t, "phone", field.ParentName())

	v, err := field.ReadNested(map[string]any{"code": int64(9)})
	require.NoError(t, err)
	require.Equal(t, int64(9), v)
}

func TestComputedCannotBeValidatedOrRequired(t *testing.T) {
	d := Computed(func(owner any) (any, error) { return "derived", nil })
	_, err := d.Validate("anything")
	require.ErrorIs(t, err, ErrValidation)
	require.False(t, d.Required())

	v, err := d.Compute(nil)
	require.NoError(t, err)
	require.Equal(t, "derived", v)
}

func TestCloneAllowsIndependentBinding(t *testing.T) {
	d, err := Int(Options{})
	require.NoError(t, err)
	clone := d.Clone()

	require.NoError(t, d.BindName("parentName"))
	require.NoError(t, clone.BindName("childName"))

	require.Equal(t, "parentName", d.Name())
	require.Equal(t, "childName", clone.Name())
}

func TestBindNameRejectsRebind(t *testing.T) {
	d, err := Int(Options{})
	require.NoError(t, err)
	require.NoError(t, d.BindName("a"))
	require.Error(t, d.BindName("b"))
}

func TestRoleConstructorsAreAlwaysRequired(t *testing.T) {
	for _, d := range []*Descriptor{LocalGid(), RemoteGid(), PrimaryGid(), ColoGid(), PrimaryKey()} {
		require.True(t, d.Required())
	}
	require.Equal(t, RoleLocalGid, LocalGid().Role())
	require.Equal(t, RoleRemoteGid, RemoteGid().Role())
	require.Equal(t, RolePrimaryGid, PrimaryGid().Role())
	require.Equal(t, RoleColoGid, ColoGid().Role())
	require.Equal(t, RolePrimaryKey, PrimaryKey().Role())
}

func TestRoleInPayload(t *testing.T) {
	require.False(t, RoleLocalGid.InPayload())
	require.False(t, RoleRemoteGid.InPayload())
	require.False(t, RolePrimaryGid.InPayload())
	require.True(t, RoleColoGid.InPayload())
	require.True(t, RolePrimaryKey.InPayload())
	require.True(t, RoleNone.InPayload())
}

func TestComparisonOperatorsBuildQueryArgs(t *testing.T) {
	d, err := Int(Options{})
	require.NoError(t, err)
	require.NoError(t, d.BindName("count"))

	eq, err := d.Eq(int64(3))
	require.NoError(t, err)
	require.Equal(t, query.Arg{AttrName: "count", Op: query.OpEQ, Value: int64(3)}, eq)

	gt, err := d.Gt(int64(1))
	require.NoError(t, err)
	require.Equal(t, query.OpGT, gt.Op)

	desc := d.Desc()
	require.Equal(t, query.Arg{AttrName: "count", Op: query.OpDesc}, desc)
}

func mustInt(t *testing.T) *Descriptor {
	t.Helper()
	d, err := Int(Options{})
	require.NoError(t, err)
	return d
}
