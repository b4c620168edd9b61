package extern

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/reactor/internal/ir"
)

func TestTableIsValid(t *testing.T) {
	require.NoError(t, Default().Validate(ir.NewContext()))
}

func TestNamesAndSignatures(t *testing.T) {
	ctx := ir.NewContext()
	tbl := Default()

	cases := []struct {
		id   ID
		name string
		sig  string
	}{
		{SinF, "sinf", "float (float)"},
		{CosF, "cosf", "float (float)"},
		{TanF, "tanf", "float (float)"},
		{SinF2, "sinf2", "<2 x float> (<2 x float>)"},
		{CosF2, "cosf2", "<2 x float> (<2 x float>)"},
		{TanF2, "tanf2", "<2 x float> (<2 x float>)"},
		{SinCosF2R, "sincosf2r", "<2 x float> (<2 x float>)"},
		{CosSinF2R, "cossinf2r", "<2 x float> (<2 x float>)"},
		{BuiltinV8Trampoline, "__builtin_v8_trampoline", "void (ptr, i32)"},
		{BuiltinCheckHostContext, "__builtin_check_host_context", "i32 (ptr)"},
	}
	for _, tc := range cases {
		name, err := tbl.NameFor(tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.name, name)

		sig, err := tbl.SignatureFor(tc.id, ctx)
		require.NoError(t, err)
		assert.Equal(t, tc.sig, sig.String(), "signature of %s", tc.name)
	}
}

func TestSignaturesAreInterned(t *testing.T) {
	ctx := ir.NewContext()
	a, err := Default().SignatureFor(SinF2, ctx)
	require.NoError(t, err)
	b, err := Default().SignatureFor(CosF2, ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestUnknownID(t *testing.T) {
	_, err := Default().NameFor(0)
	assert.True(t, errors.Is(err, ErrUnknownExternal))

	_, err = Default().SignatureFor(42, ir.NewContext())
	assert.True(t, errors.Is(err, ErrUnknownExternal))
}

func TestEntriesSorted(t *testing.T) {
	entries := Default().Entries()
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, ID(i+1), e.ID)
	}
}

func invokeFloat(t *testing.T, id ID, x float32) float32 {
	t.Helper()
	r, err := Default().Invoke(id, uint64(math.Float32bits(x)))
	require.NoError(t, err)
	return math.Float32frombits(uint32(r))
}

func invokeFloat2(t *testing.T, id ID, x, y float32) (float32, float32) {
	t.Helper()
	r, err := Default().Invoke(id, PackFloat2(x, y))
	require.NoError(t, err)
	return UnpackFloat2(r)
}

func TestScalarMath(t *testing.T) {
	assert.InDelta(t, 0, invokeFloat(t, SinF, 0), 1e-6)
	assert.InDelta(t, 1, invokeFloat(t, CosF, 0), 1e-6)
	assert.InDelta(t, 1, invokeFloat(t, TanF, math.Pi/4), 1e-5)
	assert.InDelta(t, math.Sin(1.25), invokeFloat(t, SinF, 1.25), 1e-6)
}

func TestLaneMath(t *testing.T) {
	x, y := invokeFloat2(t, SinF2, 0, math.Pi/2)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 1, y, 1e-6)

	x, y = invokeFloat2(t, CosF2, 0, math.Pi)
	assert.InDelta(t, 1, x, 1e-6)
	assert.InDelta(t, -1, y, 1e-6)

	x, y = invokeFloat2(t, TanF2, 0, math.Pi/4)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, 1, y, 1e-5)
}

func TestMixedLaneMath(t *testing.T) {
	// sin on lane 0, cos on lane 1.
	x, y := invokeFloat2(t, SinCosF2R, math.Pi/2, 0)
	assert.InDelta(t, 1, x, 1e-6)
	assert.InDelta(t, 1, y, 1e-6)

	x, y = invokeFloat2(t, SinCosF2R, 0, math.Pi)
	assert.InDelta(t, 0, x, 1e-6)
	assert.InDelta(t, -1, y, 1e-6)

	// cos on lane 0, sin on lane 1.
	x, y = invokeFloat2(t, CosSinF2R, 0, math.Pi/2)
	assert.InDelta(t, 1, x, 1e-6)
	assert.InDelta(t, 1, y, 1e-6)
}

func TestInvokeArity(t *testing.T) {
	_, err := Default().Invoke(SinF)
	require.Error(t, err)
	_, err = Default().Invoke(BuiltinV8Trampoline, 0)
	require.Error(t, err)
}

type fakeResolver struct {
	live    uintptr
	invoked []uint32
}

func (f *fakeResolver) CheckHostContext(ptr uintptr) int32 {
	if ptr != 0 && ptr == f.live {
		return 0
	}
	return 1
}

func (f *fakeResolver) Trampoline(ptr uintptr, id uint32) {
	if f.CheckHostContext(ptr) == 0 {
		f.invoked = append(f.invoked, id)
	}
}

func TestHostBuiltins(t *testing.T) {
	tbl := Default()

	SetHostResolver(nil)
	r, err := tbl.Invoke(BuiltinCheckHostContext, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r, "no resolver means no valid context")

	fake := &fakeResolver{live: 0x1000}
	SetHostResolver(fake)
	t.Cleanup(func() { SetHostResolver(nil) })

	r, err = tbl.Invoke(BuiltinCheckHostContext, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r)

	r, err = tbl.Invoke(BuiltinCheckHostContext, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r)

	_, err = tbl.Invoke(BuiltinV8Trampoline, 0x1000, 7)
	require.NoError(t, err)
	_, err = tbl.Invoke(BuiltinV8Trampoline, 0x2000, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, fake.invoked)
}

func TestWithout(t *testing.T) {
	tbl := Default()
	trimmed := tbl.Without("cosf")

	_, ok := trimmed.LookupByName("cosf")
	assert.False(t, ok)

	name, err := trimmed.NameFor(CosF)
	require.NoError(t, err)
	assert.Equal(t, "cosf", name, "ids still resolve for emission")

	_, origOK := tbl.LookupByName("sinf")
	_, trimmedOK := trimmed.LookupByName("sinf")
	assert.Equal(t, origOK, trimmedOK)
}

func TestValidateRejectsBadEntries(t *testing.T) {
	ctx := ir.NewContext()
	bad := &Table{entries: []Entry{
		{ID: 1, Name: "a", Signature: floatFloat},
		{ID: 1, Name: "a", Signature: floatFloat},
		{ID: 0, Name: "wide", Signature: func(ctx *ir.Context) *ir.Type {
			return ctx.Func(ctx.Vector(ctx.Float(), 4), ctx.Float())
		}},
	}}
	err := bad.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "id 0 is reserved")
	assert.Contains(t, err.Error(), "does not fit")
}
