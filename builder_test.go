//go:build linux && amd64

package reactor

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/ir"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	s, err := NewSession(DefaultOptions())
	require.NoError(t, err)
	return NewBuilderWithSession(s, "builder_test")
}

func TestScaffolding(t *testing.T) {
	b := testBuilder(t)
	m := b.Module()
	require.NoError(t, ir.Verify(mustTerminate(b)))

	host := m.Global(hostContextGlobal)
	require.NotNil(t, host)
	assert.True(t, host.Init().IsNull())
	assert.Equal(t, ir.ExternalLinkage, host.Linkage())

	start := m.Function(EntryName)
	require.NotNil(t, start)
	assert.Equal(t, "i32 (ptr)", start.Sig().String())
	blocks := start.Blocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, []string{"entry", "check_failed", "normal_ret"},
		[]string{blocks[0].Name(), blocks[1].Name(), blocks[2].Name()})

	entry := blocks[0].Instrs()
	require.Len(t, entry, 4)
	assert.Equal(t, ir.OpStore, entry[0].Op())
	assert.Same(t, host, entry[0].Operand(1))
	assert.Equal(t, ir.OpCall, entry[1].Op())
	assert.Equal(t, extern.CheckHostContextName, entry[1].Callee().Name())
	assert.Equal(t, ir.OpICmp, entry[2].Op())
	assert.Same(t, entry[1], entry[2].Operand(0))
	assert.Equal(t, ir.OpCondBr, entry[3].Op())
	assert.Equal(t, []*ir.Block{blocks[1], blocks[2]}, entry[3].Targets())

	normal := blocks[2].Instrs()
	require.Len(t, normal, 2)
	assert.Same(t, m.Function(mainName), normal[0].Callee())

	main := b.MainEntryBlock()
	require.NotNil(t, main)
	assert.Equal(t, mainEntryName, main.Name())
	assert.Same(t, m.Function(mainName), main.Parent())
}

// mustTerminate closes main the way Compile does and returns the module.
func mustTerminate(b *Builder) *ir.Module {
	if b.mainEntry.Terminator() == nil {
		b.IR(b.mainEntry).RetVoid()
	}
	return b.Module()
}

func TestMethodIDs(t *testing.T) {
	b1 := testBuilder(t)
	b2 := testBuilder(t)
	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		for _, b := range []*Builder{b1, b2} {
			id := b.InsertHostFunctionSymbol(func() {}, "h")
			assert.NotZero(t, id)
			assert.False(t, seen[id], "id %d assigned twice", id)
			seen[id] = true
		}
	}
}

func TestDuplicateHostNameSupersedes(t *testing.T) {
	b := testBuilder(t)
	first := b.InsertHostFunctionSymbol(func() {}, "greet")
	second := b.InsertHostFunctionSymbol(func() {}, "greet")
	assert.Greater(t, second, first)

	id, ok := b.HostFunctionID("greet")
	require.True(t, ok)
	assert.Equal(t, second, id)
	assert.Len(t, b.handles, 2)

	call := b.EmitHostTrampolineCall(b.MainEntryBlock(), "greet")
	require.NotNil(t, call)
	assert.Equal(t, extern.TrampolineName, call.Callee().Name())
	arg, ok := call.Args()[1].(*ir.Const)
	require.True(t, ok)
	assert.Equal(t, uint64(second), arg.Bits())
}

func TestScalarConstants(t *testing.T) {
	b := testBuilder(t)
	for _, tc := range []struct {
		name string
		c    *ir.Const
		bits int
		want uint64
	}{
		{"sbyte", b.NewSByte(-1), 8, 0xff},
		{"byte", b.NewByte(255), 8, 0xff},
		{"short", b.NewShort(-2), 16, 0xfffe},
		{"ushort", b.NewUShort(0xfffe), 16, 0xfffe},
		{"int", b.NewInt(math.MinInt32), 32, 0x80000000},
		{"uint", b.NewUInt(math.MaxUint32), 32, 0xffffffff},
		{"long", b.NewLong(-1), 64, math.MaxUint64},
		{"ulong", b.NewULong(math.MaxUint64), 64, math.MaxUint64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.bits, tc.c.Type().Bits())
			assert.Equal(t, tc.want, tc.c.Bits())
		})
	}
	assert.Same(t, b.NewSByte(0).Type(), b.NewByte(0).Type())
	assert.Equal(t, float32(1.5), b.NewFloat(1.5).Float())
}

func TestVectorConstants(t *testing.T) {
	b := testBuilder(t)
	v := b.NewInt4(1, 2, 3, 4)
	assert.Equal(t, "<4 x i32>", v.Type().String())
	var lanes []int64
	for _, e := range v.Elems() {
		lanes = append(lanes, e.Int())
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, lanes)

	for name, c := range map[string]*ir.Const{
		"<2 x i8>":    b.NewSByte2(-1, 1),
		"<4 x i8>":    b.NewByte4(1, 2, 3, 255),
		"<2 x i16>":   b.NewUShort2(1, 2),
		"<4 x i16>":   b.NewShort4(1, 2, 3, 4),
		"<2 x i32>":   b.NewUInt2(1, 2),
		"<2 x i64>":   b.NewLong2(-1, 1),
		"<4 x i64>":   b.NewULong4(1, 2, 3, 4),
		"<2 x float>": b.NewFloat2(0.5, 1),
		"<4 x float>": b.NewFloat4(0, 1, 2, 3),
	} {
		assert.Equal(t, name, c.Type().String())
	}
	assert.Equal(t, uint64(0xff), b.NewByte4(1, 2, 3, 255).Elems()[3].Bits())
}

func TestUndefValues(t *testing.T) {
	b := testBuilder(t)
	for want, c := range map[string]*ir.Const{
		"i8":          b.UndefSByte(),
		"i16":         b.UndefUShort(),
		"i32":         b.UndefInt(),
		"i64":         b.UndefULong(),
		"float":       b.UndefFloat(),
		"<2 x i8>":    b.UndefByte2(),
		"<4 x i16>":   b.UndefShort4(),
		"<4 x i32>":   b.UndefInt4(),
		"<2 x i64>":   b.UndefLong2(),
		"<4 x float>": b.UndefFloat4(),
	} {
		assert.True(t, c.IsUndef(), want)
		assert.Equal(t, want, c.Type().String())
	}
}

func TestEmitExternalDeclaresOnce(t *testing.T) {
	b := testBuilder(t)
	main := b.MainEntryBlock()
	c1, err := b.EmitExternalFunctionCall(main, extern.SinF, b.NewFloat(1))
	require.NoError(t, err)
	c2, err := b.EmitExternalFunctionCall(main, extern.SinF, b.NewFloat(2))
	require.NoError(t, err)
	assert.Same(t, c1.Callee(), c2.Callee())
	assert.True(t, c1.Callee().IsDeclaration())
	assert.Equal(t, "float (float)", c1.Callee().Sig().String())

	load := b.EmitLoadHostContext(main)
	assert.Equal(t, ir.OpLoad, load.Op())
	assert.Same(t, b.host, load.Operand(0))

	_, err = b.EmitExternalFunctionCall(main, extern.ID(0))
	assert.True(t, errors.Is(err, ErrUnknownExternal))
}

func TestPlatformLifecycle(t *testing.T) {
	var p platformState
	_, err := p.current()
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.True(t, errors.Is(p.dispose(), ErrNotInitialized))

	require.NoError(t, p.initialize(DefaultOptions()))
	s, err := p.current()
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.True(t, errors.Is(p.initialize(DefaultOptions()), ErrAlreadyInitialized))

	require.NoError(t, p.dispose())
	_, err = p.current()
	assert.True(t, errors.Is(err, ErrNotInitialized))
	assert.True(t, errors.Is(p.initialize(DefaultOptions()), ErrAlreadyInitialized))
}
