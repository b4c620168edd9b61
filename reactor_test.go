//go:build linux && amd64

package reactor_test

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/reactor"
	"github.com/tinyrange/reactor/internal/execmem"
)

func TestMain(m *testing.M) {
	if err := reactor.InitializePlatform(reactor.DefaultOptions()); err != nil {
		log.Fatalf("InitializePlatform: %v", err)
	}
	code := m.Run()
	if err := reactor.DisposePlatform(); err != nil {
		log.Fatalf("DisposePlatform: %v", err)
	}
	os.Exit(code)
}

func newBuilder(t *testing.T, name string) *reactor.Builder {
	t.Helper()
	b, err := reactor.NewBuilder(name)
	require.NoError(t, err)
	return b
}

func compile(t *testing.T, b *reactor.Builder) *reactor.Module {
	t.Helper()
	mod, err := reactor.Compile(context.Background(), b).Wait(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mod.Close()) })
	return mod
}

func TestPlatformIsSingleton(t *testing.T) {
	err := reactor.InitializePlatform(reactor.DefaultOptions())
	assert.True(t, errors.Is(err, reactor.ErrAlreadyInitialized))

	s, err := reactor.Platform()
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", s.Triple())
}

func TestEmptyMain(t *testing.T) {
	mod := compile(t, newBuilder(t, "empty"))

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mod.HostContext().IDs())

	addr, found := mod.Lookup(reactor.EntryName)
	assert.True(t, found)
	assert.NotZero(t, addr)
}

func TestHostContextGlobalIsVisible(t *testing.T) {
	mod := compile(t, newBuilder(t, "host_global"))

	addr, found := mod.Lookup("__program_host_context")
	require.True(t, found)
	assert.Zero(t, *(*uintptr)(unsafe.Pointer(addr)))

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mod.HostContext().Addr(), *(*uintptr)(unsafe.Pointer(addr)))
}

func TestCorruptContextIsRejected(t *testing.T) {
	mod := compile(t, newBuilder(t, "corrupt"))

	mod.HostContext().SetMagic(0xDEADBEEF)
	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSingleTrampoline(t *testing.T) {
	b := newBuilder(t, "greet")
	calls := 0
	b.InsertHostFunctionSymbol(func() { calls++ }, "greet")
	main := b.MainEntryBlock()
	require.NotNil(t, b.EmitHostTrampolineCall(main, "greet"))
	b.IR(main).RetVoid()
	mod := compile(t, b)

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, calls)

	ok, err = mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, calls)
}

func TestUnknownTrampolineIsNoop(t *testing.T) {
	b := newBuilder(t, "absent")
	calls := 0
	b.InsertHostFunctionSymbol(func() { calls++ }, "present")
	main := b.MainEntryBlock()
	assert.Nil(t, b.EmitHostTrampolineCall(main, "absent"))
	b.IR(main).RetVoid()
	mod := compile(t, b)

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, calls)
}

func TestVectorConstantsRoundTrip(t *testing.T) {
	b := newBuilder(t, "lanes")
	ctx := b.Context()

	sumFn := b.NewFunction("lane_sum", ctx.Func(ctx.I32()))
	irb := b.IR(sumFn.NewBlock("entry"))
	vec := b.NewInt4(1, 2, 3, 4)
	var sum reactor.Value = irb.ExtractElement(vec, b.NewInt(0))
	for lane := int32(1); lane < 4; lane++ {
		sum = irb.Add(sum, irb.ExtractElement(vec, b.NewInt(lane)))
	}
	irb.Ret(sum)

	result := b.NewGlobal("last_sum", ctx.I32(), b.NewInt(0))

	var mod *reactor.Module
	var seen []int32
	b.InsertHostFunctionSymbol(func() {
		addr, ok := mod.Lookup("last_sum")
		if !ok {
			t.Error("last_sum not visible to the host")
			return
		}
		seen = append(seen, *(*int32)(unsafe.Pointer(addr)))
	}, "report")

	main := b.MainEntryBlock()
	irb = b.IR(main)
	irb.Store(irb.Call(sumFn), result)
	b.EmitHostTrampolineCall(main, "report")
	irb.RetVoid()

	mod = compile(t, b)
	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int32{10}, seen)
}

func TestMissingExternalIsSurfaced(t *testing.T) {
	mapper := execmem.NewCounting(execmem.OS())
	opts := reactor.DefaultOptions()
	opts.Mapper = mapper
	opts.Symbols = reactor.DefaultSymbols().Without("sinf")
	s, err := reactor.NewSession(opts)
	require.NoError(t, err)

	b := reactor.NewBuilderWithSession(s, "no_sinf")
	main := b.MainEntryBlock()
	_, err = b.EmitExternalFunctionCall(main, reactor.SinF, b.NewFloat(0.5))
	require.NoError(t, err)
	b.IR(main).RetVoid()

	_, err = b.Compile(context.Background()).Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, reactor.ErrLinkFailed))
	var le *reactor.LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, []string{"sinf"}, le.Missing)

	assert.Zero(t, mapper.Allocated(execmem.PurposeCode))
	assert.Zero(t, mapper.Allocated(execmem.PurposeRWData))
}

func TestVerifyFailureIsSurfaced(t *testing.T) {
	b := newBuilder(t, "mismatch")
	main := b.MainEntryBlock()
	// sinf2 takes <2 x float>.
	_, err := b.EmitExternalFunctionCall(main, reactor.SinF2, b.NewFloat(1))
	require.NoError(t, err)
	b.IR(main).RetVoid()

	_, err = reactor.Compile(context.Background(), b).Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, reactor.ErrVerifyFailed))
	assert.True(t, errors.Is(err, reactor.ErrSignatureMismatch))
	var ve *reactor.VerifyError
	require.True(t, errors.As(err, &ve))
	assert.NotEmpty(t, ve.Messages)
}

func TestExternalMath(t *testing.T) {
	b := newBuilder(t, "math")
	ctx := b.Context()
	out := b.NewGlobal("out", ctx.Vector(ctx.Float(), 2), b.UndefFloat2())

	main := b.MainEntryBlock()
	r, err := b.EmitExternalFunctionCall(main, reactor.CosSinF2R, b.NewFloat2(0, 0))
	require.NoError(t, err)
	b.IR(main).Store(r, out)

	mod := compile(t, b)
	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	require.True(t, ok)

	addr, found := mod.Lookup("out")
	require.True(t, found)
	lanes := *(*[2]float32)(unsafe.Pointer(addr))
	assert.Equal(t, [2]float32{1, 0}, lanes)
}

func TestBuilderIsSpentAfterCompile(t *testing.T) {
	b := newBuilder(t, "spent")
	compile(t, b)

	_, err := b.Compile(context.Background()).Wait(context.Background())
	assert.True(t, errors.Is(err, reactor.ErrBuilderSpent))
	_, err = b.EmitExternalFunctionCall(nil, reactor.SinF)
	assert.True(t, errors.Is(err, reactor.ErrBuilderSpent))
	assert.Panics(t, func() { b.MainEntryBlock() })
	assert.Nil(t, b.Module())
}

func TestInvokeAfterClose(t *testing.T) {
	b := newBuilder(t, "closed")
	mod, err := reactor.Compile(context.Background(), b).Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, mod.Close())

	_, err = mod.InvokeEntry()
	assert.True(t, errors.Is(err, reactor.ErrModuleClosed))
}

func TestUnknownExternal(t *testing.T) {
	b := newBuilder(t, "unknown")
	_, err := b.EmitExternalFunctionCall(b.MainEntryBlock(), reactor.ExternalID(42))
	require.Error(t, err)
	assert.True(t, errors.Is(err, reactor.ErrUnknownExternal))
}
