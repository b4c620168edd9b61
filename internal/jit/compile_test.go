//go:build linux && amd64

package jit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/execmem"
	"github.com/tinyrange/reactor/internal/extern"
	"github.com/tinyrange/reactor/internal/ir"
	"github.com/tinyrange/reactor/internal/ir/opt"
)

// program is a module with the entry scaffolding in place and a builder
// positioned in main.
type program struct {
	s       *Session
	ctx     *ir.Context
	m       *ir.Module
	host    *ir.Global
	b       *ir.Builder
	exposed []*ir.Function
	handles map[uint32]HostFunc
}

func newProgram(t *testing.T, s *Session, name string) *program {
	t.Helper()
	ctx := ir.NewContext()
	m := ir.NewModule(ctx, name)
	s.Configure(m)
	p := &program{s: s, ctx: ctx, m: m, handles: map[uint32]HostFunc{}}

	p.host = m.NewGlobal("__program_host_context", ctx.Ptr(), ir.ConstNull(ctx.Ptr()))
	start := m.NewFunction(EntryName, ctx.Func(ctx.I32(), ctx.Ptr()))
	main := m.NewFunction("main", ctx.Func(ctx.Void()))

	entry := start.NewBlock("entry")
	failed := start.NewBlock("check_failed")
	normal := start.NewBlock("normal_ret")
	b := ir.NewBuilder(ctx).SetInsertPoint(entry)
	b.Store(start.Param(0), p.host)
	r := b.Call(p.external(t, extern.BuiltinCheckHostContext), start.Param(0))
	b.CondBr(b.ICmp(ir.IntNE, r, ir.ConstInt(ctx.I32(), 0)), failed, normal)
	b.SetInsertPoint(failed)
	b.Ret(ir.ConstInt(ctx.I32(), 1))
	b.SetInsertPoint(normal)
	b.Call(main)
	b.Ret(ir.ConstInt(ctx.I32(), 0))

	p.b = ir.NewBuilder(ctx).SetInsertPoint(main.NewBlock("__user_main_entrypoint"))
	p.exposed = []*ir.Function{start, main}
	return p
}

func (p *program) external(t *testing.T, id extern.ID) *ir.Function {
	t.Helper()
	name, err := p.s.Symbols().NameFor(id)
	require.NoError(t, err)
	sig, err := p.s.Symbols().SignatureFor(id, p.ctx)
	require.NoError(t, err)
	return p.m.GetOrInsertFunction(name, sig)
}

func (p *program) trampoline(t *testing.T, id uint32) {
	ptr := p.b.Load(p.ctx.Ptr(), p.host)
	p.b.Call(p.external(t, extern.BuiltinV8Trampoline), ptr, ir.ConstInt(p.ctx.I32(), uint64(id)))
}

func (p *program) unit() Unit {
	p.b.RetVoid()
	return Unit{Module: p.m, Exposed: p.exposed, Handles: p.handles}
}

func newSession(t *testing.T, mutate func(*Options)) (*Session, *execmem.Counting) {
	t.Helper()
	mapper := execmem.NewCounting(execmem.OS())
	opts := DefaultOptions()
	opts.Mapper = mapper
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	return s, mapper
}

func compile(t *testing.T, s *Session, u Unit) *Module {
	t.Helper()
	mod, err := s.Compile(context.Background(), u).Wait(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mod.Close()) })
	return mod
}

func TestSessionDescribesHost(t *testing.T) {
	s, _ := newSession(t, nil)
	assert.Equal(t, "x86_64-unknown-linux-gnu", s.Triple())
	assert.Equal(t, "x86_64", s.TargetMachineBuilder().Arch())
	assert.Equal(t, codegen.LevelDefault, s.TargetMachineBuilder().OptLevel)
	assert.Equal(t, 8, s.DataLayout().PointerSize)
	assert.Equal(t, "main", s.Mangle("main"))
}

func TestInvokeEmptyMain(t *testing.T) {
	for _, level := range []codegen.Level{codegen.LevelNone, codegen.LevelLess, codegen.LevelDefault, codegen.LevelAggressive} {
		t.Run(level.String(), func(t *testing.T) {
			s, _ := newSession(t, func(o *Options) { o.OptLevel = level; o.Passes = opt.AllFlags })
			mod := compile(t, s, newProgram(t, s, "empty").unit())

			ok, err := mod.InvokeEntry()
			require.NoError(t, err)
			assert.True(t, ok)

			addr, found := mod.Lookup(EntryName)
			assert.True(t, found)
			assert.NotZero(t, addr)
		})
	}
}

func TestCorruptContextIsRejected(t *testing.T) {
	s, _ := newSession(t, nil)
	p := newProgram(t, s, "guarded")
	ran := 0
	p.handles[1] = func() { ran++ }
	p.trampoline(t, 1)
	mod := compile(t, s, p.unit())

	mod.HostContext().SetMagic(0xdeadbeef)
	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, ran, "user code ran with a corrupt context")

	mod.HostContext().SetMagic(HostContextMagic)
	ok, err = mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ran)
}

func TestTrampolineReachesHandles(t *testing.T) {
	s, _ := newSession(t, nil)
	p := newProgram(t, s, "calls")
	var order []string
	p.handles[4] = func() { order = append(order, "greet") }
	p.handles[5] = func() { order = append(order, "unused") }
	p.trampoline(t, 4)
	p.trampoline(t, 9)
	p.trampoline(t, 4)
	mod := compile(t, s, p.unit())

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"greet", "greet"}, order)
}

func TestGlobalsAreVisibleToHost(t *testing.T) {
	s, _ := newSession(t, nil)
	p := newProgram(t, s, "store")
	g := p.m.NewGlobal("result", p.ctx.I32(), ir.ConstInt(p.ctx.I32(), 0))
	v4 := p.ctx.Vector(p.ctx.I32(), 4)
	vec := ir.ConstVector(v4,
		ir.ConstInt(p.ctx.I32(), 1), ir.ConstInt(p.ctx.I32(), 2),
		ir.ConstInt(p.ctx.I32(), 3), ir.ConstInt(p.ctx.I32(), 4))
	var sum ir.Value = p.b.ExtractElement(vec, ir.ConstInt(p.ctx.I32(), 0))
	for lane := uint64(1); lane < 4; lane++ {
		sum = p.b.Add(sum, p.b.ExtractElement(vec, ir.ConstInt(p.ctx.I32(), lane)))
	}
	p.b.Store(sum, g)
	mod := compile(t, s, p.unit())

	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	require.True(t, ok)

	addr, found := mod.Lookup("result")
	require.True(t, found)
	assert.Equal(t, int32(10), *(*int32)(unsafe.Pointer(addr)))

	_, found = mod.Lookup("no_such_symbol")
	assert.False(t, found)
}

func TestVerifyFailureAllocatesNothing(t *testing.T) {
	s, mapper := newSession(t, nil)
	p := newProgram(t, s, "bad")
	cosf := p.external(t, extern.CosF)
	// cosf takes a float.
	p.b.Call(cosf, ir.ConstInt(p.ctx.I32(), 1))

	_, err := s.Compile(context.Background(), p.unit()).Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerifyFailed))
	assert.True(t, errors.Is(err, ErrSignatureMismatch))
	var ve *ir.VerifyError
	assert.True(t, errors.As(err, &ve))

	assert.Zero(t, mapper.Allocated(execmem.PurposeCode))
	assert.Zero(t, mapper.Allocated(execmem.PurposeRWData))
}

func TestForeignTripleIsRejected(t *testing.T) {
	s, _ := newSession(t, nil)
	p := newProgram(t, s, "foreign")
	p.m.SetTriple("aarch64-apple-darwin")

	_, err := s.CompileSync(context.Background(), p.unit())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerifyFailed))
	assert.Contains(t, err.Error(), "aarch64-apple-darwin")
}

func TestMissingExternalFailsLink(t *testing.T) {
	s, mapper := newSession(t, func(o *Options) { o.Symbols = extern.Default().Without("sinf") })
	p := newProgram(t, s, "no_sine")
	sinf := p.external(t, extern.SinF)
	p.b.Call(sinf, ir.ConstFloat(p.ctx.Float(), 1))
	// Keep the call alive through the passes.
	g := p.m.NewGlobal("keep", p.ctx.Float(), ir.ConstFloat(p.ctx.Float(), 0))
	p.b.Store(p.b.Call(sinf, ir.ConstFloat(p.ctx.Float(), 2)), g)

	_, err := s.CompileSync(context.Background(), p.unit())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLinkFailed))
	var le *LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, []string{"sinf"}, le.Missing)

	assert.Zero(t, mapper.Allocated(execmem.PurposeCode))
	assert.Zero(t, mapper.Allocated(execmem.PurposeRWData))
}

func TestCloseReleasesPages(t *testing.T) {
	s, mapper := newSession(t, nil)
	mod, err := s.CompileSync(context.Background(), newProgram(t, s, "closing").unit())
	require.NoError(t, err)
	assert.Equal(t, 1, mapper.Live(execmem.PurposeCode))
	hc := mod.HostContext()

	require.NoError(t, mod.Close())
	require.NoError(t, mod.Close())
	assert.Zero(t, mapper.Live(execmem.PurposeCode))
	assert.Zero(t, mapper.Live(execmem.PurposeRWData))
	assert.Equal(t, int32(1), contexts.CheckHostContext(hc.Addr()))

	_, err = mod.InvokeEntry()
	assert.True(t, errors.Is(err, ErrModuleClosed))
	_, err = mod.Disassemble()
	assert.True(t, errors.Is(err, ErrModuleClosed))
}

func TestAnonymousFunctionsAreNamed(t *testing.T) {
	s, _ := newSession(t, nil)
	p := newProgram(t, s, "anon")
	fn := p.m.NewFunction("", p.ctx.Func(p.ctx.I32()))
	ir.NewBuilder(p.ctx).SetInsertPoint(fn.NewBlock("entry")).Ret(ir.ConstInt(p.ctx.I32(), 3))
	u := p.unit()
	u.Exposed = append(u.Exposed, fn)
	mod := compile(t, s, u)

	assert.Equal(t, "__anonymous_f2", fn.Name())
	assert.Contains(t, mod.Entries(), "__anonymous_f2")
	addr, ok := mod.Lookup("__anonymous_f2")
	require.True(t, ok)
	assert.NotZero(t, addr)
}

func TestDisassembleListsFunctions(t *testing.T) {
	s, _ := newSession(t, nil)
	mod := compile(t, s, newProgram(t, s, "listing").unit())

	text, err := mod.Disassemble()
	require.NoError(t, err)
	assert.Contains(t, text, EntryName+":")
	assert.Contains(t, text, "main:")
	assert.Contains(t, text, "ret")
	assert.Contains(t, mod.IR(), "@"+EntryName)
}

func TestCompileRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s, _ := newSession(t, func(o *Options) { o.TracerProvider = tp })
	compile(t, s, newProgram(t, s, "traced").unit())

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"verify", "optimize", "codegen", "link", "reactor.compile"}, names)
}

func TestWaitGivesUpWithoutCancellingCompile(t *testing.T) {
	s, _ := newSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := s.Compile(ctx, newProgram(t, s, "detached").unit())
	mod, err := f.Wait(ctx)
	if err == nil {
		// The compile won the race with the cancelled wait.
		require.NoError(t, mod.Close())
		return
	}
	assert.True(t, errors.Is(err, context.Canceled))

	<-f.Done()
	mod, err = f.Wait(context.Background())
	require.NoError(t, err)
	ok, err := mod.InvokeEntry()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mod.Close())
}

func TestConcurrentCompiles(t *testing.T) {
	s, mapper := newSession(t, nil)
	var hits atomic.Int32
	futures := make([]*Future, 8)
	for i := range futures {
		p := newProgram(t, s, strings.Repeat("m", i+1))
		p.handles[1] = func() { hits.Add(1) }
		p.trampoline(t, 1)
		futures[i] = s.Compile(context.Background(), p.unit())
	}
	for _, f := range futures {
		mod, err := f.Wait(context.Background())
		require.NoError(t, err)
		ok, err := mod.InvokeEntry()
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mod.Close())
	}
	assert.Equal(t, int32(len(futures)), hits.Load())
	assert.Zero(t, mapper.Live(execmem.PurposeCode))
}
