package opt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/reactor/internal/ir"
)

type fixture struct {
	ctx *ir.Context
	m   *ir.Module
	fn  *ir.Function
	b   *ir.Builder
}

// newFixture creates a module with one function whose signature is built
// by sig; a nil sig means i32 ().
func newFixture(sig func(ctx *ir.Context) *ir.Type) *fixture {
	ctx := ir.NewContext()
	m := ir.NewModule(ctx, "opt")
	t := ctx.Func(ctx.I32())
	if sig != nil {
		t = sig(ctx)
	}
	fn := m.NewFunction("f", t)
	return &fixture{ctx: ctx, m: m, fn: fn, b: ir.NewBuilder(ctx)}
}

func i32Of(params func(ctx *ir.Context) []*ir.Type) func(ctx *ir.Context) *ir.Type {
	return func(ctx *ir.Context) *ir.Type { return ctx.Func(ctx.I32(), params(ctx)...) }
}

func boolParam(ctx *ir.Context) []*ir.Type { return []*ir.Type{ctx.I1()} }

func oneInt(ctx *ir.Context) []*ir.Type { return []*ir.Type{ctx.I32()} }

func twoInts(ctx *ir.Context) []*ir.Type { return []*ir.Type{ctx.I32(), ctx.I32()} }

func (f *fixture) i32(v int64) *ir.Const { return ir.ConstInt(f.ctx.I32(), uint64(v)) }

func (f *fixture) count(op ir.Op) int {
	n := 0
	f.fn.Instructions(func(in *ir.Instr) {
		if in.Op() == op {
			n++
		}
	})
	return n
}

func (f *fixture) run(t *testing.T, p Pass) bool {
	t.Helper()
	require.NoError(t, ir.Verify(f.m), "input module:\n%s", f.m)
	changed := p.Run(f.fn)
	require.NoError(t, ir.Verify(f.m), "after %s:\n%s", p.Name(), f.m)
	return changed
}

func TestPassOrder(t *testing.T) {
	var names []string
	for _, p := range New(AllFlags).Passes() {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{
		"cfg-simplification", "reassociate", "licm", "adce", "gvn",
		"instcombine", "dse", "sccp", "sroa", "early-cse",
	}, names)

	flags, err := ParseFlags([]string{"SROA", " early-cse", "cfg-simplification"})
	require.NoError(t, err)
	require.Equal(t, CFGSimplification|SROA|EarlyCSE, flags)
	require.Equal(t, "cfg-simplification,sroa,early-cse", flags.String())

	_, err = ParseFlags([]string{"loop-unroll"})
	require.Error(t, err)
}

func TestSimplifyCFGFoldsConstantBranch(t *testing.T) {
	f := newFixture(nil)
	entry := f.fn.NewBlock("entry")
	yes := f.fn.NewBlock("yes")
	no := f.fn.NewBlock("no")
	join := f.fn.NewBlock("join")
	f.b.SetInsertPoint(entry).CondBr(ir.ConstInt(f.ctx.I1(), 1), yes, no)
	f.b.SetInsertPoint(yes).Br(join)
	f.b.SetInsertPoint(no).Br(join)
	phi := f.b.SetInsertPoint(join).Phi(f.ctx.I32())
	phi.AddIncoming(f.i32(10), yes)
	phi.AddIncoming(f.i32(20), no)
	f.b.Ret(phi)

	require.True(t, f.run(t, simplifyCFG{}))
	require.Len(t, f.fn.Blocks(), 1)
	require.Contains(t, f.fn.String(), "ret i32 10")
}

func TestSROAPromotesAllocas(t *testing.T) {
	f := newFixture(i32Of(boolParam))
	entry := f.fn.NewBlock("entry")
	yes := f.fn.NewBlock("yes")
	join := f.fn.NewBlock("join")

	f.b.SetInsertPoint(entry)
	slot := f.b.Alloca(f.ctx.I32())
	f.b.Store(f.i32(1), slot)
	f.b.CondBr(f.fn.Param(0), yes, join)
	f.b.SetInsertPoint(yes)
	f.b.Store(f.i32(2), slot)
	f.b.Br(join)
	f.b.SetInsertPoint(join)
	f.b.Ret(f.b.Load(f.ctx.I32(), slot))

	require.True(t, f.run(t, sroa{}))
	require.Zero(t, f.count(ir.OpAlloca))
	require.Zero(t, f.count(ir.OpLoad))
	require.Zero(t, f.count(ir.OpStore))
	require.Equal(t, 1, f.count(ir.OpPhi))
	require.Contains(t, f.fn.String(), "phi i32 [ 1, %entry ], [ 2, %yes ]")
}

func TestSCCPPropagatesThroughBranches(t *testing.T) {
	f := newFixture(nil)
	entry := f.fn.NewBlock("entry")
	yes := f.fn.NewBlock("yes")
	no := f.fn.NewBlock("no")
	f.b.SetInsertPoint(entry)
	x := f.b.Add(f.i32(1), f.i32(0))
	cond := f.b.ICmp(ir.IntEQ, x, f.i32(1))
	f.b.CondBr(cond, yes, no)
	f.b.SetInsertPoint(yes).Ret(f.i32(10))
	f.b.SetInsertPoint(no).Ret(f.i32(20))

	require.True(t, f.run(t, sccp{}))
	require.Len(t, f.fn.Blocks(), 2)
	require.NotContains(t, f.fn.String(), "ret i32 20")
}

func TestSCCPLoopPhiStaysConstant(t *testing.T) {
	f := newFixture(i32Of(boolParam))
	entry := f.fn.NewBlock("entry")
	header := f.fn.NewBlock("header")
	exit := f.fn.NewBlock("exit")
	f.b.SetInsertPoint(entry).Br(header)
	f.b.SetInsertPoint(header)
	phi := f.b.Phi(f.ctx.I32())
	next := f.b.Mul(phi, f.i32(1))
	f.b.CondBr(f.fn.Param(0), header, exit)
	phi.AddIncoming(f.i32(7), entry)
	phi.AddIncoming(next, header)
	f.b.SetInsertPoint(exit).Ret(next)

	require.True(t, f.run(t, sccp{}))
	require.Contains(t, f.fn.String(), "ret i32 7")
}

func TestInstCombineIdentities(t *testing.T) {
	f := newFixture(func(ctx *ir.Context) *ir.Type { return ctx.Func(ctx.I1(), ctx.I32(), ctx.I32()) })
	f.b.SetInsertPoint(f.fn.NewBlock("entry"))
	a, b := f.fn.Param(0), f.fn.Param(1)
	sum := f.b.Add(f.i32(0), a)
	scaled := f.b.Mul(sum, f.i32(8))
	cmp := f.b.ICmp(ir.IntSLT, scaled, b)
	inv := f.b.Xor(cmp, ir.ConstInt(f.ctx.I1(), 1))
	f.b.Ret(inv)

	require.True(t, f.run(t, instCombine{}))
	text := f.fn.String()
	require.Contains(t, text, "shl i32 %0, 3")
	require.Contains(t, text, "icmp sge i32")
	require.NotContains(t, text, "xor")
	require.NotContains(t, text, "add")
}

func TestGVNMergesCommutedExpressions(t *testing.T) {
	f := newFixture(i32Of(twoInts))
	entry := f.fn.NewBlock("entry")
	next := f.fn.NewBlock("next")
	f.b.SetInsertPoint(entry)
	a, b := f.fn.Param(0), f.fn.Param(1)
	x := f.b.Add(a, b)
	f.b.Br(next)
	f.b.SetInsertPoint(next)
	y := f.b.Add(b, a)
	f.b.Ret(f.b.Mul(x, y))

	require.True(t, f.run(t, gvn{}))
	require.Equal(t, 1, f.count(ir.OpAdd))
}

func TestEarlyCSEReusesLoadsWithinGeneration(t *testing.T) {
	f := newFixture(nil)
	g := f.m.NewGlobal("counter", f.ctx.I32(), nil)
	f.b.SetInsertPoint(f.fn.NewBlock("entry"))
	first := f.b.Load(f.ctx.I32(), g)
	second := f.b.Load(f.ctx.I32(), g)
	sum := f.b.Add(first, second)
	f.b.Store(sum, g)
	third := f.b.Load(f.ctx.I32(), g)
	f.b.Ret(f.b.Add(third, f.i32(1)))

	require.True(t, f.run(t, earlyCSE{}))
	require.Equal(t, 1, f.count(ir.OpLoad))
	require.Contains(t, f.fn.String(), "add i32 %1, 1")
}

func TestDSERemovesOverwrittenStores(t *testing.T) {
	f := newFixture(func(ctx *ir.Context) *ir.Type { return ctx.Func(ctx.Void()) })
	g := f.m.NewGlobal("slot", f.ctx.I32(), nil)
	f.b.SetInsertPoint(f.fn.NewBlock("entry"))
	f.b.Store(f.i32(1), g)
	f.b.Store(f.i32(2), g)
	unused := f.b.Alloca(f.ctx.I32())
	f.b.Store(f.i32(3), unused)
	f.b.RetVoid()

	require.True(t, f.run(t, dse{}))
	require.Equal(t, 1, f.count(ir.OpStore))
	require.Zero(t, f.count(ir.OpAlloca))
	require.Contains(t, f.fn.String(), "store i32 2, ptr @slot")
}

func TestADCERemovesDeadPhiCycle(t *testing.T) {
	f := newFixture(i32Of(boolParam))
	entry := f.fn.NewBlock("entry")
	header := f.fn.NewBlock("header")
	exit := f.fn.NewBlock("exit")
	f.b.SetInsertPoint(entry).Br(header)
	f.b.SetInsertPoint(header)
	phi := f.b.Phi(f.ctx.I32())
	inc := f.b.Add(phi, f.i32(1))
	f.b.CondBr(f.fn.Param(0), header, exit)
	phi.AddIncoming(f.i32(0), entry)
	phi.AddIncoming(inc, header)
	f.b.SetInsertPoint(exit).Ret(f.i32(0))

	require.True(t, f.run(t, adce{}))
	require.Zero(t, f.count(ir.OpPhi))
	require.Zero(t, f.count(ir.OpAdd))
}

func TestLICMHoistsInvariants(t *testing.T) {
	f := newFixture(i32Of(twoInts))
	entry := f.fn.NewBlock("entry")
	header := f.fn.NewBlock("header")
	exit := f.fn.NewBlock("exit")
	n, k := f.fn.Param(0), f.fn.Param(1)
	f.b.SetInsertPoint(entry).Br(header)
	f.b.SetInsertPoint(header)
	i := f.b.Phi(f.ctx.I32())
	scale := f.b.Mul(k, f.i32(3))
	step := f.b.Add(i, scale)
	div := f.b.SDiv(k, n)
	done := f.b.ICmp(ir.IntSGE, step, div)
	f.b.CondBr(done, exit, header)
	i.AddIncoming(f.i32(0), entry)
	i.AddIncoming(step, header)
	f.b.SetInsertPoint(exit).Ret(step)

	require.True(t, f.run(t, licm{}))
	require.Equal(t, scale.Block(), entry)
	// Division by an unknown value may trap, so it stays in the loop.
	require.Equal(t, div.Block(), header)
}

func TestReassociateCombinesConstants(t *testing.T) {
	f := newFixture(i32Of(oneInt))
	f.b.SetInsertPoint(f.fn.NewBlock("entry"))
	x := f.b.Add(f.i32(1), f.fn.Param(0))
	y := f.b.Add(x, f.i32(2))
	f.b.Ret(y)

	require.True(t, f.run(t, reassociate{}))
	require.Equal(t, 1, f.count(ir.OpAdd))
	require.Contains(t, f.fn.String(), "add i32 %0, 3")
}

func TestPipelineRunsEveryPass(t *testing.T) {
	f := newFixture(i32Of(oneInt))
	entry := f.fn.NewBlock("entry")
	yes := f.fn.NewBlock("yes")
	join := f.fn.NewBlock("join")
	f.b.SetInsertPoint(entry)
	slot := f.b.Alloca(f.ctx.I32())
	f.b.Store(f.fn.Param(0), slot)
	flag := f.b.ICmp(ir.IntEQ, f.i32(2), f.i32(2))
	f.b.CondBr(flag, yes, join)
	f.b.SetInsertPoint(yes)
	v := f.b.Load(f.ctx.I32(), slot)
	f.b.Store(f.b.Mul(v, f.i32(4)), slot)
	f.b.Br(join)
	f.b.SetInsertPoint(join)
	f.b.Ret(f.b.Load(f.ctx.I32(), slot))
	require.NoError(t, ir.Verify(f.m))

	stats := New(AllFlags).Run(f.m)
	require.NoError(t, ir.Verify(f.m), "after pipeline:\n%s", f.m)
	require.NotZero(t, stats["instcombine"])
	require.NotZero(t, stats["sccp"])
	require.NotZero(t, stats["sroa"])

	text := f.fn.String()
	require.Zero(t, f.count(ir.OpAlloca), text)
	require.Zero(t, f.count(ir.OpLoad), text)
	require.Zero(t, f.count(ir.OpCondBr), text)
	require.True(t, strings.Contains(text, "shl i32 %0, 2"), text)

	// A second cleanup run collapses the now straight-line blocks.
	New(CFGSimplification).Run(f.m)
	require.NoError(t, ir.Verify(f.m))
	require.Len(t, f.fn.Blocks(), 1, f.fn.String())
}
