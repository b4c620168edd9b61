package amd64

import (
	"math"

	"github.com/tinyrange/reactor/internal/ir"
)

type fixture struct {
	ctx *ir.Context
	m   *ir.Module
}

func newFixture() *fixture {
	ctx := ir.NewContext()
	return &fixture{ctx: ctx, m: ir.NewModule(ctx, "codegen_test")}
}

func (f *fixture) i32(v int64) *ir.Const {
	return ir.ConstInt(f.ctx.I32(), uint64(v))
}

func (f *fixture) f32(v float32) *ir.Const {
	return ir.ConstFloat(f.ctx.Float(), v)
}

func (f *fixture) define(name string, sig *ir.Type) (*ir.Function, *ir.Builder) {
	fn := f.m.NewFunction(name, sig)
	return fn, ir.NewBuilder(f.ctx).SetInsertPoint(fn.NewBlock("entry"))
}

// addConst returns x + k.
func (f *fixture) addConst(k int64) {
	fn, b := f.define("add_const", f.ctx.Func(f.ctx.I32(), f.ctx.I32()))
	b.Ret(b.Add(fn.Param(0), f.i32(k)))
}

// sumTo returns 1 + 2 + ... + n using a loop with two phis.
func (f *fixture) sumTo() {
	ctx := f.ctx
	fn, b := f.define("sum_to", ctx.Func(ctx.I32(), ctx.I32()))
	entry := b.Block()
	loop := fn.NewBlock("loop")
	exit := fn.NewBlock("exit")
	b.Br(loop)

	b.SetInsertPoint(loop)
	i := b.Phi(ctx.I32())
	acc := b.Phi(ctx.I32())
	next := b.Add(i, f.i32(1))
	sum := b.Add(acc, next)
	b.CondBr(b.ICmp(ir.IntSLT, next, fn.Param(0)), loop, exit)
	i.AddIncoming(f.i32(0), entry)
	i.AddIncoming(next, loop)
	acc.AddIncoming(f.i32(0), entry)
	acc.AddIncoming(sum, loop)

	b.SetInsertPoint(exit)
	b.Ret(sum)
}

// abs exercises a phi fed on the false edge of a conditional branch.
func (f *fixture) abs() {
	ctx := f.ctx
	fn, b := f.define("abs", ctx.Func(ctx.I32(), ctx.I32()))
	entry := b.Block()
	neg := fn.NewBlock("neg")
	join := fn.NewBlock("join")
	x := fn.Param(0)
	b.CondBr(b.ICmp(ir.IntSLT, x, f.i32(0)), neg, join)

	b.SetInsertPoint(neg)
	n := b.Sub(f.i32(0), x)
	b.Br(join)

	b.SetInsertPoint(join)
	r := b.Phi(ctx.I32())
	r.AddIncoming(n, neg)
	r.AddIncoming(x, entry)
	b.Ret(r)
}

func (f *fixture) division() {
	ctx := f.ctx
	sig := ctx.Func(ctx.I32(), ctx.I32(), ctx.I32())
	for _, op := range []struct {
		name string
		emit func(b *ir.Builder, x, y ir.Value) *ir.Instr
	}{
		{"sdiv", (*ir.Builder).SDiv},
		{"srem", (*ir.Builder).SRem},
		{"udiv", (*ir.Builder).UDiv},
		{"urem", (*ir.Builder).URem},
		{"ashr", (*ir.Builder).AShr},
		{"lshr", (*ir.Builder).LShr},
	} {
		fn, b := f.define(op.name, sig)
		b.Ret(op.emit(b, fn.Param(0), fn.Param(1)))
	}
}

// lanes inserts x into lane 0 of <1,2,3,4>, doubles every lane and sums
// them.
func (f *fixture) lanes() {
	ctx := f.ctx
	v4 := ctx.Vector(ctx.I32(), 4)
	fn, b := f.define("lanes", ctx.Func(ctx.I32(), ctx.I32()))
	vec := ir.ConstVector(v4, f.i32(1), f.i32(2), f.i32(3), f.i32(4))
	ins := b.InsertElement(vec, fn.Param(0), f.i32(0))
	dbl := b.Mul(ins, ir.Splat(v4, f.i32(2)))
	var sum ir.Value = b.ExtractElement(dbl, f.i32(0))
	for lane := int64(1); lane < 4; lane++ {
		sum = b.Add(sum, b.ExtractElement(dbl, f.i32(lane)))
	}
	b.Ret(sum)
}

// pick reads a constant vector at a dynamic index.
func (f *fixture) pick() {
	ctx := f.ctx
	v4 := ctx.Vector(ctx.I32(), 4)
	fn, b := f.define("pick", ctx.Func(ctx.I32(), ctx.I32()))
	vec := ir.ConstVector(v4, f.i32(10), f.i32(20), f.i32(30), f.i32(40))
	b.Ret(b.ExtractElement(vec, fn.Param(0)))
}

// scale returns fptosi(x * 2.5) when that exceeds 10 and -1 otherwise.
func (f *fixture) scale() {
	ctx := f.ctx
	fn, b := f.define("scale", ctx.Func(ctx.I32(), ctx.I32()))
	y := b.FMul(b.SIToFP(fn.Param(0), ctx.Float()), f.f32(2.5))
	big := b.FCmp(ir.FloatOGT, y, f.f32(10))
	b.Ret(b.Select(big, b.FPToSI(y, ctx.I32()), f.i32(-1)))
}

// twice is called with a float argument from double_it.
func (f *fixture) twice() {
	ctx := f.ctx
	twice, b := f.define("twice", ctx.Func(ctx.Float(), ctx.Float()))
	b.Ret(b.FAdd(twice.Param(0), twice.Param(0)))

	fn, b := f.define("double_it", ctx.Func(ctx.I32(), ctx.I32()))
	r := b.Call(twice, b.SIToFP(fn.Param(0), ctx.Float()))
	b.Ret(b.FPToSI(r, ctx.I32()))
}

// counter increments a global and returns the new value.
func (f *fixture) counter() *ir.Global {
	ctx := f.ctx
	g := f.m.NewGlobal("counter", ctx.I32(), f.i32(5))
	_, b := f.define("bump", ctx.Func(ctx.I32()))
	next := b.Add(b.Load(ctx.I32(), g), f.i32(1))
	b.Store(next, g)
	b.Ret(next)
	return g
}

// sine returns fptosi(sinf(sitofp x) * 1000) through the external table.
func (f *fixture) sine() {
	ctx := f.ctx
	sinf := f.m.GetOrInsertFunction("sinf", ctx.Func(ctx.Float(), ctx.Float()))
	fn, b := f.define("sine", ctx.Func(ctx.I32(), ctx.I32()))
	s := b.Call(sinf, b.SIToFP(fn.Param(0), ctx.Float()))
	b.Ret(b.FPToSI(b.FMul(s, f.f32(1000)), ctx.I32()))
}

// sinCos calls sincosf2r on <0, x> and returns lane 1 scaled by 1000.
func (f *fixture) sinCos() {
	ctx := f.ctx
	v2 := ctx.Vector(ctx.Float(), 2)
	fn2 := f.m.GetOrInsertFunction("sincosf2r", ctx.Func(v2, v2))
	fn, b := f.define("sin_cos", ctx.Func(ctx.I32(), ctx.I32()))
	vec := b.InsertElement(ir.ConstZero(v2), b.SIToFP(fn.Param(0), ctx.Float()), f.i32(1))
	r := b.Call(fn2, vec)
	hi := b.ExtractElement(r, f.i32(1))
	b.Ret(b.FPToSI(b.FMul(hi, f.f32(1000)), ctx.I32()))
}

// bigUnsigned reports whether uitofp(x) equals 2^63.
func (f *fixture) bigUnsigned() {
	ctx := f.ctx
	fn, b := f.define("big_unsigned", ctx.Func(ctx.I32(), ctx.I64()))
	fx := b.UIToFP(fn.Param(0), ctx.Float())
	eq := b.FCmp(ir.FloatOEQ, fx, f.f32(float32(math.Exp2(63))))
	b.Ret(b.ZExt(eq, ctx.I32()))
}

// toUnsigned stores fptoui of three float globals: two into i64 and one
// into i32.
func (f *fixture) toUnsigned() {
	ctx := f.ctx
	big := f.m.NewGlobal("big", ctx.Float(), f.f32(1e19))
	small := f.m.NewGlobal("small", ctx.Float(), f.f32(12345.75))
	mid := f.m.NewGlobal("mid", ctx.Float(), f.f32(3e9))
	bigOut := f.m.NewGlobal("big_out", ctx.I64(), ir.ConstInt(ctx.I64(), 0))
	smallOut := f.m.NewGlobal("small_out", ctx.I64(), ir.ConstInt(ctx.I64(), 0))
	midOut := f.m.NewGlobal("mid_out", ctx.I32(), f.i32(0))

	_, b := f.define("to_unsigned", ctx.Func(ctx.I32()))
	b.Store(b.FPToUI(b.Load(ctx.Float(), big), ctx.I64()), bigOut)
	b.Store(b.FPToUI(b.Load(ctx.Float(), small), ctx.I64()), smallOut)
	b.Store(b.FPToUI(b.Load(ctx.Float(), mid), ctx.I32()), midOut)
	b.Ret(f.i32(0))
}
