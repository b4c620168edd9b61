package main

import (
	"unsafe"

	"github.com/tinyrange/reactor"
)

// sample is the demo program. main greets the host, stores the lane sum of
// <1, 2, 3, 4> scaled by sin^2 + cos^2 of an angle, and reports it.
type sample struct {
	mod      *reactor.Module
	greeted  int
	reported []int32
}

func (s *sample) greet() { s.greeted++ }

func (s *sample) report() {
	if s.mod == nil {
		return
	}
	addr, ok := s.mod.Lookup("last_sum")
	if !ok {
		return
	}
	s.reported = append(s.reported, *(*int32)(unsafe.Pointer(addr)))
}

func (s *sample) build(sess *reactor.Session, name string) (*reactor.Builder, error) {
	b := reactor.NewBuilderWithSession(sess, name)
	ctx := b.Context()

	b.InsertHostFunctionSymbol(s.greet, "greet")
	b.InsertHostFunctionSymbol(s.report, "report")

	sumFn := b.NewFunction("lane_sum", ctx.Func(ctx.I32()))
	irb := b.IR(sumFn.NewBlock("entry"))
	vec := b.NewInt4(1, 2, 3, 4)
	var sum reactor.Value = irb.ExtractElement(vec, b.NewInt(0))
	for lane := int32(1); lane < 4; lane++ {
		sum = irb.Add(sum, irb.ExtractElement(vec, b.NewInt(lane)))
	}
	irb.Ret(sum)

	last := b.NewGlobal("last_sum", ctx.I32(), b.NewInt(0))

	main := b.MainEntryBlock()
	b.EmitHostTrampolineCall(main, "greet")

	sc, err := b.EmitExternalFunctionCall(main, reactor.SinCosF2R, b.NewFloat2(0.75, 0.75))
	if err != nil {
		return nil, err
	}
	irb = b.IR(main)
	sq := irb.FMul(sc, sc)
	one := irb.FAdd(irb.ExtractElement(sq, b.NewInt(0)), irb.ExtractElement(sq, b.NewInt(1)))

	total := irb.SIToFP(irb.Call(sumFn), ctx.Float())
	rounded := irb.FAdd(irb.FMul(total, one), b.NewFloat(0.5))
	irb.Store(irb.FPToSI(rounded, ctx.I32()), last)

	b.EmitHostTrampolineCall(main, "report")
	irb.RetVoid()
	return b, nil
}
