package opt

import "github.com/tinyrange/reactor/internal/ir"

// licm hoists loop-invariant pure computations into the loop preheader.
type licm struct{}

func (licm) Name() string { return "licm" }

func (licm) Run(fn *ir.Function) bool {
	dt := ir.ComputeDominators(fn)
	changed := false
	for _, loop := range ir.FindLoops(dt) {
		if loop.Preheader == nil {
			continue
		}
		for hoistLoop(fn, loop) {
			changed = true
		}
	}
	return changed
}

func hoistLoop(fn *ir.Function, loop *ir.Loop) bool {
	inLoop := func(v ir.Value) bool {
		in, ok := v.(*ir.Instr)
		return ok && loop.Contains(in.Block())
	}
	hoisted := false
	for _, b := range fn.Blocks() {
		if !loop.Contains(b) {
			continue
		}
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			if !isSafeToSpeculate(in) {
				continue
			}
			invariant := true
			for _, op := range in.Operands() {
				if inLoop(op) {
					invariant = false
					break
				}
			}
			if !invariant {
				continue
			}
			in.MoveBefore(loop.Preheader.Terminator())
			hoisted = true
		}
	}
	return hoisted
}
