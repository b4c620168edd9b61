package opt

import "github.com/tinyrange/reactor/internal/ir"

// dse removes stores overwritten before any possible read in the same
// block, and every store into an alloca that is never read.
type dse struct{}

func (dse) Name() string { return "dse" }

func (dse) Run(fn *ir.Function) bool {
	changed := false
	for _, b := range fn.Blocks() {
		// pending holds, per address, the last store not yet observed.
		pending := make(map[ir.Value]*ir.Instr)
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			switch in.Op() {
			case ir.OpStore:
				ptr := in.Operand(1)
				if prev, ok := pending[ptr]; ok && prev.Operand(0).Type().Size() <= in.Operand(0).Type().Size() {
					prev.EraseFromParent()
					changed = true
				}
				pending[ptr] = in
			case ir.OpLoad, ir.OpCall:
				clear(pending)
			default:
				if in.Op().IsTerminator() {
					clear(pending)
				}
			}
		}
	}
	return deadAllocaStores(fn) || changed
}

// deadAllocaStores deletes allocas whose address is only ever stored to.
func deadAllocaStores(fn *ir.Function) bool {
	users := ir.Users(fn)
	var allocas []*ir.Instr
	fn.Instructions(func(in *ir.Instr) {
		if in.Op() == ir.OpAlloca {
			allocas = append(allocas, in)
		}
	})
	changed := false
next:
	for _, a := range allocas {
		for _, u := range users[a] {
			if u.Op() != ir.OpStore || u.Operand(1) != a || u.Operand(0) == a {
				continue next
			}
		}
		for _, u := range users[a] {
			u.EraseFromParent()
		}
		changed = true
	}
	if changed {
		removeTriviallyDead(fn)
	}
	return changed
}
