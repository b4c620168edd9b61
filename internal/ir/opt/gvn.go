package opt

import "github.com/tinyrange/reactor/internal/ir"

// gvn numbers pure expressions over the dominator tree, treating
// commutative operands as unordered, merges phis with identical incoming
// edges and forwards stored values to later loads in the same block.
type gvn struct{}

func (gvn) Name() string { return "gvn" }

func (gvn) Run(fn *ir.Function) bool {
	changed := forwardStores(fn)
	dt := ir.ComputeDominators(fn)
	r := newRanker(fn)
	table := make(map[exprKey]*ir.Instr)

	var walk func(b *ir.Block)
	walk = func(b *ir.Block) {
		var added []exprKey
		changed = mergePhis(fn, b) || changed
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			key, ok := exprOf(in, r)
			if !ok {
				continue
			}
			if leader, found := table[key]; found {
				replaceInstr(fn, in, leader)
				changed = true
				continue
			}
			table[key] = in
			added = append(added, key)
		}
		for _, child := range dt.Children(b) {
			walk(child)
		}
		for _, key := range added {
			delete(table, key)
		}
	}
	if entry := fn.Entry(); entry != nil {
		walk(entry)
	}
	return changed
}

// mergePhis replaces a phi with an earlier phi of the same block that has
// the same type and incoming pairs.
func mergePhis(fn *ir.Function, b *ir.Block) bool {
	phis := b.Phis()
	changed := false
	var kept []*ir.Instr
	for _, phi := range append([]*ir.Instr(nil), phis...) {
		var match *ir.Instr
		for _, k := range kept {
			if samePhi(k, phi) {
				match = k
				break
			}
		}
		if match != nil {
			replaceInstr(fn, phi, match)
			changed = true
			continue
		}
		kept = append(kept, phi)
	}
	return changed
}

func samePhi(a, b *ir.Instr) bool {
	if a.Type() != b.Type() || a.NumOperands() != b.NumOperands() {
		return false
	}
	for i, pred := range a.Targets() {
		v, ok := b.Incoming(pred)
		if !ok || !ir.SameValue(a.Operand(i), v) {
			return false
		}
	}
	return true
}

// forwardStores replaces a load with the value most recently stored to the
// same address in the same block, or with an earlier load of it, when no
// store to another address or call intervenes.
func forwardStores(fn *ir.Function) bool {
	changed := false
	for _, b := range fn.Blocks() {
		known := make(map[ir.Value]ir.Value)
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			switch in.Op() {
			case ir.OpStore:
				ptr := in.Operand(1)
				clear(known)
				known[ptr] = in.Operand(0)
			case ir.OpCall:
				clear(known)
			case ir.OpLoad:
				ptr := in.Operand(0)
				if v, ok := known[ptr]; ok && v.Type() == in.Type() {
					replaceInstr(fn, in, v)
					changed = true
					continue
				}
				known[ptr] = in
			}
		}
	}
	return changed
}
