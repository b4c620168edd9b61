package opt

import "github.com/tinyrange/reactor/internal/ir"

// sroa promotes allocas that are only loaded and stored whole, with their
// allocated type, into SSA values: phis go on the iterated dominance
// frontier of the storing blocks and loads are renamed over the dominator
// tree.
type sroa struct{}

func (sroa) Name() string { return "sroa" }

func (sroa) Run(fn *ir.Function) bool {
	entry := fn.Entry()
	if entry == nil {
		return false
	}
	users := ir.Users(fn)
	var promotable []*ir.Instr
	for _, in := range entry.Instrs() {
		if in.Op() == ir.OpAlloca && isPromotable(in, users[in]) {
			promotable = append(promotable, in)
		}
	}
	if len(promotable) == 0 {
		return false
	}
	// Unreachable blocks would otherwise keep loads of a removed alloca.
	RemoveUnreachableBlocks(fn)
	dt := ir.ComputeDominators(fn)

	phiOwner := make(map[*ir.Instr]*ir.Instr)
	var phis []*ir.Instr
	index := make(map[*ir.Instr]int, len(promotable))
	for i, a := range promotable {
		index[a] = i
		for _, b := range phiBlocks(dt, users[a]) {
			phi := ir.NewInstr(ir.OpPhi, a.AllocType())
			b.Insert(0, phi)
			phiOwner[phi] = a
			phis = append(phis, phi)
		}
	}

	var rename func(b *ir.Block, incoming []ir.Value)
	rename = func(b *ir.Block, incoming []ir.Value) {
		current := append([]ir.Value(nil), incoming...)
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			switch in.Op() {
			case ir.OpPhi:
				if a, ok := phiOwner[in]; ok {
					current[index[a]] = in
				}
			case ir.OpLoad:
				if a, ok := in.Operand(0).(*ir.Instr); ok {
					if i, tracked := index[a]; tracked {
						replaceInstr(fn, in, current[i])
					}
				}
			case ir.OpStore:
				if a, ok := in.Operand(1).(*ir.Instr); ok {
					if i, tracked := index[a]; tracked {
						current[i] = in.Operand(0)
						in.EraseFromParent()
					}
				}
			}
		}
		for _, succ := range b.Succs() {
			for _, phi := range succ.Phis() {
				a, ok := phiOwner[phi]
				if !ok {
					continue
				}
				if _, seen := phi.Incoming(b); !seen {
					phi.AddIncoming(current[index[a]], b)
				}
			}
		}
		for _, child := range dt.Children(b) {
			rename(child, current)
		}
	}
	initial := make([]ir.Value, len(promotable))
	for i, a := range promotable {
		initial[i] = ir.Undef(a.AllocType())
	}
	rename(entry, initial)

	for _, a := range promotable {
		a.EraseFromParent()
	}
	for simplified := true; simplified; {
		simplified = false
		for _, phi := range phis {
			if phi.Block() == nil {
				continue
			}
			if v, ok := simplifyPhi(phi); ok {
				replaceInstr(fn, phi, v)
				simplified = true
			}
		}
	}
	removeTriviallyDead(fn)
	return true
}

func isPromotable(alloca *ir.Instr, users []*ir.Instr) bool {
	t := alloca.AllocType()
	for _, u := range users {
		switch u.Op() {
		case ir.OpLoad:
			if u.Type() != t {
				return false
			}
		case ir.OpStore:
			if u.Operand(1) != alloca || u.Operand(0) == alloca || u.Operand(0).Type() != t {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// phiBlocks returns the iterated dominance frontier of the blocks that
// store to the alloca.
func phiBlocks(dt *ir.DomTree, users []*ir.Instr) []*ir.Block {
	var work []*ir.Block
	defs := make(map[*ir.Block]bool)
	for _, u := range users {
		if u.Op() == ir.OpStore && !defs[u.Block()] && dt.Reachable(u.Block()) {
			defs[u.Block()] = true
			work = append(work, u.Block())
		}
	}
	placed := make(map[*ir.Block]bool)
	var out []*ir.Block
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, f := range dt.Frontier(b) {
			if placed[f] {
				continue
			}
			placed[f] = true
			out = append(out, f)
			if !defs[f] {
				defs[f] = true
				work = append(work, f)
			}
		}
	}
	return out
}
