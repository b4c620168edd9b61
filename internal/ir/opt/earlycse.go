package opt

import "github.com/tinyrange/reactor/internal/ir"

// earlyCSE walks the dominator tree with a scoped table of available pure
// expressions, folding constants on the way. Loads are reused within a
// generation: any store or call starts a new one.
type earlyCSE struct{}

func (earlyCSE) Name() string { return "early-cse" }

type loadKey struct {
	ptr ir.Value
	typ *ir.Type
}

type availableLoad struct {
	value      ir.Value
	generation int
}

func (earlyCSE) Run(fn *ir.Function) bool {
	entry := fn.Entry()
	if entry == nil {
		return false
	}
	changed := removeTriviallyDead(fn)
	dt := ir.ComputeDominators(fn)
	exprs := make(map[exprKey]*ir.Instr)
	loads := make(map[loadKey]availableLoad)
	generation := 0

	var walk func(b *ir.Block)
	walk = func(b *ir.Block) {
		// A block with several predecessors may be entered after stores on
		// another path.
		if len(dt.Preds(b)) != 1 {
			generation++
		}
		var added []exprKey
		var addedLoads []loadKey
		for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
			if v, ok := ir.FoldInstr(in); ok {
				replaceInstr(fn, in, v)
				changed = true
				continue
			}
			switch in.Op() {
			case ir.OpStore, ir.OpCall:
				generation++
				if in.Op() == ir.OpStore {
					// The stored value is available until the next clobber.
					key := loadKey{ptr: in.Operand(1), typ: in.Operand(0).Type()}
					loads[key] = availableLoad{value: in.Operand(0), generation: generation}
					addedLoads = append(addedLoads, key)
				}
				continue
			case ir.OpLoad:
				key := loadKey{ptr: in.Operand(0), typ: in.Type()}
				if avail, ok := loads[key]; ok && avail.generation == generation {
					replaceInstr(fn, in, avail.value)
					changed = true
					continue
				}
				loads[key] = availableLoad{value: in, generation: generation}
				addedLoads = append(addedLoads, key)
				continue
			}
			key, ok := exprOf(in, nil)
			if !ok {
				continue
			}
			if leader, found := exprs[key]; found {
				replaceInstr(fn, in, leader)
				changed = true
				continue
			}
			exprs[key] = in
			added = append(added, key)
		}
		for _, child := range dt.Children(b) {
			walk(child)
			// Siblings must not see the child's memory state.
			generation++
		}
		for _, key := range added {
			delete(exprs, key)
		}
		for _, key := range addedLoads {
			delete(loads, key)
		}
	}
	walk(entry)
	return changed
}
