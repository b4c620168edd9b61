package opt

import "github.com/tinyrange/reactor/internal/ir"

// replaceInstr rewrites uses of in to v and deletes in.
func replaceInstr(fn *ir.Function, in *ir.Instr, v ir.Value) {
	ir.ReplaceAllUsesWith(fn, in, v)
	in.EraseFromParent()
}

// removeEdge drops the phi entries in succ that name pred.
func removeEdge(pred, succ *ir.Block) {
	for _, phi := range succ.Phis() {
		phi.RemoveIncoming(pred)
	}
}

// RemoveUnreachableBlocks deletes blocks not reachable from the entry and
// the phi entries naming them.
func RemoveUnreachableBlocks(fn *ir.Function) bool {
	dt := ir.ComputeDominators(fn)
	var dead []*ir.Block
	for _, b := range fn.Blocks() {
		if !dt.Reachable(b) {
			dead = append(dead, b)
		}
	}
	if len(dead) == 0 {
		return false
	}
	deadSet := make(map[*ir.Block]bool, len(dead))
	for _, b := range dead {
		deadSet[b] = true
	}
	for _, b := range fn.Blocks() {
		if deadSet[b] {
			continue
		}
		for _, phi := range b.Phis() {
			for _, d := range dead {
				phi.RemoveIncoming(d)
			}
		}
	}
	// Values defined in dead blocks can only be used by other dead blocks or
	// by phis whose entries were just removed.
	for _, b := range dead {
		fn.RemoveBlock(b)
	}
	return true
}

// removeTriviallyDead erases pure, unused instructions until none remain.
func removeTriviallyDead(fn *ir.Function) bool {
	changed := false
	for {
		uses := ir.Uses(fn)
		var dead []*ir.Instr
		fn.Instructions(func(in *ir.Instr) {
			if uses[in] == 0 && isRemovable(in) {
				dead = append(dead, in)
			}
		})
		if len(dead) == 0 {
			return changed
		}
		for _, in := range dead {
			in.EraseFromParent()
		}
		changed = true
	}
}

// isRemovable reports whether an unused instruction can be deleted.
func isRemovable(in *ir.Instr) bool {
	if in.HasSideEffects() {
		return false
	}
	switch in.Op() {
	case ir.OpLoad, ir.OpAlloca, ir.OpPhi:
		return true
	}
	return in.IsPure()
}

// isSafeToSpeculate reports whether in can execute on paths where it did not
// originally run.
func isSafeToSpeculate(in *ir.Instr) bool {
	if !in.IsPure() {
		return false
	}
	switch in.Op() {
	case ir.OpSDiv, ir.OpUDiv, ir.OpSRem, ir.OpURem:
		c, ok := in.Operand(1).(*ir.Const)
		if !ok || c.IsUndef() || c.IsVector() {
			return false
		}
		if c.IsZero() {
			return false
		}
		if (in.Op() == ir.OpSDiv || in.Op() == ir.OpSRem) && c.IsAllOnes() {
			return false
		}
	}
	return true
}

func constOf(v ir.Value) (*ir.Const, bool) {
	c, ok := v.(*ir.Const)
	if !ok || c.IsUndef() {
		return nil, false
	}
	return c, true
}

// valueKey identifies a value for hashing: constants by type and text,
// everything else by identity.
type valueKey struct {
	v    ir.Value
	text string
	typ  *ir.Type
}

func keyOf(v ir.Value) valueKey {
	if c, ok := v.(*ir.Const); ok && !c.IsUndef() {
		return valueKey{text: c.String(), typ: c.Type()}
	}
	return valueKey{v: v}
}

// exprKey identifies the computation of a pure instruction.
type exprKey struct {
	op   ir.Op
	pred ir.Pred
	typ  *ir.Type
	a    valueKey
	b    valueKey
	c    valueKey
}

func exprOf(in *ir.Instr, r ranker) (exprKey, bool) {
	if !in.IsPure() || in.NumOperands() > 3 {
		return exprKey{}, false
	}
	k := exprKey{op: in.Op(), pred: in.Pred(), typ: in.Type()}
	ops := in.Operands()
	keys := make([]valueKey, 3)
	for i, op := range ops {
		keys[i] = keyOf(op)
	}
	if r != nil && in.Op().IsCommutative() && r.rank(ops[1]) < r.rank(ops[0]) {
		keys[0], keys[1] = keys[1], keys[0]
	}
	k.a, k.b, k.c = keys[0], keys[1], keys[2]
	return k, true
}

// ranker orders values so commutative operands hash the same either way.
// Constants rank after everything else.
type ranker map[ir.Value]int

func newRanker(fn *ir.Function) ranker {
	r := make(ranker)
	for _, p := range fn.Params() {
		r[p] = len(r)
	}
	fn.Instructions(func(in *ir.Instr) { r[in] = len(r) })
	return r
}

func (r ranker) rank(v ir.Value) int {
	if _, ok := v.(*ir.Const); ok {
		return 1 << 30
	}
	if n, ok := r[v]; ok {
		return n
	}
	return -1
}
