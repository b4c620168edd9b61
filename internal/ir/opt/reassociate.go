package opt

import "github.com/tinyrange/reactor/internal/ir"

// reassociate moves constants to the right of commutative integer
// operations and combines constants across chains such as
// (x + 1) + 2 => x + 3.
type reassociate struct{}

func (reassociate) Name() string { return "reassociate" }

func (reassociate) Run(fn *ir.Function) bool {
	changed := false
	for _, b := range fn.Blocks() {
		for _, in := range b.Instrs() {
			if !in.Op().IsCommutative() || !in.Type().IsIntLike() {
				continue
			}
			if _, ok := in.Operand(0).(*ir.Const); ok {
				if _, ok := in.Operand(1).(*ir.Const); !ok {
					lhs, rhs := in.Operand(0), in.Operand(1)
					in.SetOperand(0, rhs)
					in.SetOperand(1, lhs)
					changed = true
				}
			}
		}
	}

	for {
		uses := ir.Uses(fn)
		step := false
		fn.Instructions(func(in *ir.Instr) {
			if step || !in.Op().IsAssociative() {
				return
			}
			c2, ok := constOf(in.Operand(1))
			if !ok {
				return
			}
			inner, ok := in.Operand(0).(*ir.Instr)
			if !ok || inner.Op() != in.Op() || uses[inner] != 1 {
				return
			}
			c1, ok := constOf(inner.Operand(1))
			if !ok {
				return
			}
			folded, ok := ir.FoldBinary(in.Op(), c1, c2)
			if !ok {
				return
			}
			in.SetOperand(0, inner.Operand(0))
			in.SetOperand(1, folded)
			inner.EraseFromParent()
			step = true
		})
		if !step {
			return changed
		}
		changed = true
	}
}
