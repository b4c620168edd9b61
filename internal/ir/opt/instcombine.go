package opt

import (
	"math/bits"

	"github.com/tinyrange/reactor/internal/ir"
)

// instCombine folds constants and applies local algebraic simplifications
// until nothing changes.
type instCombine struct{}

func (instCombine) Name() string { return "instcombine" }

func (instCombine) Run(fn *ir.Function) bool {
	changed := false
	for {
		step := false
		for _, b := range fn.Blocks() {
			for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
				if in.Block() == nil {
					continue
				}
				if v, ok := simplify(in); ok {
					replaceInstr(fn, in, v)
					step = true
					continue
				}
				if rewrite(in) {
					step = true
				}
			}
		}
		step = removeTriviallyDead(fn) || step
		if !step {
			return changed
		}
		changed = true
	}
}

// simplify returns an existing value equal to in, if one is known.
func simplify(in *ir.Instr) (ir.Value, bool) {
	if in.Op() == ir.OpPhi {
		return simplifyPhi(in)
	}
	if v, ok := ir.FoldInstr(in); ok {
		return v, true
	}
	if !in.Op().IsBinary() && !in.Op().IsCompare() && !in.Op().IsCast() && in.Op() != ir.OpSelect {
		return nil, false
	}
	t := in.Type()
	switch in.Op() {
	case ir.OpSelect:
		if ir.SameValue(in.Operand(1), in.Operand(2)) {
			return in.Operand(1), true
		}
		return nil, false
	case ir.OpZExt, ir.OpSExt, ir.OpTrunc, ir.OpBitcast:
		if in.Operand(0).Type() == t {
			return in.Operand(0), true
		}
		// trunc (zext x) back to the type of x.
		if in.Op() == ir.OpTrunc {
			if inner, ok := in.Operand(0).(*ir.Instr); ok && (inner.Op() == ir.OpZExt || inner.Op() == ir.OpSExt) && inner.Operand(0).Type() == t {
				return inner.Operand(0), true
			}
		}
		return nil, false
	case ir.OpICmp:
		if ir.SameValue(in.Operand(0), in.Operand(1)) {
			switch in.Pred() {
			case ir.IntEQ, ir.IntSLE, ir.IntSGE, ir.IntULE, ir.IntUGE:
				return ir.Splat(t, ir.ConstInt(t.Scalar(), 1)), true
			default:
				return ir.Splat(t, ir.ConstInt(t.Scalar(), 0)), true
			}
		}
		return nil, false
	}
	if !in.Op().IsBinary() {
		return nil, false
	}

	lhs, rhs := in.Operand(0), in.Operand(1)
	c, rhsConst := constOf(rhs)
	same := ir.SameValue(lhs, rhs)
	switch in.Op() {
	case ir.OpAdd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpLShr, ir.OpAShr, ir.OpSub:
		if rhsConst && c.IsZero() {
			return lhs, true
		}
	case ir.OpMul, ir.OpUDiv, ir.OpSDiv:
		if rhsConst && c.IsOne() {
			return lhs, true
		}
	}
	switch in.Op() {
	case ir.OpMul, ir.OpAnd:
		if rhsConst && c.IsZero() {
			return c, true
		}
	case ir.OpOr:
		if rhsConst && c.IsAllOnes() {
			return c, true
		}
	case ir.OpURem:
		if rhsConst && c.IsOne() {
			return ir.ConstZero(t), true
		}
	case ir.OpFMul:
		if rhsConst && isFloatOne(c) {
			return lhs, true
		}
	case ir.OpFDiv:
		if rhsConst && isFloatOne(c) {
			return lhs, true
		}
	}
	if rhsConst && in.Op() == ir.OpAnd && c.IsAllOnes() {
		return lhs, true
	}
	if same {
		switch in.Op() {
		case ir.OpAnd, ir.OpOr:
			return lhs, true
		case ir.OpXor, ir.OpSub:
			return ir.ConstZero(t), true
		}
	}
	return nil, false
}

func isFloatOne(c *ir.Const) bool {
	if c.IsVector() {
		for _, e := range c.Elems() {
			if e.Float() != 1 {
				return false
			}
		}
		return true
	}
	return c.Float() == 1
}

func simplifyPhi(phi *ir.Instr) (ir.Value, bool) {
	var common ir.Value
	for _, v := range phi.Operands() {
		if v == phi {
			continue
		}
		if c, ok := v.(*ir.Const); ok && c.IsUndef() {
			continue
		}
		if common == nil {
			common = v
			continue
		}
		if !ir.SameValue(common, v) {
			return nil, false
		}
	}
	if common == nil {
		return ir.Undef(phi.Type()), true
	}
	// A non-constant value must dominate the phi's block; values defined
	// in the phi's own block or later would not.
	if def, ok := common.(*ir.Instr); ok && def.Block() == phi.Block() {
		return nil, false
	}
	if _, ok := common.(*ir.Instr); ok {
		dt := ir.ComputeDominators(phi.Block().Parent())
		if !dt.Dominates(common.(*ir.Instr).Block(), phi.Block()) {
			return nil, false
		}
	}
	return common, true
}

// rewrite canonicalizes in place: constants move to the right-hand side and
// multiplications by powers of two become shifts.
func rewrite(in *ir.Instr) bool {
	switch {
	case in.Op().IsCommutative():
		if _, ok := in.Operand(0).(*ir.Const); ok {
			if _, ok := in.Operand(1).(*ir.Const); !ok {
				lhs, rhs := in.Operand(0), in.Operand(1)
				in.SetOperand(0, rhs)
				in.SetOperand(1, lhs)
				return true
			}
		}
	case in.Op().IsCompare():
		if _, ok := in.Operand(0).(*ir.Const); ok {
			if _, ok := in.Operand(1).(*ir.Const); !ok {
				lhs, rhs := in.Operand(0), in.Operand(1)
				in.SetOperand(0, rhs)
				in.SetOperand(1, lhs)
				in.SetPred(in.Pred().Swapped())
				return true
			}
		}
	}
	if in.Op() == ir.OpMul && in.Type().IsInt() {
		if c, ok := constOf(in.Operand(1)); ok && c.Uint() > 1 && bits.OnesCount64(c.Uint()) == 1 {
			shift := ir.ConstInt(in.Type(), uint64(bits.TrailingZeros64(c.Uint())))
			replacement := ir.NewInstr(ir.OpShl, in.Type(), in.Operand(0), shift)
			replacement.SetName(in.Name())
			replacement.InsertBefore(in)
			ir.ReplaceAllUsesWith(in.Block().Parent(), in, replacement)
			in.EraseFromParent()
			return true
		}
	}
	// xor (icmp p a, b), true => icmp !p a, b
	if in.Op() == ir.OpXor && in.Type().IsBool() {
		c, ok := constOf(in.Operand(1))
		cmp, isCmp := in.Operand(0).(*ir.Instr)
		if ok && c.IsOne() && isCmp && cmp.Op() == ir.OpICmp {
			if inv, ok := cmp.Pred().Inverse(); ok {
				replacement := ir.NewCompare(ir.OpICmp, inv, in.Type(), cmp.Operand(0), cmp.Operand(1))
				replacement.InsertBefore(in)
				ir.ReplaceAllUsesWith(in.Block().Parent(), in, replacement)
				in.EraseFromParent()
				return true
			}
		}
	}
	return false
}
