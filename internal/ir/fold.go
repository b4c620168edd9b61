package ir

import "math"

// FoldBinary evaluates a binary operation on constants. It declines undef
// operands and integer division by zero.
func FoldBinary(op Op, a, b *Const) (*Const, bool) {
	if a.IsUndef() || b.IsUndef() || a.typ != b.typ {
		return nil, false
	}
	if a.kind == constVector || b.kind == constVector {
		return foldLanes(a.typ, func(i int) (*Const, bool) {
			return FoldBinary(op, a.Lane(i), b.Lane(i))
		})
	}
	t := a.typ
	if op.IsFloatBinary() {
		if t.kind != FloatKind {
			return nil, false
		}
		x, y := a.Float(), b.Float()
		var r float32
		switch op {
		case OpFAdd:
			r = x + y
		case OpFSub:
			r = x - y
		case OpFMul:
			r = x * y
		case OpFDiv:
			r = x / y
		}
		return ConstFloat(t, r), true
	}
	if t.kind != IntKind {
		return nil, false
	}
	bits := t.bits
	x, y := a.bits, b.bits
	sx, sy := a.Int(), b.Int()
	var r uint64
	switch op {
	case OpAdd:
		r = x + y
	case OpSub:
		r = x - y
	case OpMul:
		r = x * y
	case OpUDiv:
		if y == 0 {
			return nil, false
		}
		r = x / y
	case OpURem:
		if y == 0 {
			return nil, false
		}
		r = x % y
	case OpSDiv:
		if sy == 0 || (sy == -1 && sx == signExtend(uint64(1)<<(bits-1), bits)) {
			return nil, false
		}
		r = uint64(sx / sy)
	case OpSRem:
		if sy == 0 || (sy == -1 && sx == signExtend(uint64(1)<<(bits-1), bits)) {
			return nil, false
		}
		r = uint64(sx % sy)
	case OpAnd:
		r = x & y
	case OpOr:
		r = x | y
	case OpXor:
		r = x ^ y
	case OpShl, OpLShr, OpAShr:
		if y >= uint64(bits) {
			return nil, false
		}
		switch op {
		case OpShl:
			r = x << y
		case OpLShr:
			r = x >> y
		default:
			r = uint64(sx >> y)
		}
	default:
		return nil, false
	}
	return ConstInt(t, r), true
}

// FoldCompare evaluates an icmp or fcmp on constants. resType is the i1 or
// vector-of-i1 result type.
func FoldCompare(pred Pred, resType *Type, a, b *Const) (*Const, bool) {
	if a.IsUndef() || b.IsUndef() || a.typ != b.typ {
		return nil, false
	}
	if a.typ.kind == VectorKind {
		return foldLanes(resType, func(i int) (*Const, bool) {
			return FoldCompare(pred, resType.elem, a.Lane(i), b.Lane(i))
		})
	}
	var r bool
	switch {
	case pred.IsInt():
		x, y := a.bits, b.bits
		sx, sy := a.Int(), b.Int()
		switch pred {
		case IntEQ:
			r = x == y
		case IntNE:
			r = x != y
		case IntSLT:
			r = sx < sy
		case IntSLE:
			r = sx <= sy
		case IntSGT:
			r = sx > sy
		case IntSGE:
			r = sx >= sy
		case IntULT:
			r = x < y
		case IntULE:
			r = x <= y
		case IntUGT:
			r = x > y
		case IntUGE:
			r = x >= y
		}
	case pred.IsFloat():
		x, y := a.Float(), b.Float()
		unordered := x != x || y != y
		switch pred {
		case FloatOEQ:
			r = !unordered && x == y
		case FloatONE:
			r = !unordered && x != y
		case FloatOLT:
			r = !unordered && x < y
		case FloatOLE:
			r = !unordered && x <= y
		case FloatOGT:
			r = !unordered && x > y
		case FloatOGE:
			r = !unordered && x >= y
		case FloatUNE:
			r = unordered || x != y
		}
	default:
		return nil, false
	}
	return boolConst(resType, r), true
}

func boolConst(t *Type, v bool) *Const {
	if v {
		return ConstInt(t, 1)
	}
	return ConstInt(t, 0)
}

// FoldCast evaluates a cast of a constant to type to.
func FoldCast(op Op, v *Const, to *Type) (*Const, bool) {
	if v.IsUndef() {
		return nil, false
	}
	from := v.typ
	if op == OpBitcast {
		return foldBitcast(v, to)
	}
	if from.kind == VectorKind {
		if to.kind != VectorKind || to.lanes != from.lanes {
			return nil, false
		}
		return foldLanes(to, func(i int) (*Const, bool) {
			return FoldCast(op, v.Lane(i), to.elem)
		})
	}
	switch op {
	case OpTrunc, OpZExt:
		if from.kind != IntKind || to.kind != IntKind {
			return nil, false
		}
		return ConstInt(to, v.bits), true
	case OpSExt:
		if from.kind != IntKind || to.kind != IntKind {
			return nil, false
		}
		return ConstInt(to, uint64(v.Int())), true
	case OpSIToFP:
		if from.kind != IntKind || to.kind != FloatKind {
			return nil, false
		}
		return ConstFloat(to, float32(v.Int())), true
	case OpUIToFP:
		if from.kind != IntKind || to.kind != FloatKind {
			return nil, false
		}
		return ConstFloat(to, float32(v.bits)), true
	case OpFPToSI, OpFPToUI:
		if from.kind != FloatKind || to.kind != IntKind {
			return nil, false
		}
		f := float64(v.Float())
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		if op == OpFPToSI {
			return ConstInt(to, uint64(int64(f))), true
		}
		if f < 0 {
			return nil, false
		}
		return ConstInt(to, uint64(f)), true
	}
	return nil, false
}

func foldBitcast(v *Const, to *Type) (*Const, bool) {
	from := v.typ
	if from.Size() != to.Size() || from.kind == PtrKind || to.kind == PtrKind {
		return nil, false
	}
	if from.Scalar().bits == 1 || to.Scalar().bits == 1 {
		return nil, false
	}
	raw := constBytes(v)
	if raw == nil {
		return nil, false
	}
	return constFromBytes(to, raw), true
}

// constBytes returns the little-endian in-memory image of a constant.
func constBytes(c *Const) []byte {
	switch c.kind {
	case constInt, constFloat:
		n := c.typ.Size()
		out := make([]byte, n)
		for i := 0; i < n; i++ {
			out[i] = byte(c.bits >> (8 * i))
		}
		return out
	case constVector:
		var out []byte
		for _, e := range c.elems {
			eb := constBytes(e)
			if eb == nil {
				return nil
			}
			out = append(out, eb...)
		}
		return out
	}
	return nil
}

func constFromBytes(t *Type, raw []byte) *Const {
	if t.kind == VectorKind {
		es := t.elem.Size()
		elems := make([]*Const, t.lanes)
		for i := range elems {
			elems[i] = constFromBytes(t.elem, raw[i*es:(i+1)*es])
		}
		return ConstVector(t, elems...)
	}
	var bits uint64
	for i := len(raw) - 1; i >= 0; i-- {
		bits = bits<<8 | uint64(raw[i])
	}
	if t.kind == FloatKind {
		return &Const{typ: t, kind: constFloat, bits: bits}
	}
	return ConstInt(t, bits)
}

// ConstBytes returns the in-memory image of c, used to materialize global
// initializers. Undef and null produce zero bytes.
func ConstBytes(c *Const) []byte {
	if c == nil || c.kind == constUndef || c.kind == constNull {
		size := 8
		if c != nil {
			size = c.typ.Size()
		}
		return make([]byte, size)
	}
	if c.kind == constVector {
		var out []byte
		for _, e := range c.elems {
			out = append(out, ConstBytes(e)...)
		}
		return out
	}
	return constBytes(c)
}

// FoldSelect folds a select whose condition is constant.
func FoldSelect(cond *Const, ifTrue, ifFalse Value) (Value, bool) {
	if cond.IsUndef() {
		return nil, false
	}
	if cond.kind == constVector {
		a, ok1 := ifTrue.(*Const)
		b, ok2 := ifFalse.(*Const)
		if !ok1 || !ok2 {
			return nil, false
		}
		return foldLanes(a.typ, func(i int) (*Const, bool) {
			if cond.elems[i].bits != 0 {
				return a.Lane(i), true
			}
			return b.Lane(i), true
		})
	}
	if cond.bits != 0 {
		return ifTrue, true
	}
	return ifFalse, true
}

// FoldExtract folds extractelement with constant operands. Out of range
// indices yield undef.
func FoldExtract(vec, idx *Const) (*Const, bool) {
	if idx.IsUndef() || vec.typ.kind != VectorKind {
		return nil, false
	}
	if idx.bits >= uint64(vec.typ.lanes) {
		return Undef(vec.typ.elem), true
	}
	return vec.Lane(int(idx.bits)), true
}

// FoldInsert folds insertelement with constant operands.
func FoldInsert(vec, elt, idx *Const) (*Const, bool) {
	if idx.IsUndef() || vec.typ.kind != VectorKind {
		return nil, false
	}
	if idx.bits >= uint64(vec.typ.lanes) {
		return Undef(vec.typ), true
	}
	elems := make([]*Const, vec.typ.lanes)
	for i := range elems {
		elems[i] = vec.Lane(i)
	}
	elems[idx.bits] = elt
	return ConstVector(vec.typ, elems...), true
}

func foldLanes(t *Type, lane func(i int) (*Const, bool)) (*Const, bool) {
	elems := make([]*Const, t.lanes)
	for i := range elems {
		c, ok := lane(i)
		if !ok || c.kind == constUndef {
			return nil, false
		}
		elems[i] = c
	}
	return ConstVector(t, elems...), true
}

// FoldInstr evaluates in when all of its operands are constants.
func FoldInstr(in *Instr) (Value, bool) {
	consts := make([]*Const, len(in.operands))
	for i, op := range in.operands {
		c, ok := op.(*Const)
		if !ok {
			if in.op == OpSelect && i > 0 {
				continue
			}
			return nil, false
		}
		consts[i] = c
	}
	switch {
	case in.op.IsBinary():
		return nilSafe(FoldBinary(in.op, consts[0], consts[1]))
	case in.op.IsCompare():
		return nilSafe(FoldCompare(in.pred, in.typ, consts[0], consts[1]))
	case in.op.IsCast():
		return nilSafe(FoldCast(in.op, consts[0], in.typ))
	}
	switch in.op {
	case OpSelect:
		return FoldSelect(consts[0], in.operands[1], in.operands[2])
	case OpExtractElement:
		return nilSafe(FoldExtract(consts[0], consts[1]))
	case OpInsertElement:
		return nilSafe(FoldInsert(consts[0], consts[1], consts[2]))
	}
	return nil, false
}

func nilSafe(c *Const, ok bool) (Value, bool) {
	if !ok {
		return nil, false
	}
	return c, true
}
