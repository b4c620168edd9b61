package ir

// Builder appends instructions to the end of a block. It performs no type
// checking; malformed instructions are reported by Verify.
type Builder struct {
	ctx   *Context
	block *Block
}

// NewBuilder returns a builder with no insertion point.
func NewBuilder(ctx *Context) *Builder {
	return &Builder{ctx: ctx}
}

// SetInsertPoint positions the builder at the end of b.
func (b *Builder) SetInsertPoint(block *Block) *Builder {
	b.block = block
	return b
}

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.block }

// Context returns the builder's type context.
func (b *Builder) Context() *Context { return b.ctx }

func (b *Builder) insert(in *Instr) *Instr {
	if b.block == nil {
		panic("ir: builder has no insertion point")
	}
	b.block.append(in)
	return in
}

func (b *Builder) typeOf(v Value) *Type {
	if v == nil {
		return b.ctx.Void()
	}
	return v.Type()
}

func (b *Builder) binary(op Op, lhs, rhs Value) *Instr {
	return b.insert(&Instr{op: op, typ: b.typeOf(lhs), operands: []Value{lhs, rhs}})
}

func (b *Builder) Add(lhs, rhs Value) *Instr  { return b.binary(OpAdd, lhs, rhs) }
func (b *Builder) Sub(lhs, rhs Value) *Instr  { return b.binary(OpSub, lhs, rhs) }
func (b *Builder) Mul(lhs, rhs Value) *Instr  { return b.binary(OpMul, lhs, rhs) }
func (b *Builder) SDiv(lhs, rhs Value) *Instr { return b.binary(OpSDiv, lhs, rhs) }
func (b *Builder) UDiv(lhs, rhs Value) *Instr { return b.binary(OpUDiv, lhs, rhs) }
func (b *Builder) SRem(lhs, rhs Value) *Instr { return b.binary(OpSRem, lhs, rhs) }
func (b *Builder) URem(lhs, rhs Value) *Instr { return b.binary(OpURem, lhs, rhs) }
func (b *Builder) And(lhs, rhs Value) *Instr  { return b.binary(OpAnd, lhs, rhs) }
func (b *Builder) Or(lhs, rhs Value) *Instr   { return b.binary(OpOr, lhs, rhs) }
func (b *Builder) Xor(lhs, rhs Value) *Instr  { return b.binary(OpXor, lhs, rhs) }
func (b *Builder) Shl(lhs, rhs Value) *Instr  { return b.binary(OpShl, lhs, rhs) }
func (b *Builder) LShr(lhs, rhs Value) *Instr { return b.binary(OpLShr, lhs, rhs) }
func (b *Builder) AShr(lhs, rhs Value) *Instr { return b.binary(OpAShr, lhs, rhs) }
func (b *Builder) FAdd(lhs, rhs Value) *Instr { return b.binary(OpFAdd, lhs, rhs) }
func (b *Builder) FSub(lhs, rhs Value) *Instr { return b.binary(OpFSub, lhs, rhs) }
func (b *Builder) FMul(lhs, rhs Value) *Instr { return b.binary(OpFMul, lhs, rhs) }
func (b *Builder) FDiv(lhs, rhs Value) *Instr { return b.binary(OpFDiv, lhs, rhs) }

// ICmp compares integers or pointers; vectors compare lane-wise.
func (b *Builder) ICmp(pred Pred, lhs, rhs Value) *Instr {
	return b.insert(&Instr{op: OpICmp, pred: pred, typ: b.ctx.BoolFor(b.typeOf(lhs)), operands: []Value{lhs, rhs}})
}

// FCmp compares floats; vectors compare lane-wise.
func (b *Builder) FCmp(pred Pred, lhs, rhs Value) *Instr {
	return b.insert(&Instr{op: OpFCmp, pred: pred, typ: b.ctx.BoolFor(b.typeOf(lhs)), operands: []Value{lhs, rhs}})
}

func (b *Builder) cast(op Op, v Value, to *Type) *Instr {
	return b.insert(&Instr{op: op, typ: to, operands: []Value{v}})
}

func (b *Builder) Trunc(v Value, to *Type) *Instr   { return b.cast(OpTrunc, v, to) }
func (b *Builder) ZExt(v Value, to *Type) *Instr    { return b.cast(OpZExt, v, to) }
func (b *Builder) SExt(v Value, to *Type) *Instr    { return b.cast(OpSExt, v, to) }
func (b *Builder) SIToFP(v Value, to *Type) *Instr  { return b.cast(OpSIToFP, v, to) }
func (b *Builder) UIToFP(v Value, to *Type) *Instr  { return b.cast(OpUIToFP, v, to) }
func (b *Builder) FPToSI(v Value, to *Type) *Instr  { return b.cast(OpFPToSI, v, to) }
func (b *Builder) FPToUI(v Value, to *Type) *Instr  { return b.cast(OpFPToUI, v, to) }
func (b *Builder) Bitcast(v Value, to *Type) *Instr { return b.cast(OpBitcast, v, to) }

// ExtractElement reads lane idx of vec.
func (b *Builder) ExtractElement(vec, idx Value) *Instr {
	t := b.typeOf(vec)
	res := t
	if t.IsVector() {
		res = t.Elem()
	}
	return b.insert(&Instr{op: OpExtractElement, typ: res, operands: []Value{vec, idx}})
}

// InsertElement returns vec with lane idx replaced by elt.
func (b *Builder) InsertElement(vec, elt, idx Value) *Instr {
	return b.insert(&Instr{op: OpInsertElement, typ: b.typeOf(vec), operands: []Value{vec, elt, idx}})
}

// Select picks ifTrue or ifFalse; a vector cond selects lane-wise.
func (b *Builder) Select(cond, ifTrue, ifFalse Value) *Instr {
	return b.insert(&Instr{op: OpSelect, typ: b.typeOf(ifTrue), operands: []Value{cond, ifTrue, ifFalse}})
}

// Alloca reserves a stack slot of type t for the lifetime of the function.
func (b *Builder) Alloca(t *Type) *Instr {
	return b.insert(&Instr{op: OpAlloca, typ: b.ctx.Ptr(), allocType: t})
}

// Load reads a value of type t from ptr.
func (b *Builder) Load(t *Type, ptr Value) *Instr {
	return b.insert(&Instr{op: OpLoad, typ: t, operands: []Value{ptr}})
}

// Store writes v to ptr.
func (b *Builder) Store(v, ptr Value) *Instr {
	return b.insert(&Instr{op: OpStore, typ: b.ctx.Void(), operands: []Value{v, ptr}})
}

// Call calls fn with args.
func (b *Builder) Call(fn *Function, args ...Value) *Instr {
	ops := make([]Value, 0, len(args)+1)
	ops = append(ops, fn)
	ops = append(ops, args...)
	res := b.ctx.Void()
	if fn != nil && fn.sig != nil {
		res = fn.sig.result
	}
	return b.insert(&Instr{op: OpCall, typ: res, operands: ops})
}

// Phi creates an empty phi of type t; add edges with AddIncoming. Phis must
// be created before any other instruction of the block.
func (b *Builder) Phi(t *Type) *Instr {
	return b.insert(&Instr{op: OpPhi, typ: t})
}

// Br jumps unconditionally to dest.
func (b *Builder) Br(dest *Block) *Instr {
	return b.insert(&Instr{op: OpBr, typ: b.ctx.Void(), targets: []*Block{dest}})
}

// CondBr branches on an i1.
func (b *Builder) CondBr(cond Value, ifTrue, ifFalse *Block) *Instr {
	return b.insert(&Instr{op: OpCondBr, typ: b.ctx.Void(), operands: []Value{cond}, targets: []*Block{ifTrue, ifFalse}})
}

// Ret returns v.
func (b *Builder) Ret(v Value) *Instr {
	return b.insert(&Instr{op: OpRet, typ: b.ctx.Void(), operands: []Value{v}})
}

// RetVoid returns from a void function.
func (b *Builder) RetVoid() *Instr {
	return b.insert(&Instr{op: OpRet, typ: b.ctx.Void()})
}

// Unreachable marks a point control never reaches.
func (b *Builder) Unreachable() *Instr {
	return b.insert(&Instr{op: OpUnreachable, typ: b.ctx.Void()})
}
