package ir

import "fmt"

// Op is an instruction opcode.
type Op uint8

const (
	OpInvalid Op = iota

	// Integer binary operations.
	OpAdd
	OpSub
	OpMul
	OpSDiv
	OpUDiv
	OpSRem
	OpURem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr

	// Float binary operations.
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv

	OpICmp
	OpFCmp

	// Casts.
	OpTrunc
	OpZExt
	OpSExt
	OpSIToFP
	OpUIToFP
	OpFPToSI
	OpFPToUI
	OpBitcast

	OpExtractElement
	OpInsertElement
	OpSelect

	OpAlloca
	OpLoad
	OpStore
	OpCall
	OpPhi

	// Terminators.
	OpBr
	OpCondBr
	OpRet
	OpUnreachable
)

var opNames = [...]string{
	OpInvalid:        "invalid",
	OpAdd:            "add",
	OpSub:            "sub",
	OpMul:            "mul",
	OpSDiv:           "sdiv",
	OpUDiv:           "udiv",
	OpSRem:           "srem",
	OpURem:           "urem",
	OpAnd:            "and",
	OpOr:             "or",
	OpXor:            "xor",
	OpShl:            "shl",
	OpLShr:           "lshr",
	OpAShr:           "ashr",
	OpFAdd:           "fadd",
	OpFSub:           "fsub",
	OpFMul:           "fmul",
	OpFDiv:           "fdiv",
	OpICmp:           "icmp",
	OpFCmp:           "fcmp",
	OpTrunc:          "trunc",
	OpZExt:           "zext",
	OpSExt:           "sext",
	OpSIToFP:         "sitofp",
	OpUIToFP:         "uitofp",
	OpFPToSI:         "fptosi",
	OpFPToUI:         "fptoui",
	OpBitcast:        "bitcast",
	OpExtractElement: "extractelement",
	OpInsertElement:  "insertelement",
	OpSelect:         "select",
	OpAlloca:         "alloca",
	OpLoad:           "load",
	OpStore:          "store",
	OpCall:           "call",
	OpPhi:            "phi",
	OpBr:             "br",
	OpCondBr:         "br",
	OpRet:            "ret",
	OpUnreachable:    "unreachable",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

func (op Op) IsTerminator() bool {
	return op >= OpBr && op <= OpUnreachable
}

func (op Op) IsIntBinary() bool { return op >= OpAdd && op <= OpAShr }

func (op Op) IsFloatBinary() bool { return op >= OpFAdd && op <= OpFDiv }

func (op Op) IsBinary() bool { return op.IsIntBinary() || op.IsFloatBinary() }

func (op Op) IsCast() bool { return op >= OpTrunc && op <= OpBitcast }

func (op Op) IsCompare() bool { return op == OpICmp || op == OpFCmp }

// IsCommutative reports whether swapping the two operands preserves the
// result.
func (op Op) IsCommutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpFAdd, OpFMul:
		return true
	}
	return false
}

// IsAssociative reports whether (a op b) op c == a op (b op c) for integers.
func (op Op) IsAssociative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor:
		return true
	}
	return false
}

// Pred is a comparison predicate.
type Pred uint8

const (
	PredInvalid Pred = iota
	IntEQ
	IntNE
	IntSLT
	IntSLE
	IntSGT
	IntSGE
	IntULT
	IntULE
	IntUGT
	IntUGE
	FloatOEQ
	FloatONE
	FloatOLT
	FloatOLE
	FloatOGT
	FloatOGE
	FloatUNE
)

var predNames = [...]string{
	PredInvalid: "invalid",
	IntEQ:       "eq",
	IntNE:       "ne",
	IntSLT:      "slt",
	IntSLE:      "sle",
	IntSGT:      "sgt",
	IntSGE:      "sge",
	IntULT:      "ult",
	IntULE:      "ule",
	IntUGT:      "ugt",
	IntUGE:      "uge",
	FloatOEQ:    "oeq",
	FloatONE:    "one",
	FloatOLT:    "olt",
	FloatOLE:    "ole",
	FloatOGT:    "ogt",
	FloatOGE:    "oge",
	FloatUNE:    "une",
}

func (p Pred) String() string {
	if int(p) < len(predNames) {
		return predNames[p]
	}
	return fmt.Sprintf("Pred(%d)", uint8(p))
}

func (p Pred) IsInt() bool   { return p >= IntEQ && p <= IntUGE }
func (p Pred) IsFloat() bool { return p >= FloatOEQ && p <= FloatUNE }

// Swapped returns the predicate that holds for (b, a) when p holds for (a, b).
func (p Pred) Swapped() Pred {
	switch p {
	case IntSLT:
		return IntSGT
	case IntSLE:
		return IntSGE
	case IntSGT:
		return IntSLT
	case IntSGE:
		return IntSLE
	case IntULT:
		return IntUGT
	case IntULE:
		return IntUGE
	case IntUGT:
		return IntULT
	case IntUGE:
		return IntULE
	case FloatOLT:
		return FloatOGT
	case FloatOLE:
		return FloatOGE
	case FloatOGT:
		return FloatOLT
	case FloatOGE:
		return FloatOLE
	}
	return p
}

// Inverse returns the integer predicate that holds exactly when p does not.
// Float predicates have no ordered inverse in this IR and are returned
// unchanged with ok=false.
func (p Pred) Inverse() (Pred, bool) {
	switch p {
	case IntEQ:
		return IntNE, true
	case IntNE:
		return IntEQ, true
	case IntSLT:
		return IntSGE, true
	case IntSLE:
		return IntSGT, true
	case IntSGT:
		return IntSLE, true
	case IntSGE:
		return IntSLT, true
	case IntULT:
		return IntUGE, true
	case IntULE:
		return IntUGT, true
	case IntUGT:
		return IntULE, true
	case IntUGE:
		return IntULT, true
	case FloatOEQ:
		return FloatUNE, true
	case FloatUNE:
		return FloatOEQ, true
	}
	return p, false
}

// Instr is an instruction. Instructions producing a value are Values.
//
// Operand layout by opcode:
//
//	binary, icmp, fcmp:   [lhs, rhs]
//	casts:                [value]
//	extractelement:       [vector, index]
//	insertelement:        [vector, element, index]
//	select:               [cond, ifTrue, ifFalse]
//	load:                 [ptr]
//	store:                [value, ptr]
//	call:                 [callee, args...]
//	phi:                  [incoming values...] parallel to targets
//	condbr:               [cond] with targets [ifTrue, ifFalse]
//	br:                   [] with targets [dest]
//	ret:                  [] or [value]
type Instr struct {
	op        Op
	typ       *Type
	operands  []Value
	targets   []*Block
	pred      Pred
	allocType *Type
	block     *Block
	name      string
}

func (*Instr) isValue()               {}
func (in *Instr) Type() *Type         { return in.typ }
func (in *Instr) Op() Op              { return in.op }
func (in *Instr) Pred() Pred          { return in.pred }
func (in *Instr) Block() *Block       { return in.block }
func (in *Instr) Name() string        { return in.name }
func (in *Instr) Operands() []Value   { return in.operands }
func (in *Instr) NumOperands() int    { return len(in.operands) }
func (in *Instr) Operand(i int) Value { return in.operands[i] }
func (in *Instr) Targets() []*Block   { return in.targets }

// AllocType returns the allocated type of an alloca.
func (in *Instr) AllocType() *Type { return in.allocType }

// SetName names the instruction result for printing.
func (in *Instr) SetName(name string) *Instr {
	in.name = name
	return in
}

func (in *Instr) SetOperand(i int, v Value) { in.operands[i] = v }

func (in *Instr) SetTarget(i int, b *Block) { in.targets[i] = b }

// SetPred changes a compare predicate.
func (in *Instr) SetPred(p Pred) { in.pred = p }

// HasResult reports whether the instruction produces a value.
func (in *Instr) HasResult() bool {
	return in.typ != nil && !in.typ.IsVoid()
}

// Callee returns the called function of a call.
func (in *Instr) Callee() *Function {
	if in.op != OpCall || len(in.operands) == 0 {
		return nil
	}
	fn, _ := in.operands[0].(*Function)
	return fn
}

// Args returns the call arguments.
func (in *Instr) Args() []Value {
	if in.op != OpCall || len(in.operands) == 0 {
		return nil
	}
	return in.operands[1:]
}

// Incoming returns the phi's incoming value for pred.
func (in *Instr) Incoming(pred *Block) (Value, bool) {
	for i, b := range in.targets {
		if b == pred {
			return in.operands[i], true
		}
	}
	return nil, false
}

// AddIncoming appends a (value, predecessor) pair to a phi.
func (in *Instr) AddIncoming(v Value, pred *Block) {
	in.operands = append(in.operands, v)
	in.targets = append(in.targets, pred)
}

// RemoveIncoming drops the pair for pred from a phi.
func (in *Instr) RemoveIncoming(pred *Block) {
	for i := 0; i < len(in.targets); i++ {
		if in.targets[i] == pred {
			in.targets = append(in.targets[:i], in.targets[i+1:]...)
			in.operands = append(in.operands[:i], in.operands[i+1:]...)
			i--
		}
	}
}

// ReplaceTarget rewrites successor or incoming-block references from old to new.
func (in *Instr) ReplaceTarget(old, new *Block) {
	for i, b := range in.targets {
		if b == old {
			in.targets[i] = new
		}
	}
}

// HasSideEffects reports whether removing the instruction could change
// observable behaviour.
func (in *Instr) HasSideEffects() bool {
	switch in.op {
	case OpStore, OpCall:
		return true
	}
	return in.op.IsTerminator()
}

// IsPure reports whether the instruction result depends only on its
// operands, so that two identical instructions compute the same value.
func (in *Instr) IsPure() bool {
	switch {
	case in.op.IsBinary(), in.op.IsCompare(), in.op.IsCast():
		return true
	}
	switch in.op {
	case OpExtractElement, OpInsertElement, OpSelect:
		return true
	}
	return false
}

// EraseFromParent removes the instruction from its block.
func (in *Instr) EraseFromParent() {
	if in.block == nil {
		return
	}
	if idx := in.block.indexOf(in); idx >= 0 {
		in.block.instrs = append(in.block.instrs[:idx], in.block.instrs[idx+1:]...)
	}
	in.block = nil
}

// MoveBefore detaches the instruction and inserts it before pos.
func (in *Instr) MoveBefore(pos *Instr) {
	in.EraseFromParent()
	dst := pos.block
	dst.Insert(dst.indexOf(pos), in)
}

// InsertBefore places a detached instruction before pos.
func (in *Instr) InsertBefore(pos *Instr) {
	dst := pos.block
	dst.Insert(dst.indexOf(pos), in)
}

// NewInstr creates a detached instruction. Passes use it to synthesize
// replacements; builders should prefer the Builder methods.
func NewInstr(op Op, typ *Type, operands ...Value) *Instr {
	return &Instr{op: op, typ: typ, operands: operands}
}

// NewCompare creates a detached compare.
func NewCompare(op Op, pred Pred, typ *Type, lhs, rhs Value) *Instr {
	return &Instr{op: op, pred: pred, typ: typ, operands: []Value{lhs, rhs}}
}

// SameOperation reports whether a and b have identical opcode, type,
// predicate and operands, so that a pure a can stand in for b.
func SameOperation(a, b *Instr) bool {
	if a.op != b.op || a.typ != b.typ || a.pred != b.pred || len(a.operands) != len(b.operands) {
		return false
	}
	for i := range a.operands {
		if !SameValue(a.operands[i], b.operands[i]) {
			return false
		}
	}
	return true
}

// SameValue compares values, treating structurally equal constants as equal.
func SameValue(a, b Value) bool {
	if a == b {
		return true
	}
	ca, ok1 := a.(*Const)
	cb, ok2 := b.(*Const)
	return ok1 && ok2 && !ca.IsUndef() && ca.Equal(cb)
}
