package ir

import (
	"fmt"
	"strings"
)

// signatureMismatch prefixes verifier messages about calls that disagree
// with the callee's signature.
const signatureMismatch = "signature mismatch"

// VerifyError lists every problem found in a module.
type VerifyError struct {
	Module   string
	Messages []string
}

func (e *VerifyError) Error() string {
	if len(e.Messages) == 1 {
		return fmt.Sprintf("module %q: %s", e.Module, e.Messages[0])
	}
	return fmt.Sprintf("module %q: %d problems:\n  %s", e.Module, len(e.Messages), strings.Join(e.Messages, "\n  "))
}

// HasSignatureMismatch reports whether any message concerns a call whose
// arguments or result disagree with the callee.
func (e *VerifyError) HasSignatureMismatch() bool {
	for _, msg := range e.Messages {
		if strings.Contains(msg, signatureMismatch) {
			return true
		}
	}
	return false
}

type verifier struct {
	m    *Module
	msgs []string
}

func (v *verifier) errorf(format string, args ...any) {
	v.msgs = append(v.msgs, fmt.Sprintf(format, args...))
}

// Verify checks the structural and type rules of m. It returns nil or a
// *VerifyError.
func Verify(m *Module) error {
	v := &verifier{m: m}
	v.checkSymbols()
	for _, g := range m.globals {
		if g.init != nil && g.init.typ != g.valueType {
			v.errorf("global @%s: initializer type %s does not match %s", g.name, g.init.typ, g.valueType)
		}
	}
	for _, f := range m.funcs {
		if f.module != m {
			v.errorf("function @%s belongs to another module", f.name)
			continue
		}
		v.checkFunction(f)
	}
	if len(v.msgs) == 0 {
		return nil
	}
	return &VerifyError{Module: m.name, Messages: v.msgs}
}

func (v *verifier) checkSymbols() {
	seen := make(map[string]string)
	check := func(kind, name string) {
		if name == "" {
			return
		}
		if prev, ok := seen[name]; ok {
			v.errorf("duplicate symbol @%s (%s and %s)", name, prev, kind)
			return
		}
		seen[name] = kind
	}
	for _, g := range v.m.globals {
		if g.name == "" {
			v.errorf("global without a name")
		}
		check("global", g.name)
	}
	for _, f := range v.m.funcs {
		if f.name == "" && f.IsDeclaration() {
			v.errorf("declaration without a name")
		}
		check("function", f.name)
	}
}

func (v *verifier) checkFunction(f *Function) {
	if f.IsDeclaration() {
		return
	}
	where := "@" + f.name
	if f.name == "" {
		where = "anonymous function"
	}
	dt := ComputeDominators(f)
	preds := dt.preds
	owned := make(map[*Block]bool, len(f.blocks))
	for _, b := range f.blocks {
		owned[b] = true
	}
	if len(preds[f.Entry()]) > 0 {
		v.errorf("%s: entry block %%%s has predecessors", where, f.Entry().name)
	}

	defined := make(map[*Instr]bool)
	f.Instructions(func(in *Instr) { defined[in] = true })

	for _, b := range f.blocks {
		if b.fn != f {
			v.errorf("%s: block %%%s has wrong parent", where, b.name)
		}
		if len(b.instrs) == 0 {
			v.errorf("%s: block %%%s is empty", where, b.name)
			continue
		}
		seenNonPhi := false
		for i, in := range b.instrs {
			loc := fmt.Sprintf("%s: %%%s: %s", where, b.name, in.op)
			if in.block != b {
				v.errorf("%s: instruction has wrong parent block", loc)
			}
			if in.op.IsTerminator() && i != len(b.instrs)-1 {
				v.errorf("%s: terminator in the middle of a block", loc)
			}
			if in.op == OpPhi {
				if seenNonPhi {
					v.errorf("%s: phi after non-phi instruction", loc)
				}
			} else {
				seenNonPhi = true
			}
			for _, t := range in.targets {
				if t == nil || !owned[t] {
					v.errorf("%s: references a block outside the function", loc)
				}
			}
			for idx, op := range in.operands {
				v.checkOperand(loc, f, dt, defined, in, idx, op)
			}
			v.checkInstr(loc, f, in, preds[b])
		}
		if b.Terminator() == nil {
			v.errorf("%s: block %%%s does not end in a terminator", where, b.name)
		}
	}
}

func (v *verifier) checkOperand(loc string, f *Function, dt *DomTree, defined map[*Instr]bool, user *Instr, idx int, op Value) {
	switch op := op.(type) {
	case nil:
		v.errorf("%s: operand %d is nil", loc, idx)
	case *Param:
		if op.fn != f {
			v.errorf("%s: operand %d is a parameter of another function", loc, idx)
		}
	case *Global:
		if op.module != v.m {
			v.errorf("%s: operand %d is a global of another module", loc, idx)
		}
	case *Function:
		if op.module != v.m {
			v.errorf("%s: operand %d is a function of another module", loc, idx)
		}
	case *Instr:
		if !defined[op] {
			v.errorf("%s: operand %d is not defined in this function", loc, idx)
			return
		}
		if !op.HasResult() {
			v.errorf("%s: operand %d uses a %s which has no result", loc, idx, op.op)
			return
		}
		if !dt.Reachable(user.block) {
			return
		}
		var pred *Block
		if user.op == OpPhi {
			pred = user.targets[idx]
			if !dt.Reachable(pred) {
				return
			}
		}
		if !dt.InstrDominates(op, user, pred) {
			v.errorf("%s: operand %d does not dominate its use", loc, idx)
		}
	}
}

func typeOf(v Value) *Type {
	if v == nil {
		return nil
	}
	return v.Type()
}

func (v *verifier) checkInstr(loc string, f *Function, in *Instr, preds []*Block) {
	ctx := v.m.ctx
	ops := in.operands
	want := func(n int) bool {
		if len(ops) != n {
			v.errorf("%s: has %d operands, want %d", loc, len(ops), n)
			return false
		}
		for _, op := range ops {
			if op == nil {
				return false
			}
		}
		return true
	}

	switch {
	case in.op.IsIntBinary():
		if !want(2) {
			return
		}
		if ops[0].Type() != ops[1].Type() || ops[0].Type() != in.typ {
			v.errorf("%s: operand types %s and %s differ", loc, ops[0].Type(), ops[1].Type())
		} else if !in.typ.IsIntLike() {
			v.errorf("%s: requires integer operands, got %s", loc, in.typ)
		}
		return
	case in.op.IsFloatBinary():
		if !want(2) {
			return
		}
		if ops[0].Type() != ops[1].Type() || ops[0].Type() != in.typ {
			v.errorf("%s: operand types %s and %s differ", loc, ops[0].Type(), ops[1].Type())
		} else if !in.typ.IsFloatLike() {
			v.errorf("%s: requires float operands, got %s", loc, in.typ)
		}
		return
	case in.op.IsCompare():
		if !want(2) {
			return
		}
		t := ops[0].Type()
		if t != ops[1].Type() {
			v.errorf("%s: operand types %s and %s differ", loc, t, ops[1].Type())
			return
		}
		if in.op == OpICmp && (!in.pred.IsInt() || !(t.IsIntLike() || t.Scalar().IsPtr())) {
			v.errorf("%s: %s %s is not an integer comparison", loc, in.pred, t)
		}
		if in.op == OpFCmp && (!in.pred.IsFloat() || !t.IsFloatLike()) {
			v.errorf("%s: %s %s is not a float comparison", loc, in.pred, t)
		}
		if in.typ != ctx.BoolFor(t) {
			v.errorf("%s: result type %s, want %s", loc, in.typ, ctx.BoolFor(t))
		}
		return
	case in.op.IsCast():
		if !want(1) {
			return
		}
		v.checkCast(loc, in.op, ops[0].Type(), in.typ)
		return
	}

	switch in.op {
	case OpExtractElement:
		if !want(2) {
			return
		}
		if !ops[0].Type().IsVector() || ops[0].Type().Elem() != in.typ {
			v.errorf("%s: extract from %s", loc, ops[0].Type())
		}
		if !ops[1].Type().IsInt() || ops[1].Type().IsBool() {
			v.errorf("%s: index must be an integer, got %s", loc, ops[1].Type())
		}
	case OpInsertElement:
		if !want(3) {
			return
		}
		vt := ops[0].Type()
		if !vt.IsVector() || vt.Elem() != ops[1].Type() || in.typ != vt {
			v.errorf("%s: insert %s into %s", loc, ops[1].Type(), vt)
		}
		if !ops[2].Type().IsInt() || ops[2].Type().IsBool() {
			v.errorf("%s: index must be an integer, got %s", loc, ops[2].Type())
		}
	case OpSelect:
		if !want(3) {
			return
		}
		ct := ops[0].Type()
		if ops[1].Type() != ops[2].Type() || in.typ != ops[1].Type() {
			v.errorf("%s: arms %s and %s differ", loc, ops[1].Type(), ops[2].Type())
		} else if ct != ctx.I1() && ct != ctx.BoolFor(in.typ) {
			v.errorf("%s: condition %s does not match %s", loc, ct, in.typ)
		}
	case OpAlloca:
		if in.allocType == nil || !in.allocType.IsFirstClass() {
			v.errorf("%s: cannot allocate %s", loc, in.allocType)
		}
	case OpLoad:
		if !want(1) {
			return
		}
		if !ops[0].Type().IsPtr() {
			v.errorf("%s: address is %s, not ptr", loc, ops[0].Type())
		}
		if !in.typ.IsFirstClass() {
			v.errorf("%s: cannot load %s", loc, in.typ)
		}
	case OpStore:
		if !want(2) {
			return
		}
		if !ops[1].Type().IsPtr() {
			v.errorf("%s: address is %s, not ptr", loc, ops[1].Type())
		}
		if !ops[0].Type().IsFirstClass() {
			v.errorf("%s: cannot store %s", loc, ops[0].Type())
		}
	case OpCall:
		v.checkCall(loc, in)
	case OpPhi:
		v.checkPhi(loc, in, preds)
	case OpBr:
		if len(in.targets) != 1 || len(ops) != 0 {
			v.errorf("%s: malformed branch", loc)
		}
	case OpCondBr:
		if len(in.targets) != 2 || !want(1) {
			return
		}
		if ops[0].Type() != ctx.I1() {
			v.errorf("%s: condition is %s, not i1", loc, ops[0].Type())
		}
	case OpRet:
		res := f.sig.result
		switch {
		case len(ops) == 0 && !res.IsVoid():
			v.errorf("%s: missing return value of type %s", loc, res)
		case len(ops) == 1 && (ops[0] == nil || ops[0].Type() != res):
			v.errorf("%s: returns %s, function returns %s", loc, typeOf(ops[0]), res)
		case len(ops) > 1:
			v.errorf("%s: too many return values", loc)
		}
	case OpUnreachable:
	default:
		v.errorf("%s: unknown opcode", loc)
	}
}

func (v *verifier) checkCast(loc string, op Op, from, to *Type) {
	if from.IsVector() != to.IsVector() || from.Lanes() != to.Lanes() {
		if op != OpBitcast {
			v.errorf("%s: %s to %s changes the lane count", loc, from, to)
			return
		}
	}
	fs, ts := from.Scalar(), to.Scalar()
	ok := true
	switch op {
	case OpTrunc:
		ok = fs.IsInt() && ts.IsInt() && fs.bits > ts.bits
	case OpZExt, OpSExt:
		ok = fs.IsInt() && ts.IsInt() && fs.bits < ts.bits
	case OpSIToFP, OpUIToFP:
		ok = fs.IsInt() && ts.IsFloat()
	case OpFPToSI, OpFPToUI:
		ok = fs.IsFloat() && ts.IsInt()
	case OpBitcast:
		ok = from.Size() == to.Size() && !from.IsPtr() && !to.IsPtr() && fs.bits != 1 && ts.bits != 1
	}
	if !ok {
		v.errorf("%s: invalid cast from %s to %s", loc, from, to)
	}
}

func (v *verifier) checkCall(loc string, in *Instr) {
	if len(in.operands) == 0 || in.operands[0] == nil {
		v.errorf("%s: missing callee", loc)
		return
	}
	fn, ok := in.operands[0].(*Function)
	if !ok {
		v.errorf("%s: indirect calls are not supported", loc)
		return
	}
	sig := fn.sig
	args := in.operands[1:]
	if len(args) != len(sig.params) {
		v.errorf("%s: %s: call to @%s passes %d arguments, callee takes %d", loc, signatureMismatch, fn.name, len(args), len(sig.params))
		return
	}
	for i, a := range args {
		if a == nil {
			continue
		}
		if a.Type() != sig.params[i] {
			v.errorf("%s: %s: call to @%s argument %d is %s, callee expects %s", loc, signatureMismatch, fn.name, i, a.Type(), sig.params[i])
		}
	}
	if in.typ != sig.result {
		v.errorf("%s: %s: call to @%s produces %s, callee returns %s", loc, signatureMismatch, fn.name, in.typ, sig.result)
	}
}

func (v *verifier) checkPhi(loc string, in *Instr, preds []*Block) {
	if len(in.operands) != len(in.targets) {
		v.errorf("%s: phi has %d values for %d blocks", loc, len(in.operands), len(in.targets))
		return
	}
	if !in.typ.IsFirstClass() {
		v.errorf("%s: phi of type %s", loc, in.typ)
	}
	seen := make(map[*Block]bool)
	for i, b := range in.targets {
		if seen[b] {
			v.errorf("%s: duplicate incoming block %%%s", loc, blockName(b))
		}
		seen[b] = true
		if op := in.operands[i]; op != nil && op.Type() != in.typ {
			v.errorf("%s: incoming %s from %%%s, phi is %s", loc, op.Type(), blockName(b), in.typ)
		}
	}
	for _, p := range preds {
		if !seen[p] {
			v.errorf("%s: missing incoming value for predecessor %%%s", loc, p.name)
		}
		delete(seen, p)
	}
	for _, b := range in.targets {
		if seen[b] {
			v.errorf("%s: incoming block %%%s is not a predecessor", loc, blockName(b))
			delete(seen, b)
		}
	}
}
