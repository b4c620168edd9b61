package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// slotTracker assigns printable names to the values of one function.
type slotTracker struct {
	names map[Value]string
	used  map[string]bool
	next  int
}

func newSlotTracker(fn *Function) *slotTracker {
	st := &slotTracker{names: make(map[Value]string), used: make(map[string]bool)}
	for _, p := range fn.params {
		st.assign(p, p.name)
	}
	for _, b := range fn.blocks {
		for _, in := range b.instrs {
			if in.HasResult() {
				st.assign(in, in.name)
			}
		}
	}
	return st
}

func (st *slotTracker) assign(v Value, name string) {
	if name == "" {
		name = strconv.Itoa(st.next)
		st.next++
	}
	base := name
	for i := 1; st.used[name]; i++ {
		name = fmt.Sprintf("%s.%d", base, i)
	}
	st.used[name] = true
	st.names[v] = "%" + name
}

func (st *slotTracker) ref(v Value) string {
	switch v := v.(type) {
	case nil:
		return "<null operand>"
	case *Const:
		return formatConst(v)
	case *Global:
		return "@" + v.name
	case *Function:
		return "@" + v.name
	}
	if st != nil {
		if name, ok := st.names[v]; ok {
			return name
		}
	}
	return "<badref>"
}

func (st *slotTracker) typedRef(v Value) string {
	if v == nil {
		return "<null operand>"
	}
	return v.Type().String() + " " + st.ref(v)
}

func formatConst(c *Const) string {
	switch c.kind {
	case constInt:
		if c.typ.bits == 1 {
			if c.bits != 0 {
				return "true"
			}
			return "false"
		}
		return strconv.FormatInt(c.Int(), 10)
	case constFloat:
		return strconv.FormatFloat(float64(c.Float()), 'e', -1, 32)
	case constNull:
		return "null"
	case constUndef:
		return "undef"
	case constVector:
		parts := make([]string, len(c.elems))
		for i, e := range c.elems {
			parts[i] = e.typ.String() + " " + formatConst(e)
		}
		return "<" + strings.Join(parts, ", ") + ">"
	}
	return "?"
}

// String renders the constant the way it appears as an operand.
func (c *Const) String() string { return formatConst(c) }

func (in *Instr) format(st *slotTracker) string {
	var sb strings.Builder
	if in.HasResult() {
		sb.WriteString(st.ref(in))
		sb.WriteString(" = ")
	}
	ops := in.operands
	switch {
	case in.op.IsBinary():
		fmt.Fprintf(&sb, "%s %s %s, %s", in.op, in.typ, st.ref(at(ops, 0)), st.ref(at(ops, 1)))
	case in.op.IsCompare():
		fmt.Fprintf(&sb, "%s %s %s, %s", in.op, in.pred, st.typedRef(at(ops, 0)), st.ref(at(ops, 1)))
	case in.op.IsCast():
		fmt.Fprintf(&sb, "%s %s to %s", in.op, st.typedRef(at(ops, 0)), in.typ)
	default:
		switch in.op {
		case OpExtractElement:
			fmt.Fprintf(&sb, "extractelement %s, %s", st.typedRef(at(ops, 0)), st.typedRef(at(ops, 1)))
		case OpInsertElement:
			fmt.Fprintf(&sb, "insertelement %s, %s, %s", st.typedRef(at(ops, 0)), st.typedRef(at(ops, 1)), st.typedRef(at(ops, 2)))
		case OpSelect:
			fmt.Fprintf(&sb, "select %s, %s, %s", st.typedRef(at(ops, 0)), st.typedRef(at(ops, 1)), st.typedRef(at(ops, 2)))
		case OpAlloca:
			fmt.Fprintf(&sb, "alloca %s", in.allocType)
		case OpLoad:
			fmt.Fprintf(&sb, "load %s, %s", in.typ, st.typedRef(at(ops, 0)))
		case OpStore:
			fmt.Fprintf(&sb, "store %s, %s", st.typedRef(at(ops, 0)), st.typedRef(at(ops, 1)))
		case OpCall:
			args := make([]string, 0, len(ops))
			for _, a := range in.Args() {
				args = append(args, st.typedRef(a))
			}
			fmt.Fprintf(&sb, "call %s %s(%s)", in.typ, st.ref(at(ops, 0)), strings.Join(args, ", "))
		case OpPhi:
			fmt.Fprintf(&sb, "phi %s ", in.typ)
			for i := range ops {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "[ %s, %%%s ]", st.ref(ops[i]), blockName(in.targets[i]))
			}
		case OpBr:
			fmt.Fprintf(&sb, "br label %%%s", blockName(in.targets[0]))
		case OpCondBr:
			fmt.Fprintf(&sb, "br %s, label %%%s, label %%%s", st.typedRef(at(ops, 0)), blockName(in.targets[0]), blockName(in.targets[1]))
		case OpRet:
			if len(ops) == 0 {
				sb.WriteString("ret void")
			} else {
				fmt.Fprintf(&sb, "ret %s", st.typedRef(ops[0]))
			}
		case OpUnreachable:
			sb.WriteString("unreachable")
		default:
			sb.WriteString(in.op.String())
		}
	}
	return sb.String()
}

func at(ops []Value, i int) Value {
	if i < len(ops) {
		return ops[i]
	}
	return nil
}

func blockName(b *Block) string {
	if b == nil {
		return "<nil>"
	}
	return b.name
}

// String renders the instruction without function context; operands that
// are other instructions print as their names when they have one.
func (in *Instr) String() string {
	if in.block != nil && in.block.fn != nil {
		return in.format(newSlotTracker(in.block.fn))
	}
	return in.format(nil)
}

// String renders the function in LLVM-like assembly.
func (f *Function) String() string {
	var sb strings.Builder
	f.write(&sb)
	return sb.String()
}

func (f *Function) write(sb *strings.Builder) {
	sig := f.sig
	if f.IsDeclaration() {
		params := make([]string, len(sig.params))
		for i, p := range sig.params {
			params[i] = p.String()
		}
		fmt.Fprintf(sb, "declare %s @%s(%s)\n", sig.result, f.name, strings.Join(params, ", "))
		return
	}
	st := newSlotTracker(f)
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = st.typedRef(p)
	}
	linkage := ""
	if f.linkage == InternalLinkage {
		linkage = "internal "
	}
	fmt.Fprintf(sb, "define %s%s @%s(%s) {\n", linkage, sig.result, f.name, strings.Join(params, ", "))
	for i, b := range f.blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(sb, "%s:\n", b.name)
		for _, in := range b.instrs {
			sb.WriteString("  ")
			sb.WriteString(in.format(st))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("}\n")
}

// String renders the module in LLVM-like assembly.
func (m *Module) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; ModuleID = '%s'\n", m.name)
	if dl := m.dataLayout; dl.PointerSize != 0 {
		fmt.Fprintf(&sb, "target datalayout = %q\n", dl.String())
	}
	if m.triple != "" {
		fmt.Fprintf(&sb, "target triple = %q\n", m.triple)
	}
	if len(m.globals) > 0 {
		sb.WriteString("\n")
	}
	for _, g := range m.globals {
		init := "zeroinitializer"
		if g.init != nil {
			init = formatConst(g.init)
		}
		linkage := ""
		if g.linkage == InternalLinkage {
			linkage = "internal "
		}
		fmt.Fprintf(&sb, "@%s = %sglobal %s %s\n", g.name, linkage, g.valueType, init)
	}
	for _, f := range m.funcs {
		sb.WriteString("\n")
		f.write(&sb)
	}
	return sb.String()
}
