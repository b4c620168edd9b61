package ir

import (
	"fmt"
	"math"
)

// Value is anything that can appear as an instruction operand.
type Value interface {
	Type() *Type
	isValue()
}

type constKind uint8

const (
	constInt constKind = iota
	constFloat
	constVector
	constNull
	constUndef
)

// Const is an immutable constant. Integer constants keep their raw bits
// masked to the type width; the IR integer types carry no sign.
type Const struct {
	typ   *Type
	kind  constKind
	bits  uint64
	elems []*Const
}

func (*Const) isValue()          {}
func (c *Const) Type() *Type     { return c.typ }
func (c *Const) IsUndef() bool   { return c.kind == constUndef }
func (c *Const) IsNull() bool    { return c.kind == constNull }
func (c *Const) IsVector() bool  { return c.kind == constVector }
func (c *Const) Elems() []*Const { return c.elems }

// Bits returns the raw bit pattern of a scalar constant.
func (c *Const) Bits() uint64 { return c.bits }

// Uint returns the zero-extended value of an integer constant.
func (c *Const) Uint() uint64 { return c.bits }

// Int returns the sign-extended value of an integer constant.
func (c *Const) Int() int64 {
	if c.typ.kind != IntKind {
		return int64(c.bits)
	}
	return signExtend(c.bits, c.typ.bits)
}

// Float returns the value of a float constant.
func (c *Const) Float() float32 { return math.Float32frombits(uint32(c.bits)) }

// IsZero reports whether the constant is all-zero bits (including null and
// vectors whose lanes are all zero).
func (c *Const) IsZero() bool {
	switch c.kind {
	case constInt, constFloat:
		return c.bits == 0
	case constNull:
		return true
	case constVector:
		for _, e := range c.elems {
			if !e.IsZero() {
				return false
			}
		}
		return true
	}
	return false
}

// IsOne reports whether an integer constant (or every lane) equals one.
func (c *Const) IsOne() bool {
	switch c.kind {
	case constInt:
		return c.bits == 1
	case constVector:
		for _, e := range c.elems {
			if !e.IsOne() {
				return false
			}
		}
		return true
	}
	return false
}

// IsAllOnes reports whether every bit of an integer constant is set.
func (c *Const) IsAllOnes() bool {
	switch c.kind {
	case constInt:
		return c.bits == widthMask(c.typ.bits)
	case constVector:
		for _, e := range c.elems {
			if !e.IsAllOnes() {
				return false
			}
		}
		return true
	}
	return false
}

// Equal reports structural equality.
func (c *Const) Equal(o *Const) bool {
	if c == o {
		return true
	}
	if c == nil || o == nil || c.typ != o.typ || c.kind != o.kind || c.bits != o.bits || len(c.elems) != len(o.elems) {
		return false
	}
	for i := range c.elems {
		if !c.elems[i].Equal(o.elems[i]) {
			return false
		}
	}
	return true
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << bits) - 1
}

func signExtend(v uint64, bits int) int64 {
	if bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// ConstInt returns an integer constant of type t holding the low bits of v.
func ConstInt(t *Type, v uint64) *Const {
	if t.kind != IntKind {
		panic(fmt.Sprintf("ir: ConstInt of non-integer type %s", t))
	}
	return &Const{typ: t, kind: constInt, bits: v & widthMask(t.bits)}
}

// ConstFloat returns a float constant.
func ConstFloat(t *Type, f float32) *Const {
	if t.kind != FloatKind {
		panic(fmt.Sprintf("ir: ConstFloat of non-float type %s", t))
	}
	return &Const{typ: t, kind: constFloat, bits: uint64(math.Float32bits(f))}
}

// ConstVector returns a vector constant of type t from its lanes.
func ConstVector(t *Type, elems ...*Const) *Const {
	if t.kind != VectorKind || len(elems) != t.lanes {
		panic(fmt.Sprintf("ir: ConstVector of %s with %d lanes", t, len(elems)))
	}
	for _, e := range elems {
		if e.typ != t.elem {
			panic(fmt.Sprintf("ir: vector lane %s does not match %s", e.typ, t.elem))
		}
	}
	return &Const{typ: t, kind: constVector, elems: append([]*Const(nil), elems...)}
}

// ConstNull returns the null pointer of type t.
func ConstNull(t *Type) *Const {
	return &Const{typ: t, kind: constNull}
}

// Undef returns the undefined value of type t.
func Undef(t *Type) *Const {
	return &Const{typ: t, kind: constUndef}
}

// ConstZero returns the all-zero constant of a first-class type.
func ConstZero(t *Type) *Const {
	switch t.kind {
	case IntKind:
		return ConstInt(t, 0)
	case FloatKind:
		return ConstFloat(t, 0)
	case PtrKind:
		return ConstNull(t)
	case VectorKind:
		elems := make([]*Const, t.lanes)
		for i := range elems {
			elems[i] = ConstZero(t.elem)
		}
		return ConstVector(t, elems...)
	}
	panic(fmt.Sprintf("ir: no zero value for %s", t))
}

// Splat returns a vector with every lane set to c, or c for scalar t.
func Splat(t *Type, c *Const) *Const {
	if t.kind != VectorKind {
		return c
	}
	elems := make([]*Const, t.lanes)
	for i := range elems {
		elems[i] = c
	}
	return ConstVector(t, elems...)
}

// Lane returns lane i of a vector constant. Undef vectors yield undef lanes.
func (c *Const) Lane(i int) *Const {
	switch c.kind {
	case constVector:
		return c.elems[i]
	case constUndef:
		return Undef(c.typ.elem)
	}
	return ConstZero(c.typ.elem)
}

// Linkage controls symbol visibility after linking.
type Linkage uint8

const (
	ExternalLinkage Linkage = iota
	InternalLinkage
)

// Global is a module-level variable. As a Value it is the address of the
// variable and has pointer type.
type Global struct {
	module    *Module
	name      string
	valueType *Type
	init      *Const
	linkage   Linkage
}

func (*Global) isValue()               {}
func (g *Global) Type() *Type          { return g.module.ctx.Ptr() }
func (g *Global) Name() string         { return g.name }
func (g *Global) ValueType() *Type     { return g.valueType }
func (g *Global) Init() *Const         { return g.init }
func (g *Global) Module() *Module      { return g.module }
func (g *Global) Linkage() Linkage     { return g.linkage }
func (g *Global) SetInit(c *Const)     { g.init = c }
func (g *Global) SetLinkage(l Linkage) { g.linkage = l }

// Param is a function parameter.
type Param struct {
	fn    *Function
	index int
	typ   *Type
	name  string
}

func (*Param) isValue()            {}
func (p *Param) Type() *Type       { return p.typ }
func (p *Param) Index() int        { return p.index }
func (p *Param) Parent() *Function { return p.fn }
func (p *Param) Name() string      { return p.name }
func (p *Param) SetName(n string)  { p.name = n }

// Function is a defined function or, when it has no blocks, a declaration.
// As a Value it is the function's address.
type Function struct {
	module  *Module
	name    string
	sig     *Type
	params  []*Param
	blocks  []*Block
	linkage Linkage
}

func (*Function) isValue()             {}
func (f *Function) Type() *Type        { return f.module.ctx.Ptr() }
func (f *Function) Name() string       { return f.name }
func (f *Function) SetName(n string)   { f.name = n }
func (f *Function) Sig() *Type         { return f.sig }
func (f *Function) Params() []*Param   { return f.params }
func (f *Function) Param(i int) *Param { return f.params[i] }
func (f *Function) Blocks() []*Block   { return f.blocks }
func (f *Function) Module() *Module    { return f.module }
func (f *Function) Linkage() Linkage   { return f.linkage }

func (f *Function) SetLinkage(l Linkage) { f.linkage = l }

// IsDeclaration reports whether the function has no body.
func (f *Function) IsDeclaration() bool { return len(f.blocks) == 0 }

// Entry returns the first block or nil for declarations.
func (f *Function) Entry() *Block {
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[0]
}

// NewBlock appends an empty block.
func (f *Function) NewBlock(name string) *Block {
	b := &Block{fn: f, name: name}
	f.blocks = append(f.blocks, b)
	return b
}

// RemoveBlock drops b from the function. Callers are responsible for
// removing references to it first.
func (f *Function) RemoveBlock(b *Block) {
	for i, cur := range f.blocks {
		if cur == b {
			f.blocks = append(f.blocks[:i], f.blocks[i+1:]...)
			b.fn = nil
			return
		}
	}
}

// Instructions calls fn for every instruction in block order.
func (f *Function) Instructions(fn func(*Instr)) {
	for _, b := range f.blocks {
		for _, in := range b.instrs {
			fn(in)
		}
	}
}

// Block is a basic block.
type Block struct {
	fn     *Function
	name   string
	instrs []*Instr
}

func (b *Block) Name() string       { return b.name }
func (b *Block) SetName(n string)   { b.name = n }
func (b *Block) Parent() *Function  { return b.fn }
func (b *Block) Instrs() []*Instr   { return b.instrs }
func (b *Block) Len() int           { return len(b.instrs) }
func (b *Block) Empty() bool        { return len(b.instrs) == 0 }
func (b *Block) Instr(i int) *Instr { return b.instrs[i] }

// Terminator returns the last instruction when it is a terminator.
func (b *Block) Terminator() *Instr {
	if len(b.instrs) == 0 {
		return nil
	}
	last := b.instrs[len(b.instrs)-1]
	if !last.op.IsTerminator() {
		return nil
	}
	return last
}

// Succs returns the successor blocks named by the terminator.
func (b *Block) Succs() []*Block {
	term := b.Terminator()
	if term == nil {
		return nil
	}
	return term.targets
}

// Phis returns the leading phi instructions.
func (b *Block) Phis() []*Instr {
	n := 0
	for n < len(b.instrs) && b.instrs[n].op == OpPhi {
		n++
	}
	return b.instrs[:n]
}

// FirstNonPhi returns the index of the first non-phi instruction.
func (b *Block) FirstNonPhi() int {
	return len(b.Phis())
}

func (b *Block) append(in *Instr) {
	in.block = b
	b.instrs = append(b.instrs, in)
}

// Insert places in at position idx.
func (b *Block) Insert(idx int, in *Instr) {
	in.block = b
	b.instrs = append(b.instrs, nil)
	copy(b.instrs[idx+1:], b.instrs[idx:])
	b.instrs[idx] = in
}

func (b *Block) indexOf(in *Instr) int {
	for i, cur := range b.instrs {
		if cur == in {
			return i
		}
	}
	return -1
}

// Predecessors returns the predecessor lists of every block in fn, in
// block order and without duplicates.
func Predecessors(fn *Function) map[*Block][]*Block {
	preds := make(map[*Block][]*Block, len(fn.blocks))
	for _, b := range fn.blocks {
		seen := make(map[*Block]bool)
		for _, s := range b.Succs() {
			if seen[s] {
				continue
			}
			seen[s] = true
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}

// ReplaceAllUsesWith rewrites every operand in fn equal to old to new.
func ReplaceAllUsesWith(fn *Function, old, new Value) {
	for _, b := range fn.blocks {
		for _, in := range b.instrs {
			for i, op := range in.operands {
				if op == old {
					in.operands[i] = new
				}
			}
		}
	}
}

// Uses counts the operand references to each instruction in fn.
func Uses(fn *Function) map[*Instr]int {
	uses := make(map[*Instr]int)
	for _, b := range fn.blocks {
		for _, in := range b.instrs {
			for _, op := range in.operands {
				if def, ok := op.(*Instr); ok {
					uses[def]++
				}
			}
		}
	}
	return uses
}

// Users returns the instructions referencing each instruction in fn.
func Users(fn *Function) map[*Instr][]*Instr {
	users := make(map[*Instr][]*Instr)
	for _, b := range fn.blocks {
		for _, in := range b.instrs {
			for _, op := range in.operands {
				if def, ok := op.(*Instr); ok {
					users[def] = append(users[def], in)
				}
			}
		}
	}
	return users
}
