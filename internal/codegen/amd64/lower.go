package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/reactor/internal/asm"
	"github.com/tinyrange/reactor/internal/asm/amd64"
	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/ir"
)

const (
	stackAlignment = 16
	funcAlignment  = 16
)

var paramRegisters = []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}

const maxFloatParams = 8

type backend struct{}

func init() {
	codegen.RegisterBackend("x86_64", backend{})
}

func (backend) Lower(m *ir.Module, opts codegen.Options) (*codegen.Object, error) {
	return Lower(m, opts)
}

// Lower compiles every defined function of m into one program and lays out
// its globals as data symbols.
func Lower(m *ir.Module, opts codegen.Options) (*codegen.Object, error) {
	var text asm.Group
	defs := m.Definitions()
	for _, fn := range defs {
		frag, err := compileFunction(fn, opts)
		if err != nil {
			return nil, fmt.Errorf("codegen: @%s: %w", fn.Name(), err)
		}
		text = append(text, amd64.Align(funcAlignment), asm.MarkLabel(funcLabel(fn)), frag)
	}

	prog, err := amd64.EmitProgram(text)
	if err != nil {
		return nil, fmt.Errorf("codegen: assemble %s: %w", m.Name(), err)
	}

	obj := &codegen.Object{
		Module:  m.Name(),
		Program: prog,
		Funcs:   make(map[string]int, len(defs)),
	}
	for _, fn := range defs {
		off, ok := prog.LabelOffset(funcLabel(fn))
		if !ok {
			return nil, fmt.Errorf("codegen: @%s has no text", fn.Name())
		}
		obj.Funcs[fn.Name()] = off
	}
	for _, g := range m.Globals() {
		vt := g.ValueType()
		init := make([]byte, vt.Size())
		if g.Init() != nil {
			copy(init, ir.ConstBytes(g.Init()))
		}
		obj.Data = append(obj.Data, codegen.DataSymbol{
			Name:  g.Name(),
			Align: vt.Align(),
			Init:  init,
		})
	}
	return obj, nil
}

func funcLabel(fn *ir.Function) asm.Label {
	return asm.Label(fn.Name())
}

// loc is a base register plus displacement.
type loc struct {
	base asm.Variable
	disp int32
}

func (l loc) mem() amd64.Memory {
	return amd64.Mem(amd64.Reg64(l.base)).WithDisp(l.disp)
}

func (l loc) add(n int) loc {
	return loc{base: l.base, disp: l.disp + int32(n)}
}

func stackLoc(off int32) loc {
	return loc{base: amd64.RSP, disp: off}
}

type compiler struct {
	fn           *ir.Function
	opts         codegen.Options
	fragments    asm.Group
	slots        map[ir.Value]int32
	shadows      map[*ir.Instr]int32
	allocas      map[*ir.Instr]int32
	scratch      int32
	frameSize    int32
	labels       map[*ir.Block]asm.Label
	next         map[*ir.Block]*ir.Block
	labelCounter int
}

func compileFunction(fn *ir.Function, opts codegen.Options) (asm.Fragment, error) {
	if err := checkSignature(fn.Sig()); err != nil {
		return nil, err
	}
	c := newCompiler(fn, opts)
	if c.frameSize > 0 {
		c.emit(amd64.AddRegImm(amd64.Reg64(amd64.RSP), -c.frameSize))
	}
	if err := c.spillParams(); err != nil {
		return nil, err
	}
	for _, b := range fn.Blocks() {
		if err := c.compileBlock(b); err != nil {
			return nil, err
		}
	}
	return c.fragments, nil
}

// checkSignature rejects signatures the register convention cannot carry.
func checkSignature(sig *ir.Type) error {
	if sig.Result().IsVector() {
		return fmt.Errorf("vector return type %s is not supported", sig.Result())
	}
	ints, floats := 0, 0
	for i, p := range sig.Params() {
		switch {
		case p.IsVector():
			return fmt.Errorf("parameter %d: vector type %s is not supported", i, p)
		case p.IsFloat():
			floats++
		default:
			ints++
		}
	}
	if ints > len(paramRegisters) {
		return fmt.Errorf("too many integer parameters (max %d)", len(paramRegisters))
	}
	if floats > maxFloatParams {
		return fmt.Errorf("too many float parameters (max %d)", maxFloatParams)
	}
	return nil
}

func alignTo(value, boundary int32) int32 {
	if boundary <= 1 {
		return value
	}
	return (value + boundary - 1) / boundary * boundary
}

// newCompiler lays out the frame: the outgoing argument area for externals
// at [rsp], a scratch area, then one slot per value, phi shadow slots and
// alloca storage.
func newCompiler(fn *ir.Function, opts codegen.Options) *compiler {
	c := &compiler{
		fn:      fn,
		opts:    opts,
		slots:   make(map[ir.Value]int32),
		shadows: make(map[*ir.Instr]int32),
		allocas: make(map[*ir.Instr]int32),
		labels:  make(map[*ir.Block]asm.Label),
		next:    make(map[*ir.Block]*ir.Block),
	}

	argc := 0
	scratch := 0
	fn.Instructions(func(in *ir.Instr) {
		switch in.Op() {
		case ir.OpCall:
			if callee := in.Callee(); callee != nil && callee.IsDeclaration() && len(in.Args()) > argc {
				argc = len(in.Args())
			}
		case ir.OpExtractElement, ir.OpInsertElement:
			if _, ok := in.Operand(0).(*ir.Const); ok && in.Operand(0).Type().Size() > scratch {
				scratch = in.Operand(0).Type().Size()
			}
		}
	})

	off := int32(argc * 8)
	c.scratch = off
	off += int32(scratch)

	alloc := func(t *ir.Type) int32 {
		off = alignTo(off, int32(t.Align()))
		at := off
		off += int32(t.Size())
		return at
	}
	for _, p := range fn.Params() {
		c.slots[p] = alloc(p.Type())
	}
	fn.Instructions(func(in *ir.Instr) {
		if in.HasResult() {
			c.slots[in] = alloc(in.Type())
		}
		switch in.Op() {
		case ir.OpPhi:
			c.shadows[in] = alloc(in.Type())
		case ir.OpAlloca:
			c.allocas[in] = alloc(in.AllocType())
		}
	})

	blocks := fn.Blocks()
	for i, b := range blocks {
		c.labels[b] = asm.Label(fmt.Sprintf(".L%s_%d", fn.Name(), i))
		if i+1 < len(blocks) {
			c.next[b] = blocks[i+1]
		}
	}

	// Entry leaves rsp at 8 mod 16; the frame restores 16-byte alignment
	// for calls.
	c.frameSize = alignTo(off, stackAlignment) + 8
	return c
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.fragments = append(c.fragments, frags...)
}

func (c *compiler) newInternalLabel(prefix string) asm.Label {
	c.labelCounter++
	return asm.Label(fmt.Sprintf(".L%s_%s_%d", c.fn.Name(), prefix, c.labelCounter))
}

func (c *compiler) slot(v ir.Value) (loc, error) {
	off, ok := c.slots[v]
	if !ok {
		return loc{}, fmt.Errorf("value %T has no stack slot", v)
	}
	return stackLoc(off), nil
}

func (c *compiler) spillParams() error {
	ints, floats := 0, 0
	for _, p := range c.fn.Params() {
		dst, err := c.slot(p)
		if err != nil {
			return err
		}
		if p.Type().IsFloat() {
			c.emit(
				amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.Xmm(floats)),
				amd64.MovToMemory(dst.mem(), amd64.Reg32(amd64.RAX)),
			)
			floats++
			continue
		}
		if err := c.storeSized(dst, paramRegisters[ints], p.Type().Size()); err != nil {
			return err
		}
		ints++
	}
	return nil
}

func sizedReg(reg asm.Variable, size int) (amd64.Reg, error) {
	switch size {
	case 1:
		return amd64.Reg8(reg), nil
	case 2:
		return amd64.Reg16(reg), nil
	case 4:
		return amd64.Reg32(reg), nil
	case 8:
		return amd64.Reg64(reg), nil
	}
	return amd64.Reg{}, fmt.Errorf("no %d-byte register", size)
}

func (c *compiler) storeSized(dst loc, reg asm.Variable, size int) error {
	r, err := sizedReg(reg, size)
	if err != nil {
		return err
	}
	c.emit(amd64.MovToMemory(dst.mem(), r))
	return nil
}

// storeBytes writes the low size bytes of reg, shifting reg as it goes.
func (c *compiler) storeBytes(dst loc, reg asm.Variable, size int) error {
	for off := 0; off < size; {
		chunk := chunkSize(size - off)
		if err := c.storeSized(dst.add(off), reg, chunk); err != nil {
			return err
		}
		off += chunk
		if off < size {
			c.emit(amd64.ShrRegImm(amd64.Reg64(reg), uint8(chunk*8)))
		}
	}
	return nil
}

func chunkSize(n int) int {
	switch {
	case n >= 8:
		return 8
	case n >= 4:
		return 4
	case n >= 2:
		return 2
	}
	return 1
}

// loadMem loads size bytes zero-extended into the 64-bit reg.
func (c *compiler) loadMem(reg asm.Variable, mem amd64.Memory, size int) error {
	switch size {
	case 1:
		c.emit(amd64.MovZX8(amd64.Reg32(reg), mem))
	case 2:
		c.emit(amd64.MovZX16(amd64.Reg32(reg), mem))
	case 4:
		c.emit(amd64.MovFromMemory(amd64.Reg32(reg), mem))
	case 8:
		c.emit(amd64.MovFromMemory(amd64.Reg64(reg), mem))
	default:
		return fmt.Errorf("cannot load %d bytes into a register", size)
	}
	return nil
}

func (c *compiler) signExtend(reg asm.Variable, bits int) {
	if bits >= 64 {
		return
	}
	shift := uint8(64 - bits)
	c.emit(
		amd64.ShlRegImm(amd64.Reg64(reg), shift),
		amd64.SarRegImm(amd64.Reg64(reg), shift),
	)
}

// laneConst returns the raw bits of lane i of a constant, extended to 64
// bits.
func laneConst(k *ir.Const, lane int, signed bool) int64 {
	if k.Type().IsVector() {
		k = k.Lane(lane)
	}
	if k.IsUndef() || k.IsNull() {
		return 0
	}
	if signed && k.Type().IsInt() {
		return k.Int()
	}
	return int64(k.Bits())
}

// loadLane loads lane of v into the 64-bit reg. Integer lanes are zero- or
// sign-extended, float lanes arrive as raw bits in the low 32 bits.
func (c *compiler) loadLane(reg asm.Variable, v ir.Value, lane int, signed bool) error {
	switch v := v.(type) {
	case *ir.Const:
		c.emit(amd64.MovImmediate(amd64.Reg64(reg), laneConst(v, lane, signed)))
		return nil
	case *ir.Global:
		c.emit(amd64.MovSymbolAddress(amd64.Reg64(reg), v.Name()))
		return nil
	case *ir.Function:
		c.emit(amd64.MovSymbolAddress(amd64.Reg64(reg), v.Name()))
		return nil
	}
	src, err := c.slot(v)
	if err != nil {
		return err
	}
	et := v.Type().Scalar()
	if err := c.loadMem(reg, src.add(lane*et.Size()).mem(), et.Size()); err != nil {
		return err
	}
	if signed && et.IsInt() {
		c.signExtend(reg, et.Bits())
	}
	return nil
}

// storeLane writes the low bytes of reg into lane of the result of in.
func (c *compiler) storeLane(in *ir.Instr, lane int, reg asm.Variable) error {
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	et := in.Type().Scalar()
	if et.IsBool() {
		c.emit(amd64.AndRegImm(amd64.Reg32(reg), 1))
	}
	return c.storeSized(dst.add(lane*et.Size()), reg, et.Size())
}

func (c *compiler) copyMem(dst, src loc, size int) error {
	for off := 0; off < size; {
		chunk := chunkSize(size - off)
		if err := c.loadMem(amd64.RAX, src.add(off).mem(), chunk); err != nil {
			return err
		}
		if err := c.storeSized(dst.add(off), amd64.RAX, chunk); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// copyValue writes the memory image of v to dst. It clobbers rax only.
func (c *compiler) copyValue(dst loc, v ir.Value) error {
	t := v.Type()
	switch v.(type) {
	case *ir.Const, *ir.Global, *ir.Function:
		es := t.Scalar().Size()
		for lane := 0; lane < t.Lanes(); lane++ {
			if err := c.loadLane(amd64.RAX, v, lane, false); err != nil {
				return err
			}
			if err := c.storeSized(dst.add(lane*es), amd64.RAX, es); err != nil {
				return err
			}
		}
		return nil
	}
	src, err := c.slot(v)
	if err != nil {
		return err
	}
	return c.copyMem(dst, src, t.Size())
}

// addressable returns a location holding v, materializing constants into
// the scratch area.
func (c *compiler) addressable(v ir.Value) (loc, error) {
	if _, ok := v.(*ir.Const); ok {
		dst := stackLoc(c.scratch)
		if err := c.copyValue(dst, v); err != nil {
			return loc{}, err
		}
		return dst, nil
	}
	return c.slot(v)
}

// immediate reports whether v can be folded into an instruction immediate.
func (c *compiler) immediate(v ir.Value, lane int) (int32, bool) {
	if c.opts.Level < codegen.LevelLess {
		return 0, false
	}
	k, ok := v.(*ir.Const)
	if !ok || !k.Type().IsIntLike() {
		return 0, false
	}
	imm := laneConst(k, lane, true)
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		return 0, false
	}
	return int32(imm), true
}

func (c *compiler) compileBlock(b *ir.Block) error {
	c.emit(asm.MarkLabel(c.labels[b]))
	for _, phi := range b.Phis() {
		dst, err := c.slot(phi)
		if err != nil {
			return err
		}
		if err := c.copyMem(dst, stackLoc(c.shadows[phi]), phi.Type().Size()); err != nil {
			return err
		}
	}
	for _, in := range b.Instrs()[b.FirstNonPhi():] {
		if err := c.compileInstr(in); err != nil {
			return fmt.Errorf("%s: %w", in.Op(), err)
		}
	}
	return nil
}

func (c *compiler) compileInstr(in *ir.Instr) error {
	op := in.Op()
	switch {
	case op.IsIntBinary():
		return c.compileIntBinary(in)
	case op.IsFloatBinary():
		return c.compileFloatBinary(in)
	case op.IsCast():
		return c.compileCast(in)
	}
	switch op {
	case ir.OpICmp:
		return c.compileICmp(in)
	case ir.OpFCmp:
		return c.compileFCmp(in)
	case ir.OpSelect:
		return c.compileSelect(in)
	case ir.OpExtractElement:
		return c.compileExtract(in)
	case ir.OpInsertElement:
		return c.compileInsert(in)
	case ir.OpAlloca:
		return c.compileAlloca(in)
	case ir.OpLoad:
		return c.compileLoad(in)
	case ir.OpStore:
		return c.compileStore(in)
	case ir.OpCall:
		return c.compileCall(in)
	case ir.OpBr:
		return c.compileBr(in)
	case ir.OpCondBr:
		return c.compileCondBr(in)
	case ir.OpRet:
		return c.compileRet(in)
	case ir.OpUnreachable:
		c.emit(amd64.Ud2())
		return nil
	}
	return fmt.Errorf("unsupported instruction %s", op)
}

func (c *compiler) compileIntBinary(in *ir.Instr) error {
	a, b := in.Operand(0), in.Operand(1)
	op := in.Op()
	signed := op == ir.OpSDiv || op == ir.OpSRem || op == ir.OpAShr
	rax, rcx := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)

	for lane := 0; lane < in.Type().Lanes(); lane++ {
		if err := c.loadLane(amd64.RAX, a, lane, signed); err != nil {
			return err
		}
		imm, folded := c.immediate(b, lane)
		switch op {
		case ir.OpShl, ir.OpLShr, ir.OpAShr:
			if folded {
				if count := uint8(imm & 63); count != 0 {
					c.emit(shiftImm(op, rax, count))
				}
				break
			}
			if err := c.loadLane(amd64.RCX, b, lane, false); err != nil {
				return err
			}
			c.emit(shiftCL(op, rax))

		case ir.OpSDiv, ir.OpSRem, ir.OpUDiv, ir.OpURem:
			if err := c.loadLane(amd64.RCX, b, lane, signed); err != nil {
				return err
			}
			if signed {
				c.emit(amd64.Cqo(), amd64.IdivReg(rcx))
			} else {
				c.emit(amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)), amd64.DivReg(rcx))
			}
			if op == ir.OpSRem || op == ir.OpURem {
				c.emit(amd64.MovReg(rax, amd64.Reg64(amd64.RDX)))
			}

		default:
			if folded {
				c.emit(aluImm(op, rax, imm))
				break
			}
			if err := c.loadLane(amd64.RCX, b, lane, false); err != nil {
				return err
			}
			c.emit(aluReg(op, rax, rcx))
		}
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

func shiftImm(op ir.Op, r amd64.Reg, count uint8) asm.Fragment {
	switch op {
	case ir.OpShl:
		return amd64.ShlRegImm(r, count)
	case ir.OpLShr:
		return amd64.ShrRegImm(r, count)
	}
	return amd64.SarRegImm(r, count)
}

func shiftCL(op ir.Op, r amd64.Reg) asm.Fragment {
	switch op {
	case ir.OpShl:
		return amd64.ShlRegCL(r)
	case ir.OpLShr:
		return amd64.ShrRegCL(r)
	}
	return amd64.SarRegCL(r)
}

func aluImm(op ir.Op, r amd64.Reg, imm int32) asm.Fragment {
	switch op {
	case ir.OpAdd:
		return amd64.AddRegImm(r, imm)
	case ir.OpSub:
		return amd64.SubRegImm(r, imm)
	case ir.OpMul:
		return amd64.ImulRegImm(r, r, imm)
	case ir.OpAnd:
		return amd64.AndRegImm(r, imm)
	case ir.OpOr:
		return amd64.OrRegImm(r, imm)
	}
	return amd64.XorRegImm(r, imm)
}

func aluReg(op ir.Op, dst, src amd64.Reg) asm.Fragment {
	switch op {
	case ir.OpAdd:
		return amd64.AddRegReg(dst, src)
	case ir.OpSub:
		return amd64.SubRegReg(dst, src)
	case ir.OpMul:
		return amd64.ImulRegReg(dst, src)
	case ir.OpAnd:
		return amd64.AndRegReg(dst, src)
	case ir.OpOr:
		return amd64.OrRegReg(dst, src)
	}
	return amd64.XorRegReg(dst, src)
}

// loadFloats puts lane of a in xmm0 and lane of b in xmm1.
func (c *compiler) loadFloats(a, b ir.Value, lane int) error {
	if err := c.loadLane(amd64.RAX, a, lane, false); err != nil {
		return err
	}
	if err := c.loadLane(amd64.RCX, b, lane, false); err != nil {
		return err
	}
	c.emit(
		amd64.MovdToXmm(amd64.X0, amd64.Reg32(amd64.RAX)),
		amd64.MovdToXmm(amd64.X1, amd64.Reg32(amd64.RCX)),
	)
	return nil
}

func (c *compiler) compileFloatBinary(in *ir.Instr) error {
	for lane := 0; lane < in.Type().Lanes(); lane++ {
		if err := c.loadFloats(in.Operand(0), in.Operand(1), lane); err != nil {
			return err
		}
		switch in.Op() {
		case ir.OpFAdd:
			c.emit(amd64.AddSS(amd64.X0, amd64.X1))
		case ir.OpFSub:
			c.emit(amd64.SubSS(amd64.X0, amd64.X1))
		case ir.OpFMul:
			c.emit(amd64.MulSS(amd64.X0, amd64.X1))
		case ir.OpFDiv:
			c.emit(amd64.DivSS(amd64.X0, amd64.X1))
		}
		c.emit(amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.X0))
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

var intConds = map[ir.Pred]amd64.Cond{
	ir.IntEQ:  amd64.CondEqual,
	ir.IntNE:  amd64.CondNotEqual,
	ir.IntSLT: amd64.CondLess,
	ir.IntSLE: amd64.CondLessEqual,
	ir.IntSGT: amd64.CondGreater,
	ir.IntSGE: amd64.CondGreaterEqual,
	ir.IntULT: amd64.CondBelow,
	ir.IntULE: amd64.CondBelowOrEqual,
	ir.IntUGT: amd64.CondAbove,
	ir.IntUGE: amd64.CondAboveOrEqual,
}

func (c *compiler) compileICmp(in *ir.Instr) error {
	cond, ok := intConds[in.Pred()]
	if !ok {
		return fmt.Errorf("invalid integer predicate %s", in.Pred())
	}
	signed := in.Pred() >= ir.IntSLT && in.Pred() <= ir.IntSGE
	a, b := in.Operand(0), in.Operand(1)
	for lane := 0; lane < in.Type().Lanes(); lane++ {
		if err := c.loadLane(amd64.RAX, a, lane, signed); err != nil {
			return err
		}
		// A signed immediate only matches the zero-extended register when
		// it is non-negative.
		if imm, folded := c.immediate(b, lane); folded && (signed || imm >= 0) {
			c.emit(amd64.CmpRegImm(amd64.Reg64(amd64.RAX), imm))
		} else {
			if err := c.loadLane(amd64.RCX, b, lane, signed); err != nil {
				return err
			}
			c.emit(amd64.CmpRegReg(amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)))
		}
		c.emit(amd64.SetCC(cond, amd64.Reg8(amd64.RAX)))
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileFCmp(in *ir.Instr) error {
	al, cl := amd64.Reg8(amd64.RAX), amd64.Reg8(amd64.RCX)
	for lane := 0; lane < in.Type().Lanes(); lane++ {
		if err := c.loadFloats(in.Operand(0), in.Operand(1), lane); err != nil {
			return err
		}
		// Unordered operands set ZF, PF and CF together, so the ordered
		// predicates need parity or use above/above-or-equal.
		switch in.Pred() {
		case ir.FloatOGT:
			c.emit(amd64.Ucomiss(amd64.X0, amd64.X1), amd64.SetCC(amd64.CondAbove, al))
		case ir.FloatOGE:
			c.emit(amd64.Ucomiss(amd64.X0, amd64.X1), amd64.SetCC(amd64.CondAboveOrEqual, al))
		case ir.FloatOLT:
			c.emit(amd64.Ucomiss(amd64.X1, amd64.X0), amd64.SetCC(amd64.CondAbove, al))
		case ir.FloatOLE:
			c.emit(amd64.Ucomiss(amd64.X1, amd64.X0), amd64.SetCC(amd64.CondAboveOrEqual, al))
		case ir.FloatOEQ:
			c.emit(
				amd64.Ucomiss(amd64.X0, amd64.X1),
				amd64.SetCC(amd64.CondEqual, al),
				amd64.SetCC(amd64.CondNoParity, cl),
				amd64.AndRegReg(al, cl),
			)
		case ir.FloatONE:
			c.emit(
				amd64.Ucomiss(amd64.X0, amd64.X1),
				amd64.SetCC(amd64.CondNotEqual, al),
				amd64.SetCC(amd64.CondNoParity, cl),
				amd64.AndRegReg(al, cl),
			)
		case ir.FloatUNE:
			c.emit(
				amd64.Ucomiss(amd64.X0, amd64.X1),
				amd64.SetCC(amd64.CondNotEqual, al),
				amd64.SetCC(amd64.CondParity, cl),
				amd64.OrRegReg(al, cl),
			)
		default:
			return fmt.Errorf("invalid float predicate %s", in.Pred())
		}
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileCast(in *ir.Instr) error {
	src := in.Operand(0)
	if in.Op() == ir.OpBitcast {
		dst, err := c.slot(in)
		if err != nil {
			return err
		}
		return c.copyValue(dst, src)
	}
	rax := amd64.Reg64(amd64.RAX)
	for lane := 0; lane < in.Type().Lanes(); lane++ {
		signed := in.Op() == ir.OpSExt || in.Op() == ir.OpSIToFP
		if err := c.loadLane(amd64.RAX, src, lane, signed); err != nil {
			return err
		}
		switch in.Op() {
		case ir.OpSIToFP:
			c.emit(amd64.Cvtsi2ss(amd64.X0, rax), amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.X0))
		case ir.OpUIToFP:
			c.unsignedToFloat(src.Type().Scalar().Bits())
		case ir.OpFPToSI:
			c.emit(amd64.MovdToXmm(amd64.X0, amd64.Reg32(amd64.RAX)), amd64.Cvttss2si(rax, amd64.X0))
		case ir.OpFPToUI:
			c.floatToUnsigned(in.Type().Scalar().Bits())
		}
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

// unsignedToFloat converts the zero-extended rax. Values with the top bit
// set are halved, keeping the low bit for rounding, and doubled after.
func (c *compiler) unsignedToFloat(bits int) {
	rax, rcx := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)
	if bits < 64 {
		c.emit(amd64.Cvtsi2ss(amd64.X0, rax), amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.X0))
		return
	}
	big := c.newInternalLabel("u2f_big")
	done := c.newInternalLabel("u2f_done")
	c.emit(
		amd64.TestZero(amd64.RAX),
		amd64.JumpIfNegative(big),
		amd64.Cvtsi2ss(amd64.X0, rax),
		amd64.Jump(done),
		asm.MarkLabel(big),
		amd64.MovReg(rcx, rax),
		amd64.ShrRegImm(rcx, 1),
		amd64.AndRegImm(rax, 1),
		amd64.OrRegReg(rcx, rax),
		amd64.Cvtsi2ss(amd64.X0, rcx),
		amd64.AddSS(amd64.X0, amd64.X0),
		asm.MarkLabel(done),
		amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.X0),
	)
}

// floatToUnsigned converts the float in eax. For 64-bit results, inputs at
// or above 2^63 are rebased by 2^63 and the top bit is set after.
func (c *compiler) floatToUnsigned(bits int) {
	rax, rcx := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)
	c.emit(amd64.MovdToXmm(amd64.X0, amd64.Reg32(amd64.RAX)))
	if bits < 64 {
		c.emit(amd64.Cvttss2si(rax, amd64.X0))
		return
	}
	big := c.newInternalLabel("f2u_big")
	done := c.newInternalLabel("f2u_done")
	c.emit(
		amd64.MovImmediate(amd64.Reg32(amd64.RCX), 0x5f000000),
		amd64.MovdToXmm(amd64.X1, amd64.Reg32(amd64.RCX)),
		amd64.Ucomiss(amd64.X0, amd64.X1),
		amd64.JumpIfAboveOrEqual(big),
		amd64.Cvttss2si(rax, amd64.X0),
		amd64.Jump(done),
		asm.MarkLabel(big),
		amd64.SubSS(amd64.X0, amd64.X1),
		amd64.Cvttss2si(rax, amd64.X0),
		amd64.MovImmediate(rcx, math.MinInt64),
		amd64.XorRegReg(rax, rcx),
		asm.MarkLabel(done),
	)
}

func (c *compiler) compileSelect(in *ir.Instr) error {
	cond, t, f := in.Operand(0), in.Operand(1), in.Operand(2)
	for lane := 0; lane < in.Type().Lanes(); lane++ {
		if err := c.loadLane(amd64.RAX, t, lane, false); err != nil {
			return err
		}
		if err := c.loadLane(amd64.RCX, f, lane, false); err != nil {
			return err
		}
		condLane := 0
		if cond.Type().IsVector() {
			condLane = lane
		}
		if err := c.loadLane(amd64.RDX, cond, condLane, false); err != nil {
			return err
		}
		c.emit(
			amd64.TestZero(amd64.RDX),
			amd64.CmovCC(amd64.CondEqual, amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX)),
		)
		if err := c.storeLane(in, lane, amd64.RAX); err != nil {
			return err
		}
	}
	return nil
}

// laneIndex returns a constant lane index or loads a dynamic one into rcx.
func (c *compiler) laneIndex(idx ir.Value) (int, bool, error) {
	if k, ok := idx.(*ir.Const); ok {
		return int(k.Uint()), true, nil
	}
	return 0, false, c.loadLane(amd64.RCX, idx, 0, false)
}

// Out-of-range lanes produce no store; the result lane is left as is.
func (c *compiler) compileExtract(in *ir.Instr) error {
	vec := in.Operand(0)
	lanes := vec.Type().Lanes()
	es := vec.Type().Scalar().Size()
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	lane, constant, err := c.laneIndex(in.Operand(1))
	if err != nil {
		return err
	}
	if constant {
		if lane >= lanes {
			return nil
		}
		if err := c.loadLane(amd64.RAX, vec, lane, false); err != nil {
			return err
		}
		return c.storeSized(dst, amd64.RAX, es)
	}

	base, err := c.addressable(vec)
	if err != nil {
		return err
	}
	skip := c.newInternalLabel("extract_oob")
	c.emit(
		amd64.CmpRegImm(amd64.Reg64(amd64.RCX), int32(lanes)),
		amd64.JumpIfAboveOrEqual(skip),
	)
	mem := amd64.MemIndex(amd64.Reg64(base.base), amd64.Reg64(amd64.RCX), uint8(es)).WithDisp(base.disp)
	if err := c.loadMem(amd64.RAX, mem, es); err != nil {
		return err
	}
	if err := c.storeSized(dst, amd64.RAX, es); err != nil {
		return err
	}
	c.emit(asm.MarkLabel(skip))
	return nil
}

func (c *compiler) compileInsert(in *ir.Instr) error {
	vec, elt := in.Operand(0), in.Operand(1)
	lanes := vec.Type().Lanes()
	es := vec.Type().Scalar().Size()
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	if err := c.copyValue(dst, vec); err != nil {
		return err
	}
	lane, constant, err := c.laneIndex(in.Operand(2))
	if err != nil {
		return err
	}
	if err := c.loadLane(amd64.RAX, elt, 0, false); err != nil {
		return err
	}
	if constant {
		if lane >= lanes {
			return nil
		}
		return c.storeSized(dst.add(lane*es), amd64.RAX, es)
	}
	r, err := sizedReg(amd64.RAX, es)
	if err != nil {
		return err
	}
	skip := c.newInternalLabel("insert_oob")
	c.emit(
		amd64.CmpRegImm(amd64.Reg64(amd64.RCX), int32(lanes)),
		amd64.JumpIfAboveOrEqual(skip),
		amd64.MovToMemory(amd64.MemIndex(amd64.Reg64(dst.base), amd64.Reg64(amd64.RCX), uint8(es)).WithDisp(dst.disp), r),
		asm.MarkLabel(skip),
	)
	return nil
}

func (c *compiler) compileAlloca(in *ir.Instr) error {
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	c.emit(amd64.Lea(amd64.Reg64(amd64.RAX), stackLoc(c.allocas[in]).mem()))
	return c.storeSized(dst, amd64.RAX, 8)
}

func (c *compiler) compileLoad(in *ir.Instr) error {
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	if err := c.loadLane(amd64.R11, in.Operand(0), 0, false); err != nil {
		return err
	}
	return c.copyMem(dst, loc{base: amd64.R11}, in.Type().Size())
}

func (c *compiler) compileStore(in *ir.Instr) error {
	if err := c.loadLane(amd64.R11, in.Operand(1), 0, false); err != nil {
		return err
	}
	return c.copyValue(loc{base: amd64.R11}, in.Operand(0))
}

func (c *compiler) compileCall(in *ir.Instr) error {
	callee := in.Callee()
	if callee == nil {
		return fmt.Errorf("indirect calls are not supported")
	}
	if callee.IsDeclaration() {
		return c.compileExternalCall(in, callee)
	}
	if err := checkSignature(callee.Sig()); err != nil {
		return fmt.Errorf("call to @%s: %w", callee.Name(), err)
	}

	ints, floats := 0, 0
	for _, arg := range in.Args() {
		if arg.Type().IsFloat() {
			if err := c.loadLane(amd64.RAX, arg, 0, false); err != nil {
				return err
			}
			c.emit(amd64.MovdToXmm(amd64.Xmm(floats), amd64.Reg32(amd64.RAX)))
			floats++
			continue
		}
		// Loading straight into the argument register never touches another
		// argument register.
		if err := c.loadLane(paramRegisters[ints], arg, 0, false); err != nil {
			return err
		}
		ints++
	}
	c.emit(amd64.Call(funcLabel(callee)))

	if !in.HasResult() {
		return nil
	}
	if in.Type().IsFloat() {
		c.emit(amd64.MovdFromXmm(amd64.Reg32(amd64.RAX), amd64.X0))
	}
	return c.storeLane(in, 0, amd64.RAX)
}

// compileExternalCall passes arguments in zero-padded 8-byte slots at [rsp]
// and a pointer to them in rdi. The raw result bits come back in rax.
func (c *compiler) compileExternalCall(in *ir.Instr, callee *ir.Function) error {
	for i, arg := range in.Args() {
		slot := stackLoc(int32(i * 8))
		if arg.Type().Size() < 8 {
			c.emit(
				amd64.XorRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
				amd64.MovToMemory(slot.mem(), amd64.Reg64(amd64.RAX)),
			)
		}
		if err := c.copyValue(slot, arg); err != nil {
			return err
		}
	}
	c.emit(
		amd64.Lea(amd64.Reg64(amd64.RDI), stackLoc(0).mem()),
		amd64.MovSymbolAddress(amd64.Reg64(amd64.RAX), callee.Name()),
		amd64.CallReg(amd64.Reg64(amd64.RAX)),
	)
	if !in.HasResult() {
		return nil
	}
	dst, err := c.slot(in)
	if err != nil {
		return err
	}
	if in.Type().IsBool() {
		c.emit(amd64.AndRegImm(amd64.Reg32(amd64.RAX), 1))
	}
	return c.storeBytes(dst, amd64.RAX, in.Type().Size())
}

// edgeCopies stores the incoming values of succ's phis for the edge from b
// into their shadow slots. It reports whether anything was emitted.
func (c *compiler) edgeCopies(b, succ *ir.Block) (bool, error) {
	phis := succ.Phis()
	for _, phi := range phis {
		v, ok := phi.Incoming(b)
		if !ok {
			return false, fmt.Errorf("phi in %%%s has no value for %%%s", succ.Name(), b.Name())
		}
		if err := c.copyValue(stackLoc(c.shadows[phi]), v); err != nil {
			return false, err
		}
	}
	return len(phis) > 0, nil
}

// jumpTo branches to target unless it is laid out next.
func (c *compiler) jumpTo(from, target *ir.Block) {
	if c.opts.Level >= codegen.LevelDefault && c.next[from] == target {
		return
	}
	c.emit(amd64.Jump(c.labels[target]))
}

func (c *compiler) compileBr(in *ir.Instr) error {
	from, target := in.Block(), in.Targets()[0]
	if _, err := c.edgeCopies(from, target); err != nil {
		return err
	}
	c.jumpTo(from, target)
	return nil
}

func (c *compiler) compileCondBr(in *ir.Instr) error {
	from := in.Block()
	ifTrue, ifFalse := in.Targets()[0], in.Targets()[1]
	if err := c.loadLane(amd64.RAX, in.Operand(0), 0, false); err != nil {
		return err
	}
	c.emit(amd64.TestZero(amd64.RAX))

	falseEdge := c.labels[ifFalse]
	needsEdge := len(ifFalse.Phis()) > 0
	if needsEdge {
		falseEdge = c.newInternalLabel("edge")
	}
	c.emit(amd64.JumpIfZero(falseEdge))

	if _, err := c.edgeCopies(from, ifTrue); err != nil {
		return err
	}
	if needsEdge {
		c.emit(amd64.Jump(c.labels[ifTrue]))
		c.emit(asm.MarkLabel(falseEdge))
		if _, err := c.edgeCopies(from, ifFalse); err != nil {
			return err
		}
		c.jumpTo(from, ifFalse)
		return nil
	}
	c.jumpTo(from, ifTrue)
	return nil
}

func (c *compiler) compileRet(in *ir.Instr) error {
	if in.NumOperands() > 0 {
		v := in.Operand(0)
		if err := c.loadLane(amd64.RAX, v, 0, false); err != nil {
			return err
		}
		if v.Type().IsFloat() {
			c.emit(amd64.MovdToXmm(amd64.X0, amd64.Reg32(amd64.RAX)))
		}
	}
	if c.frameSize > 0 {
		c.emit(amd64.AddRegImm(amd64.Reg64(amd64.RSP), c.frameSize))
	}
	c.emit(amd64.Ret())
	return nil
}
