package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/reactor/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type jump struct {
	label asm.Label
	kind  jumpKind
}

type call struct {
	label asm.Label
}

type testZero struct {
	reg asm.Variable
}

type ret struct {
}

type symbolAddress struct {
	dst    Reg
	symbol string
}

func Ret() asm.Fragment {
	return &ret{}
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAlways}
}

func JumpIfZero(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpEqual}
}

func JumpIfNegative(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpSign}
}

// Call emits a rel32 call to a label bound in the same program.
func Call(label asm.Label) asm.Fragment {
	return &call{label: label}
}

func TestZero(reg asm.Variable) asm.Fragment {
	return &testZero{reg: reg}
}

// MovSymbolAddress loads the absolute address of symbol into dst. The
// immediate is left zero and recorded as a relocation.
func MovSymbolAddress(dst Reg, symbol string) asm.Fragment {
	return &symbolAddress{dst: dst, symbol: symbol}
}

func (t *testZero) Emit(ctx asm.Context) error {
	bytes, err := encodeTestRegRegSized(Reg64(t.reg), Reg64(t.reg))
	if err != nil {
		return err
	}
	ctx.EmitBytes(bytes)
	return nil
}

func (r *ret) Emit(ctx asm.Context) error {
	ctx.EmitBytes(encodeRet())
	return nil
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: jump requires an amd64 context")
	}
	pos := ctx.emitJump(j.kind)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

func (c *call) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: call requires an amd64 context")
	}
	ctx.EmitBytes([]byte{0xE8, 0, 0, 0, 0})
	pos := len(ctx.text) - 4
	ctx.calls = append(ctx.calls, callPatch{label: c.label, pos: pos})
	return nil
}

func (s *symbolAddress) Emit(ctx asm.Context) error {
	if s.dst.size != size64 {
		return fmt.Errorf("symbol address requires 64-bit register")
	}
	if s.symbol == "" {
		return fmt.Errorf("symbol address requires a symbol name")
	}
	bytes, immIdx, err := encodeMovRegImm64(s.dst.id, 0)
	if err != nil {
		return err
	}
	pos := ctx.Len() + immIdx
	ctx.EmitBytes(bytes)
	ctx.AddRelocation(pos, s.symbol)
	return nil
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type Context struct {
	text        []byte
	labels      map[asm.Label]int
	jumps       []jumpPatch
	calls       []callPatch
	relocations []asm.Relocation
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

type callPatch struct {
	label asm.Label
	pos   int
}

type jumpKind int

const (
	jumpAlways jumpKind = iota
	jumpEqual
	jumpSign
	jumpNotEqual
	jumpAboveOrEqual
	jumpBelowOrEqual
	jumpLess
)

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) Len() int {
	return len(c.text)
}

func (c *Context) AddRelocation(offset int, symbol string) {
	c.relocations = append(c.relocations, asm.Relocation{Offset: offset, Symbol: symbol})
}

func alignTo(value, boundary int) int {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}

// padTo appends int3 bytes until the text length is a multiple of boundary,
// so a runaway fallthrough traps.
func (c *Context) padTo(boundary int) {
	for len(c.text) < alignTo(len(c.text), boundary) {
		c.text = append(c.text, 0xCC)
	}
}

type align struct {
	boundary int
}

// Align pads with int3 to the next multiple of boundary, a power of two.
func Align(boundary int) asm.Fragment {
	return &align{boundary: boundary}
}

func (a *align) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: align requires an amd64 context")
	}
	if a.boundary <= 0 || a.boundary&(a.boundary-1) != 0 {
		return fmt.Errorf("amd64 asm: alignment %d is not a power of two", a.boundary)
	}
	ctx.padTo(a.boundary)
	return nil
}

func (c *Context) finalize() (asm.Program, error) {
	c.padTo(16)

	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}

	for _, cpatch := range c.calls {
		target, ok := c.labels[cpatch.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", cpatch.label)
		}
		rel := target - (cpatch.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("call to label %q out of range", cpatch.label)
		}
		binary.LittleEndian.PutUint32(c.text[cpatch.pos:cpatch.pos+4], uint32(int32(rel)))
	}

	for _, r := range c.relocations {
		if r.Offset < 0 || r.Offset+8 > len(c.text) {
			return asm.Program{}, fmt.Errorf("relocation for %q out of range", r.Symbol)
		}
	}

	return asm.NewProgram(c.text, c.relocations, c.labels), nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0, high: false}, nil
	case RBX:
		return registerCode{code: 3, high: false}, nil
	case RCX:
		return registerCode{code: 1, high: false}, nil
	case RDX:
		return registerCode{code: 2, high: false}, nil
	case RSI:
		return registerCode{code: 6, high: false, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, high: false, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, high: false, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, high: false, needsRex: true}, nil
	case R8:
		return registerCode{code: 0, high: true, needsRex: true}, nil
	case R9:
		return registerCode{code: 1, high: true, needsRex: true}, nil
	case R10:
		return registerCode{code: 2, high: true, needsRex: true}, nil
	case R11:
		return registerCode{code: 3, high: true, needsRex: true}, nil
	case R12:
		return registerCode{code: 4, high: true, needsRex: true}, nil
	case R13:
		return registerCode{code: 5, high: true, needsRex: true}, nil
	case R14:
		return registerCode{code: 6, high: true, needsRex: true}, nil
	case R15:
		return registerCode{code: 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}

func encodeMovRegImm64(reg asm.Variable, value uint64) ([]byte, int, error) {
	info, err := regInfo(reg)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, 0, 12)
	if prefix := rexPrefix(true, false, false, info.high); prefix != 0 {
		out = append(out, prefix)
	}
	out = append(out, 0xB8+info.code)
	immPos := len(out)
	var imm [8]byte
	binary.LittleEndian.PutUint64(imm[:], value)
	out = append(out, imm[:]...)
	return out, immPos, nil
}

func (c *Context) emitJump(kind jumpKind) int {
	var op []byte
	switch kind {
	case jumpAlways:
		op = []byte{0xE9}
	case jumpEqual:
		op = []byte{0x0F, 0x84}
	case jumpNotEqual:
		op = []byte{0x0F, 0x85}
	case jumpAboveOrEqual:
		op = []byte{0x0F, 0x83}
	case jumpBelowOrEqual:
		op = []byte{0x0F, 0x86}
	case jumpLess:
		op = []byte{0x0F, 0x8C}
	case jumpSign:
		op = []byte{0x0F, 0x88}
	default:
		panic(fmt.Sprintf("unsupported jump kind %d", kind))
	}
	c.text = append(c.text, op...)
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func rexPrefix(w, r, x, b bool) byte {
	if !w && !r && !x && !b {
		return 0
	}
	prefix := byte(0x40)
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}
