package amd64

import (
	"github.com/tinyrange/reactor/internal/asm"
)

// encoded wraps an encoder call into a fragment that appends its bytes.
func encoded(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func raw(bytes ...byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

func CallReg(target Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCallReg(target) })
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegMem(dst, mem, size8) })
}

func MovZX16(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegMem(dst, mem, size16) })
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeLea(dst, mem) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegImm(reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegReg(dst, src) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSubRegImm(reg, value) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSubRegReg(dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeOrRegReg(dst, src) })
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeOrRegImm(reg, value) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAndRegReg(dst, src) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAndRegImm(reg, value) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeXorRegRegSized(dst, src) })
}

func XorRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeXorRegImm(reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegImm(reg, value) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegReg(dst, src) })
}

func ImulRegImm(dst, src Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegImm(dst, src, value) })
}

func ImulRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeImulRegReg(dst, src) })
}

// Cqo sign-extends rax into rdx:rax.
func Cqo() asm.Fragment {
	return raw(encodeCqo()...)
}

// DivReg divides rdx:rax by reg, unsigned.
func DivReg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(reg, 6) })
}

// IdivReg divides rdx:rax by reg, signed.
func IdivReg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(reg, 7) })
}

func NegReg(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeGroup3(reg, 3) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShrRegImm(reg, count) })
}

func ShlRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShlRegImm(reg, count) })
}

func SarRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSarRegImm(reg, count) })
}

func ShlRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, 4) })
}

func ShrRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, 5) })
}

func SarRegCL(reg Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShiftRegCL(reg, 7) })
}

func SetCC(cond Cond, dst Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func CmovCC(cond Cond, dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmovRegReg(cond, dst, src) })
}

// Ud2 raises an invalid-opcode trap.
func Ud2() asm.Fragment {
	return raw(encodeUd2()...)
}

func MovdToXmm(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovdToXmm(dst, src) })
}

func MovdFromXmm(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovdFromXmm(dst, src) })
}

func AddSS(dst, src Xmm) asm.Fragment { return raw(encodeScalarSingle(0x58, dst, src)...) }
func MulSS(dst, src Xmm) asm.Fragment { return raw(encodeScalarSingle(0x59, dst, src)...) }
func SubSS(dst, src Xmm) asm.Fragment { return raw(encodeScalarSingle(0x5C, dst, src)...) }
func DivSS(dst, src Xmm) asm.Fragment { return raw(encodeScalarSingle(0x5E, dst, src)...) }

// Ucomiss compares a with b and sets ZF, PF and CF.
func Ucomiss(a, b Xmm) asm.Fragment {
	return raw(encodeUcomiss(a, b)...)
}

func Cvtsi2ss(dst Xmm, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCvtsi2ss(dst, src) })
}

func Cvttss2si(dst Reg, src Xmm) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCvttss2si(dst, src) })
}

func JumpIfNotEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpNotEqual}
}

func JumpIfAboveOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAboveOrEqual}
}

func JumpIfBelowOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpBelowOrEqual}
}

func JumpIfEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpEqual}
}

func JumpIfLess(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpLess}
}

