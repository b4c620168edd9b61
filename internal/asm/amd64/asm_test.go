//go:build linux && amd64

package amd64

import (
	"bytes"
	"encoding/hex"
	"math"
	"testing"

	"github.com/tinyrange/reactor/internal/asm"
)

func TestASMFunctionCall(t *testing.T) {
	callee := asm.Label("callee")
	fn := mustCompile(t, asm.Group{
		MovImmediate(Reg64(RDI), 5),
		// Keep the stack 16-byte aligned across the call.
		SubRegImm(Reg64(RSP), 8),
		Call(callee),
		AddRegImm(Reg64(RSP), 8),
		AddRegImm(Reg64(RAX), 1),
		Ret(),
		asm.MarkLabel(callee),
		MovReg(Reg64(RAX), Reg64(RDI)),
		AddRegImm(Reg64(RAX), 10),
		Ret(),
	})

	if got, want := fn.Call(), uintptr(16); got != want {
		t.Fatalf("Call()=0x%x, want 0x%x", got, want)
	}
}

func TestASMCallBetweenCompiledFunctions(t *testing.T) {
	callee := mustCompile(t, asm.Group{
		AddRegImm(Reg64(RDI), 2),
		MovReg(Reg64(RAX), Reg64(RDI)),
		Ret(),
	})

	caller, release, err := Compile(asm.Group{
		SubRegImm(Reg64(RSP), 8),
		AddRegImm(Reg64(RDI), 5),
		MovSymbolAddress(Reg64(R11), "callee"),
		CallReg(Reg64(R11)),
		AddRegImm(Reg64(RAX), 3),
		AddRegImm(Reg64(RSP), 8),
		Ret(),
	}, map[string]uintptr{"callee": callee.Entry()})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	defer release()

	if got, want := caller.Call(4), uintptr(14); got != want {
		t.Fatalf("Call()=0x%x, want 0x%x", got, want)
	}
}

func TestASMSignedDivision(t *testing.T) {
	div := mustCompileBinaryInt64(t, asm.Group{
		MovReg(Reg64(RAX), Reg64(RDI)),
		Cqo(),
		IdivReg(Reg64(RSI)),
		Ret(),
	})
	if got := div(-17, 5); got != -3 {
		t.Fatalf("div(-17, 5)=%d, want -3", got)
	}

	rem := mustCompileBinaryInt64(t, asm.Group{
		MovReg(Reg64(RAX), Reg64(RDI)),
		XorRegReg(Reg64(RDX), Reg64(RDX)),
		DivReg(Reg64(RSI)),
		MovReg(Reg64(RAX), Reg64(RDX)),
		Ret(),
	})
	if got := rem(17, 5); got != 2 {
		t.Fatalf("rem(17, 5)=%d, want 2", got)
	}
}

func TestASMShiftByRegister(t *testing.T) {
	sar := mustCompileBinaryInt64(t, asm.Group{
		MovReg(Reg64(RAX), Reg64(RDI)),
		MovReg(Reg64(RCX), Reg64(RSI)),
		SarRegCL(Reg64(RAX)),
		Ret(),
	})
	if got := sar(-64, 3); got != -8 {
		t.Fatalf("sar(-64, 3)=%d, want -8", got)
	}
}

func TestASMSetccAndCmov(t *testing.T) {
	less := mustCompileBinaryInt64(t, asm.Group{
		XorRegReg(Reg64(RAX), Reg64(RAX)),
		CmpRegReg(Reg64(RDI), Reg64(RSI)),
		SetCC(CondLess, Reg8(RAX)),
		Ret(),
	})
	if less(-1, 1) != 1 || less(2, 1) != 0 {
		t.Fatalf("setl produced wrong results")
	}

	pick := mustCompileBinaryInt64(t, asm.Group{
		MovReg(Reg64(RAX), Reg64(RDI)),
		TestZero(RSI),
		CmovCC(CondEqual, Reg64(RAX), Reg64(RSI)),
		Ret(),
	})
	if pick(7, 1) != 7 || pick(7, 0) != 0 {
		t.Fatalf("cmovz produced wrong results")
	}
}

func TestASMScalarFloat(t *testing.T) {
	// (a + b) * b with float32 bit patterns passed in integer registers.
	fn := mustCompile(t, asm.Group{
		MovdToXmm(X0, Reg32(RDI)),
		MovdToXmm(X1, Reg32(RSI)),
		AddSS(X0, X1),
		MulSS(X0, X1),
		MovdFromXmm(Reg32(RAX), X0),
		Ret(),
	})
	got := math.Float32frombits(uint32(fn.Call(uintptr(math.Float32bits(1.5)), uintptr(math.Float32bits(2)))))
	if got != 7 {
		t.Fatalf("(1.5+2)*2=%v, want 7", got)
	}

	conv := mustCompileUnaryInt64(t, asm.Group{
		Cvtsi2ss(X0, Reg64(RDI)),
		AddSS(X0, X0),
		Cvttss2si(Reg64(RAX), X0),
		Ret(),
	})
	if got := conv(-21); got != -42 {
		t.Fatalf("conv(-21)=%d, want -42", got)
	}
}

func TestEncodingPrefixes(t *testing.T) {
	cases := []struct {
		name string
		frag asm.Fragment
		hex  string
	}{
		{"movd_xmm_eax", MovdToXmm(X0, Reg32(RAX)), "660f6ec0"},
		{"movd_r8d_xmm1", MovdFromXmm(Reg32(R8), X1), "66410f7ec8"},
		{"addss", AddSS(X0, X1), "f30f58c1"},
		{"cvtsi2ss_r9", Cvtsi2ss(X0, Reg64(R9)), "f3490f2ac1"},
		{"setz_al", SetCC(CondEqual, Reg8(RAX)), "0f94c0"},
		{"cqo", Cqo(), "4899"},
		{"shl_cl", ShlRegCL(Reg64(RAX)), "48d3e0"},
	}
	for _, tc := range cases {
		code, err := EmitBytes(tc.frag)
		if err != nil {
			t.Fatalf("%s: EmitBytes failed: %v", tc.name, err)
		}
		expectPrefix(t, code, tc.hex)
	}
}

func expectPrefix(t *testing.T, code []byte, prefixHex string) {
	t.Helper()
	expect, err := hex.DecodeString(prefixHex)
	if err != nil {
		t.Fatalf("invalid hex prefix %q: %v", prefixHex, err)
	}
	if !bytes.HasPrefix(code, expect) {
		t.Fatalf("unexpected instruction prefix:\n got: %x\nwant: %x", code[:len(expect)], expect)
	}
}

func TestAlignPadsWithTraps(t *testing.T) {
	prog, err := EmitProgram(asm.Group{
		Ret(),
		Align(16),
		asm.MarkLabel("next"),
		Ret(),
	})
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	off, ok := prog.LabelOffset("next")
	if !ok || off != 16 {
		t.Fatalf("next at %d (%v), want 16", off, ok)
	}
	code := prog.Bytes()
	if !bytes.Equal(code[1:16], bytes.Repeat([]byte{0xCC}, 15)) {
		t.Fatalf("padding = %x, want int3 bytes", code[1:16])
	}

	if _, err := EmitProgram(Align(12)); err == nil {
		t.Fatalf("Align(12) should be rejected")
	}
}
