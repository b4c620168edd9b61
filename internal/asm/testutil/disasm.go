package testutil

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmLine is one decoded instruction.
type DisasmLine struct {
	Offset     int
	Len        int
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// Decode disassembles x86-64 code in Intel syntax. Trailing int3 padding is
// dropped.
func Decode(code []byte) ([]DisasmLine, error) {
	var lines []DisasmLine
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return lines, fmt.Errorf("decode at %#x: %w", off, err)
		}
		text := x86asm.IntelSyntax(inst, uint64(off), nil)
		fields := strings.Fields(text)
		line := DisasmLine{
			Offset:     off,
			Len:        inst.Len,
			Text:       text,
			Normalized: strings.Join(fields, " "),
		}
		if len(fields) > 0 {
			line.Mnemonic = strings.ToLower(fields[0])
		}
		lines = append(lines, line)
		off += inst.Len
	}
	for len(lines) > 0 && lines[len(lines)-1].Mnemonic == "int3" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// Disassemble decodes code and fails the test on a decode error.
func Disassemble(t *testing.T, code []byte) []DisasmLine {
	t.Helper()
	lines, err := Decode(code)
	if err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("disassembly produced no instructions")
	}
	return lines
}

// Listing renders lines as "offset: text" rows.
func Listing(lines []DisasmLine) string {
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "%6x: %s\n", l.Offset, l.Text)
	}
	return sb.String()
}
