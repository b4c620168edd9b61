// Package asm holds the architecture-neutral pieces of the assembler: code
// fragments, labels and the relocatable Program they emit into.
package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Variable identifies a machine register within an architecture package.
type Variable int

type Context interface {
	EmitBytes(data []byte)
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	// AddRelocation records that the 8 bytes at offset must receive the
	// absolute address of symbol once it is known.
	AddRelocation(offset int, symbol string)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Relocation is an absolute 64-bit fixup against a named symbol.
type Relocation struct {
	Offset int
	Symbol string
}

type Program struct {
	code        []byte
	relocations []Relocation
	labels      map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

// LabelOffset returns the text offset a label was bound to.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Labels returns every bound label sorted by offset.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if p.labels[out[i]] == p.labels[out[j]] {
			return out[i] < out[j]
		}
		return p.labels[out[i]] < p.labels[out[j]]
	})
	return out
}

// RelocatedCopy returns the code with every relocation patched through
// resolve. A symbol resolve cannot place is reported as an error.
func (p Program) RelocatedCopy(resolve func(symbol string) (uintptr, bool)) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	for _, r := range p.relocations {
		if r.Offset < 0 || r.Offset+8 > len(out) {
			return nil, fmt.Errorf("relocation for %q at %d out of range", r.Symbol, r.Offset)
		}
		addr, ok := resolve(r.Symbol)
		if !ok {
			return nil, fmt.Errorf("unresolved symbol %q", r.Symbol)
		}
		binary.LittleEndian.PutUint64(out[r.Offset:], uint64(addr))
	}
	return out, nil
}

func (p Program) Clone() Program {
	labels := make(map[Label]int, len(p.labels))
	for k, v := range p.labels {
		labels[k] = v
	}
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]Relocation(nil), p.relocations...),
		labels:      labels,
	}
}

func NewProgram(code []byte, relocations []Relocation, labels map[Label]int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]Relocation(nil), relocations...),
		labels:      labels,
	}.Clone()
}
