// Package codegen turns verified, optimized IR modules into relocatable
// objects. Architecture packages register a Backend from init.
package codegen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/reactor/internal/asm"
	"github.com/tinyrange/reactor/internal/ir"
)

// ErrNoBackend is returned when no backend is registered for an architecture.
var ErrNoBackend = errors.New("no code generator for architecture")

// Level trades compile time for code quality.
type Level int

const (
	LevelNone Level = iota
	LevelLess
	LevelDefault
	LevelAggressive
)

var levelNames = []string{"none", "less", "default", "aggressive"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel accepts the lower-case level names.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown optimization level %q", s)
}

// Options configures lowering.
type Options struct {
	Level Level
}

// DataSymbol is a module global laid out in the object's data section.
type DataSymbol struct {
	Name  string
	Align int
	// Init is the initial image; its length is the symbol size.
	Init []byte
}

// Object is the relocatable output of a backend. Function and data symbols
// carry IR names; every relocation in Text is an absolute 64-bit address.
type Object struct {
	Module  string
	Program asm.Program
	// Funcs maps each defined function to its offset in the text.
	Funcs map[string]int
	Data  []DataSymbol
}

// Text returns a copy of the unrelocated machine code.
func (o *Object) Text() []byte { return o.Program.Bytes() }

// Relocations returns the absolute fixups against the text.
func (o *Object) Relocations() []asm.Relocation { return o.Program.Relocations() }

// Undefined lists symbols referenced by the text that the object does not
// define itself, sorted.
func (o *Object) Undefined() []string {
	defined := make(map[string]bool, len(o.Funcs)+len(o.Data))
	for name := range o.Funcs {
		defined[name] = true
	}
	for _, d := range o.Data {
		defined[d.Name] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range o.Program.Relocations() {
		if defined[r.Symbol] || seen[r.Symbol] {
			continue
		}
		seen[r.Symbol] = true
		out = append(out, r.Symbol)
	}
	sort.Strings(out)
	return out
}

// DataSize returns the bytes needed to lay out every data symbol.
func (o *Object) DataSize() int {
	size := 0
	for _, d := range o.Data {
		size = alignUp(size, d.Align) + len(d.Init)
	}
	return size
}

// LayoutData assigns each data symbol an offset in a single section.
func (o *Object) LayoutData() map[string]int {
	offsets := make(map[string]int, len(o.Data))
	off := 0
	for _, d := range o.Data {
		off = alignUp(off, d.Align)
		offsets[d.Name] = off
		off += len(d.Init)
	}
	return offsets
}

func alignUp(v, a int) int {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

// Backend lowers a module for one architecture.
type Backend interface {
	Lower(m *ir.Module, opts Options) (*Object, error)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// RegisterBackend wires an architecture-specific backend. It panics when the
// same architecture is registered twice so mistakes are caught during init.
func RegisterBackend(arch string, backend Backend) {
	if arch == "" {
		panic("codegen: cannot register backend for empty architecture")
	}
	if backend == nil {
		panic("codegen: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("codegen: backend for %s already registered", arch))
	}
	backends[arch] = backend
}

// LookupBackend returns the backend registered for arch.
func LookupBackend(arch string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if backend, ok := backends[arch]; ok {
		return backend, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoBackend, arch)
}

// Lower lowers m with the backend registered for arch.
func Lower(arch string, m *ir.Module, opts Options) (*Object, error) {
	if m == nil {
		return nil, fmt.Errorf("codegen: module must be non-nil")
	}
	backend, err := LookupBackend(arch)
	if err != nil {
		return nil, err
	}
	return backend.Lower(m, opts)
}
