package jit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/reactor/internal/codegen"
	"github.com/tinyrange/reactor/internal/execmem"
	"github.com/tinyrange/reactor/internal/extern"
)

// LinkError lists every symbol a module referenced but nothing defined.
type LinkError struct {
	Module  string
	Missing []string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: module %s: unresolved symbols: %s",
		ErrLinkFailed, e.Module, strings.Join(e.Missing, ", "))
}

func (e *LinkError) Is(target error) bool { return target == ErrLinkFailed }

// Generator supplies addresses for symbols a Dylib does not define.
type Generator interface {
	Generate(name string) (uintptr, bool)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(name string) (uintptr, bool)

func (f GeneratorFunc) Generate(name string) (uintptr, bool) { return f(name) }

// ExternalGenerator resolves mangled names against an external symbol
// table.
func ExternalGenerator(table *extern.Table, demangle func(string) string) Generator {
	return GeneratorFunc(func(name string) (uintptr, bool) {
		return table.LookupByName(demangle(name))
	})
}

// Dylib is a symbol namespace: explicit definitions first, then generators
// in the order they were added. Generated addresses are cached.
type Dylib struct {
	name string

	mu         sync.Mutex
	defs       map[string]uintptr
	generators []Generator
}

func NewDylib(name string) *Dylib {
	return &Dylib{name: name, defs: make(map[string]uintptr)}
}

func (d *Dylib) Name() string { return d.name }

// Define binds name to addr, replacing any previous binding.
func (d *Dylib) Define(name string, addr uintptr) {
	d.mu.Lock()
	d.defs[name] = addr
	d.mu.Unlock()
}

func (d *Dylib) AddGenerator(g Generator) {
	d.mu.Lock()
	d.generators = append(d.generators, g)
	d.mu.Unlock()
}

func (d *Dylib) Lookup(name string) (uintptr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr, ok := d.defs[name]; ok {
		return addr, true
	}
	for _, g := range d.generators {
		if addr, ok := g.Generate(name); ok && addr != 0 {
			d.defs[name] = addr
			return addr, true
		}
	}
	return 0, false
}

// LinkedObject is an object file mapped into memory with every relocation
// bound. Code pages are read-execute, data pages read-write.
type LinkedObject struct {
	obj    *codegen.Object
	mapper execmem.Mapper
	code   *execmem.Block
	data   *execmem.Block

	// symbols maps mangled names of the object's own functions and data
	// to their addresses.
	symbols map[string]uintptr
}

// Link resolves the object's undefined symbols through lib and maps it.
// Every unresolved symbol is reported at once and nothing is allocated in
// that case. On success the object's own symbols are defined in lib.
func Link(obj *codegen.Object, lib *Dylib, mapper execmem.Mapper, mangle func(string) string) (*LinkedObject, error) {
	resolved := make(map[string]uintptr)
	var missing []string
	for _, name := range obj.Undefined() {
		addr, ok := lib.Lookup(mangle(name))
		if !ok {
			missing = append(missing, name)
			continue
		}
		resolved[name] = addr
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &LinkError{Module: obj.Module, Missing: missing}
	}

	lo := &LinkedObject{obj: obj, mapper: mapper, symbols: make(map[string]uintptr)}
	offsets := obj.LayoutData()
	if size := obj.DataSize(); size > 0 {
		data, err := mapper.Allocate(execmem.PurposeRWData, size, nil, execmem.PermRW)
		if err != nil {
			return nil, fmt.Errorf("link %s: data: %w", obj.Module, err)
		}
		for _, d := range obj.Data {
			copy(data.Bytes()[offsets[d.Name]:], d.Init)
		}
		lo.data = data
	}

	text := obj.Text()
	size := len(text)
	if size == 0 {
		size = 1
	}
	code, err := mapper.Allocate(execmem.PurposeCode, size, lo.data, execmem.PermRW)
	if err != nil {
		lo.release()
		return nil, fmt.Errorf("link %s: code: %w", obj.Module, err)
	}
	lo.code = code

	for name, off := range obj.Funcs {
		lo.symbols[mangle(name)] = code.Base() + uintptr(off)
	}
	if lo.data != nil {
		for name, off := range offsets {
			lo.symbols[mangle(name)] = lo.data.Base() + uintptr(off)
		}
	}

	bound, err := obj.Program.RelocatedCopy(func(sym string) (uintptr, bool) {
		if addr, ok := lo.symbols[mangle(sym)]; ok {
			return addr, true
		}
		addr, ok := resolved[sym]
		return addr, ok
	})
	if err != nil {
		lo.release()
		return nil, fmt.Errorf("link %s: %w", obj.Module, err)
	}
	copy(code.Bytes(), bound)

	if err := mapper.Protect(code, execmem.PermRX); err != nil {
		lo.release()
		return nil, fmt.Errorf("link %s: %w", obj.Module, err)
	}

	for name, addr := range lo.symbols {
		lib.Define(name, addr)
	}
	return lo, nil
}

func (lo *LinkedObject) release() error {
	var errs []error
	if lo.code != nil {
		errs = append(errs, lo.mapper.Release(lo.code))
		lo.code = nil
	}
	if lo.data != nil {
		errs = append(errs, lo.mapper.Release(lo.data))
		lo.data = nil
	}
	return errors.Join(errs...)
}

// Lookup returns the address of one of the object's own symbols by mangled
// name.
func (lo *LinkedObject) Lookup(mangled string) (uintptr, bool) {
	addr, ok := lo.symbols[mangled]
	return addr, ok
}

func (lo *LinkedObject) Object() *codegen.Object { return lo.obj }
func (lo *LinkedObject) Code() *execmem.Block    { return lo.code }
func (lo *LinkedObject) Data() *execmem.Block    { return lo.data }

// Close returns the pages to the mapper. It is safe to call more than once.
func (lo *LinkedObject) Close() error { return lo.release() }
