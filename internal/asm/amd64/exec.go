//go:build linux && amd64

package amd64

import (
	"fmt"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/reactor/internal/asm"
	"github.com/tinyrange/reactor/internal/execmem"
)

// Func is an assembled fragment mapped into executable memory.
type Func struct {
	entry uintptr
	prog  asm.Program
}

// Call invokes the code with up to six integer arguments in the System V
// registers and returns rax.
func (fn Func) Call(args ...uintptr) uintptr {
	if fn.entry == 0 {
		panic("amd64.Func: call on zero value")
	}
	if len(args) > maxAssemblyArguments {
		panic(fmt.Sprintf("assembly call accepts at most %d arguments, got %d", maxAssemblyArguments, len(args)))
	}
	r1, _, _ := purego.SyscallN(fn.entry, args...)
	return r1
}

// Entry returns the entrypoint address of the compiled fragment.
func (fn Func) Entry() uintptr {
	return fn.entry
}

// Program returns a deep copy of the Program backing the compiled function.
func (fn Func) Program() asm.Program {
	return fn.prog.Clone()
}

const maxAssemblyArguments = 6

// Compile assembles f, resolves its symbol relocations through symbols and
// maps the result read+execute. The returned func releases the pages.
func Compile(f asm.Fragment, symbols map[string]uintptr) (Func, func(), error) {
	prog, err := EmitProgram(f)
	if err != nil {
		return Func{}, nil, fmt.Errorf("emit assembly program: %w", err)
	}
	if prog.Len() == 0 {
		return Func{}, nil, fmt.Errorf("empty code")
	}

	code, err := prog.RelocatedCopy(func(name string) (uintptr, bool) {
		addr, ok := symbols[name]
		return addr, ok
	})
	if err != nil {
		return Func{}, nil, fmt.Errorf("relocate assembly program: %w", err)
	}

	mapper := execmem.OS()
	block, err := mapper.Allocate(execmem.PurposeCode, len(code), nil, execmem.PermRW)
	if err != nil {
		return Func{}, nil, err
	}
	copy(block.Bytes(), code)
	if err := mapper.Protect(block, execmem.PermRX); err != nil {
		_ = mapper.Release(block)
		return Func{}, nil, err
	}

	return Func{entry: block.Base(), prog: prog}, func() {
		_ = mapper.Release(block)
	}, nil
}
