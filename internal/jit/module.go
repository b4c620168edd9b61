package jit

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/reactor/internal/ir"
)

// Module is a compiled, linked module. It owns its code and data pages and
// its host context until Close.
type Module struct {
	session *Session
	ir      *ir.Module
	linked  *LinkedObject
	host    *HostContext

	// entries maps mangled names of exposed functions to addresses.
	entries map[string]uintptr

	// Invocations hold the read lock so Close waits for them to return.
	mu     sync.RWMutex
	closed bool
}

func (m *Module) Name() string { return m.ir.Name() }

// HostContext returns the context passed to the entry function.
func (m *Module) HostContext() *HostContext { return m.host }

// Entries returns the mangled names of the exposed functions.
func (m *Module) Entries() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InvokeEntry calls the entry function with the module's host context. It
// reports false when the module has no entry or the entry rejected the
// context.
func (m *Module) InvokeEntry() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrModuleClosed
	}
	addr, ok := m.entries[m.session.Mangle(EntryName)]
	if !ok || addr == 0 {
		return false, nil
	}
	return callEntry(addr, m.host.Addr()) == 0, nil
}

// Lookup returns the address of an exposed function or an externally
// visible global by its IR name.
func (m *Module) Lookup(name string) (uintptr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false
	}
	mangled := m.session.Mangle(name)
	if addr, ok := m.entries[mangled]; ok {
		return addr, true
	}
	if g := m.ir.Global(name); g == nil || g.Linkage() != ir.ExternalLinkage {
		return 0, false
	}
	return m.linked.Lookup(mangled)
}

// IR prints the module as it was after optimisation.
func (m *Module) IR() string { return m.ir.String() }

// Disassemble lists the module's machine code, one function at a time.
func (m *Module) Disassemble() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrModuleClosed
	}

	code := m.linked.Code()
	obj := m.linked.Object()
	text := code.Bytes()[:len(obj.Text())]
	base := uint64(code.Base())

	starts := make(map[int]string, len(obj.Funcs))
	byAddr := make(map[uint64]string, len(obj.Funcs))
	for name, off := range obj.Funcs {
		starts[off] = name
		byAddr[base+uint64(off)] = name
	}
	symname := func(addr uint64) (string, uint64) {
		if name, ok := byAddr[addr]; ok {
			return name, addr
		}
		return "", 0
	}

	var sb strings.Builder
	for off := 0; off < len(text); {
		if name, ok := starts[off]; ok {
			if off > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%s:\n", name)
		}
		inst, err := x86asm.Decode(text[off:], 64)
		if err != nil {
			fmt.Fprintf(&sb, "  %6x  %02x  (bad)\n", off, text[off])
			off++
			continue
		}
		fmt.Fprintf(&sb, "  %6x  %-30s %s\n", off, fmt.Sprintf("% x", text[off:off+inst.Len]),
			x86asm.IntelSyntax(inst, base+uint64(off), symname))
		off += inst.Len
	}
	return sb.String(), nil
}

// Close unregisters the host context and releases the module's pages.
// Later calls are no-ops.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	contexts.unregister(m.host)
	if err := m.linked.Close(); err != nil {
		return fmt.Errorf("close %s: %w", m.ir.Name(), err)
	}
	return nil
}
