package jit

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// HostContextMagic authenticates a HostContext passed to emitted code.
const HostContextMagic uint32 = 0x66ccff39

// HostFunc is a zero-argument host handle reached through the trampoline.
type HostFunc func()

// HostContext is the structure whose address the entry function receives.
// Its first word is the magic number; emitted code never reads past it.
type HostContext struct {
	magic   uint32
	handles map[uint32]HostFunc
}

// NewHostContext builds a context owning a copy of handles.
func NewHostContext(handles map[uint32]HostFunc) *HostContext {
	hc := &HostContext{magic: HostContextMagic, handles: make(map[uint32]HostFunc, len(handles))}
	for id, fn := range handles {
		hc.handles[id] = fn
	}
	return hc
}

// Addr is the pointer handed to the entry function.
func (hc *HostContext) Addr() uintptr { return uintptr(unsafe.Pointer(hc)) }

func (hc *HostContext) Magic() uint32 { return atomic.LoadUint32(&hc.magic) }

// SetMagic overwrites the magic number. Any value other than
// HostContextMagic makes the entry function refuse the context.
func (hc *HostContext) SetMagic(v uint32) { atomic.StoreUint32(&hc.magic, v) }

func (hc *HostContext) Valid() bool { return hc.Magic() == HostContextMagic }

// Handle returns the handle registered under id.
func (hc *HostContext) Handle(id uint32) (HostFunc, bool) {
	fn, ok := hc.handles[id]
	return fn, ok
}

// IDs returns the registered handle ids in ascending order.
func (hc *HostContext) IDs() []uint32 {
	ids := make([]uint32, 0, len(hc.handles))
	for id := range hc.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// hostRegistry tracks the contexts owned by live modules. The builtins only
// accept pointers found here, so emitted code handing over a stale or
// foreign pointer is rejected without a dereference.
type hostRegistry struct {
	mu   sync.RWMutex
	live map[uintptr]*HostContext
}

var contexts = &hostRegistry{live: make(map[uintptr]*HostContext)}

func (r *hostRegistry) register(hc *HostContext) {
	r.mu.Lock()
	r.live[hc.Addr()] = hc
	r.mu.Unlock()
}

func (r *hostRegistry) unregister(hc *HostContext) {
	r.mu.Lock()
	delete(r.live, hc.Addr())
	r.mu.Unlock()
}

func (r *hostRegistry) lookup(ptr uintptr) (*HostContext, bool) {
	if ptr == 0 {
		return nil, false
	}
	r.mu.RLock()
	hc, ok := r.live[ptr]
	r.mu.RUnlock()
	return hc, ok
}

func (r *hostRegistry) CheckHostContext(ptr uintptr) int32 {
	hc, ok := r.lookup(ptr)
	if !ok || !hc.Valid() {
		return 1
	}
	return 0
}

func (r *hostRegistry) Trampoline(ptr uintptr, id uint32) {
	hc, ok := r.lookup(ptr)
	if !ok || !hc.Valid() {
		slog.Warn("jit: trampoline with invalid host context", "ptr", ptr, "id", id)
		return
	}
	fn, ok := hc.Handle(id)
	if !ok || fn == nil {
		return
	}
	fn()
}
