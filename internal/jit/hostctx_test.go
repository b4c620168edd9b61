package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostContextCopiesHandles(t *testing.T) {
	handles := map[uint32]HostFunc{3: func() {}, 1: func() {}}
	hc := NewHostContext(handles)
	delete(handles, 1)

	assert.Equal(t, HostContextMagic, hc.Magic())
	assert.True(t, hc.Valid())
	assert.Equal(t, []uint32{1, 3}, hc.IDs())
	_, ok := hc.Handle(2)
	assert.False(t, ok)
}

func TestRegistryCheck(t *testing.T) {
	hc := NewHostContext(nil)
	assert.Equal(t, int32(1), contexts.CheckHostContext(hc.Addr()), "unregistered context accepted")

	contexts.register(hc)
	t.Cleanup(func() { contexts.unregister(hc) })
	assert.Equal(t, int32(0), contexts.CheckHostContext(hc.Addr()))
	assert.Equal(t, int32(1), contexts.CheckHostContext(0))

	hc.SetMagic(0xdeadbeef)
	assert.Equal(t, int32(1), contexts.CheckHostContext(hc.Addr()))
	hc.SetMagic(HostContextMagic)
	assert.Equal(t, int32(0), contexts.CheckHostContext(hc.Addr()))
}

func TestRegistryTrampoline(t *testing.T) {
	calls := map[string]int{}
	hc := NewHostContext(map[uint32]HostFunc{
		7: func() { calls["greet"]++ },
		8: func() { calls["report"]++ },
	})
	contexts.register(hc)
	t.Cleanup(func() { contexts.unregister(hc) })

	contexts.Trampoline(hc.Addr(), 7)
	contexts.Trampoline(hc.Addr(), 7)
	contexts.Trampoline(hc.Addr(), 99)
	assert.Equal(t, map[string]int{"greet": 2}, calls)

	hc.SetMagic(0)
	contexts.Trampoline(hc.Addr(), 8)
	assert.Zero(t, calls["report"], "corrupt context reached a handle")

	contexts.unregister(hc)
	hc.SetMagic(HostContextMagic)
	contexts.Trampoline(hc.Addr(), 8)
	assert.Zero(t, calls["report"], "released context reached a handle")
}
