//go:build linux && amd64

package jit

import "github.com/ebitengine/purego"

func nativeSupported() bool { return true }

// callEntry calls an i32 (ptr) function and returns its result.
func callEntry(addr, arg uintptr) int32 {
	r, _, _ := purego.SyscallN(addr, arg)
	return int32(uint32(r))
}
