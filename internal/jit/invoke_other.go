//go:build !(linux && amd64)

package jit

func nativeSupported() bool { return false }

func callEntry(addr, arg uintptr) int32 {
	panic("jit: native calls are not supported on this platform")
}
