//go:build linux && amd64

package amd64

import (
	"testing"

	"github.com/tinyrange/reactor/internal/asm"
)

// mustCompile maps the fragment and releases it when the test ends.
func mustCompile(t *testing.T, f asm.Fragment) Func {
	t.Helper()
	fn, release, err := Compile(f, nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	t.Cleanup(release)
	return fn
}

func mustCompileUnaryInt64(t *testing.T, f asm.Fragment) func(int64) int64 {
	fn := mustCompile(t, f)
	return func(arg int64) int64 {
		return int64(fn.Call(uintptr(arg)))
	}
}

func mustCompileBinaryInt64(t *testing.T, f asm.Fragment) func(int64, int64) int64 {
	fn := mustCompile(t, f)
	return func(a, b int64) int64 {
		return int64(fn.Call(uintptr(a), uintptr(b)))
	}
}
