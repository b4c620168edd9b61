//go:build linux && amd64

package extern

import "github.com/ebitengine/purego"

// maxArgs bounds the argv slots any external reads.
const maxArgs = 4

// nativeEntry exposes impl as a C function taking one argv pointer.
func nativeEntry(impl func(argv []uint64) uint64) uintptr {
	return purego.NewCallback(func(argv *[maxArgs]uint64) uintptr {
		return uintptr(impl(argv[:]))
	})
}
