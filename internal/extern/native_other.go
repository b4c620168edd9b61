//go:build !(linux && amd64)

package extern

// nativeEntry has no native callbacks on this platform; every lookup fails
// and compiled modules report the externals as unresolved.
func nativeEntry(impl func(argv []uint64) uint64) uintptr {
	return 0
}
