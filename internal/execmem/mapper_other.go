//go:build !(linux || darwin || freebsd || netbsd)

package execmem

import (
	"fmt"
	"os"
)

func PageSize() int {
	return os.Getpagesize()
}

type unsupportedMapper struct{}

// OS returns a mapper that fails every request on this platform.
func OS() Mapper {
	return unsupportedMapper{}
}

func (unsupportedMapper) Allocate(purpose Purpose, bytes int, near *Block, perm Perm) (*Block, error) {
	return nil, fmt.Errorf("%w: executable memory is not supported on this platform", ErrAllocFailed)
}

func (unsupportedMapper) Protect(b *Block, perm Perm) error {
	return fmt.Errorf("%w: executable memory is not supported on this platform", ErrProtectFailed)
}

func (unsupportedMapper) Release(b *Block) error {
	return nil
}
