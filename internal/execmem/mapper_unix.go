//go:build linux || darwin || freebsd || netbsd

package execmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	pageSizeOnce sync.Once
	pageSize     int
)

func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = unix.Getpagesize()
	})
	return pageSize
}

type osMapper struct{}

// OS returns the mapper backed by mmap and mprotect.
func OS() Mapper {
	return osMapper{}
}

func protFlags(p Perm) int {
	prot := unix.PROT_NONE
	if p&PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&PermExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (osMapper) Allocate(purpose Purpose, bytes int, near *Block, perm Perm) (*Block, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocFailed, bytes)
	}
	needExec := purpose == PurposeCode
	if perm&PermExec != 0 && !needExec {
		return nil, fmt.Errorf("%w: %s pages cannot be executable", ErrAllocFailed, purpose)
	}
	if perm&PermWrite != 0 && perm&PermExec != 0 {
		return nil, fmt.Errorf("%w: refusing writable and executable pages", ErrAllocFailed)
	}
	size := RoundUp(bytes)

	var hint unsafe.Pointer
	if near != nil {
		// A hint just past the neighbour keeps rel32 reachable when the
		// kernel honours it.
		hint = unsafe.Pointer(near.base + uintptr(RoundUp(near.size)))
	}

	ptr, err := unix.MmapPtr(-1, 0, hint, uintptr(size), protFlags(perm), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes for %s: %v", ErrAllocFailed, size, purpose, err)
	}

	return &Block{
		base:     uintptr(ptr),
		size:     size,
		perm:     perm,
		purpose:  purpose,
		needExec: needExec,
	}, nil
}

func (osMapper) Protect(b *Block, perm Perm) error {
	if err := checkProtect(b, perm); err != nil {
		return err
	}
	start, length := pageSpan(b)
	if length == 0 {
		return nil
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	if err := unix.Mprotect(mem, protFlags(perm)); err != nil {
		return fmt.Errorf("%w: mprotect %s to %s: %v", ErrProtectFailed, b, perm, err)
	}
	root := b
	if b.parent != nil {
		root = b.parent
	}
	if start == root.base && length >= root.size {
		root.perm = perm
	}
	return nil
}

func (osMapper) Release(b *Block) error {
	if b == nil || b.size == 0 {
		return nil
	}
	if b.parent != nil {
		return fmt.Errorf("%w: cannot release a view of %s", ErrReleaseFailed, b.parent)
	}
	// Drop execute before handing the pages back.
	if b.perm&PermExec != 0 {
		mem := unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
		_ = unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE)
	}
	if err := unix.MunmapPtr(unsafe.Pointer(b.base), uintptr(b.size)); err != nil {
		return fmt.Errorf("%w: munmap %s: %v", ErrReleaseFailed, b, err)
	}
	b.size = 0
	return nil
}
