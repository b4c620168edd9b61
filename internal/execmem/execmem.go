// Package execmem hands out page-aligned memory blocks whose protection can
// be moved between writable and executable states.
package execmem

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

var (
	ErrAllocFailed   = errors.New("page allocation failed")
	ErrProtectFailed = errors.New("page protection change failed")
	ErrReleaseFailed = errors.New("page release failed")
)

// Perm is a bitfield over read, write and execute.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

const (
	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
)

func (p Perm) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit Perm
		ch  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&f.bit != 0 {
			sb.WriteByte(f.ch)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// Purpose tells the mapper what the block will hold. Only code blocks may
// ever be made executable.
type Purpose uint8

const (
	PurposeCode Purpose = iota
	PurposeROData
	PurposeRWData
)

func (p Purpose) String() string {
	switch p {
	case PurposeCode:
		return "code"
	case PurposeROData:
		return "rodata"
	case PurposeRWData:
		return "rwdata"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// Block is a run of whole pages. Views created by Slice share the pages of
// their parent and cannot be released on their own.
type Block struct {
	base     uintptr
	size     int
	perm     Perm
	purpose  Purpose
	needExec bool
	parent   *Block
}

func (b *Block) Base() uintptr { return b.base }

// Size is the length in bytes. For a root block it is a multiple of the
// page size.
func (b *Block) Size() int { return b.size }

func (b *Block) Pages() int {
	return (b.size + PageSize() - 1) / PageSize()
}

func (b *Block) Perm() Perm {
	if b.parent != nil {
		return b.parent.Perm()
	}
	return b.perm
}

func (b *Block) Purpose() Purpose { return b.purpose }

// NeedExec reports whether the block came from the executable-capable path.
func (b *Block) NeedExec() bool { return b.needExec }

// Bytes exposes the block as a byte slice. Writing through it while the
// block lacks PermWrite faults.
func (b *Block) Bytes() []byte {
	if b.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
}

// Slice returns a view of n bytes starting at off.
func (b *Block) Slice(off, n int) (*Block, error) {
	if off < 0 || n < 0 || off+n > b.size {
		return nil, fmt.Errorf("slice [%d:%d] outside block of %d bytes", off, off+n, b.size)
	}
	root := b
	if b.parent != nil {
		root = b.parent
	}
	return &Block{
		base:     b.base + uintptr(off),
		size:     n,
		purpose:  b.purpose,
		needExec: b.needExec,
		parent:   root,
	}, nil
}

func (b *Block) String() string {
	return fmt.Sprintf("%s@%#x+%#x(%s)", b.purpose, b.base, b.size, b.Perm())
}

// Mapper allocates, protects and releases blocks.
type Mapper interface {
	Allocate(purpose Purpose, bytes int, near *Block, perm Perm) (*Block, error)
	Protect(block *Block, perm Perm) error
	Release(block *Block) error
}

// RoundUp rounds n up to a whole number of pages.
func RoundUp(n int) int {
	ps := PageSize()
	return (n + ps - 1) &^ (ps - 1)
}

// pageSpan returns the page-aligned base and length covering every page
// the block touches.
func pageSpan(b *Block) (uintptr, int) {
	ps := uintptr(PageSize())
	start := b.base &^ (ps - 1)
	end := (b.base + uintptr(b.size) + ps - 1) &^ (ps - 1)
	return start, int(end - start)
}

func checkProtect(b *Block, perm Perm) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrProtectFailed)
	}
	if perm&PermWrite != 0 && perm&PermExec != 0 {
		return fmt.Errorf("%w: %s is both writable and executable", ErrProtectFailed, b)
	}
	if perm&PermExec != 0 && !b.needExec {
		return fmt.Errorf("%w: %s was not allocated for code", ErrProtectFailed, b)
	}
	return nil
}
