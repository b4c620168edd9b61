//go:build linux

package execmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateRoundsToPages(t *testing.T) {
	m := OS()
	b, err := m.Allocate(PurposeRWData, 10, nil, PermRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(b)) }()

	if got, want := b.Size(), PageSize(); got != want {
		t.Fatalf("Size()=%d, want %d", got, want)
	}
	if b.Base()%uintptr(PageSize()) != 0 {
		t.Fatalf("base %#x is not page aligned", b.Base())
	}
	require.Equal(t, 1, b.Pages())
	require.Equal(t, PermRW, b.Perm())
	require.False(t, b.NeedExec())

	mem := b.Bytes()
	mem[0] = 0xAA
	mem[len(mem)-1] = 0x55
	require.Equal(t, byte(0xAA), mem[0])
}

func TestProtectCodeTransitions(t *testing.T) {
	m := OS()
	b, err := m.Allocate(PurposeCode, 3*PageSize()/2, nil, PermRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(b)) }()
	require.Equal(t, 2, b.Pages())
	require.True(t, b.NeedExec())

	b.Bytes()[0] = 0xC3
	require.NoError(t, m.Protect(b, PermRX))
	require.Equal(t, PermRX, b.Perm())

	require.NoError(t, m.Protect(b, PermRW))
	require.Equal(t, PermRW, b.Perm())
}

func TestProtectRejectsWriteExecute(t *testing.T) {
	m := OS()
	b, err := m.Allocate(PurposeCode, 1, nil, PermRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(b)) }()

	err = m.Protect(b, PermRW|PermExec)
	if !errors.Is(err, ErrProtectFailed) {
		t.Fatalf("Protect(rwx) err=%v, want ErrProtectFailed", err)
	}
}

func TestProtectRejectsExecOnData(t *testing.T) {
	m := OS()
	b, err := m.Allocate(PurposeRWData, 1, nil, PermRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(b)) }()

	require.ErrorIs(t, m.Protect(b, PermRX), ErrProtectFailed)
}

func TestAllocateRejectsExecData(t *testing.T) {
	_, err := OS().Allocate(PurposeROData, 1, nil, PermRX)
	require.ErrorIs(t, err, ErrAllocFailed)

	_, err = OS().Allocate(PurposeCode, 0, nil, PermRW)
	require.ErrorIs(t, err, ErrAllocFailed)
}

func TestProtectViewCoversTouchedPages(t *testing.T) {
	m := OS()
	ps := PageSize()
	b, err := m.Allocate(PurposeCode, 3*ps, nil, PermRW)
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Release(b)) }()

	// A view straddling the first page boundary.
	view, err := b.Slice(ps-8, 16)
	require.NoError(t, err)
	start, length := pageSpan(view)
	require.Equal(t, b.Base(), start)
	require.Equal(t, 2*ps, length)

	require.NoError(t, m.Protect(view, PermRead))
	require.ErrorIs(t, m.Release(view), ErrReleaseFailed)

	_, err = b.Slice(2*ps, 2*ps)
	require.Error(t, err)
}

func TestCountingTracksLiveBlocks(t *testing.T) {
	c := NewCounting(OS())
	code, err := c.Allocate(PurposeCode, 1, nil, PermRW)
	require.NoError(t, err)
	data, err := c.Allocate(PurposeRWData, 1, code, PermRW)
	require.NoError(t, err)

	require.Equal(t, 1, c.Live(PurposeCode))
	require.Equal(t, 1, c.Live(PurposeRWData))

	require.NoError(t, c.Release(code))
	require.NoError(t, c.Release(data))
	require.Equal(t, 0, c.Live(PurposeCode))
	require.Equal(t, 1, c.Allocated(PurposeCode))
}

func TestPermString(t *testing.T) {
	require.Equal(t, "r-x", PermRX.String())
	require.Equal(t, "rw-", PermRW.String())
	require.Equal(t, "---", PermNone.String())
}
