package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRounding(t *testing.T) {
	require.Equal(t, 0x2000, Roundup(0x1001, 0x1000))
	require.Equal(t, 0x1000, Roundup(0x1000, 0x1000))
	require.Equal(t, 0x1000, Rounddown(0x1fff, 0x1000))
	require.Equal(t, 3, Min(3, 5))
	require.Equal(t, 5, Max(3, 5))
}

func TestLog2up(t *testing.T) {
	require.Equal(t, uint(0), Log2up(1))
	require.Equal(t, uint(2), Log2up(4))
	require.Equal(t, uint(3), Log2up(5))
	require.Equal(t, uint(12), Log2up(4096))
}

func TestTzcnt(t *testing.T) {
	require.Equal(t, uint(12), Tzcnt(uintptr(0x1000)))
	require.Equal(t, uint(0), Tzcnt(uintptr(1)))
	require.Equal(t, uint(64), Tzcnt(uintptr(0)))
}

func TestReadnWriten(t *testing.T) {
	b := make([]uint8, 16)
	Writen(b, 4, 0, 0x11223344)
	require.Equal(t, 0x11223344, Readn(b, 4, 0))
	Writen(b, 8, 8, -1)
	require.Equal(t, -1, Readn(b, 8, 8))
	Writen(b, 2, 4, 0xbeef)
	require.Equal(t, 0xbeef, Readn(b, 2, 4))
	require.Panics(t, func() { Readn(b, 4, 15) })
}
