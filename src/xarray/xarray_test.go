package xarray

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cpud"
	"defs"
)

func guard() (*cpud.Preemptguard_t, func()) {
	g := cpud.Preemptdisable()
	return g, func() { g.Restore() }
}

func TestStoreLoadRemove(t *testing.T) {
	var x Xarray_t[string]
	g, done := guard()
	defer done()

	_, ok := x.Load(g, 0)
	require.False(t, ok)

	lx := x.Lock()
	_, had := lx.Store(5, "five")
	require.False(t, had)
	old, had := lx.Store(5, "FIVE")
	require.True(t, had)
	require.Equal(t, "five", old)
	lx.Store(0, "zero")
	// deep key forces the tree to grow several levels
	lx.Store(1<<40, "deep")
	lx.Unlock()

	v, ok := x.Load(g, 5)
	require.True(t, ok)
	require.Equal(t, "FIVE", v)
	v, ok = x.Load(g, 1<<40)
	require.True(t, ok)
	require.Equal(t, "deep", v)
	_, ok = x.Load(g, 6)
	require.False(t, ok)

	lx = x.Lock()
	got, ok := lx.Remove(5)
	require.True(t, ok)
	require.Equal(t, "FIVE", got)
	_, ok = lx.Remove(5)
	require.False(t, ok)
	lx.Unlock()

	// remove(k); load(k) == none
	_, ok = x.Load(g, 5)
	require.False(t, ok)
	v, ok = x.Load(g, 0)
	require.True(t, ok)
	require.Equal(t, "zero", v)
}

func TestNextAndRange(t *testing.T) {
	var x Xarray_t[int]
	g, done := guard()
	defer done()

	keys := []uint64{3, 64, 65, 4096, 1 << 30}
	lx := x.Lock()
	for _, k := range keys {
		lx.Store(k, int(k%97))
	}
	lx.Unlock()

	k, v, ok := x.Next(g, 0)
	require.True(t, ok)
	require.Equal(t, uint64(3), k)
	require.Equal(t, 3, v)
	k, _, ok = x.Next(g, 4)
	require.True(t, ok)
	require.Equal(t, uint64(64), k)
	k, _, ok = x.Next(g, 4097)
	require.True(t, ok)
	require.Equal(t, uint64(1<<30), k)
	_, _, ok = x.Next(g, (1<<30)+1)
	require.False(t, ok)

	var got []uint64
	x.Range(g, 4, 1<<30, func(k uint64, v int) bool {
		got = append(got, k)
		return true
	})
	require.Equal(t, []uint64{64, 65, 4096}, got)

	// early stop
	got = nil
	x.Range(g, 0, 1<<31, func(k uint64, v int) bool {
		got = append(got, k)
		return len(got) < 2
	})
	require.Equal(t, []uint64{3, 64}, got)
}

func TestMarks(t *testing.T) {
	var x Xarray_t[int]
	g, done := guard()
	defer done()

	lx := x.Lock()
	lx.Store(10, 1)
	lx.Store(1<<20, 2)
	require.Equal(t, 0, int(lx.Setmark(10, 0)))
	require.Equal(t, 0, int(lx.Setmark(1<<20, 2)))
	require.Equal(t, int(-defs.ENOENT), int(lx.Setmark(11, 0)))
	require.Equal(t, int(-defs.EINVAL), int(lx.Setmark(10, NMARKS)))
	lx.Unlock()

	require.True(t, x.Hasmark(g, 10, 0))
	require.False(t, x.Hasmark(g, 10, 1))
	require.True(t, x.Hasmark(g, 1<<20, 2))
	require.True(t, x.Anymarked(g, 0))
	require.True(t, x.Anymarked(g, 2))
	require.False(t, x.Anymarked(g, 1))

	lx = x.Lock()
	require.Equal(t, 0, int(lx.Clearmark(10, 0)))
	lx.Unlock()
	require.False(t, x.Hasmark(g, 10, 0))
	require.False(t, x.Anymarked(g, 0), "mark clears back to the root")

	// removing a key clears its marks
	lx = x.Lock()
	lx.Remove(1 << 20)
	lx.Unlock()
	require.False(t, x.Anymarked(g, 2))
}

func TestGuardMisuse(t *testing.T) {
	var x Xarray_t[int]
	lx := x.Lock()
	lx.Unlock()
	require.Panics(t, func() { lx.Store(1, 1) })
	require.Panics(t, func() { lx.Unlock() })
}
