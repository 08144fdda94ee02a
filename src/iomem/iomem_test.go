package iomem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"mem"
)

func mkdisp(t *testing.T, ranges ...[2]mem.Pa_t) *Iodisp_t {
	d := &Iodisp_t{}
	for _, r := range ranges {
		d.Addrange(r[0], r[1])
	}
	return d
}

func TestExclusiveReservation(t *testing.T) {
	// one page window at the I/O APIC address
	d := mkdisp(t, [2]mem.Pa_t{0xfec00000, 0xfec01000})

	io, err := d.Get(0xfec00000, 0xfec00400)
	require.Equal(t, 0, int(err))
	require.Equal(t, mem.Pa_t(0xfec00000), io.Paddr())
	require.Equal(t, 0x1000, io.Len(), "grant rounds out to page bounds")

	_, err = d.Get(0xfec00100, 0xfec00200)
	require.Equal(t, int(-defs.EACCES), int(err))

	io.Free()
	io2, err := d.Get(0xfec00100, 0xfec00200)
	require.Equal(t, 0, int(err))
	io2.Free()
}

func TestBoundaryAndMissChecks(t *testing.T) {
	d := mkdisp(t,
		[2]mem.Pa_t{0xfec00000, 0xfec02000},
		[2]mem.Pa_t{0xfee00000, 0xfee01000})

	_, err := d.Get(0xfec01000, 0xfec03000)
	require.Equal(t, int(-defs.EINVAL), int(err), "crosses window end")
	_, err = d.Get(0xd0000000, 0xd0001000)
	require.Equal(t, int(-defs.ENOENT), int(err), "no window covers")
	_, err = d.Get(0xfee00000, 0xfee00000)
	require.Equal(t, int(-defs.EINVAL), int(err))
}

func TestRemoveExcludesForever(t *testing.T) {
	d := mkdisp(t, [2]mem.Pa_t{0xfec00000, 0xfec02000})

	require.Equal(t, 0, int(d.Remove(0xfec00000, 0xfec01000)))
	_, err := d.Get(0xfec00000, 0xfec01000)
	require.Equal(t, int(-defs.EACCES), int(err))

	// the second page is still grantable
	io, err := d.Get(0xfec01000, 0xfec02000)
	require.Equal(t, 0, int(err))
	io.Free()
}

func TestUnprotectExactlyOnce(t *testing.T) {
	d := mkdisp(t, [2]mem.Pa_t{0xfed00000, 0xfed02000})

	var unprot []mem.Pa_t
	Unprotectfn = func(pa mem.Pa_t) { unprot = append(unprot, pa) }
	defer func() { Unprotectfn = nil }()

	require.Equal(t, 0, int(d.Remove(0xfed00000, 0xfed01000)))
	require.Equal(t, []mem.Pa_t{0xfed00000}, unprot)

	// a second removal covering the same page must not unshare again
	require.Equal(t, int(-defs.EACCES), int(d.Remove(0xfed00000, 0xfed01000)))
	require.Len(t, unprot, 1)

	require.Equal(t, 0, int(d.Remove(0xfed01000, 0xfed02000)))
	require.Equal(t, []mem.Pa_t{0xfed00000, 0xfed01000}, unprot)
}

func TestAccessors(t *testing.T) {
	d := mkdisp(t, [2]mem.Pa_t{0xfec00000, 0xfec01000})
	io, err := d.Get(0xfec00000, 0xfec01000)
	require.Equal(t, 0, int(err))

	io.Writeonce32(0x10, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), io.Readonce32(0x10))
	io.Writeonce64(0x20, 0x1122334455667788)
	require.Equal(t, uint64(0x1122334455667788), io.Readonce64(0x20))

	src := []uint8{1, 2, 3, 4}
	io.Write(src, 0x100)
	dst := make([]uint8, 4)
	io.Read(dst, 0x100)
	require.Equal(t, src, dst)

	// the 32-bit word written above is visible to the bulk reader
	b := make([]uint8, 4)
	io.Read(b, 0x10)
	require.Equal(t, []uint8{0xef, 0xbe, 0xad, 0xde}, b)
	io.Free()
}
