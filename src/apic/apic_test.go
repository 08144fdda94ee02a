package apic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"acpi"
	"defs"
	"iomem"
	"mem"
)

// seed the version register the way the silicon would report it, then
// build a chip over the window.
func mkchip(t *testing.T, pins int, infos []acpi.Ioapicinfo_t, ovs []acpi.Isaoverride_t, pic bool) *Irqchip_t {
	d := &iomem.Iodisp_t{}
	for _, info := range infos {
		d.Addrange(info.Addr, info.Addr+mem.Pa_t(mem.PGSIZE))
		io, err := d.Get(info.Addr, info.Addr+mem.Pa_t(mem.PGSIZE))
		require.Equal(t, 0, int(err))
		io.Writeonce32(4*regver, uint32(pins-1)<<16)
		io.Free()
	}
	ic, err := Mkchip(d, &acpi.Tables_t{
		Ioapics:   infos,
		Overrides: ovs,
		Has8259:   pic,
	})
	require.Equal(t, 0, int(err))
	return ic
}

func one(addr mem.Pa_t, gsibase uint32) []acpi.Ioapicinfo_t {
	return []acpi.Ioapicinfo_t{{Id: 0, Addr: addr, Gsibase: gsibase}}
}

func TestIsaRouting(t *testing.T) {
	ic := mkchip(t, 24, one(0xfec00000, 0), nil, false)
	ap := ic.apics[0]

	// construction masks every entry
	for pin := uint8(0); pin < 24; pin++ {
		require.Equal(t, rtemask, ap.readrte(pin))
	}

	line, err := Irqalloc()
	require.Equal(t, 0, int(err))
	mi, e := ic.Mapisa(line, 1)
	require.Equal(t, 0, int(e))
	require.Equal(t, uint32(1), mi.Gsi(), "keyboard has no override")

	rte := ap.readrte(1)
	require.Equal(t, uint64(line.Num()), rte&0xff)
	require.Zero(t, rte&rtemask, "mapped entry is unmasked")

	mi.Free()
	require.NotZero(t, ap.readrte(1)&rtemask, "freed entry is masked")
	require.Zero(t, ap.readrte(1)&0xff)
	line.Free()
}

func TestMapConflicts(t *testing.T) {
	ic := mkchip(t, 24, one(0xfec10000, 0), nil, false)

	l1, _ := Irqalloc()
	l2, _ := Irqalloc()
	mi, err := ic.Mapgsi(l1, 5)
	require.Equal(t, 0, int(err))

	_, err = ic.Mapgsi(l2, 5)
	require.Equal(t, int(-defs.EACCES), int(err), "programmed entry is refused")
	_, err = ic.Mapgsi(l2, 24)
	require.Equal(t, int(-defs.EINVAL), int(err), "gsi past the last pin")

	mi.Free()
	mi2, err := ic.Mapgsi(l2, 5)
	require.Equal(t, 0, int(err), "freed entry is mappable again")
	mi2.Free()
	l1.Free()
	l2.Free()
}

func TestIsaOverride(t *testing.T) {
	ic := mkchip(t, 24, one(0xfec20000, 0),
		[]acpi.Isaoverride_t{{Isa: 0, Gsi: 2}}, false)

	line, _ := Irqalloc()
	mi, err := ic.Mapisa(line, 0)
	require.Equal(t, 0, int(err))
	require.Equal(t, uint32(2), mi.Gsi())
	require.Equal(t, uint64(line.Num()), ic.apics[0].readrte(2)&0xff)
	mi.Free()
	line.Free()
}

func TestRemappableFormat(t *testing.T) {
	ic := mkchip(t, 24, one(0xfec30000, 0), nil, false)

	line, _ := Irqalloc()
	require.Equal(t, 0, int(line.Setremap()))
	idx := line.Remapidx()
	require.GreaterOrEqual(t, idx, 0)

	mi, err := ic.Mapgsi(line, 3)
	require.Equal(t, 0, int(err))
	rte := ic.apics[0].readrte(3)
	require.NotZero(t, rte&rteirfmt, "bit 48 selects the IR format")
	require.Equal(t, uint64(idx&0x7fff), rte>>49&0x7fff)
	require.Equal(t, uint64(idx>>15&1), rte>>11&1)
	require.Equal(t, uint64(line.Num()), rte&0xff)
	mi.Free()
	line.Free()
}

func TestMultipleIoapics(t *testing.T) {
	infos := []acpi.Ioapicinfo_t{
		{Id: 0, Addr: 0xfec40000, Gsibase: 0},
		{Id: 1, Addr: 0xfec41000, Gsibase: 24},
	}
	ic := mkchip(t, 24, infos, nil, false)

	line, _ := Irqalloc()
	mi, err := ic.Mapgsi(line, 30)
	require.Equal(t, 0, int(err))
	require.Equal(t, uint8(1), mi.ap.id, "gsi 30 lands on the second chip")
	require.Equal(t, uint8(6), mi.pin)
	mi.Free()
	line.Free()
}

func TestLegacyPicSilenced(t *testing.T) {
	var writes []uint16
	old := Pioutfn
	Pioutfn = func(port uint16, val uint8) {
		require.Equal(t, uint8(0xff), val)
		writes = append(writes, port)
	}
	defer func() { Pioutfn = old }()

	mkchip(t, 24, one(0xfec50000, 0), nil, true)
	require.Equal(t, []uint16{0x21, 0xa1}, writes)
}

func TestRouteCallbacks(t *testing.T) {
	line, err := Irqalloc()
	require.Equal(t, 0, int(err))

	var got []int
	line.Oncallback(func() { got = append(got, 1) })
	line.Oncallback(func() { got = append(got, 2) })

	require.True(t, Route(line.Num()))
	require.Equal(t, []int{1, 2}, got)

	vec := line.Num()
	line.Free()
	require.False(t, Route(vec), "freed lines are unrouted")
}
