// Package acpi walks the firmware's ACPI tables. All table addresses
// are physical; every access goes through an exclusive Iomem_t grant
// that is released once the table has been copied out. The kernel
// needs the MADT (I/O APIC inventory, ISA overrides, legacy PIC
// presence) and, when an IOMMU is present, the DMAR.
package acpi

import "sort"

import "defs"
import "iomem"
import "klog"
import "mem"
import "util"

const hdrlen = 36

/// Ioapicinfo_t describes one I/O APIC from the MADT.
type Ioapicinfo_t struct {
	Id      uint8
	Addr    mem.Pa_t
	Gsibase uint32
}

/// Isaoverride_t maps a legacy ISA IRQ onto its GSI.
type Isaoverride_t struct {
	Isa uint8
	Gsi uint32
}

/// Drhd_t describes one DMA remapping hardware unit from the DMAR.
type Drhd_t struct {
	Flags   uint8
	Segment uint16
	Regbase uint64
}

/// Tables_t is the parsed inventory the boot path hands to the IRQ
/// chip and the IOMMU layer.
type Tables_t struct {
	Ioapics   []Ioapicinfo_t
	Overrides []Isaoverride_t
	// the MADT advertised a legacy 8259 pair that must be silenced
	Has8259 bool
	Drhds   []Drhd_t
}

func checksum(b []uint8) uint8 {
	var s uint8
	for _, c := range b {
		s += c
	}
	return s
}

// readtable copies the table at pa out through an exclusive grant:
// first the fixed header for the length, then the whole table.
func readtable(d *iomem.Iodisp_t, pa mem.Pa_t) ([]uint8, defs.Err_t) {
	io, err := d.Get(pa, pa+hdrlen)
	if err != 0 {
		return nil, err
	}
	hdr := make([]uint8, hdrlen)
	io.Read(hdr, int(pa-io.Paddr()))
	io.Free()
	l := util.Readn(hdr, 4, 4)
	if l < hdrlen {
		return nil, -defs.EINVAL
	}
	io, err = d.Get(pa, pa+mem.Pa_t(l))
	if err != 0 {
		return nil, err
	}
	tbl := make([]uint8, l)
	io.Read(tbl, int(pa-io.Paddr()))
	io.Free()
	if checksum(tbl) != 0 {
		return nil, -defs.EINVAL
	}
	return tbl, 0
}

func parsemadt(t *Tables_t, tbl []uint8) {
	flags := util.Readn(tbl, 4, 40)
	t.Has8259 = flags&1 != 0
	for off := 44; off+2 <= len(tbl); {
		typ := tbl[off]
		l := int(tbl[off+1])
		if l < 2 || off+l > len(tbl) {
			break
		}
		switch typ {
		case 1:
			t.Ioapics = append(t.Ioapics, Ioapicinfo_t{
				Id:      tbl[off+2],
				Addr:    mem.Pa_t(util.Readn(tbl, 4, off+4)),
				Gsibase: uint32(util.Readn(tbl, 4, off+8)),
			})
		case 2:
			t.Overrides = append(t.Overrides, Isaoverride_t{
				Isa: tbl[off+3],
				Gsi: uint32(util.Readn(tbl, 4, off+4)),
			})
		}
		off += l
	}
	sort.Slice(t.Ioapics, func(i, j int) bool {
		return t.Ioapics[i].Gsibase < t.Ioapics[j].Gsibase
	})
}

func parsedmar(t *Tables_t, tbl []uint8) {
	for off := 48; off+4 <= len(tbl); {
		typ := util.Readn(tbl, 2, off)
		l := util.Readn(tbl, 2, off+2)
		if l < 4 || off+l > len(tbl) {
			break
		}
		if typ == 0 && l >= 16 {
			t.Drhds = append(t.Drhds, Drhd_t{
				Flags:   tbl[off+4],
				Segment: uint16(util.Readn(tbl, 2, off+6)),
				Regbase: uint64(util.Readn(tbl, 8, off+8)),
			})
		}
		off += l
	}
}

/// Parse chases the RSDP at rsdppa through the XSDT and collects the
/// MADT and DMAR contents. The MADT is required; a missing DMAR just
/// leaves the DRHD list empty.
func Parse(d *iomem.Iodisp_t, rsdppa mem.Pa_t) (*Tables_t, defs.Err_t) {
	io, err := d.Get(rsdppa, rsdppa+36)
	if err != 0 {
		return nil, err
	}
	rsdp := make([]uint8, 36)
	io.Read(rsdp, int(rsdppa-io.Paddr()))
	io.Free()
	if string(rsdp[:8]) != "RSD PTR " {
		return nil, -defs.EINVAL
	}
	xsdtpa := mem.Pa_t(util.Readn(rsdp, 8, 24))

	xsdt, e := readtable(d, xsdtpa)
	if e != 0 {
		return nil, e
	}
	if string(xsdt[:4]) != "XSDT" {
		return nil, -defs.EINVAL
	}

	t := &Tables_t{}
	foundmadt := false
	for off := hdrlen; off+8 <= len(xsdt); off += 8 {
		tpa := mem.Pa_t(util.Readn(xsdt, 8, off))
		tbl, e := readtable(d, tpa)
		if e != 0 {
			return nil, e
		}
		switch string(tbl[:4]) {
		case "APIC":
			foundmadt = true
			parsemadt(t, tbl)
		case "DMAR":
			parsedmar(t, tbl)
		}
	}
	if !foundmadt {
		return nil, -defs.ENOENT
	}
	klog.Printf("acpi: %v ioapics, %v overrides, %v drhds, 8259=%v\n",
		len(t.Ioapics), len(t.Overrides), len(t.Drhds), t.Has8259)
	return t, 0
}
