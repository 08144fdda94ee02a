package apic

import "sort"

import "acpi"
import "defs"
import "iomem"
import "klog"
import "lock"
import "mem"

// I/O APIC register layout: one 32-bit register per slot. Register 0
// is the ID, register 1 the version (max redirection entry in bits
// 16..23); redirection entry n occupies registers 0x10+2n (low) and
// 0x11+2n (high).
const (
	regid  = 0x00
	regver = 0x01
	regrte = 0x10
)

// redirection entry bits
const (
	rtemask  = uint64(1) << 16
	rteirfmt = uint64(1) << 48
)

/// Ioapic_t drives one I/O APIC through its exclusive MMIO grant.
type Ioapic_t struct {
	lk      lock.Spinlock_t
	io      *iomem.Iomem_t
	id      uint8
	gsibase uint32
	maxred  uint8
}

func (ap *Ioapic_t) readreg(r int) uint32 {
	return ap.io.Readonce32(4 * r)
}

func (ap *Ioapic_t) writereg(r int, v uint32) {
	ap.io.Writeonce32(4*r, v)
}

func (ap *Ioapic_t) readrte(pin uint8) uint64 {
	lo := ap.readreg(regrte + 2*int(pin))
	hi := ap.readreg(regrte + 2*int(pin) + 1)
	return uint64(hi)<<32 | uint64(lo)
}

func (ap *Ioapic_t) writerte(pin uint8, v uint64) {
	// program the destination half first; the unmasked low half goes
	// live last
	ap.writereg(regrte+2*int(pin)+1, uint32(v>>32))
	ap.writereg(regrte+2*int(pin), uint32(v))
}

/// Pins returns the number of redirection entries.
func (ap *Ioapic_t) Pins() int {
	return int(ap.maxred) + 1
}

/// Gsirange returns the half-open GSI range this I/O APIC serves.
func (ap *Ioapic_t) Gsirange() (uint32, uint32) {
	return ap.gsibase, ap.gsibase + uint32(ap.maxred) + 1
}

/// Mkioapic claims the MMIO page at info.Addr and masks every
/// redirection entry.
func Mkioapic(d *iomem.Iodisp_t, info acpi.Ioapicinfo_t) (*Ioapic_t, defs.Err_t) {
	io, err := d.Get(info.Addr, info.Addr+mem.Pa_t(mem.PGSIZE))
	if err != 0 {
		return nil, err
	}
	ap := &Ioapic_t{io: io, id: info.Id, gsibase: info.Gsibase}
	ap.maxred = uint8(ap.readreg(regver) >> 16)
	for pin := uint8(0); pin <= ap.maxred; pin++ {
		ap.writerte(pin, rtemask)
	}
	klog.Printf("ioapic %d: %d pins at gsi %d, mmio %#x\n",
		ap.id, ap.Pins(), ap.gsibase, info.Addr)
	return ap, 0
}

// Pioutfn writes one byte to a legacy I/O port; the boot code points
// it at outb.
var Pioutfn func(port uint16, val uint8) = func(port uint16, val uint8) {}

// silence the legacy 8259 pair by masking every line on both PICs.
func mask8259() {
	Pioutfn(0x21, 0xff)
	Pioutfn(0xa1, 0xff)
}

/// Irqchip_t is the process-wide interrupt router over the machine's
/// I/O APICs.
type Irqchip_t struct {
	lk        lock.Spinlock_t
	apics     []*Ioapic_t
	overrides map[uint8]uint32
}

/// Irqchip is the global chip, set by Mkchip.
var Irqchip *Irqchip_t

var chiplk lock.Oncelock_t

/// Mkchip builds the router from the parsed ACPI inventory: one
/// Ioapic_t per MADT entry, ordered by GSI base, the ISA override
/// table, and a silenced 8259 when one was advertised.
func Mkchip(d *iomem.Iodisp_t, tables *acpi.Tables_t) (*Irqchip_t, defs.Err_t) {
	ic := &Irqchip_t{overrides: make(map[uint8]uint32)}
	for _, info := range tables.Ioapics {
		ap, err := Mkioapic(d, info)
		if err != 0 {
			return nil, err
		}
		ic.apics = append(ic.apics, ap)
	}
	sort.Slice(ic.apics, func(i, j int) bool {
		return ic.apics[i].gsibase < ic.apics[j].gsibase
	})
	for _, ov := range tables.Overrides {
		ic.overrides[ov.Isa] = ov.Gsi
	}
	if tables.Has8259 {
		mask8259()
	}
	if Irqchip == nil {
		chiplk.Init("irq chip")
		Irqchip = ic
	}
	return ic, 0
}

/// Mappedirq_t ties an IRQ line to one redirection entry; freeing it
/// disables the entry.
type Mappedirq_t struct {
	ap    *Ioapic_t
	pin   uint8
	line  *Irqline_t
	freed bool
}

/// Gsi returns the GSI this mapping serves.
func (mi *Mappedirq_t) Gsi() uint32 {
	return mi.ap.gsibase + uint32(mi.pin)
}

/// Line returns the routed IRQ line.
func (mi *Mappedirq_t) Line() *Irqline_t {
	return mi.line
}

/// Free writes a masked redirection entry back.
func (mi *Mappedirq_t) Free() {
	if mi.freed {
		return
	}
	mi.freed = true
	mi.ap.lk.Lock()
	mi.ap.writerte(mi.pin, rtemask)
	mi.ap.lk.Unlock()
}

func (ic *Irqchip_t) apicfor(gsi uint32) *Ioapic_t {
	for _, ap := range ic.apics {
		lo, hi := ap.Gsirange()
		if gsi >= lo && gsi < hi {
			return ap
		}
	}
	return nil
}

// encode the redirection entry for a line. The remappable format
// sets bit 48 and splits the 16-bit index across bit 11 and bits
// 49..63.
func rtefor(line *Irqline_t) uint64 {
	rte := uint64(line.Num())
	idx := line.Remapidx()
	if idx >= 0 {
		rte |= rteirfmt
		rte |= uint64(idx&0x7fff) << 49
		rte |= uint64(idx>>15&1) << 11
	}
	return rte
}

/// Mapgsi routes gsi to the line. The redirection entry must be
/// unprogrammed (vector byte zero); -EACCES otherwise, -EINVAL when
/// no I/O APIC serves gsi.
func (ic *Irqchip_t) Mapgsi(line *Irqline_t, gsi uint32) (*Mappedirq_t, defs.Err_t) {
	ap := ic.apicfor(gsi)
	if ap == nil {
		return nil, -defs.EINVAL
	}
	pin := uint8(gsi - ap.gsibase)
	ap.lk.Lock()
	defer ap.lk.Unlock()
	if ap.readrte(pin)&0xff != 0 {
		return nil, -defs.EACCES
	}
	ap.writerte(pin, rtefor(line))
	return &Mappedirq_t{ap: ap, pin: pin, line: line}, 0
}

/// Mapisa routes a legacy ISA IRQ, translating it through the
/// override table (identity when no override exists).
func (ic *Irqchip_t) Mapisa(line *Irqline_t, isa uint8) (*Mappedirq_t, defs.Err_t) {
	gsi := uint32(isa)
	if g, ok := ic.overrides[isa]; ok {
		gsi = g
	}
	return ic.Mapgsi(line, gsi)
}
