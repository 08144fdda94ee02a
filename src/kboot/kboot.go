// Package kboot sequences early boot: it normalises the firmware
// memory map, brings up the frame allocator, registers the MMIO
// windows, parses the ACPI tables and builds the interrupt chip. The
// order is fixed and asserted; each consumer below owns the inventory
// it is handed.
package kboot

import "acpi"
import "apic"
import "bootmem"
import "cpud"
import "defs"
import "heap"
import "iomem"
import "klog"
import "lock"
import "mem"
import "proc"
import "vm"

/// Bootinfo_t is what the loader hands the kernel.
type Bootinfo_t struct {
	Memmap []bootmem.Region_t
	// physical address of the ACPI RSDP
	Rsdppa mem.Pa_t
	// top of low memory, for the low MMIO window
	Tolm uintptr
	Ncpus int
	// loader-staged device and firmware bytes, keyed by physical
	// address; placed once the MMIO windows exist
	Firmware map[mem.Pa_t][]uint8
}

/// Machine_t is the booted core: the inventories every driver and
/// service hangs off.
type Machine_t struct {
	Regions []bootmem.Region_t
	Tables  *acpi.Tables_t
	Chip    *apic.Irqchip_t
	Boottask *proc.Task_t
}

var bootonce lock.Oncelock_t

/// Boot brings the core up. It must run exactly once, before any
/// other kernel service.
func Boot(bi *Bootinfo_t) (*Machine_t, defs.Err_t) {
	bootonce.Init("kboot")
	if bi.Ncpus > 0 {
		cpud.Setcount(bi.Ncpus)
	}

	// memory first: everything below allocates
	heap.Kheap.Init()
	regions := bootmem.Normalize(bi.Memmap)
	mem.Phys_init(bootmem.Usable(regions))

	// non-RAM windows for device MMIO
	var himem uintptr
	for _, r := range regions {
		if r.Rtype == bootmem.USABLE && r.End() > himem {
			himem = r.End()
		}
	}
	for _, w := range bootmem.Mmiowindows(bi.Tolm, himem) {
		iomem.Iodispatcher.Addrange(mem.Pa_t(w.Base), mem.Pa_t(w.End()))
	}

	for pa, blob := range bi.Firmware {
		io, err := iomem.Iodispatcher.Get(pa, pa+mem.Pa_t(len(blob)))
		if err != 0 {
			return nil, err
		}
		io.Write(blob, int(pa-io.Paddr()))
		io.Free()
	}

	// the ACPI tables live in the low window
	tables, err := acpi.Parse(iomem.Iodispatcher, bi.Rsdppa)
	if err != 0 {
		return nil, err
	}
	chip, err := apic.Mkchip(iomem.Iodispatcher, tables)
	if err != 0 {
		return nil, err
	}

	// kernel address space and the boot thread as first task
	vm.Kernelspace()
	t := proc.Inittask()

	klog.Printf("kboot: %d cpus, %d ioapics\n",
		cpud.Numcpus(), len(tables.Ioapics))
	return &Machine_t{
		Regions: regions,
		Tables:  tables,
		Chip:    chip,
		Boottask: t,
	}, 0
}
