package mem

import "unsafe"

import "defs"

// The kernel maps all of RAM at a fixed linear offset; Dmap and
// friends convert a physical address into that window. Here the
// window is the allocator's backing arena, so the conversions stay
// pure pointer arithmetic.

func (phys *Physmem_t) off(p Pa_t) int {
	if p < phys.abase || int(p-phys.abase) >= len(phys.arena) {
		defs.Kpanic("pa %#x outside direct map", p)
	}
	return int(p - phys.abase)
}

/// Dmap converts a physical address into its direct-mapped page.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	o := phys.off(p & PGMASK)
	return (*Pg_t)(unsafe.Pointer(&phys.arena[o]))
}

/// Dmappmap views the page at p as a page-table page.
func (phys *Physmem_t) Dmappmap(p Pa_t) *Pmap_t {
	return Pg2pmap(phys.Dmap(p))
}

/// Dmap8 returns a byte view starting at p and running to the end of
/// its page.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Dmap_v2p converts a direct-mapped page pointer back to a physical
/// address.
func (phys *Physmem_t) Dmap_v2p(pg *Pg_t) Pa_t {
	va := uintptr(unsafe.Pointer(pg))
	base := uintptr(unsafe.Pointer(&phys.arena[0]))
	if va < base || va >= base+uintptr(len(phys.arena)) {
		defs.Kpanic("address %#x isn't in the direct map", va)
	}
	return phys.abase + Pa_t(va-base)
}

/// Dmaplen returns a byte view over [p, p+l) through the direct map.
func Dmaplen(p Pa_t, l int) []uint8 {
	phys := Physmem
	o := phys.off(p)
	if o+l > len(phys.arena) {
		defs.Kpanic("dmap range %#x+%#x out of bounds", p, l)
	}
	return phys.arena[o : o+l]
}

/// Zeropg is a global zero-filled page used for allocations.
var Zeropg *Pg_t

/// P_zeropg is the physical address of Zeropg. Its reference count is
/// pinned; it is never freed.
var P_zeropg Pa_t

func zeropg_init() {
	sg, err := Allocopts_t{Count: 1, Zeroed: true}.Alloc()
	if err != 0 {
		defs.Kpanic("oom in dmap init")
	}
	P_zeropg = sg.Paddr()
	Zeropg = Physmem.Dmap(P_zeropg)
	// one extra pin so stray unmaps can never free it
	Physmem.Refup(P_zeropg)
}
