// Package vm is the virtual-memory mapping engine: page tables built
// from typed frames, a cursor that performs range operations in a
// single descent, per-space RSS counters and batched TLB
// invalidation.
package vm

import "mem"

/// PTE_P marks a page as present.
const PTE_P mem.Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W mem.Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U mem.Pa_t = 1 << 2

/// PTE_PCD disables caching for the page.
const PTE_PCD mem.Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS mem.Pa_t = 1 << 7

/// PTE_G marks a global page.
const PTE_G mem.Pa_t = 1 << 8

/// PTE_SHARED marks a shared mapping (software bit).
const PTE_SHARED mem.Pa_t = 1 << 9

/// PTE_NX forbids instruction fetch.
const PTE_NX mem.Pa_t = 1 << 63

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR mem.Pa_t = mem.PGMASK &^ PTE_NX

// permission bits a caller may set; everything else is owned by the
// walker.
const permmask = PTE_W | PTE_U | PTE_PCD | PTE_G | PTE_SHARED | PTE_NX

/// LEVELS is the depth of the page table tree.
const LEVELS uint = 4

/// VAMAX is the span of virtual addresses the LEVELS-deep tree
/// translates (2^48 bytes).
const VAMAX uintptr = 1 << (9*LEVELS + mem.PGSHIFT)

func pshift(lvl uint) uint {
	return mem.PGSHIFT + 9*(lvl-1)
}

func pidx(va uintptr, lvl uint) int {
	return int((va >> pshift(lvl)) & 0x1ff)
}

func pagesize(lvl uint) uintptr {
	return uintptr(1) << pshift(lvl)
}
