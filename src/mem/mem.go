// Package mem owns every RAM page. A parallel slot array keeps one
// metadata record per page frame: a reference count, a type tag and a
// typed payload. Free memory is kept in a buddy allocator whose free
// chunks are themselves frames: the first page of each chunk carries
// the chunk's order in its slot and the slot doubles as the free-list
// link node.
package mem

import "sync/atomic"
import "unsafe"

import "bootmem"
import "defs"
import "klog"
import "lock"
import "util"

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// MAXORDER is the largest buddy order: chunks run from one page up
/// to 2^MAXORDER pages.
const MAXORDER uint = 16

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

// paranoid enables the unused-range assertions on the split and
// from-unused paths.
const paranoid = true

const nilidx = ^uint32(0)

const badpa = Pa_t(^uintptr(0))

/// Tag_t discriminates the metadata variant stored in a slot.
type Tag_t uint8

/// Slot tags. TAGUNUSED and TAGFREE are owned by the allocator; the
/// rest are user metadata installed through a unique frame.
const (
	TAGUNUSED Tag_t = iota
	TAGFREE
	TAGANON
	TAGFILE
	TAGPT
	TAGKSTACK
	TAGDMA
)

/// Meta_i is implemented by every typed frame metadata variant.
type Meta_i interface {
	Tag() Tag_t
}

/// Freehead_t is the metadata of the first page of a free buddy
/// chunk.
type Freehead_t struct {
	Order uint8
}

/// Tag returns TAGFREE.
func (Freehead_t) Tag() Tag_t { return TAGFREE }

/// Anon_t marks an anonymous user page.
type Anon_t struct{}

/// Tag returns TAGANON.
func (Anon_t) Tag() Tag_t { return TAGANON }

/// Filepg_t marks a page-cache page.
type Filepg_t struct {
	Off int
}

/// Tag returns TAGFILE.
func (Filepg_t) Tag() Tag_t { return TAGFILE }

/// Ptpage_t marks a page-table page and records its level.
type Ptpage_t struct {
	Level uint8
}

/// Tag returns TAGPT.
func (Ptpage_t) Tag() Tag_t { return TAGPT }

/// Kstack_t marks a kernel stack page.
type Kstack_t struct{}

/// Tag returns TAGKSTACK.
func (Kstack_t) Tag() Tag_t { return TAGKSTACK }

/// Dmapg_t marks a page pinned under a DMA mapping.
type Dmapg_t struct{}

/// Tag returns TAGDMA.
func (Dmapg_t) Tag() Tag_t { return TAGDMA }

// slot_t is the per-page metadata record. refcnt is -10 for pages
// outside any usable region (same convention as the boot scrub),
// 0 for unused/free pages and positive for referenced ones. nexti and
// previ thread the page into its order's free list when tag is
// TAGFREE and the page heads a chunk.
type slot_t struct {
	refcnt  int32
	tag     Tag_t
	order   uint8
	nexti   uint32
	previ   uint32
	payload interface{}
}

/// Physmem_t manages all physical memory for the system.
type Physmem_t struct {
	lk     lock.Spinlock_t
	slots  []slot_t
	startn uint32
	// per-order free-list heads, indices into slots
	free    [MAXORDER + 1]uint32
	freepgs int
	arena   []uint8
	abase   Pa_t
	// set once the direct map is live; allocation panics before that
	Dmapinit bool
	initlk   lock.Oncelock_t
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

func (phys *Physmem_t) idx(pa Pa_t) uint32 {
	return _pg2pgn(pa) - phys.startn
}

func (phys *Physmem_t) pa(idx uint32) Pa_t {
	return Pa_t(idx+phys.startn) << PGSHIFT
}

/// Refaddr returns the refcount pointer for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) *int32 {
	return &phys.slots[phys.idx(p_pg)].refcnt
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p_pg)))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p_pg), 1)
	if c <= 0 {
		defs.Kpanic("refup of free page %#x", p_pg)
	}
}

/// Refdown decrements the reference count of a page. When the count
/// reaches zero the page's metadata is destroyed and the page returns
/// to the buddy lists. Returns true when the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	c := atomic.AddInt32(phys.Refaddr(p_pg), -1)
	if c < 0 {
		defs.Kpanic("refdown of free page %#x", p_pg)
	}
	if c != 0 {
		return false
	}
	phys.lk.Lock()
	s := &phys.slots[phys.idx(p_pg)]
	s.tag = TAGUNUSED
	s.payload = nil
	phys.insertchunk(p_pg, 0)
	phys.lk.Unlock()
	return true
}

// free-list plumbing. the lists are doubly linked through the slot
// array indices so a chunk can be unlinked in O(1) during merge.

func (phys *Physmem_t) pushfree(idx uint32, order uint) {
	s := &phys.slots[idx]
	s.nexti = phys.free[order]
	s.previ = nilidx
	if s.nexti != nilidx {
		phys.slots[s.nexti].previ = idx
	}
	phys.free[order] = idx
}

func (phys *Physmem_t) unlinkfree(idx uint32, order uint) {
	s := &phys.slots[idx]
	if s.previ != nilidx {
		phys.slots[s.previ].nexti = s.nexti
	} else {
		phys.free[order] = s.nexti
	}
	if s.nexti != nilidx {
		phys.slots[s.nexti].previ = s.previ
	}
	s.nexti, s.previ = nilidx, nilidx
}

// insertchunk makes [pa, pa + 2^order pages) a free chunk and merges
// it with its buddies as far as possible. Caller holds the lock; the
// head slot must be unused.
func (phys *Physmem_t) insertchunk(pa Pa_t, order uint) {
	phys.freepgs += 1 << order
	for order < MAXORDER {
		bud := pa ^ (1 << (order + PGSHIFT))
		bn := _pg2pgn(bud)
		if bn < phys.startn || bn-phys.startn >= uint32(len(phys.slots)) {
			break
		}
		bs := &phys.slots[phys.idx(bud)]
		// the buddy must head a free chunk of the same order and be
		// uniquely free
		if bs.tag != TAGFREE || bs.refcnt != 0 || uint(bs.order) != order {
			break
		}
		phys.unlinkfree(phys.idx(bud), order)
		// the losing head's metadata is destructed
		bs.tag = TAGUNUSED
		bs.payload = nil
		if bud < pa {
			hs := &phys.slots[phys.idx(pa)]
			hs.tag = TAGUNUSED
			hs.payload = nil
			pa = bud
		}
		order++
	}
	hi := phys.idx(pa)
	hs := &phys.slots[hi]
	hs.tag = TAGFREE
	hs.order = uint8(order)
	hs.payload = Freehead_t{Order: uint8(order)}
	phys.pushfree(hi, order)
}

func (phys *Physmem_t) assertunused(pa Pa_t, order uint) {
	if !paranoid {
		return
	}
	for i := uint32(0); i < 1<<order; i++ {
		s := &phys.slots[phys.idx(pa)+i]
		if s.refcnt != 0 || s.tag != TAGUNUSED {
			defs.Kpanic("page %#x not unused (tag %d ref %d)",
				pa+Pa_t(int(i)*PGSIZE), s.tag, s.refcnt)
		}
	}
}

// popchunk takes the head chunk off the given order's list. Caller
// holds the lock.
func (phys *Physmem_t) popchunk(order uint) (Pa_t, bool) {
	hi := phys.free[order]
	if hi == nilidx {
		return 0, false
	}
	phys.unlinkfree(hi, order)
	return phys.pa(hi), true
}

/// Alloc returns a unique handle to a free chunk of exactly 2^order
/// pages. The chunk head keeps its free-head metadata until the owner
/// retypes it. Fails with -ENOMEM when no chunk of a sufficient order
/// exists.
func (phys *Physmem_t) Alloc(order uint) (*Uniqueframe_t, defs.Err_t) {
	if !phys.Dmapinit {
		defs.Kpanic("phys alloc before init")
	}
	if order > MAXORDER {
		return nil, -defs.EINVAL
	}
	phys.lk.Lock()
	k := order
	var pa Pa_t
	var ok bool
	for ; k <= MAXORDER; k++ {
		if pa, ok = phys.popchunk(k); ok {
			break
		}
	}
	if !ok {
		phys.lk.Unlock()
		return nil, -defs.ENOMEM
	}
	// split: each halving re-initialises the second half's head
	// metadata from the unused state
	for k > order {
		k--
		bud := pa + (1 << (k + PGSHIFT))
		bs := &phys.slots[phys.idx(bud)]
		if paranoid && (bs.tag != TAGUNUSED || bs.refcnt != 0) {
			defs.Kpanic("split buddy %#x not unused", bud)
		}
		bs.tag = TAGFREE
		bs.order = uint8(k)
		bs.payload = Freehead_t{Order: uint8(k)}
		phys.pushfree(phys.idx(bud), k)
	}
	hs := &phys.slots[phys.idx(pa)]
	hs.order = uint8(order)
	hs.payload = Freehead_t{Order: uint8(order)}
	hs.refcnt = 1
	phys.freepgs -= 1 << order
	phys.lk.Unlock()
	return &Uniqueframe_t{pa: pa, order: order}, 0
}

/// Dealloc returns a chunk to the allocator, merging it with its
/// buddy when the buddy is also uniquely free.
func (phys *Physmem_t) Dealloc(uf *Uniqueframe_t) {
	uf.mustown()
	s := &phys.slots[phys.idx(uf.pa)]
	if s.tag != TAGFREE {
		defs.Kpanic("dealloc of retyped chunk %#x", uf.pa)
	}
	if atomic.AddInt32(&s.refcnt, -1) != 0 {
		defs.Kpanic("dealloc of shared chunk %#x", uf.pa)
	}
	phys.lk.Lock()
	s.tag = TAGUNUSED
	s.payload = nil
	phys.insertchunk(uf.pa, uf.order)
	phys.lk.Unlock()
	uf.pa = badpa
}

/// Fromunused materialises a chunk over a range known to be unused,
/// asserting that it really is.
func (phys *Physmem_t) Fromunused(pa Pa_t, order uint) *Uniqueframe_t {
	if pa&(1<<(order+PGSHIFT)-1) != 0 {
		defs.Kpanic("chunk %#x not aligned to order %d", pa, order)
	}
	phys.lk.Lock()
	phys.assertunused(pa, order)
	s := &phys.slots[phys.idx(pa)]
	s.tag = TAGFREE
	s.order = uint8(order)
	s.payload = Freehead_t{Order: uint8(order)}
	s.refcnt = 1
	phys.lk.Unlock()
	return &Uniqueframe_t{pa: pa, order: order}
}

/// Freepgs returns the number of pages on the free lists.
func (phys *Physmem_t) Freepgs() int {
	phys.lk.Lock()
	defer phys.lk.Unlock()
	return phys.freepgs
}

/// Freechunks returns how many chunks the given order's list holds.
func (phys *Physmem_t) Freechunks(order uint) int {
	phys.lk.Lock()
	defer phys.lk.Unlock()
	n := 0
	for i := phys.free[order]; i != nilidx; i = phys.slots[i].nexti {
		n++
	}
	return n
}

/// Onfreelist reports whether pa heads a free chunk of the given
/// order.
func (phys *Physmem_t) Onfreelist(pa Pa_t, order uint) bool {
	phys.lk.Lock()
	defer phys.lk.Unlock()
	for i := phys.free[order]; i != nilidx; i = phys.slots[i].nexti {
		if phys.pa(i) == pa {
			return true
		}
	}
	return false
}

/// Phys_init initializes the global allocator from the boot-time
/// memory map. Only Usable regions (already scrubbed of the kernel
/// image and modules) become allocatable.
func Phys_init(regions []bootmem.Region_t) *Physmem_t {
	phys := Physmem
	phys.initlk.Init("physmem")

	var lo, hi Pa_t
	first := true
	for _, r := range regions {
		if r.Rtype != bootmem.USABLE {
			continue
		}
		base := Pa_t(util.Roundup(int(r.Base), PGSIZE))
		end := Pa_t(util.Rounddown(int(r.Base+r.Len), PGSIZE))
		if end <= base {
			continue
		}
		if first || base < lo {
			lo = base
		}
		if first || end > hi {
			hi = end
		}
		first = false
	}
	if first {
		defs.Kpanic("no usable memory")
	}
	npgs := uint32((hi - lo) >> PGSHIFT)
	phys.startn = _pg2pgn(lo)
	phys.slots = make([]slot_t, npgs)
	for i := range phys.slots {
		// holes between regions stay unusable
		phys.slots[i].refcnt = -10
		phys.slots[i].nexti = nilidx
		phys.slots[i].previ = nilidx
	}
	for i := range phys.free {
		phys.free[i] = nilidx
	}
	phys.abase = lo
	phys.arena = make([]uint8, int(hi-lo))
	phys.Dmapinit = true

	for _, r := range regions {
		if r.Rtype != bootmem.USABLE {
			continue
		}
		base := Pa_t(util.Roundup(int(r.Base), PGSIZE))
		end := Pa_t(util.Rounddown(int(r.Base+r.Len), PGSIZE))
		for pa := base; pa < end; {
			left := uint((end - pa) >> PGSHIFT)
			order := util.Min(MAXORDER, util.Tzcnt(uintptr(pa))-PGSHIFT)
			for uint(1)<<order > left {
				order--
			}
			for i := uint32(0); i < 1<<order; i++ {
				phys.slots[phys.idx(pa)+i].refcnt = 0
			}
			phys.lk.Lock()
			phys.insertchunk(pa, order)
			phys.lk.Unlock()
			pa += Pa_t(PGSIZE) << order
		}
	}
	klog.Printf("phys: %v pages (%vMB) in %v slots\n",
		phys.freepgs, phys.freepgs>>8, len(phys.slots))
	zeropg_init()
	return phys
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

/// Pg2pmap views a page as a page-table page.
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}
