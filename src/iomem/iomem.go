// Package iomem tracks which physical addresses outside RAM are legal
// device MMIO and hands out exclusive, page-granular Iomem_t handles
// over them. The read/write primitives are the only way to touch a
// granted region.
package iomem

import "sort"
import "sync/atomic"
import "unsafe"

import "defs"
import "klog"
import "lock"
import "mem"
import "util"

// one allocator per registered range: a page bitmap plus the backing
// bytes the accessors operate on. On hardware the backing is the
// device itself; here it is owned memory so drivers and tests see
// real, observable registers.
type ioalloc_t struct {
	start mem.Pa_t
	end   mem.Pa_t
	bits  []uint64
	// pages unprotected towards the confidential guest already
	unprot  []uint64
	backing []uint8
}

func (a *ioalloc_t) npages() int {
	return int(a.end-a.start) / mem.PGSIZE
}

func (a *ioalloc_t) pgidx(pa mem.Pa_t) uint {
	return uint(pa-a.start) >> mem.PGSHIFT
}

func bitset(bits []uint64, i uint) bool {
	return bits[i>>6]&(1<<(i&63)) != 0
}

func setbit(bits []uint64, i uint) {
	bits[i>>6] |= 1 << (i & 63)
}

func clearbit(bits []uint64, i uint) {
	bits[i>>6] &^= 1 << (i & 63)
}

/// Iodisp_t is the MMIO dispatcher.
type Iodisp_t struct {
	lk     lock.Spinlock_t
	allocs []*ioalloc_t
}

/// Iodispatcher is the global dispatcher instance.
var Iodispatcher = &Iodisp_t{}

/// Unprotectfn, when set, is called once per page the first time a
/// removal fully covers it, to unshare the page from the confidential
/// guest's perspective. This is the single policy point for that
/// mode.
var Unprotectfn func(pa mem.Pa_t)

/// Addrange registers [start, end) as legal MMIO. Init-time only; the
/// range must be page-aligned and disjoint from RAM and from every
/// range registered before it.
func (d *Iodisp_t) Addrange(start, end mem.Pa_t) {
	if start&mem.PGOFFSET != 0 || end&mem.PGOFFSET != 0 || end <= start {
		defs.Kpanic("bad io range [%#x, %#x)", start, end)
	}
	a := &ioalloc_t{
		start:   start,
		end:     end,
		backing: make([]uint8, int(end-start)),
	}
	words := (a.npages() + 63) / 64
	a.bits = make([]uint64, words)
	a.unprot = make([]uint64, words)
	d.lk.Lock()
	for _, o := range d.allocs {
		if start < o.end && o.start < end {
			d.lk.Unlock()
			defs.Kpanic("io range [%#x, %#x) overlaps [%#x, %#x)",
				start, end, o.start, o.end)
		}
	}
	d.allocs = append(d.allocs, a)
	sort.Slice(d.allocs, func(i, j int) bool {
		return d.allocs[i].start < d.allocs[j].start
	})
	d.lk.Unlock()
	klog.Printf("iomem: window [%#x, %#x)\n", start, end)
}

func (d *Iodisp_t) find(pa mem.Pa_t) *ioalloc_t {
	for _, a := range d.allocs {
		if pa >= a.start && pa < a.end {
			return a
		}
	}
	return nil
}

/// Get grants exclusive access to the pages covering [start, end).
/// The grant is rounded out to page boundaries. Fails with -EACCES
/// when any covered page is already claimed, -EINVAL when the request
/// crosses a window boundary, -ENOENT when no window covers it.
func (d *Iodisp_t) Get(start, end mem.Pa_t) (*Iomem_t, defs.Err_t) {
	if end <= start {
		return nil, -defs.EINVAL
	}
	lo := start & mem.PGMASK
	hi := mem.Pa_t(util.Roundup(int(end), mem.PGSIZE))
	d.lk.Lock()
	defer d.lk.Unlock()
	a := d.find(lo)
	if a == nil {
		return nil, -defs.ENOENT
	}
	if hi > a.end {
		return nil, -defs.EINVAL
	}
	for i := a.pgidx(lo); i < a.pgidx(hi); i++ {
		if bitset(a.bits, i) {
			return nil, -defs.EACCES
		}
	}
	for i := a.pgidx(lo); i < a.pgidx(hi); i++ {
		setbit(a.bits, i)
	}
	return &Iomem_t{d: d, a: a, start: lo, end: hi}, 0
}

/// Remove marks the pages covering [start, end) permanently in-use,
/// excluding them from driver claims. Pages not yet unshared towards
/// a confidential guest are unshared now, exactly once each.
func (d *Iodisp_t) Remove(start, end mem.Pa_t) defs.Err_t {
	lo := start & mem.PGMASK
	hi := mem.Pa_t(util.Roundup(int(end), mem.PGSIZE))
	d.lk.Lock()
	defer d.lk.Unlock()
	a := d.find(lo)
	if a == nil {
		return -defs.ENOENT
	}
	if hi > a.end {
		return -defs.EINVAL
	}
	for i := a.pgidx(lo); i < a.pgidx(hi); i++ {
		if bitset(a.bits, i) {
			return -defs.EACCES
		}
	}
	for i := a.pgidx(lo); i < a.pgidx(hi); i++ {
		setbit(a.bits, i)
		if Unprotectfn != nil && !bitset(a.unprot, i) {
			setbit(a.unprot, i)
			Unprotectfn(a.start + mem.Pa_t(int(i)*mem.PGSIZE))
		}
	}
	return 0
}

/// Iomem_t is an exclusive handle to whole MMIO pages.
type Iomem_t struct {
	d     *Iodisp_t
	a     *ioalloc_t
	start mem.Pa_t
	end   mem.Pa_t
	freed bool
}

/// Paddr returns the covered range's base.
func (io *Iomem_t) Paddr() mem.Pa_t {
	return io.start
}

/// Len returns the covered range's length in bytes.
func (io *Iomem_t) Len() int {
	return int(io.end - io.start)
}

func (io *Iomem_t) checkoff(off, sz int) {
	if io.freed {
		defs.Kpanic("access through freed iomem")
	}
	if off < 0 || off+sz > io.Len() || off%sz != 0 {
		defs.Kpanic("iomem access [%#x+%d) out of [%#x, %#x)",
			off, sz, io.start, io.end)
	}
}

func (io *Iomem_t) word(off int) *uint32 {
	base := int(io.start - io.a.start)
	return (*uint32)(unsafe.Pointer(&io.a.backing[base+off]))
}

func (io *Iomem_t) dword(off int) *uint64 {
	base := int(io.start - io.a.start)
	return (*uint64)(unsafe.Pointer(&io.a.backing[base+off]))
}

/// Readonce32 performs a single 32-bit read at off.
func (io *Iomem_t) Readonce32(off int) uint32 {
	io.checkoff(off, 4)
	return atomic.LoadUint32(io.word(off))
}

/// Writeonce32 performs a single 32-bit write at off.
func (io *Iomem_t) Writeonce32(off int, v uint32) {
	io.checkoff(off, 4)
	atomic.StoreUint32(io.word(off), v)
}

/// Readonce64 performs a single 64-bit read at off.
func (io *Iomem_t) Readonce64(off int) uint64 {
	io.checkoff(off, 8)
	return atomic.LoadUint64(io.dword(off))
}

/// Writeonce64 performs a single 64-bit write at off.
func (io *Iomem_t) Writeonce64(off int, v uint64) {
	io.checkoff(off, 8)
	atomic.StoreUint64(io.dword(off), v)
}

/// Read copies len(dst) bytes starting at off.
func (io *Iomem_t) Read(dst []uint8, off int) {
	io.checkoff(off, 1)
	if off+len(dst) > io.Len() {
		defs.Kpanic("iomem bulk read out of range")
	}
	base := int(io.start - io.a.start)
	copy(dst, io.a.backing[base+off:base+off+len(dst)])
}

/// Write copies src into the region starting at off.
func (io *Iomem_t) Write(src []uint8, off int) {
	io.checkoff(off, 1)
	if off+len(src) > io.Len() {
		defs.Kpanic("iomem bulk write out of range")
	}
	base := int(io.start - io.a.start)
	copy(io.a.backing[base+off:], src)
}

/// Free releases the handle, clearing exactly the page bits it set.
func (io *Iomem_t) Free() {
	if io.freed {
		return
	}
	io.freed = true
	io.d.lk.Lock()
	for i := io.a.pgidx(io.start); i < io.a.pgidx(io.end); i++ {
		clearbit(io.a.bits, i)
	}
	io.d.lk.Unlock()
}
