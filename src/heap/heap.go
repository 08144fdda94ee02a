// Package heap is the small-object allocator the rest of the kernel
// lives on: a buddy heap seeded from a static byte array and grown
// synchronously from the frame allocator when an allocation fails.
// Freed blocks go back on the heap's lists and are never returned to
// physical memory.
package heap

import "sync/atomic"
import "unsafe"

import "klog"
import "lock"
import "mem"
import "util"

// block sizes run from 1<<minshift bytes up to a full rescue grant.
const minshift = 5
const maxshift = 26

// the static seed the heap starts on before the frame allocator is
// up.
const seedsz = 1 << 20

var seed [seedsz]uint8

// rescue asks for at least this much when the heap runs dry.
const rescuebytes = 64 << 20

/// Kheap_t is a buddy heap. The free lists are threaded through the
/// free blocks themselves: the first word of a free block holds the
/// address of the next free block of the same order.
type Kheap_t struct {
	lk       lock.Spinlock_t
	free     [maxshift + 1]uintptr
	inuse    int64
	total    int64
	rescues  int64
	segs   []*mem.Seg_t
	seeded bool
}

/// Kheap is the global kernel heap.
var Kheap = &Kheap_t{}

func loadnext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storenext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

func (h *Kheap_t) push(addr uintptr, shift uint) {
	storenext(addr, h.free[shift])
	h.free[shift] = addr
}

func (h *Kheap_t) pop(shift uint) (uintptr, bool) {
	a := h.free[shift]
	if a == 0 {
		return 0, false
	}
	h.free[shift] = loadnext(a)
	return a, true
}

// addregion carves [base, base+l) into power-of-two blocks, largest
// first, and pushes them on the lists. Blocks are word-aligned; the
// buddy split in grab keeps sizes aligned relative to the block.
// Caller holds the lock.
func (h *Kheap_t) addregion(base uintptr, l int) {
	if r := base & 7; r != 0 {
		base += 8 - r
		l -= int(8 - r)
	}
	h.total += int64(l)
	off := uintptr(0)
	for l-int(off) >= 1<<minshift {
		left := uint(l - int(off))
		// largest power of two that still fits
		shift := util.Min(uint(maxshift), util.Log2up(left+1)-1)
		h.push(base+off, shift)
		off += 1 << shift
	}
}

func shiftfor(sz int) uint {
	s := util.Log2up(uint(sz))
	if s < minshift {
		s = minshift
	}
	return s
}

// grab finds a block of the given order, splitting larger blocks.
// Caller holds the lock.
func (h *Kheap_t) grab(shift uint) (uintptr, bool) {
	k := shift
	var a uintptr
	var ok bool
	for ; k <= maxshift; k++ {
		if a, ok = h.pop(k); ok {
			break
		}
	}
	if !ok {
		return 0, false
	}
	for k > shift {
		k--
		h.push(a+1<<k, k)
	}
	return a, true
}

// rescue grows the heap from physical frames. Called with the heap
// lock released: the frame allocator needs a little heap itself and
// holding our lock across it would deadlock.
func (h *Kheap_t) rescue(sz int) bool {
	want := util.Max(util.Roundup(sz, mem.PGSIZE), rescuebytes) / mem.PGSIZE
	sg, err := mem.Allocopts_t{Count: want}.Alloc()
	if err != 0 {
		// pressure; settle for exactly the request
		want = util.Roundup(sz, mem.PGSIZE) / mem.PGSIZE
		sg, err = mem.Allocopts_t{Count: want}.Alloc()
		if err != 0 {
			return false
		}
	}
	w := sg.Writer()
	base := uintptr(unsafe.Pointer(&w[0]))
	h.lk.Lock()
	h.segs = append(h.segs, sg)
	h.addregion(base, sg.Len())
	h.lk.Unlock()
	atomic.AddInt64(&h.rescues, 1)
	klog.Printf("heap: rescued %v pages\n", sg.Count())
	return true
}

/// Init seeds the heap from the static array. Alloc self-seeds too;
/// boot calls this early so the first allocations never rescue.
func (h *Kheap_t) Init() {
	h.lk.Lock()
	if !h.seeded {
		h.seeded = true
		h.addregion(uintptr(unsafe.Pointer(&seed[0])), seedsz)
	}
	h.lk.Unlock()
	klog.Printf("heap: %v byte seed\n", seedsz)
}

/// Alloc returns sz bytes, or nil when both the heap and the rescue
/// path are exhausted. Callers treat nil as fatal except at marked
/// sites.
func (h *Kheap_t) Alloc(sz int) unsafe.Pointer {
	if sz <= 0 {
		return nil
	}
	shift := shiftfor(sz)
	if shift > maxshift {
		return nil
	}
	for tries := 0; tries < 2; tries++ {
		h.lk.Lock()
		if !h.seeded {
			h.seeded = true
			h.addregion(uintptr(unsafe.Pointer(&seed[0])), seedsz)
		}
		if a, ok := h.grab(shift); ok {
			h.inuse += 1 << shift
			h.lk.Unlock()
			return unsafe.Pointer(a)
		}
		h.lk.Unlock()
		if !h.rescue(1 << shift) {
			break
		}
	}
	return nil
}

/// Free returns a block of sz bytes to the heap.
func (h *Kheap_t) Free(p unsafe.Pointer, sz int) {
	if p == nil {
		return
	}
	shift := shiftfor(sz)
	h.lk.Lock()
	h.push(uintptr(p), shift)
	h.inuse -= 1 << shift
	h.lk.Unlock()
}

/// Inuse returns the bytes currently allocated.
func (h *Kheap_t) Inuse() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return int(h.inuse)
}

/// Total returns the bytes the heap manages.
func (h *Kheap_t) Total() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return int(h.total)
}

/// Rescues returns how many times the heap grew from frames.
func (h *Kheap_t) Rescues() int {
	return int(atomic.LoadInt64(&h.rescues))
}
