package mem

import "sync/atomic"

import "defs"

// Frame handles. A Frame_t is a shared, reference-counted handle to a
// single page whose metadata variant is known from the slot tag; a
// Uniqueframe_t promises a reference count of exactly one, which is
// the only state in which the page's metadata may be replaced.

/// Frame_t is a shared handle to one page frame.
type Frame_t struct {
	pa Pa_t
}

/// Uniqueframe_t is an exclusively-owned chunk handle (one page for
/// retyped frames, 2^order pages straight from the allocator).
type Uniqueframe_t struct {
	pa    Pa_t
	order uint
}

func (uf *Uniqueframe_t) mustown() {
	if uf.pa == badpa {
		defs.Kpanic("use of consumed unique frame")
	}
}

/// Pa returns the head physical address.
func (uf *Uniqueframe_t) Pa() Pa_t {
	uf.mustown()
	return uf.pa
}

/// Order returns the chunk order.
func (uf *Uniqueframe_t) Order() uint {
	return uf.order
}

/// Retype destroys the chunk head's current metadata and installs m.
/// Only the unique owner may do this; the old payload is dropped
/// while the count is held at one, which is the fused form of the
/// populated -> unused -> populated transition.
func (uf *Uniqueframe_t) Retype(m Meta_i) {
	uf.mustown()
	phys := Physmem
	s := &phys.slots[phys.idx(uf.pa)]
	if atomic.LoadInt32(&s.refcnt) != 1 {
		defs.Kpanic("retype of shared frame %#x", uf.pa)
	}
	s.tag = m.Tag()
	s.payload = m
}

/// Share converts the unique handle into a shared frame. The order
/// must be zero: only single pages are shared.
func (uf *Uniqueframe_t) Share() Frame_t {
	uf.mustown()
	if uf.order != 0 {
		defs.Kpanic("sharing a multi-page chunk")
	}
	pa := uf.pa
	uf.pa = badpa
	return Frame_t{pa: pa}
}

/// Pa returns the frame's physical address.
func (f Frame_t) Pa() Pa_t {
	return f.pa
}

/// Tagof returns the frame's metadata tag.
func (f Frame_t) Tagof() Tag_t {
	phys := Physmem
	return phys.slots[phys.idx(f.pa)].tag
}

/// Meta returns the frame's metadata payload.
func (f Frame_t) Meta() Meta_i {
	phys := Physmem
	m, _ := phys.slots[phys.idx(f.pa)].payload.(Meta_i)
	return m
}

/// Clone bumps the reference count and returns a second handle.
func (f Frame_t) Clone() Frame_t {
	Physmem.Refup(f.pa)
	return Frame_t{pa: f.pa}
}

/// Free drops this handle. The last drop destroys the metadata and
/// returns the page to the allocator.
func (f Frame_t) Free() {
	Physmem.Refdown(f.pa)
}

/// Tounique converts a shared frame back into a unique one. Fails
/// with -EBUSY if other references exist.
func (f Frame_t) Tounique() (*Uniqueframe_t, defs.Err_t) {
	phys := Physmem
	s := &phys.slots[phys.idx(f.pa)]
	if atomic.LoadInt32(&s.refcnt) != 1 {
		return nil, -defs.EBUSY
	}
	return &Uniqueframe_t{pa: f.pa, order: 0}, 0
}

/// Frominuse returns a shared handle to a page that is already
/// referenced, bumping its count. Fails with -ENOENT when the page is
/// unused or free.
func Frominuse(pa Pa_t) (Frame_t, defs.Err_t) {
	phys := Physmem
	s := &phys.slots[phys.idx(pa)]
	for {
		c := atomic.LoadInt32(&s.refcnt)
		if c <= 0 {
			return Frame_t{}, -defs.ENOENT
		}
		if atomic.CompareAndSwapInt32(&s.refcnt, c, c+1) {
			return Frame_t{pa: pa}, 0
		}
	}
}

/// Downcast checks that f's metadata is of type M and returns the
/// typed payload.
func Downcast[M Meta_i](f Frame_t) (M, bool) {
	var zero M
	phys := Physmem
	s := &phys.slots[phys.idx(f.pa)]
	if s.tag != zero.Tag() {
		return zero, false
	}
	m, ok := s.payload.(M)
	return m, ok
}
