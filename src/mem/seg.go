package mem

import "defs"
import "util"

// Seg_t is an owned contiguous run of frames sharing one metadata
// type. Every page in the run carries its own slot refcount; the
// segment is the handle that owns one reference on each.

/// Seg_t is an owned run of count frames starting at base.
type Seg_t struct {
	base Pa_t
	n    int
}

/// Paddr returns the base physical address.
func (sg *Seg_t) Paddr() Pa_t {
	return sg.base
}

/// Count returns the number of pages.
func (sg *Seg_t) Count() int {
	return sg.n
}

/// Len returns the byte length.
func (sg *Seg_t) Len() int {
	return sg.n * PGSIZE
}

/// End returns the first physical address past the segment.
func (sg *Seg_t) End() Pa_t {
	return sg.base + Pa_t(sg.n*PGSIZE)
}

/// Splitat splits the segment at page index n; the receiver keeps the
/// first n pages and the remainder is returned.
func (sg *Seg_t) Splitat(n int) (*Seg_t, defs.Err_t) {
	if n <= 0 || n >= sg.n {
		return nil, -defs.EINVAL
	}
	rest := &Seg_t{base: sg.base + Pa_t(n*PGSIZE), n: sg.n - n}
	sg.n = n
	return rest, 0
}

/// Reader returns a read view of the segment through the direct map.
func (sg *Seg_t) Reader() []uint8 {
	return Dmaplen(sg.base, sg.Len())
}

/// Writer returns a write view of the segment through the direct map.
func (sg *Seg_t) Writer() []uint8 {
	return Dmaplen(sg.base, sg.Len())
}

/// Free drops the segment's reference on every page.
func (sg *Seg_t) Free() {
	for i := 0; i < sg.n; i++ {
		Physmem.Refdown(sg.base + Pa_t(i*PGSIZE))
	}
	sg.n = 0
}

/// Allocopts_t selects what the frame front end hands out.
type Allocopts_t struct {
	Count  int
	Zeroed bool
	Meta   Meta_i
}

// retype every page of an allocator chunk into single typed frames
// with refcount one, freeing the chunk pages beyond count.
func chunk2seg(phys *Physmem_t, uf *Uniqueframe_t, count int, m Meta_i) *Seg_t {
	base := uf.Pa()
	total := 1 << uf.Order()
	phys.lk.Lock()
	hs := &phys.slots[phys.idx(base)]
	hs.tag = m.Tag()
	hs.payload = m
	for i := 1; i < count; i++ {
		s := &phys.slots[phys.idx(base)+uint32(i)]
		if paranoid && (s.refcnt != 0 || s.tag != TAGUNUSED) {
			defs.Kpanic("chunk tail page %d in use", i)
		}
		s.refcnt = 1
		s.tag = m.Tag()
		s.payload = m
	}
	phys.lk.Unlock()
	// release the unneeded tail of the power-of-two chunk
	for i := count; i < total; {
		pa := base + Pa_t(i*PGSIZE)
		order := util.Min(util.Tzcnt(uintptr(pa))-PGSHIFT,
			util.Log2up(uint(total-i+1))-1)
		for uint(1)<<order > uint(total-i) {
			order--
		}
		phys.lk.Lock()
		phys.insertchunk(pa, order)
		phys.lk.Unlock()
		i += 1 << order
	}
	uf.pa = badpa
	return &Seg_t{base: base, n: count}
}

/// Alloc allocates a contiguous segment per the options. Fails with
/// -ENOMEM under pressure, -EINVAL for a bad count.
func (o Allocopts_t) Alloc() (*Seg_t, defs.Err_t) {
	if o.Count <= 0 || o.Count > 1<<MAXORDER {
		return nil, -defs.EINVAL
	}
	m := o.Meta
	if m == nil {
		m = Anon_t{}
	}
	phys := Physmem
	uf, err := phys.Alloc(util.Log2up(uint(o.Count)))
	if err != 0 {
		return nil, err
	}
	sg := chunk2seg(phys, uf, o.Count, m)
	if o.Zeroed {
		w := sg.Writer()
		for i := range w {
			w[i] = 0
		}
	}
	return sg, 0
}

/// Allocframes allocates count typed frames that need not be
/// physically contiguous. On failure nothing is retained.
func (o Allocopts_t) Allocframes() ([]Frame_t, defs.Err_t) {
	if o.Count <= 0 {
		return nil, -defs.EINVAL
	}
	out := make([]Frame_t, 0, o.Count)
	for i := 0; i < o.Count; i++ {
		single := o
		single.Count = 1
		f, err := single.Allocframe()
		if err != 0 {
			for _, g := range out {
				g.Free()
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, 0
}

/// Allocframe allocates one typed frame.
func (o Allocopts_t) Allocframe() (Frame_t, defs.Err_t) {
	o.Count = 1
	sg, err := o.Alloc()
	if err != 0 {
		return Frame_t{}, err
	}
	return Frame_t{pa: sg.base}, 0
}
