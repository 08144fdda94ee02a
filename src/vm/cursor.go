package vm

import "sync/atomic"

import "cpud"
import "defs"
import "mem"

// Cursor_t walks one address space over a pinned virtual range and
// performs every range operation in a single descent. It holds the
// space's write lock for its lifetime, accumulates the RSS changes it
// makes in a scratch delta and batches its TLB invalidations; both
// are applied when the cursor is closed.

/// Cursor_t is a mutating walker over a contiguous virtual range.
type Cursor_t struct {
	vs       *Vmspace_t
	start    uintptr
	end      uintptr
	flusher  Flusher_t
	rssdelta [rsslast]int64
	closed   bool
}

/// Cursormut pins a cursor to [start, end). The bounds must be
/// page-aligned, non-empty and no higher than VAMAX.
func (vs *Vmspace_t) Cursormut(start, end uintptr) (*Cursor_t, defs.Err_t) {
	if start&uintptr(mem.PGOFFSET) != 0 || end&uintptr(mem.PGOFFSET) != 0 {
		return nil, -defs.EINVAL
	}
	if end < start {
		return nil, -defs.EOVERFLOW
	}
	if end > VAMAX || start == end {
		return nil, -defs.EINVAL
	}
	vs.mu.Lock()
	vs.mustlive()
	return &Cursor_t{vs: vs, start: start, end: end}, 0
}

/// Range returns the cursor's pinned range.
func (c *Cursor_t) Range() (uintptr, uintptr) {
	return c.start, c.end
}

func (c *Cursor_t) targets() cpud.Cpuset_t {
	return c.vs.Cpus.Snapshot()
}

/// Close applies the cursor's RSS delta, dispatches its pending TLB
/// batch, waits for the acknowledgements and releases the space.
func (c *Cursor_t) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for i, d := range c.rssdelta {
		if d != 0 {
			atomic.AddInt64(&c.vs.rss[i], d)
		}
	}
	c.flusher.Dispatch(c.targets())
	c.flusher.Sync()
	c.vs.mu.Unlock()
}

func (c *Cursor_t) checkrange(start, end uintptr) defs.Err_t {
	if start&uintptr(mem.PGOFFSET) != 0 || end&uintptr(mem.PGOFFSET) != 0 {
		return -defs.EINVAL
	}
	if end < start {
		return -defs.EOVERFLOW
	}
	if start < c.start || end > c.end {
		return -defs.EINVAL
	}
	return 0
}

// walkalloc returns the leaf entry for va, allocating the missing
// intermediate tables. Every new table becomes an owned ChildPt
// interval entry of the space.
func (c *Cursor_t) walkalloc(va uintptr) (*mem.Pa_t, defs.Err_t) {
	vs := c.vs
	pa := vs.root.Pa()
	for lvl := LEVELS; lvl > 1; lvl-- {
		pm := mem.Physmem.Dmappmap(pa)
		e := pm[pidx(va, lvl)]
		if e&PTE_P == 0 {
			fr, err := allocpt(lvl - 1)
			if err != 0 {
				return nil, err
			}
			base := va &^ (pagesize(lvl) - 1)
			vs.pts = append(vs.pts, ptent_t{
				start: base,
				end:   base + pagesize(lvl),
				level: lvl - 1,
				pa:    fr.Pa(),
			})
			// intermediate entries carry the most permissive bits;
			// the leaf decides
			e = fr.Pa()&PTE_ADDR | PTE_P | PTE_W | PTE_U
			pm[pidx(va, lvl)] = e
		}
		pa = e & PTE_ADDR
	}
	pm := mem.Physmem.Dmappmap(pa)
	return &pm[pidx(va, 1)], 0
}

/// Map installs a leaf translation va -> pa with the given permission
/// bits. For a user space the target must be a live frame; the
/// mapping takes its own reference. An existing translation at va is
/// refused with -EACCES.
func (c *Cursor_t) Map(va uintptr, pa mem.Pa_t, perms mem.Pa_t) defs.Err_t {
	if err := c.checkrange(va, va+uintptr(mem.PGSIZE)); err != 0 {
		return err
	}
	if pa&mem.PGOFFSET != 0 || perms&^permmask != 0 {
		return -defs.EINVAL
	}
	vs := c.vs
	var fr mem.Frame_t
	if !vs.kernel {
		var ferr defs.Err_t
		fr, ferr = mem.Frominuse(pa)
		if ferr != 0 {
			return ferr
		}
	}
	pte, err := c.walkalloc(va)
	if err != 0 {
		if !vs.kernel {
			fr.Free()
		}
		return err
	}
	if *pte&PTE_P != 0 {
		if !vs.kernel {
			fr.Free()
		}
		return -defs.EACCES
	}
	*pte = pa&PTE_ADDR | perms | PTE_P
	c.flusher.record(va, 1)
	if vs.kernel {
		return 0
	}
	m := vs.mapat(va)
	if m == nil {
		m = c.addmapping(va, perms)
	}
	m.framesmapped++
	c.rssdelta[m.Rsstype]++
	return 0
}

// addmapping creates (or extends) the mapping covering one page at
// va. Adjacent mappings with identical permissions coalesce.
func (c *Cursor_t) addmapping(va uintptr, perms mem.Pa_t) *Vmmapping_t {
	vs := c.vs
	rt := RSSANON
	if perms&PTE_SHARED != 0 {
		rt = RSSFILE
	}
	for _, m := range vs.maps {
		if m.End() == va && m.Perms == perms && m.Rsstype == rt {
			m.Len += uintptr(mem.PGSIZE)
			return m
		}
	}
	m := &Vmmapping_t{
		Start:   va,
		Len:     uintptr(mem.PGSIZE),
		Perms:   perms,
		Rsstype: rt,
	}
	vs.insertmap(m)
	return m
}

// foreachleaf visits every present leaf entry inside [start, end) in
// address order.
func (c *Cursor_t) foreachleaf(start, end uintptr, fn func(va uintptr, pte *mem.Pa_t)) {
	if start >= end {
		return
	}
	c.visit(c.vs.root.Pa(), LEVELS, 0, start, end, fn)
}

func (c *Cursor_t) visit(ptpa mem.Pa_t, lvl uint, base, start, end uintptr, fn func(uintptr, *mem.Pa_t)) {
	pm := mem.Physmem.Dmappmap(ptpa)
	step := pagesize(lvl)
	i := int((start - base) / step)
	last := int((end - 1 - base) / step)
	for ; i <= last; i++ {
		e := pm[i]
		if e&PTE_P == 0 {
			continue
		}
		eva := base + uintptr(i)*step
		if lvl == 1 {
			fn(eva, &pm[i])
			continue
		}
		s, t := eva, eva+step
		if start > s {
			s = start
		}
		if end < t {
			t = end
		}
		c.visit(e&PTE_ADDR, lvl-1, eva, s, t, fn)
	}
}

// droppage clears one present leaf, releasing the user frame
// reference and charging the mapping if one covers it.
func (c *Cursor_t) droppage(va uintptr, pte *mem.Pa_t) {
	pa := *pte & PTE_ADDR
	*pte = 0
	c.flusher.record(va, 1)
	if c.vs.kernel {
		return
	}
	mem.Physmem.Refdown(pa)
	if m := c.vs.mapat(va); m != nil {
		m.framesmapped--
		c.rssdelta[m.Rsstype]--
	}
}

/// Unmap removes every translation in [start, end), drops the mapping
/// metadata the range fully covers and frees page-table frames that
/// become empty. It returns the number of pages unmapped. The range
/// walk is not atomic: pages already unmapped stay unmapped if a
/// later step fails.
func (c *Cursor_t) Unmap(start, end uintptr) (int, defs.Err_t) {
	if err := c.checkrange(start, end); err != 0 {
		return 0, err
	}
	n := 0
	c.foreachleaf(start, end, func(va uintptr, pte *mem.Pa_t) {
		c.droppage(va, pte)
		n++
	})
	c.trimmappings(start, end)
	c.prune(c.vs.root.Pa(), LEVELS, 0, start, end)
	return n, 0
}

// trimmappings removes the covered parts of the mapping metadata,
// splitting a mapping that the range punches a hole into.
func (c *Cursor_t) trimmappings(start, end uintptr) {
	vs := c.vs
	for _, m := range vs.intersecting(start, end) {
		switch {
		case start <= m.Start && end >= m.End():
			vs.removemap(m)
		case start <= m.Start:
			d := end - m.Start
			m.Start += d
			m.Len -= d
		case end >= m.End():
			m.Len = start - m.Start
		default:
			tail := &Vmmapping_t{
				Start:   end,
				Len:     m.End() - end,
				Perms:   m.Perms,
				Rsstype: m.Rsstype,
			}
			// populated pages past the hole move to the tail piece
			for va := tail.Start; va < tail.End(); va += uintptr(mem.PGSIZE) {
				if p := vs.pte(va, 1); p != nil && *p&PTE_P != 0 {
					m.framesmapped--
					tail.framesmapped++
				}
			}
			m.Len = start - m.Start
			vs.insertmap(tail)
		}
	}
}

// prune frees page-table frames that have no present entries left,
// bottom-up, within [start, end). Returns whether the table at ptpa
// ended up empty.
func (c *Cursor_t) prune(ptpa mem.Pa_t, lvl uint, base, start, end uintptr) bool {
	pm := mem.Physmem.Dmappmap(ptpa)
	step := pagesize(lvl)
	empty := true
	for i := 0; i < len(pm); i++ {
		e := pm[i]
		if e&PTE_P == 0 {
			continue
		}
		eva := base + uintptr(i)*step
		if lvl > 1 && eva < end && start < eva+step {
			child := e & PTE_ADDR
			if c.prune(child, lvl-1, eva, start, end) {
				pm[i] = 0
				c.removeptent(child)
				mem.Physmem.Refdown(child)
				continue
			}
		}
		empty = false
	}
	return empty
}

func (c *Cursor_t) removeptent(pa mem.Pa_t) {
	vs := c.vs
	for i, pt := range vs.pts {
		if pt.pa == pa {
			vs.pts = append(vs.pts[:i], vs.pts[i+1:]...)
			return
		}
	}
	defs.Kpanic("freed pt frame %#x not in aux meta", pa)
}

/// Protect rewrites the permission bits of every present leaf in
/// [start, end), preserving the present bit and the target address.
func (c *Cursor_t) Protect(start, end uintptr, newperms mem.Pa_t) defs.Err_t {
	if err := c.checkrange(start, end); err != 0 {
		return err
	}
	if newperms&^permmask != 0 {
		return -defs.EINVAL
	}
	c.foreachleaf(start, end, func(va uintptr, pte *mem.Pa_t) {
		*pte = (*pte & (PTE_ADDR | PTE_P)) | newperms
		c.flusher.record(va, 1)
	})
	for _, m := range c.vs.intersecting(start, end) {
		if start <= m.Start && end >= m.End() {
			m.Perms = newperms
		}
	}
	return 0
}

/// Discard forgets the physical backing of [start, end) but keeps the
/// mapping metadata: the next fault rematerialises the pages. If any
/// address in the range is not covered by a mapping the covered parts
/// are still discarded and -ENOMEM is returned.
func (c *Cursor_t) Discard(start, end uintptr) defs.Err_t {
	if err := c.checkrange(start, end); err != 0 {
		return err
	}
	pos := start
	gap := false
	for _, m := range c.vs.intersecting(start, end) {
		is, ie := m.Start, m.End()
		if is < start {
			is = start
		}
		if ie > end {
			ie = end
		}
		if is > pos {
			gap = true
		}
		c.foreachleaf(is, ie, func(va uintptr, pte *mem.Pa_t) {
			c.droppage(va, pte)
		})
		pos = ie
	}
	if gap || pos < end {
		return -defs.ENOMEM
	}
	return 0
}

/// Clear unmaps everything in the cursor's range, drops every mapping
/// in it, zeroes the space's RSS counters and broadcasts one full TLB
/// flush, waiting for the acknowledgements.
func (c *Cursor_t) Clear() {
	c.foreachleaf(c.start, c.end, func(va uintptr, pte *mem.Pa_t) {
		pa := *pte & PTE_ADDR
		*pte = 0
		if !c.vs.kernel {
			mem.Physmem.Refdown(pa)
		}
	})
	for _, m := range c.vs.intersecting(c.start, c.end) {
		c.vs.removemap(m)
	}
	c.prune(c.vs.root.Pa(), LEVELS, 0, c.start, c.end)
	for i := range c.vs.rss {
		atomic.StoreInt64(&c.vs.rss[i], 0)
	}
	for i := range c.rssdelta {
		c.rssdelta[i] = 0
	}
	c.flusher.full = true
	c.flusher.Dispatch(c.targets())
	c.flusher.Sync()
}
