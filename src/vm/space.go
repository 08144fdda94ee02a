package vm

import "sort"
import "sync/atomic"

import "cpud"
import "defs"
import "klog"
import "lock"
import "mem"

/// RSS types, counted separately per space.
const (
	RSSANON = iota
	RSSFILE
	rsslast
)

/// Vmmapping_t is a mapped range in a space: its permissions, its RSS
/// accounting type and how many of its pages currently have a frame
/// installed.
type Vmmapping_t struct {
	Start        uintptr
	Len          uintptr
	Perms        mem.Pa_t
	Rsstype      int
	framesmapped int64
}

/// End returns the first address past the mapping.
func (m *Vmmapping_t) End() uintptr {
	return m.Start + m.Len
}

/// Framesmapped returns how many pages of the mapping are populated.
func (m *Vmmapping_t) Framesmapped() int {
	return int(m.framesmapped)
}

// ptent_t records one owned page-table frame below the root: the
// virtual range it translates, its level and its frame.
type ptent_t struct {
	start uintptr
	end   uintptr
	level uint
	pa    mem.Pa_t
}

/// Vmspace_t is an address space: a root page-table frame plus the
/// interval metadata describing owned subtrees and mappings. One
/// kernel space exists; each user process owns its own.
type Vmspace_t struct {
	mu     lock.Rwmutex_t
	root   mem.Frame_t
	kernel bool
	// CPUs that may have this space loaded; the flusher's broadcast
	// targets
	Cpus cpud.Atomiccpuset_t
	pts  []ptent_t
	maps []*Vmmapping_t
	rss  [rsslast]int64
	dead bool
}

func allocpt(level uint) (mem.Frame_t, defs.Err_t) {
	return mem.Allocopts_t{
		Count:  1,
		Zeroed: true,
		Meta:   mem.Ptpage_t{Level: uint8(level)},
	}.Allocframe()
}

/// Mkvmspace creates an empty user address space.
func Mkvmspace() (*Vmspace_t, defs.Err_t) {
	root, err := allocpt(LEVELS)
	if err != 0 {
		return nil, err
	}
	return &Vmspace_t{root: root}, 0
}

var kspace *Vmspace_t
var kspacelk lock.Spinlock_t

/// Kernelspace returns the shared kernel address space. It is mapped
/// with the linear identity offset on demand (see Kernelfault) and
/// its flush broadcasts target every CPU.
func Kernelspace() *Vmspace_t {
	kspacelk.Lock()
	defer kspacelk.Unlock()
	if kspace == nil {
		root, err := allocpt(LEVELS)
		if err != 0 {
			defs.Kpanic("no memory for kernel space")
		}
		kspace = &Vmspace_t{root: root, kernel: true}
		for i := 0; i < cpud.Numcpus(); i++ {
			kspace.Cpus.Add(cpud.Cpuid_t(i))
		}
		klog.Printf("vm: kernel space at pt %#x\n", root.Pa())
	}
	return kspace
}

/// Rss returns the space's resident page count for one RSS type.
func (vs *Vmspace_t) Rss(typ int) int {
	return int(atomic.LoadInt64(&vs.rss[typ]))
}

func (vs *Vmspace_t) mustlive() {
	if vs.dead {
		defs.Kpanic("use of destroyed vmspace")
	}
}

// mapping index helpers; caller holds vs.mu.

func (vs *Vmspace_t) mapat(va uintptr) *Vmmapping_t {
	i := sort.Search(len(vs.maps), func(i int) bool {
		return vs.maps[i].End() > va
	})
	if i < len(vs.maps) && vs.maps[i].Start <= va {
		return vs.maps[i]
	}
	return nil
}

func (vs *Vmspace_t) insertmap(m *Vmmapping_t) {
	i := sort.Search(len(vs.maps), func(i int) bool {
		return vs.maps[i].Start >= m.Start
	})
	vs.maps = append(vs.maps, nil)
	copy(vs.maps[i+1:], vs.maps[i:])
	vs.maps[i] = m
}

func (vs *Vmspace_t) removemap(m *Vmmapping_t) {
	for i, o := range vs.maps {
		if o == m {
			vs.maps = append(vs.maps[:i], vs.maps[i+1:]...)
			return
		}
	}
}

// intersecting returns the mappings overlapping [start, end) in
// address order.
func (vs *Vmspace_t) intersecting(start, end uintptr) []*Vmmapping_t {
	var out []*Vmmapping_t
	for _, m := range vs.maps {
		if m.Start < end && start < m.End() {
			out = append(out, m)
		}
	}
	return out
}

// pte returns a pointer to the entry for va at the given level,
// descending from the root without allocating. nil if an intermediate
// table is missing.
func (vs *Vmspace_t) pte(va uintptr, level uint) *mem.Pa_t {
	pa := vs.root.Pa()
	for lvl := LEVELS; lvl > level; lvl-- {
		pm := mem.Physmem.Dmappmap(pa)
		e := pm[pidx(va, lvl)]
		if e&PTE_P == 0 || e&PTE_PS != 0 {
			return nil
		}
		pa = e & PTE_ADDR
	}
	pm := mem.Physmem.Dmappmap(pa)
	return &pm[pidx(va, level)]
}

/// Walk translates va. It returns the leaf physical address and
/// flags, or ok=false when the address is unmapped. The translation
/// is consistent: it never observes a partially-built intermediate.
func (vs *Vmspace_t) Walk(va uintptr) (mem.Pa_t, mem.Pa_t, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	vs.mustlive()
	p := vs.pte(va, 1)
	if p == nil || *p&PTE_P == 0 {
		return 0, 0, false
	}
	return *p & PTE_ADDR, *p &^ PTE_ADDR, true
}

/// Mappings returns the mappings intersecting [start, end).
func (vs *Vmspace_t) Mappings(start, end uintptr) []*Vmmapping_t {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.intersecting(start, end)
}

/// Kernelfault satisfies a kernel-mode page fault inside the linear
/// identity window by mapping the faulting page on demand: present,
/// no-exec, writable when the fault was a write. The window is not
/// bounds-checked: any page below VAMAX is mapped at its own address.
/// A page that cannot be mapped yields an error, not a panic; a user
/// space yields -EFAULT.
func (vs *Vmspace_t) Kernelfault(va uintptr, iswrite bool) defs.Err_t {
	if !vs.kernel {
		return -defs.EFAULT
	}
	c, err := vs.Cursormut(va&uintptr(mem.PGMASK), (va&uintptr(mem.PGMASK))+uintptr(mem.PGSIZE))
	if err != 0 {
		return err
	}
	defer c.Close()
	perms := PTE_NX | PTE_G
	if iswrite {
		perms |= PTE_W
	}
	return c.Map(va&uintptr(mem.PGMASK), mem.Pa_t(va)&mem.PGMASK, perms)
}

/// Destroy tears the space down: every mapping is unmapped, the page
/// table frames are freed and the flush broadcast is awaited. No
/// kernel reference may remain and no CPU may still have the space
/// loaded.
func (vs *Vmspace_t) Destroy() {
	if vs.kernel {
		defs.Kpanic("destroying the kernel space")
	}
	c, err := vs.Cursormut(0, VAMAX)
	if err != 0 {
		defs.Kpanic("cursor over full space: %v", err)
	}
	c.Clear()
	c.Close()
	vs.mu.Lock()
	snap := vs.Cpus.Snapshot()
	if snap.Count() != 0 {
		defs.Kpanic("destroying a loaded vmspace")
	}
	for _, pt := range vs.pts {
		mem.Physmem.Refdown(pt.pa)
	}
	vs.pts = nil
	vs.root.Free()
	vs.dead = true
	vs.mu.Unlock()
}
