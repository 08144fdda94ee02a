// Package dma converts owned physical segments into device-visible
// bus addresses. A global interval table guarantees that at most one
// DMA mapping covers any page; depending on the machine's DMA mode
// the device either sees physical addresses directly or goes through
// identity mappings installed in the IOMMU's page table.
package dma

import "sort"

import "defs"
import "klog"
import "lock"
import "mem"
import "vm"

/// Daddr_t is a device-visible bus address.
type Daddr_t uintptr

/// Transfer directions for streaming mappings.
const (
	TODEVICE = iota
	FROMDEVICE
	BIDIRECTIONAL
)

/// DMA modes.
const (
	DIRECT = iota
	IOMMU
)

var dmalk lock.Spinlock_t
var dmamode = DIRECT
var iommuspace *vm.Vmspace_t

// busy intervals, sorted by start
type ival_t struct {
	start mem.Pa_t
	end   mem.Pa_t
}

var busy []ival_t

/// Setmode selects the machine's DMA mode. IOMMU mode installs
/// per-page identity mappings into the remapping unit's page table.
func Setmode(mode int) {
	dmalk.Lock()
	defer dmalk.Unlock()
	if len(busy) != 0 {
		defs.Kpanic("dma mode change with live mappings")
	}
	dmamode = mode
	if mode == IOMMU && iommuspace == nil {
		is, err := vm.Mkvmspace()
		if err != 0 {
			defs.Kpanic("no memory for iommu domain")
		}
		iommuspace = is
		klog.Printf("dma: iommu mode\n")
	}
}

/// Iommumapped reports whether the IOMMU currently translates daddr.
func Iommumapped(da Daddr_t) bool {
	if iommuspace == nil {
		return false
	}
	_, _, ok := iommuspace.Walk(uintptr(da))
	return ok
}

func reserve(start, end mem.Pa_t) defs.Err_t {
	dmalk.Lock()
	defer dmalk.Unlock()
	for _, iv := range busy {
		if start < iv.end && iv.start < end {
			return -defs.EACCES
		}
	}
	busy = append(busy, ival_t{start, end})
	sort.Slice(busy, func(i, j int) bool {
		return busy[i].start < busy[j].start
	})
	return 0
}

func release(start mem.Pa_t) {
	dmalk.Lock()
	defer dmalk.Unlock()
	for i, iv := range busy {
		if iv.start == start {
			busy = append(busy[:i], busy[i+1:]...)
			return
		}
	}
	defs.Kpanic("dma interval %#x not reserved", start)
}

// Cachesyncfn performs the architecture's cache maintenance for a
// streaming sync; a no-op on coherent hardware.
var Cachesyncfn func(pa mem.Pa_t, l int, dir int) = func(pa mem.Pa_t, l int, dir int) {}

// setcache rewrites the cache attribute of the kernel linear mapping
// of [start, end). The pages are demand-mapped first if the linear
// window has not touched them yet.
func setcache(start, end mem.Pa_t, nocache bool) defs.Err_t {
	ks := vm.Kernelspace()
	for pa := start; pa < end; pa += mem.Pa_t(mem.PGSIZE) {
		if _, _, ok := ks.Walk(uintptr(pa)); !ok {
			if err := ks.Kernelfault(uintptr(pa), true); err != 0 {
				return err
			}
		}
	}
	c, err := ks.Cursormut(uintptr(start), uintptr(end))
	if err != 0 {
		return err
	}
	perms := vm.PTE_W | vm.PTE_NX | vm.PTE_G
	if nocache {
		perms |= vm.PTE_PCD
	}
	e := c.Protect(uintptr(start), uintptr(end), perms)
	c.Close()
	return e
}

// mapiommu installs (or removes) the identity window for the segment
// in the IOMMU page table.
func mapiommu(start, end mem.Pa_t, install bool) defs.Err_t {
	c, err := iommuspace.Cursormut(uintptr(start), uintptr(end))
	if err != 0 {
		return err
	}
	defer c.Close()
	if !install {
		_, e := c.Unmap(uintptr(start), uintptr(end))
		return e
	}
	for pa := start; pa < end; pa += mem.Pa_t(mem.PGSIZE) {
		if e := c.Map(uintptr(pa), pa, vm.PTE_W); e != 0 {
			// tear down the partial window
			c.Unmap(uintptr(start), uintptr(pa))
			return e
		}
	}
	return 0
}

/// Dmacoherent_t is a coherent mapping: CPU and device agree on the
/// buffer contents without explicit syncs.
type Dmacoherent_t struct {
	sg       *mem.Seg_t
	daddr    Daddr_t
	coherent bool
	ismapped bool
	freed    bool
}

/// Mkcoherent maps the owned segment for coherent device access. A
/// device that is not cache-coherent gets the segment's kernel linear
/// mapping switched to no-cache. Fails with -EACCES when any page is
/// already under a DMA mapping.
func Mkcoherent(sg *mem.Seg_t, iscachecoherent bool) (*Dmacoherent_t, defs.Err_t) {
	start, end := sg.Paddr(), sg.End()
	if err := reserve(start, end); err != 0 {
		return nil, err
	}
	dc := &Dmacoherent_t{sg: sg, coherent: iscachecoherent}
	if !iscachecoherent {
		if err := setcache(start, end, true); err != 0 {
			release(start)
			return nil, err
		}
	}
	if dmamode == IOMMU {
		if err := mapiommu(start, end, true); err != 0 {
			if !iscachecoherent {
				setcache(start, end, false)
			}
			release(start)
			return nil, err
		}
		dc.ismapped = true
	}
	dc.daddr = Daddr_t(start)
	return dc, 0
}

/// Daddr returns the device-visible address of the segment.
func (dc *Dmacoherent_t) Daddr() Daddr_t {
	return dc.daddr
}

/// Seg returns the backing segment.
func (dc *Dmacoherent_t) Seg() *mem.Seg_t {
	return dc.sg
}

/// Free tears the mapping down in reverse order: IOMMU window, cache
/// attributes, then the busy interval.
func (dc *Dmacoherent_t) Free() {
	if dc.freed {
		return
	}
	dc.freed = true
	start, end := dc.sg.Paddr(), dc.sg.End()
	if dc.ismapped {
		if err := mapiommu(start, end, false); err != 0 {
			defs.Kpanic("iommu unmap failed: %v", err)
		}
	}
	if !dc.coherent {
		setcache(start, end, false)
	}
	release(start)
}

/// Dmastreaming_t adds a transfer direction and explicit sync to a
/// mapping whose buffer the driver hands back and forth.
type Dmastreaming_t struct {
	Dmacoherent_t
	dir int
}

/// Mkstreaming maps the segment for streaming access in the given
/// direction.
func Mkstreaming(sg *mem.Seg_t, iscachecoherent bool, dir int) (*Dmastreaming_t, defs.Err_t) {
	if dir != TODEVICE && dir != FROMDEVICE && dir != BIDIRECTIONAL {
		return nil, -defs.EINVAL
	}
	dc, err := Mkcoherent(sg, iscachecoherent)
	if err != 0 {
		return nil, err
	}
	return &Dmastreaming_t{Dmacoherent_t: *dc, dir: dir}, 0
}

/// Dir returns the transfer direction.
func (ds *Dmastreaming_t) Dir() int {
	return ds.dir
}

/// Sync performs the cache maintenance for [off, off+l) of the
/// buffer, per the mapping's direction.
func (ds *Dmastreaming_t) Sync(off, l int) defs.Err_t {
	if off < 0 || l < 0 || off+l > ds.sg.Len() {
		return -defs.EINVAL
	}
	Cachesyncfn(ds.sg.Paddr()+mem.Pa_t(off), l, ds.dir)
	return 0
}
