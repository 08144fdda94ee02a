// Package bootmem normalises the firmware memory map: it sorts and
// merges the raw regions, subtracts the kernel image and bootloader
// modules from usable RAM, and computes the MMIO windows handed to
// the I/O-memory dispatcher.
package bootmem

import "sort"

import "defs"
import "klog"

/// Regtype_t classifies a physical memory region.
type Regtype_t int

/// Region types. Normalize carves KERNEL and MODULE ranges out of
/// USABLE regions; other overlapping regions are kept as given, and
/// the value order only breaks ties between regions with equal bases.
const (
	USABLE Regtype_t = iota
	RECLAIMABLE
	NONVOLATILESLEEP
	FRAMEBUFFER
	MODULE
	KERNEL
	RESERVED
	BADMEMORY
)

var typenames = map[Regtype_t]string{
	USABLE:           "usable",
	RECLAIMABLE:      "reclaimable",
	NONVOLATILESLEEP: "nvs",
	FRAMEBUFFER:      "framebuffer",
	MODULE:           "module",
	KERNEL:           "kernel",
	RESERVED:         "reserved",
	BADMEMORY:        "bad",
}

/// String returns the region type's name.
func (rt Regtype_t) String() string {
	if s, ok := typenames[rt]; ok {
		return s
	}
	return "unknown"
}

/// Region_t is one physical memory region.
type Region_t struct {
	Base  uintptr
	Len   uintptr
	Rtype Regtype_t
}

/// End returns the first address past the region.
func (r Region_t) End() uintptr {
	return r.Base + r.Len
}

func (r Region_t) overlaps(o Region_t) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// subtract removes o from r, appending the surviving pieces of r to
// out.
func subtract(r, o Region_t, out []Region_t) []Region_t {
	if !r.overlaps(o) {
		return append(out, r)
	}
	if o.Base > r.Base {
		out = append(out, Region_t{r.Base, o.Base - r.Base, r.Rtype})
	}
	if o.End() < r.End() {
		out = append(out, Region_t{o.End(), r.End() - o.End(), r.Rtype})
	}
	return out
}

/// Normalize sorts the raw firmware map, carves the kernel image and
/// module ranges out of usable RAM and merges adjacent regions of the
/// same type. The result is sorted by base address.
func Normalize(raw []Region_t) []Region_t {
	var usable, other []Region_t
	for _, r := range raw {
		if r.Len == 0 {
			continue
		}
		if r.End() < r.Base {
			defs.Kpanic("memory region %#x+%#x wraps", r.Base, r.Len)
		}
		if r.Rtype == USABLE {
			usable = append(usable, r)
		} else {
			other = append(other, r)
		}
	}
	// the kernel's own range and bootloader modules win over usable
	for _, o := range other {
		if o.Rtype != KERNEL && o.Rtype != MODULE {
			continue
		}
		var next []Region_t
		for _, u := range usable {
			next = subtract(u, o, next)
		}
		usable = next
	}
	all := append(usable, other...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].Base != all[j].Base {
			return all[i].Base < all[j].Base
		}
		return all[i].Rtype < all[j].Rtype
	})
	// merge adjacent same-type regions
	var out []Region_t
	for _, r := range all {
		n := len(out)
		if n > 0 && out[n-1].Rtype == r.Rtype && out[n-1].End() == r.Base {
			out[n-1].Len += r.Len
			continue
		}
		out = append(out, r)
	}
	for _, r := range out {
		klog.Printf("bootmem: [%#x, %#x) %s\n", r.Base, r.End(), r.Rtype)
	}
	return out
}

/// Usable filters the usable regions out of a normalised map.
func Usable(regions []Region_t) []Region_t {
	var out []Region_t
	for _, r := range regions {
		if r.Rtype == USABLE {
			out = append(out, r)
		}
	}
	return out
}

const gb = uintptr(1) << 30

/// Mmiowindows returns the physical windows legal for device MMIO:
/// the low window [TOLM, 4 GiB) and a 16 MiB high window aligned to
/// 32 GiB above the top of high memory. tolm is the top of low
/// memory, himemtop the first address past the highest RAM region.
func Mmiowindows(tolm, himemtop uintptr) []Region_t {
	if tolm >= 4*gb {
		defs.Kpanic("tolm %#x above 4G", tolm)
	}
	low := Region_t{tolm, 4*gb - tolm, RESERVED}
	align := 32 * gb
	hibase := (himemtop + align - 1) &^ (align - 1)
	high := Region_t{hibase, 16 << 20, RESERVED}
	return []Region_t{low, high}
}
