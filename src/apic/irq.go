// Package apic routes hardware interrupts: process-wide IRQ lines
// with callback lists, and one or more I/O APICs that map GSI/ISA pin
// numbers onto those lines.
package apic

import "hashtable"
import "defs"
import "lock"
import "msi"

// vector -> line table; Get is lock-free because it runs on the
// interrupt entry path.
var vectab = hashtable.MkHash[*Irqline_t](256)

/// Irqline_t is an allocated interrupt vector and its handler list.
/// Drivers share a line by appending callbacks; the list is only
/// mutated under the per-line lock.
type Irqline_t struct {
	lk       lock.Spinlock_t
	vec      msi.Msivec_t
	cbs      []func()
	remapidx int
	freed    bool
}

/// Irqalloc allocates a fresh IRQ line.
func Irqalloc() (*Irqline_t, defs.Err_t) {
	vec, err := msi.Msi_alloc()
	if err != 0 {
		return nil, err
	}
	l := &Irqline_t{vec: vec, remapidx: -1}
	vectab.Set(uint64(vec), l)
	return l, 0
}

/// Num returns the line's vector number.
func (l *Irqline_t) Num() uint8 {
	return uint8(l.vec)
}

/// Setremap attaches an interrupt-remapping index to the line; pins
/// mapped afterwards use the remappable entry format.
func (l *Irqline_t) Setremap() defs.Err_t {
	idx, err := msi.Remap_alloc()
	if err != 0 {
		return err
	}
	l.lk.Lock()
	l.remapidx = int(idx)
	l.lk.Unlock()
	return 0
}

/// Remapidx returns the line's remapping index, or -1.
func (l *Irqline_t) Remapidx() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.remapidx
}

/// Oncallback appends a handler to the line.
func (l *Irqline_t) Oncallback(f func()) {
	l.lk.Lock()
	l.cbs = append(l.cbs, f)
	l.lk.Unlock()
}

/// Trigger runs the line's callbacks, in registration order.
func (l *Irqline_t) Trigger() {
	l.lk.Lock()
	cbs := l.cbs
	l.lk.Unlock()
	for _, f := range cbs {
		f()
	}
}

/// Free returns the vector and remapping index to their pools. The
/// caller must have unmapped every pin first.
func (l *Irqline_t) Free() {
	l.lk.Lock()
	if l.freed {
		defs.Kpanic("irq line %d freed twice", l.vec)
	}
	l.freed = true
	idx := l.remapidx
	l.lk.Unlock()
	vectab.Del(uint64(l.vec))
	if idx >= 0 {
		msi.Remap_free(uint16(idx))
	}
	msi.Msi_free(l.vec)
}

/// Route delivers the interrupt for vector to its line, if any.
/// Called from the trap entry with interrupts disabled.
func Route(vector uint8) bool {
	l, ok := vectab.Get(uint64(vector))
	if !ok {
		return false
	}
	l.Trigger()
	return true
}
