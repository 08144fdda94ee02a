package cpud

import "sync/atomic"

// Cpulocal_t is a per-CPU variable of type T: one slot per logical
// CPU. The borrow APIs require a guard so the slot cannot change underneath
// the caller.
type Cpulocal_t[T any] struct {
	slots [MAXCPUS]T
}

/// Getwith borrows the current CPU's slot against g. The pointer is
/// valid for the guard's lifetime only.
func (cl *Cpulocal_t[T]) Getwith(g Atomic_i) *T {
	return &cl.slots[g.Pinned()]
}

/// Getoncpu returns CPU id's slot. T must be safe for concurrent
/// access (the caller on that CPU may touch it at any time).
func (cl *Cpulocal_t[T]) Getoncpu(id Cpuid_t) *T {
	return &cl.slots[id]
}

// padded so neighbouring CPUs' words do not share a cache line.
type word_t struct {
	v uint64
	_ [56]uint8
}

// Cpuword_t is a per-CPU machine word with single-step load/store and
// load/modify/store operations, the moral equivalent of a
// segment-relative memory operand.
type Cpuword_t struct {
	words [MAXCPUS]word_t
}

func (cw *Cpuword_t) slot(g Pin_i) *uint64 {
	return &cw.words[g.Pinned()].v
}

/// Load reads the current CPU's word.
func (cw *Cpuword_t) Load(g Pin_i) uint64 {
	return atomic.LoadUint64(cw.slot(g))
}

/// Store writes the current CPU's word.
func (cw *Cpuword_t) Store(g Pin_i, v uint64) {
	atomic.StoreUint64(cw.slot(g), v)
}

/// Add adds v to the current CPU's word.
func (cw *Cpuword_t) Add(g Pin_i, v uint64) {
	atomic.AddUint64(cw.slot(g), v)
}

/// Sub subtracts v from the current CPU's word.
func (cw *Cpuword_t) Sub(g Pin_i, v uint64) {
	atomic.AddUint64(cw.slot(g), ^(v - 1))
}

/// And ands v into the current CPU's word.
func (cw *Cpuword_t) And(g Pin_i, v uint64) {
	for {
		old := atomic.LoadUint64(cw.slot(g))
		if atomic.CompareAndSwapUint64(cw.slot(g), old, old&v) {
			return
		}
	}
}

/// Or ors v into the current CPU's word.
func (cw *Cpuword_t) Or(g Pin_i, v uint64) {
	for {
		old := atomic.LoadUint64(cw.slot(g))
		if atomic.CompareAndSwapUint64(cw.slot(g), old, old|v) {
			return
		}
	}
}

/// Xor xors v into the current CPU's word.
func (cw *Cpuword_t) Xor(g Pin_i, v uint64) {
	for {
		old := atomic.LoadUint64(cw.slot(g))
		if atomic.CompareAndSwapUint64(cw.slot(g), old, old^v) {
			return
		}
	}
}

/// Loadcpu reads CPU id's word from any CPU.
func (cw *Cpuword_t) Loadcpu(id Cpuid_t) uint64 {
	return atomic.LoadUint64(&cw.words[id].v)
}
