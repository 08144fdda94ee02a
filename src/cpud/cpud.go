// Package cpud provides the per-CPU substrate: logical CPU ids, the
// interrupt/preemption guards that pin execution to the current CPU,
// and CPU-local storage.
//
// The kernel proper locates the current CPU and flips the interrupt
// flag with single instructions; here both are behind package function
// variables with pure-Go defaults so every layer above runs unmodified
// in user-mode tests.
package cpud

import "sync/atomic"

import "defs"

/// MAXCPUS bounds the number of logical CPUs the kernel supports.
const MAXCPUS = 64

/// Cpuid_t is a logical CPU number.
type Cpuid_t int32

var ncpus int32 = 1

/// Setcount records the number of logical CPUs found at boot.
func Setcount(n int) {
	if n < 1 || n > MAXCPUS {
		defs.Kpanic("bad cpu count %d", n)
	}
	atomic.StoreInt32(&ncpus, int32(n))
}

/// Numcpus returns the number of logical CPUs.
func Numcpus() int {
	return int(atomic.LoadInt32(&ncpus))
}

// Cpuhint reports which CPU the caller is running on. It may be stale
// the instant it returns unless the caller holds a guard; biscuit gets
// this from the runtime, tests swap it to steer execution.
var Cpuhint func() Cpuid_t = func() Cpuid_t { return 0 }

// per-CPU interrupt and preemption state. the pads keep the hot words
// on separate cache lines.
type percpu_t struct {
	irqdepth     int32
	preemptdepth int32
	_            [56]uint8
}

var cpus [MAXCPUS]percpu_t

/// Pin_i is the capability of knowing the current CPU cannot change
/// under the holder: any guard that prevents preemption or disables
/// interrupts implements it.
type Pin_i interface {
	Pinned() Cpuid_t
}

/// Atomic_i marks guards under which no context switch can occur.
/// Both guard kinds below implement it.
type Atomic_i interface {
	Pin_i
	atomicmode()
}

/// Irqguard_t is the RAII token for disabled local interrupts.
/// Nesting is counted; interrupts are re-enabled when the outermost
/// guard is restored.
type Irqguard_t struct {
	cpu  Cpuid_t
	done bool
}

/// Preemptguard_t prevents task migration off the current CPU but not
/// interrupt handlers.
type Preemptguard_t struct {
	cpu  Cpuid_t
	done bool
}

/// Irqdisable disables interrupts on the current CPU and returns the
/// guard that re-enables them.
func Irqdisable() *Irqguard_t {
	id := Cpuhint()
	atomic.AddInt32(&cpus[id].irqdepth, 1)
	return &Irqguard_t{cpu: id}
}

/// Restore pops one level of interrupt disabling.
func (g *Irqguard_t) Restore() {
	if g.done {
		defs.Kpanic("irq guard restored twice")
	}
	g.done = true
	if atomic.AddInt32(&cpus[g.cpu].irqdepth, -1) < 0 {
		defs.Kpanic("irq depth underflow")
	}
}

/// Pinned returns the CPU this guard pins the caller to.
func (g *Irqguard_t) Pinned() Cpuid_t { return g.cpu }

func (g *Irqguard_t) atomicmode() {}

/// Preemptdisable pins the caller to its CPU.
func Preemptdisable() *Preemptguard_t {
	id := Cpuhint()
	atomic.AddInt32(&cpus[id].preemptdepth, 1)
	return &Preemptguard_t{cpu: id}
}

/// Restore re-enables preemption.
func (g *Preemptguard_t) Restore() {
	if g.done {
		defs.Kpanic("preempt guard restored twice")
	}
	g.done = true
	if atomic.AddInt32(&cpus[g.cpu].preemptdepth, -1) < 0 {
		defs.Kpanic("preempt depth underflow")
	}
}

/// Pinned returns the CPU this guard pins the caller to.
func (g *Preemptguard_t) Pinned() Cpuid_t { return g.cpu }

func (g *Preemptguard_t) atomicmode() {}

/// Irqdisabled reports whether the given CPU currently has interrupts
/// disabled.
func Irqdisabled(id Cpuid_t) bool {
	return atomic.LoadInt32(&cpus[id].irqdepth) > 0
}

/// Current returns the caller's CPU id. The value stays correct for
/// the guard's lifetime.
func Current(g Pin_i) Cpuid_t {
	return g.Pinned()
}
