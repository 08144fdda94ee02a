// Package lock provides the kernel's low-level mutual exclusion: a
// test-and-set spinlock with an interrupt-disabling variant, the MCS
// queue lock used to build fair spinlocks, and the sleepable
// reader/writer lock used by structures whose readers may suspend.
package lock

import "runtime"
import "sync"
import "sync/atomic"

import "cpud"
import "defs"

// pausefn is executed in every spin iteration. The bare-metal build
// lowers it to a pause instruction; under the host runtime yielding
// keeps spinners from starving the holder.
var pausefn func() = runtime.Gosched

/// Spinlock_t busy-waits until the lock becomes available. Acquirers
/// that may race an interrupt handler must use the Irq variants.
type Spinlock_t struct {
	state uint32
}

/// Lock acquires the lock. Re-acquiring a held lock deadlocks.
func (l *Spinlock_t) Lock() {
	for !l.Trylock() {
		for atomic.LoadUint32(&l.state) != 0 {
			pausefn()
		}
	}
}

/// Trylock attempts a single acquire.
func (l *Spinlock_t) Trylock() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

/// Unlock releases the lock.
func (l *Spinlock_t) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

/// Lockirq disables interrupts on the current CPU and then acquires
/// the lock. All global structures touched from interrupt context take
/// their locks this way.
func (l *Spinlock_t) Lockirq() *cpud.Irqguard_t {
	g := cpud.Irqdisable()
	l.Lock()
	return g
}

/// Unlockirq releases the lock and restores the interrupt state.
func (l *Spinlock_t) Unlockirq(g *cpud.Irqguard_t) {
	l.Unlock()
	g.Restore()
}

/// Rwmutex_t allows multiple readers or one writer; readers may
/// suspend while holding it. Never used from interrupt context.
type Rwmutex_t = sync.RWMutex

/// Oncelock_t guards one-shot global initialisation; Init panics on a
/// second call so ordering bugs surface immediately.
type Oncelock_t struct {
	done uint32
}

/// Init marks initialisation done.
func (o *Oncelock_t) Init(what string) {
	if !atomic.CompareAndSwapUint32(&o.done, 0, 1) {
		defs.Kpanic("%s initialised twice", what)
	}
}

/// Initted reports whether Init ran.
func (o *Oncelock_t) Initted() bool {
	return atomic.LoadUint32(&o.done) != 0
}
