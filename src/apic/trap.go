package apic

import "defs"
import "lock"

// CPU trap delivery. The low 32 vectors are exceptions; a registered
// handler inspects the frame and either fixes it up and resumes or
// declares the trap fatal. Vectors at and above 32 are device
// interrupts and go through Route.

/// Trapframe_t is the state pushed at trap entry.
type Trapframe_t struct {
	Vector  uint8
	Errcode uintptr
	Rip     uintptr
	Rsp     uintptr
	// faulting address for page faults
	Cr2 uintptr
}

/// Traphandler_t inspects a trap frame; returning true resumes the
/// interrupted context, false panics the kernel.
type Traphandler_t func(*Trapframe_t) bool

const nexceptions = 32

var traplk lock.Spinlock_t
var handlers [nexceptions]Traphandler_t

/// Ontrap registers the handler for an exception vector. One handler
/// per vector; a second registration is refused.
func Ontrap(vec uint8, h Traphandler_t) defs.Err_t {
	if vec >= nexceptions || h == nil {
		return -defs.EINVAL
	}
	traplk.Lock()
	defer traplk.Unlock()
	if handlers[vec] != nil {
		return -defs.EACCES
	}
	handlers[vec] = h
	return 0
}

/// Trapentry dispatches one trap. Exceptions without a handler, and
/// handlers that decline, panic the kernel.
func Trapentry(tf *Trapframe_t) {
	if tf.Vector >= nexceptions {
		if !Route(tf.Vector) {
			defs.Kpanic("interrupt on unallocated vector %d", tf.Vector)
		}
		return
	}
	traplk.Lock()
	h := handlers[tf.Vector]
	traplk.Unlock()
	if h == nil || !h(tf) {
		defs.Kpanic("unhandled trap %d at %#x (err %#x)",
			tf.Vector, tf.Rip, tf.Errcode)
	}
}
