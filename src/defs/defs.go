// Package defs holds the error taxonomy and the few constants shared
// by every layer of the kernel core.
package defs

import "fmt"
import "runtime"
import "sync/atomic"

/// Err_t is the kernel-internal error type. The constants below are
/// positive; call sites negate them on return (biscuit convention), so
/// a zero Err_t always means success.
type Err_t int

/// ENOMEM: frame or heap allocation failed. Callers either propagate
/// or invoke a rescue path.
const ENOMEM Err_t = 12

/// EINVAL: argument outside the documented range. Always recovered at
/// the caller.
const EINVAL Err_t = 22

/// EACCES: attempted to install a mapping that is already in use. The
/// caller must release the conflicting resource first.
const EACCES Err_t = 13

/// EOVERFLOW: arithmetic overflow in an offset computation. Treated as
/// EINVAL by most callers.
const EOVERFLOW Err_t = 75

/// EBUSY: lock contention reported by a try-acquire. Callers spin or
/// back off.
const EBUSY Err_t = 16

/// ENOENT: lookup missed.
const ENOENT Err_t = 2

/// EFAULT: address not covered by any mapping.
const EFAULT Err_t = 14

var errstr = map[Err_t]string{
	ENOMEM:    "out of memory",
	EINVAL:    "invalid argument",
	EACCES:    "access denied",
	EOVERFLOW: "value overflow",
	EBUSY:     "resource busy",
	ENOENT:    "not found",
	EFAULT:    "bad address",
}

/// String returns the description for an error constant. Negated
/// values are accepted.
func (e Err_t) String() string {
	if e < 0 {
		e = -e
	}
	if s, ok := errstr[e]; ok {
		return s
	}
	return fmt.Sprintf("unknown error %d", int(e))
}

// Tid_t identifies a kernel task.
type Tid_t int

var panicking int32

/// Haltfn is what Kpanic calls after dumping state. The default stops
/// the calling goroutine in a plain panic so tests observe it; boot
/// code replaces it with the machine halt.
var Haltfn func(msg string) = func(msg string) {
	panic(msg)
}

/// Kpanic reports a fatal invariant violation. It prints a backtrace
/// from the panicking frame and halts the kernel. A recursive panic
/// skips the printing and halts immediately.
func Kpanic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !atomic.CompareAndSwapInt32(&panicking, 0, 1) {
		Haltfn(msg)
		return
	}
	fmt.Printf("kernel panic: %s\n", msg)
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fmt.Printf("  %#x %s %s:%d\n", fr.PC, fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	Haltfn(msg)
}
