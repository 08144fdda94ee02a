package lock

import "sync/atomic"

import "defs"

// MCS queue lock. Each acquirer spins on its own node's ticket, so
// waiters form a FIFO and the cache line holding the lock word is not
// thundered. The shared state is a single tail pointer.
//
// Mcs_t.Lock and Mcs_t.Trylock take the acquirer's Mcsnode_t; a
// successful acquire yields an Mcsheld_t whose only method is Unlock.
// Reusing a node while it is queued, or unlocking the same handle
// twice, panics at run time.

/// Mcs_t is the shared lock word: the queue tail.
type Mcs_t struct {
	tail atomic.Pointer[Mcsnode_t]
}

/// Mcsnode_t is the per-acquirer queue node. It must not move while
/// queued; keep it on the acquirer's stack or in its task.
type Mcsnode_t struct {
	next   atomic.Pointer[Mcsnode_t]
	ticket atomic.Bool
	queued bool
}

/// Mcsheld_t witnesses a held lock.
type Mcsheld_t struct {
	l *Mcs_t
	n *Mcsnode_t
}

func (n *Mcsnode_t) reset() {
	if n.queued {
		defs.Kpanic("mcs node reused while queued")
	}
	n.queued = true
	n.next.Store(nil)
	n.ticket.Store(false)
}

/// Lock enqueues n and spins until the lock is held.
func (l *Mcs_t) Lock(n *Mcsnode_t) *Mcsheld_t {
	n.reset()
	// the tail swap publishes n (release) and observes the previous
	// holder (acquire).
	prev := l.tail.Swap(n)
	if prev == nil {
		return &Mcsheld_t{l: l, n: n}
	}
	// link in; the predecessor hands the lock over through our ticket,
	// so the next-pointer store needs no extra ordering beyond the
	// ticket's.
	prev.next.Store(n)
	for !n.ticket.Load() {
		pausefn()
	}
	return &Mcsheld_t{l: l, n: n}
}

/// Trylock acquires the lock only if nobody holds or waits for it.
/// Returns -EBUSY otherwise.
func (l *Mcs_t) Trylock(n *Mcsnode_t) (*Mcsheld_t, defs.Err_t) {
	if n.queued {
		defs.Kpanic("mcs node reused while queued")
	}
	n.queued = true
	n.next.Store(nil)
	n.ticket.Store(false)
	if l.tail.CompareAndSwap(nil, n) {
		return &Mcsheld_t{l: l, n: n}, 0
	}
	n.queued = false
	return nil, -defs.EBUSY
}

/// Unlock hands the lock to the next queued acquirer, if any.
func (h *Mcsheld_t) Unlock() {
	n := h.n
	if !n.queued {
		defs.Kpanic("mcs unlock of free lock")
	}
	if n.next.Load() == nil {
		// nobody visible behind us; try to close the queue.
		if h.l.tail.CompareAndSwap(n, nil) {
			n.queued = false
			return
		}
		// a successor swapped the tail but has not linked in yet.
		for n.next.Load() == nil {
			pausefn()
		}
	}
	succ := n.next.Load()
	n.queued = false
	succ.ticket.Store(true)
}
