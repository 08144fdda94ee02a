// Package rcu provides read-copy-update publication: options and a
// linked list whose readers run lock-free under any guard that pins
// them to their CPU. Writers serialise on a per-structure lock and
// publish with release stores, so a reader always observes fully
// initialised nodes. Reclamation rides the garbage collector, which
// subsumes the grace period: a node stays alive while any reader
// still holds it.
package rcu

import "sync/atomic"

import "cpud"
import "lock"

/// Rcuoption_t is a lock-free published optional pointer.
type Rcuoption_t[T any] struct {
	p atomic.Pointer[T]
}

/// Load returns the current value under the caller's atomic-mode
/// guard. The reference stays valid for the guard's lifetime.
func (r *Rcuoption_t[T]) Load(g cpud.Pin_i) *T {
	return r.p.Load()
}

/// Store publishes v with release ordering.
func (r *Rcuoption_t[T]) Store(v *T) {
	r.p.Store(v)
}

/// Swap publishes v and returns the previous value.
func (r *Rcuoption_t[T]) Swap(v *T) *T {
	return r.p.Swap(v)
}

type node_t[T any] struct {
	val  *T
	next atomic.Pointer[node_t[T]]
	prev *node_t[T]
}

/// Rculist_t is a singly-headed, doubly-linked list of shared values.
/// Readers traverse the next pointers without locks; writers take the
/// list lock. Unlinked nodes keep their next pointer so a reader
/// standing on one can finish its traversal.
type Rculist_t[T any] struct {
	lk   lock.Spinlock_t
	head atomic.Pointer[node_t[T]]
	n    int
}

/// Len returns the element count. Writer-side accounting; approximate
/// for concurrent readers.
func (l *Rculist_t[T]) Len() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.n
}

/// Pushfront publishes v at the head of the list.
func (l *Rculist_t[T]) Pushfront(v *T) {
	nd := &node_t[T]{val: v}
	l.lk.Lock()
	old := l.head.Load()
	nd.next.Store(old)
	if old != nil {
		old.prev = nd
	}
	// the release store makes the initialised node visible
	l.head.Store(nd)
	l.n++
	l.lk.Unlock()
}

/// Remove unlinks the first node holding v. Returns whether one was
/// found.
func (l *Rculist_t[T]) Remove(v *T) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	for nd := l.head.Load(); nd != nil; nd = nd.next.Load() {
		if nd.val != v {
			continue
		}
		next := nd.next.Load()
		if nd.prev != nil {
			nd.prev.next.Store(next)
		} else {
			l.head.Store(next)
		}
		if next != nil {
			next.prev = nd.prev
		}
		// nd.next stays intact for readers still standing on nd
		l.n--
		return true
	}
	return false
}

/// Foreach visits every element under the caller's guard, stopping
/// early when f returns false.
func (l *Rculist_t[T]) Foreach(g cpud.Pin_i, f func(*T) bool) {
	for nd := l.head.Load(); nd != nil; nd = nd.next.Load() {
		if !f(nd.val) {
			return
		}
	}
}

/// Drop empties the list, unlinking every node so no chain of
/// references survives through the nodes.
func (l *Rculist_t[T]) Drop() {
	l.lk.Lock()
	defer l.lk.Unlock()
	nd := l.head.Load()
	l.head.Store(nil)
	for nd != nil {
		next := nd.next.Load()
		nd.next.Store(nil)
		nd.prev = nil
		nd.val = nil
		nd = next
	}
	l.n = 0
}
