// Package hashtable is a hash table with a lock-free Get(), used on
// paths that cannot take a lock, like interrupt vector dispatch.
package hashtable

import "sync"
import "sync/atomic"
import "unsafe"

type elem_t[V any] struct {
	key     uint64
	value   V
	keyHash uint32
	next    *elem_t[V]
}

type bucket_t[V any] struct {
	sync.RWMutex
	first *elem_t[V]
}

func loadptr[V any](e **elem_t[V]) *elem_t[V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	v := atomic.LoadPointer(ptr)
	return (*elem_t[V])(v)
}

func storeptr[V any](p **elem_t[V], e *elem_t[V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	v := (unsafe.Pointer)(e)
	atomic.StorePointer(ptr, v)
}

func hash64(k uint64) uint32 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	return uint32(k) ^ uint32(k>>32)
}

// / Hashtable_t maps uint64 keys to values. Readers never block;
// / writers take the bucket lock.
type Hashtable_t[V any] struct {
	table    []*bucket_t[V]
	capacity int
}

// / MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash[V any](size int) *Hashtable_t[V] {
	ht := &Hashtable_t[V]{}
	ht.capacity = size
	ht.table = make([]*bucket_t[V], size)
	for i := range ht.table {
		ht.table[i] = &bucket_t[V]{}
	}
	return ht
}

func (ht *Hashtable_t[V]) bucket(kh uint32) *bucket_t[V] {
	return ht.table[int(kh)%ht.capacity]
}

// / Get returns the value for key without taking any lock.
func (ht *Hashtable_t[V]) Get(key uint64) (V, bool) {
	kh := hash64(key)
	b := ht.bucket(kh)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// / Set inserts or overwrites the value for key. It returns the old
// / value and whether one existed.
func (ht *Hashtable_t[V]) Set(key uint64, value V) (V, bool) {
	kh := hash64(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			old := e.value
			e.value = value
			return old, true
		}
	}
	n := &elem_t[V]{key: key, value: value, keyHash: kh}
	// publish the fully-initialised node before linking it in
	n.next = b.first
	storeptr(&b.first, n)
	var zero V
	return zero, false
}

// / Del removes key's entry if present.
func (ht *Hashtable_t[V]) Del(key uint64) {
	kh := hash64(key)
	b := ht.bucket(kh)
	b.Lock()
	defer b.Unlock()

	var prev *elem_t[V]
	for e := b.first; e != nil; prev, e = e, e.next {
		if e.keyHash == kh && e.key == key {
			if prev == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&prev.next, e.next)
			}
			return
		}
	}
}

// / Iter calls f on each pair until f returns true.
func (ht *Hashtable_t[V]) Iter(f func(uint64, V) bool) {
	for _, b := range ht.table {
		for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
			if f(e.key, e.value) {
				return
			}
		}
	}
}

// / Size returns the total number of elements stored in the table.
func (ht *Hashtable_t[V]) Size() int {
	n := 0
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}
