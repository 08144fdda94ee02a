package rcu

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"cpud"
)

type thing_t struct {
	v int
}

func collect(l *Rculist_t[thing_t]) []int {
	g := cpud.Preemptdisable()
	defer g.Restore()
	var out []int
	l.Foreach(g, func(t *thing_t) bool {
		out = append(out, t.v)
		return true
	})
	return out
}

func TestListPushRemove(t *testing.T) {
	var l Rculist_t[thing_t]
	a, b, c := &thing_t{1}, &thing_t{2}, &thing_t{3}

	l.Pushfront(a)
	l.Pushfront(b)
	l.Pushfront(c)
	require.Equal(t, []int{3, 2, 1}, collect(&l))
	require.Equal(t, 3, l.Len())

	require.True(t, l.Remove(b))
	require.Equal(t, []int{3, 1}, collect(&l))
	require.False(t, l.Remove(b), "already unlinked")

	require.True(t, l.Remove(c), "head removal")
	require.Equal(t, []int{1}, collect(&l))
	require.True(t, l.Remove(a))
	require.Empty(t, collect(&l))
	require.Equal(t, 0, l.Len())
}

func TestListDropUnlinksAll(t *testing.T) {
	var l Rculist_t[thing_t]
	for i := 0; i < 5; i++ {
		l.Pushfront(&thing_t{i})
	}
	l.Drop()
	require.Empty(t, collect(&l))
	require.Equal(t, 0, l.Len())
}

// readers traverse while a writer churns; every observed value must
// be fully initialised.
func TestListConcurrentReaders(t *testing.T) {
	var l Rculist_t[thing_t]
	for i := 0; i < 16; i++ {
		l.Pushfront(&thing_t{v: 42})
	}
	var stop int32
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.LoadInt32(&stop) == 0 {
				g := cpud.Preemptdisable()
				l.Foreach(g, func(th *thing_t) bool {
					if th.v != 42 {
						t.Errorf("torn node: %d", th.v)
						return false
					}
					return true
				})
				g.Restore()
			}
		}()
	}
	for i := 0; i < 2000; i++ {
		n := &thing_t{v: 42}
		l.Pushfront(n)
		l.Remove(n)
	}
	atomic.StoreInt32(&stop, 1)
	wg.Wait()
}

func TestOption(t *testing.T) {
	var o Rcuoption_t[thing_t]
	g := cpud.Preemptdisable()
	defer g.Restore()

	require.Nil(t, o.Load(g))
	o.Store(&thing_t{7})
	require.Equal(t, 7, o.Load(g).v)
	old := o.Swap(&thing_t{8})
	require.Equal(t, 7, old.v)
	require.Equal(t, 8, o.Load(g).v)
}
