package apic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
)

func TestTrapDispatch(t *testing.T) {
	var fixed []uintptr
	require.Equal(t, 0, int(Ontrap(14, func(tf *Trapframe_t) bool {
		fixed = append(fixed, tf.Cr2)
		return true
	})))
	require.Equal(t, int(-defs.EACCES), int(Ontrap(14, func(*Trapframe_t) bool {
		return true
	})), "one handler per vector")
	require.Equal(t, int(-defs.EINVAL), int(Ontrap(40, nil)))

	Trapentry(&Trapframe_t{Vector: 14, Cr2: 0x4000})
	require.Equal(t, []uintptr{0x4000}, fixed)
}

func TestTrapUnhandledPanics(t *testing.T) {
	var halted []string
	old := defs.Haltfn
	defs.Haltfn = func(msg string) { halted = append(halted, msg) }
	defer func() { defs.Haltfn = old }()

	Trapentry(&Trapframe_t{Vector: 6, Rip: 0x1234})
	require.Len(t, halted, 1)
}

func TestInterruptVectorsRoute(t *testing.T) {
	line, err := Irqalloc()
	require.Equal(t, 0, int(err))
	hit := 0
	line.Oncallback(func() { hit++ })
	Trapentry(&Trapframe_t{Vector: line.Num()})
	require.Equal(t, 1, hit)
	line.Free()
}
