package defs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrStrings(t *testing.T) {
	require.Equal(t, "out of memory", ENOMEM.String())
	require.Equal(t, "out of memory", (-ENOMEM).String())
	require.Equal(t, "resource busy", EBUSY.String())
	require.Equal(t, "unknown error 99", Err_t(99).String())
}

func TestKpanicHaltsThroughHook(t *testing.T) {
	var msgs []string
	old := Haltfn
	Haltfn = func(msg string) { msgs = append(msgs, msg) }
	defer func() { Haltfn = old }()

	Kpanic("slot %d corrupt", 7)
	require.Equal(t, []string{"slot 7 corrupt"}, msgs)

	// a recursive panic skips the printing but still halts
	Kpanic("again")
	require.Equal(t, []string{"slot 7 corrupt", "again"}, msgs)
}
