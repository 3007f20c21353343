package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func runStress(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	s := newStress(&out, zaptest.NewLogger(t))
	cmd := newRootCmd(s)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRWLock(t *testing.T) {
	out, err := runStress(t, "rwlock", "--writers=3", "--readers=6", "--iterations=300", "--metrics")
	require.NoError(t, err)
	require.Contains(t, out, `fairstress_frw_readers{lock="rwlock"} 0`)
	require.Contains(t, out, `fairstress_frw_writer_held{lock="rwlock"} 0`)
	require.Contains(t, out, "fairstress_frw_slow_paths_total")
}

func TestIRW(t *testing.T) {
	for _, expensive := range []string{"--expensive=false", "--expensive=true"} {
		out, err := runStress(t, "irw", "-w", "2", "-r", "5", "-n", "200", expensive, "--metrics")
		require.NoError(t, err)
		require.Contains(t, out, `fairstress_irw_writers{lock="irw"} 0`)
		require.Contains(t, out, `fairstress_irw_blocked_readers{lock="irw"} 0`)
	}
}

func TestBuffer(t *testing.T) {
	out, err := runStress(t, "buffer", "--capacity=3", "--items=2000", "--producers=3", "--consumers=2", "--metrics")
	require.NoError(t, err)
	require.Contains(t, out, `fairstress_buffer_capacity{buffer="buffer"} 3`)
	require.Contains(t, out, `fairstress_buffer_len{buffer="buffer"} 0`)
}

func TestNoMetricsByDefault(t *testing.T) {
	out, err := runStress(t, "buffer", "--items=10")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestBadFlags(t *testing.T) {
	_, err := runStress(t, "buffer", "--capacity=0")
	require.ErrorContains(t, err, "--capacity must be positive")

	_, err = runStress(t, "rwlock", "--writers=0", "--readers=0")
	require.ErrorContains(t, err, "at least one reader or writer")

	_, err = runStress(t, "rwlock", "extra")
	require.Error(t, err)
}
