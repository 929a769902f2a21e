package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStatusExited(t *testing.T) {
	ws := unix.WaitStatus(0) // exit code 0 encodes as all-zero on Linux.
	s := Status(ws)

	code, ok := s.Exited()
	require.True(t, ok)
	require.Equal(t, 0, code)

	_, signaled := s.Signaled()
	require.False(t, signaled)
}

func TestStatusSignaled(t *testing.T) {
	var ws unix.WaitStatus
	// Construct a signaled status the same way the kernel would report
	// SIGKILL: low 7 bits carry the signal number, bit 7 clear.
	raw := uint32(unix.SIGKILL)
	s := Status(raw)
	ws = s.Unix()

	require.True(t, ws.Signaled())

	sig, ok := s.Signaled()
	require.True(t, ok)
	require.Equal(t, unix.SIGKILL, sig)
}
