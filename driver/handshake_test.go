package driver

import (
	"encoding/binary"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forksrv/forksrv/internal/obslog"
	"github.com/forksrv/forksrv/internal/wire"
)

func TestClassifyASANSuspectedUnderTightLimit(t *testing.T) {
	cfg := SpawnConfig{
		MemLimitMB: 50,
		Env:        []string{"ASAN_OPTIONS=detect_leaks=0"},
	}
	require.Equal(t, CrashMemLimitASANSuspected, classify(cfg))
}

func TestClassifyNoMemLimitSet(t *testing.T) {
	cfg := SpawnConfig{MemLimitMB: 0}
	require.Equal(t, CrashNoMemLimitSet, classify(cfg))
}

func TestClassifyMemLimitTooLowWithoutASAN(t *testing.T) {
	cfg := SpawnConfig{MemLimitMB: 50}
	require.Equal(t, CrashMemLimitTooLow, classify(cfg))
}

func TestClassifyGenerousLimitIsTooLowCategory(t *testing.T) {
	cfg := SpawnConfig{MemLimitMB: 4096, Env: []string{"ASAN_OPTIONS=x"}}
	require.Equal(t, CrashMemLimitTooLow, classify(cfg))
}

func TestHandshakeErrorMessages(t *testing.T) {
	require.Contains(t, (&HandshakeError{TimedOut: true}).Error(), "timeout")
	require.Contains(t, (&HandshakeError{Signaled: true}).Error(), "crashed")
	require.Contains(t, (&HandshakeError{}).Error(), "handshake failed")
}

// TestHandshakeTimeoutIsNotMisreportedAsCrash is the regression case for
// spec.md §8 S6: a server that is still alive and simply hasn't written
// hello yet when the deadline fires must be reported as TimedOut, not as
// crashed/signaled merely because Handshake's own SIGKILL is what finally
// ends it.
func TestHandshakeTimeoutIsNotMisreportedAsCrash(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires a real child process to kill and reap")
	}

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	fs := &ForkServer{serverToFuzzer: openNeverReadyFD(t), serverPID: cmd.Process.Pid, log: obslog.Discard()}

	start := time.Now()
	err := handshake(fs, SpawnConfig{}, 30*time.Millisecond, time.Millisecond)
	elapsed := time.Since(start)

	require.Less(t, elapsed, 5*time.Second, "handshake must not wait out the child's own sleep")

	var herr *HandshakeError
	require.ErrorAs(t, err, &herr)
	require.True(t, herr.TimedOut)
	require.False(t, herr.Signaled)
}

// TestHandshakeSucceedsOnHello exercises the success path: bytes become
// available on the status pipe before the deadline fires.
func TestHandshakeSucceedsOnHello(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires a real pipe fd")
	}

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	fs := &ForkServer{serverToFuzzer: int(r.Fd()), serverPID: os.Getpid(), log: obslog.Discard()}

	go func() {
		var buf [wire.MsgSize]byte
		binary.NativeEndian.PutUint32(buf[:], wire.Hello)
		w.Write(buf[:])
	}()

	err = handshake(fs, SpawnConfig{}, time.Second, time.Millisecond)
	require.NoError(t, err)
}

// openNeverReadyFD returns a pipe read-end fd that never has anything
// written to it, standing in for a server that is alive but silent.
func openNeverReadyFD(t *testing.T) int {
	t.Helper()

	r, _, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return int(r.Fd())
}
