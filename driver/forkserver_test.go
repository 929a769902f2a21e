package driver

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forksrv/forksrv/internal/obslog"
	"github.com/forksrv/forksrv/internal/wire"
)

const (
	eventuallyTimeout  = time.Second
	eventuallyInterval = time.Millisecond
)

// pipePair wires up a ForkServer handle against an in-process fake server
// driven directly by the test, so the command/response protocol (C6) can be
// exercised without ever forking or exec'ing anything.
type pipePair struct {
	fs *ForkServer

	// fake server side
	cmdR  *os.File
	respW *os.File
}

func newPipePair(t *testing.T) *pipePair {
	t.Helper()

	cmdR, cmdW, err := os.Pipe()
	require.NoError(t, err)

	respR, respW, err := os.Pipe()
	require.NoError(t, err)

	return &pipePair{
		fs: &ForkServer{
			fuzzerToServer: int(cmdW.Fd()),
			serverToFuzzer: int(respR.Fd()),
			log:            obslog.Discard(),
		},
		cmdR:  cmdR,
		respW: respW,
	}
}

func (p *pipePair) readCommand(t *testing.T) byte {
	t.Helper()

	var buf [1]byte
	n, err := p.cmdR.Read(buf[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)

	return buf[0]
}

func (p *pipePair) sendResponse(t *testing.T, v uint32) {
	t.Helper()

	var buf [wire.MsgSize]byte
	binary.NativeEndian.PutUint32(buf[:], v)

	_, err := p.respW.Write(buf[:])
	require.NoError(t, err)
}

func TestForkSendsCommandAndReturnsPID(t *testing.T) {
	p := newPipePair(t)

	done := make(chan int, 1)
	go func() {
		pid, err := p.fs.Fork()
		require.NoError(t, err)
		done <- pid
	}()

	require.Equal(t, wire.CmdFork, p.readCommand(t))
	p.sendResponse(t, 4242)

	require.Equal(t, 4242, <-done)
}

func TestForkRunSendsDistinctCommand(t *testing.T) {
	p := newPipePair(t)

	done := make(chan int, 1)
	go func() {
		pid, err := p.fs.ForkRun()
		require.NoError(t, err)
		done <- pid
	}()

	require.Equal(t, wire.CmdForkRun, p.readCommand(t))
	p.sendResponse(t, 7)

	require.Equal(t, 7, <-done)
}

func TestRunRejectsNonZeroResponse(t *testing.T) {
	p := newPipePair(t)

	done := make(chan error, 1)
	go func() {
		done <- p.fs.Run()
	}()

	require.Equal(t, wire.CmdRun, p.readCommand(t))
	p.sendResponse(t, 1)

	require.ErrorIs(t, <-done, ErrProtocol)
}

func TestGetStatusBlockingCachesResult(t *testing.T) {
	p := newPipePair(t)

	done := make(chan uint32, 1)
	go func() {
		status, err := p.fs.GetStatus(true)
		require.NoError(t, err)
		done <- uint32(status)
	}()

	require.Equal(t, wire.CmdGetStatus, p.readCommand(t))
	p.sendResponse(t, 99)
	require.Equal(t, uint32(99), <-done)

	// A second call must not send another GET_STATUS: it returns the
	// cached value without touching the pipe at all.
	status, err := p.fs.GetStatus(true)
	require.NoError(t, err)
	require.Equal(t, uint32(99), uint32(status))
}

func TestGetStatusNonBlockingNotReady(t *testing.T) {
	p := newPipePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.fs.GetStatus(false)
		require.ErrorIs(t, err, ErrStatusNotReady)
	}()

	require.Equal(t, wire.CmdGetStatus, p.readCommand(t))
	<-done

	// Now the fake server produces the status; a later non-blocking poll
	// picks it up.
	p.sendResponse(t, 5)

	require.Eventually(t, func() bool {
		status, err := p.fs.pendingStatus(false)
		return err == nil && uint32(status) == 5
	}, eventuallyTimeout, eventuallyInterval)
}

func TestForkInvalidatesPendingStatus(t *testing.T) {
	p := newPipePair(t)

	done1 := make(chan struct{})
	go func() {
		defer close(done1)
		_, err := p.fs.GetStatus(false)
		require.ErrorIs(t, err, ErrStatusNotReady)
	}()
	require.Equal(t, wire.CmdGetStatus, p.readCommand(t))
	<-done1

	// A fresh Fork must re-issue GET_STATUS on the next call rather than
	// ever returning a status belonging to the previous child.
	done2 := make(chan int, 1)
	go func() {
		pid, err := p.fs.Fork()
		require.NoError(t, err)
		done2 <- pid
	}()
	require.Equal(t, wire.CmdFork, p.readCommand(t))
	p.sendResponse(t, 55)
	require.Equal(t, 55, <-done2)

	require.False(t, p.fs.sentGetStatus)
	require.False(t, p.fs.hasLastStatus)
}

func TestExitClosesHandleFDs(t *testing.T) {
	p := newPipePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, p.fs.Exit())
	}()

	require.Equal(t, wire.CmdExit, p.readCommand(t))
	<-done

	// The write end the handle owned is now closed, so the read end the
	// test holds observes EOF.
	n, err := p.cmdR.Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.Error(t, err)
}
