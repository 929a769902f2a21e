package driver

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/forksrv/forksrv/internal/obslog"
	"github.com/forksrv/forksrv/internal/wire"
)

// ForkServer is a handle to one live forkserver running inside a target
// process, per spec.md's Data Model. Commands on a given handle must be
// serialized by the caller — a handle is not safe for concurrent use by
// multiple goroutines, though multiple independent handles may be driven
// concurrently (spec.md §5).
type ForkServer struct {
	fuzzerToServer int // write end of the control pipe
	serverToFuzzer int // read end of the status pipe
	serverPID      int

	// targetStdin is the driver's own open handle on the stdin temp file,
	// or nil if the target reads from /dev/null instead. It is kept as an
	// *os.File, not a bare fd, so nothing finalizes (and silently closes)
	// the descriptor out from under the handle before Exit does.
	targetStdin *os.File

	sentGetStatus bool
	hasLastStatus bool
	lastStatus    wire.Status

	log *obslog.Logger
}

// ServerPID returns the pid of the in-target server (the first child of the
// spawn), for diagnostics/SIGKILL on teardown.
func (f *ForkServer) ServerPID() int { return f.serverPID }

func (f *ForkServer) sendCommand(cmd byte) error {
	n, err := unix.Write(f.fuzzerToServer, []byte{cmd})
	if err != nil || n != 1 {
		return fmt.Errorf("%w: short write sending command %d: %v", ErrProtocol, cmd, err)
	}

	return nil
}

func (f *ForkServer) readResponse() (uint32, error) {
	var buf [wire.MsgSize]byte

	n, err := unix.Read(f.serverToFuzzer, buf[:])
	if err != nil || n != wire.MsgSize {
		return 0, fmt.Errorf("%w: short read of response: %v", ErrProtocol, err)
	}

	return binary.NativeEndian.Uint32(buf[:]), nil
}

// Fork sends FORK and returns the new child's pid. The child blocks at the
// gate until Run is called for it.
func (f *ForkServer) Fork() (int, error) {
	return f.sendFork(wire.CmdFork)
}

// ForkRun sends FORK_RUN and returns the new child's pid. The child does
// not wait at the gate; it starts running user code immediately.
func (f *ForkServer) ForkRun() (int, error) {
	return f.sendFork(wire.CmdForkRun)
}

func (f *ForkServer) sendFork(cmd byte) (int, error) {
	if err := f.sendCommand(cmd); err != nil {
		return 0, err
	}

	// A fresh FORK/FORK_RUN invalidates any pending GET_STATUS for the
	// previous child: spec.md ties child_pid to a single scratch
	// variable, so this module preserves that restriction rather than
	// extending the protocol (see spec.md's Open Questions).
	f.sentGetStatus = false
	f.hasLastStatus = false

	pid, err := f.readResponse()
	if err != nil {
		return 0, err
	}

	return int(pid), nil
}

// Run sends RUN, unblocking a child previously created with Fork.
func (f *ForkServer) Run() error {
	if err := f.sendCommand(wire.CmdRun); err != nil {
		return err
	}

	resp, err := f.readResponse()
	if err != nil {
		return err
	}

	if resp != 0 {
		return fmt.Errorf("%w: unexpected RUN response %d", ErrProtocol, resp)
	}

	return nil
}

// GetStatus retrieves the exit status of the most recently forked child.
// If wait is true it blocks until the status is available; if false it
// polls nonblockingly and returns ErrStatusNotReady if nothing is available
// yet. Once a status has been read, repeated calls (blocking or not) return
// the same cached value until the next Fork/ForkRun — see spec.md §4.6 and
// §8 property 4.
func (f *ForkServer) GetStatus(wait bool) (wire.Status, error) {
	if !f.sentGetStatus {
		if err := f.sendCommand(wire.CmdGetStatus); err != nil {
			return 0, err
		}

		f.sentGetStatus = true
		f.hasLastStatus = false
	}

	return f.pendingStatus(wait)
}

func (f *ForkServer) pendingStatus(wait bool) (wire.Status, error) {
	if f.sentGetStatus && f.hasLastStatus {
		return f.lastStatus, nil
	}

	if wait {
		v, err := f.readResponse()
		if err != nil {
			return 0, err
		}

		f.lastStatus = wire.Status(v)
		f.hasLastStatus = true

		return f.lastStatus, nil
	}

	n, err := unix.IoctlGetInt(f.serverToFuzzer, unix.FIONREAD)
	if err == nil && n == wire.MsgSize {
		v, err := f.readResponse()
		if err != nil {
			return 0, err
		}

		f.lastStatus = wire.Status(v)
		f.hasLastStatus = true

		return f.lastStatus, nil
	}

	return 0, ErrStatusNotReady
}

// Exit sends EXIT and closes every fd this handle owns. EXIT has no
// response (spec.md §4.6), so this does not wait for the server to
// actually terminate; the caller is not required to waitpid it (spec.md §8
// property 6) — the OS will reap it once it exits and is not its parent's
// responsibility beyond that.
func (f *ForkServer) Exit() error {
	err := f.sendCommand(wire.CmdExit)
	if err != nil {
		f.log.Warn("EXIT send failed, closing handle anyway", map[string]interface{}{"error": err})
	} else {
		f.log.Debug("handle closed", nil)
	}

	unix.Close(f.fuzzerToServer)
	unix.Close(f.serverToFuzzer)

	if f.targetStdin != nil {
		f.targetStdin.Close()
		f.targetStdin = nil
	}

	return err
}
