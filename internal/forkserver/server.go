// Package forkserver implements the in-target half of the forkserver: the
// command loop that is injected into the target process and suspends it
// immediately before user main() runs (component C2/C3 of the spec). It is
// invoked from the cgo interposer in cmd/forksrv-interpose; nothing here
// depends on cgo directly so the command loop itself stays unit-testable
// with ordinary pipes.
package forkserver

import (
	"encoding/binary"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/forksrv/forksrv/internal/obslog"
	"github.com/forksrv/forksrv/internal/wire"
)

// state is the process-wide record described in spec.md's Data Model
// section: init_done, the gate pipe and the scratch child pid are globals
// of the injected library by construction (they describe exactly one
// in-target server, which lives in exactly one process). It is
// lazily-initialized under a one-shot guard rather than shared across
// processes — a fork duplicates it by copying memory, it is never
// reconstructed in a child.
type state struct {
	once sync.Once

	log *obslog.Logger

	gateRead  int
	gateWrite int

	// childPID is scratch state for the most recently forked child. As
	// documented in spec.md's Open Questions, interleaving FORK/FORK_RUN
	// with GET_STATUS of an *earlier* child is unsupported by this single
	// scratch variable; this module preserves that restriction rather
	// than extending the protocol.
	childPID int
}

var global state

// Init runs the forkserver command loop, or returns immediately if the
// status pipe isn't wired up (the not-under-fuzzer fallthrough). It must be
// called exactly once per process; subsequent calls (e.g. a custom-function
// interposer hook firing more than once) are no-ops.
//
// For the process that calls Init, this function only returns once a FORK
// or FORK_RUN command has produced a child that should resume user code —
// the original "server" process itself loops here until told to EXIT, at
// which point it calls syscall.Exit and never returns at all.
func Init(log *obslog.Logger) {
	global.once.Do(func() {
		global.run(log)
	})
}

func (s *state) run(log *obslog.Logger) {
	s.log = log

	var hello [wire.MsgSize]byte
	binary.NativeEndian.PutUint32(hello[:], wire.Hello)

	n, err := unix.Write(wire.ForksrvToFuzzer, hello[:])
	if err != nil || n != wire.MsgSize {
		// Not running under a forkserver-aware driver (or the pipe is
		// already gone): fall through and let the target run normally.
		// This is a mandatory behavior, not an error path.
		s.log.Debug("status pipe unavailable, running without a forkserver", nil)
		return
	}

	var err2 error
	s.gateRead, s.gateWrite, err2 = mkpipe()
	if err2 != nil {
		s.log.Error("failed to create gate pipe", map[string]interface{}{"error": err2})
		syscall.Exit(1)
	}

	for {
		cmd, ok := s.readCommand()
		if !ok {
			syscall.Exit(1)
		}

		switch cmd {
		case wire.CmdExit:
			syscall.Exit(0)

		case wire.CmdFork, wire.CmdForkRun:
			resumed, resp := s.handleFork(cmd == wire.CmdFork)
			if resumed {
				// We are the freshly forked child: stop running the
				// server loop and let the caller (the cgo shim) invoke
				// the real user main().
				return
			}

			s.respond(resp)

		case wire.CmdRun:
			s.handleRun()

		case wire.CmdGetStatus:
			s.respond(s.handleGetStatus())

		default:
			s.log.Error("unknown forkserver command", map[string]interface{}{"cmd": cmd})
			syscall.Exit(1)
		}
	}
}

// handleFork forks a child for FORK/FORK_RUN. In the parent it returns
// (false, childPID) so the loop can send the response. In the child it
// either blocks on the gate (FORK) or returns immediately (FORK_RUN), and
// reports (true, 0) so run() knows to stop looping and resume user code.
//
// Everything executed between the raw fork and the eventual return to user
// code is restricted to raw syscalls (close/read/exit) deliberately: the
// child is a copy of a process that may have other OS threads belonging to
// the Go runtime, and only the calling thread survives the fork. This
// mirrors the constraint Go's own runtime observes around syscall.ForkExec
// (see syscall.ForkLock's doc comment) and the reason AFL-style forkservers
// exist in the first place: avoid doing anything but the bare minimum
// between fork() and resuming/execing.
func (s *state) handleFork(gated bool) (childIsResuming bool, response uint32) {
	syscall.ForkLock.Lock()
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	syscall.ForkLock.Unlock()

	if errno != 0 {
		syscall.Exit(1)
	}

	if pid == 0 {
		// Child.
		unix.Close(wire.FuzzerToForksrv)
		unix.Close(wire.ForksrvToFuzzer)
		unix.Close(s.gateWrite)

		if gated {
			var buf [wire.MsgSize]byte
			n, _ := unix.Read(s.gateRead, buf[:])
			if n != wire.MsgSize {
				syscall.Exit(1)
			}
		}

		unix.Close(s.gateRead)
		return true, 0
	}

	// Parent.
	s.childPID = int(pid)
	return false, uint32(pid)
}

func (s *state) handleRun() {
	var buf [wire.MsgSize]byte // the literal value 0, per spec.md §4.3.
	n, err := unix.Write(s.gateWrite, buf[:])
	if err != nil || n != wire.MsgSize {
		syscall.Exit(1)
	}

	s.respond(0)
}

func (s *state) handleGetStatus() uint32 {
	var ws unix.WaitStatus
	_, err := unix.Wait4(s.childPID, &ws, 0, nil)
	if err != nil {
		syscall.Exit(1)
	}

	return uint32(ws)
}

func (s *state) readCommand() (byte, bool) {
	var buf [1]byte
	n, err := unix.Read(wire.FuzzerToForksrv, buf[:])
	if err != nil || n != 1 {
		return 0, false
	}

	return buf[0], true
}

func (s *state) respond(value uint32) {
	var buf [wire.MsgSize]byte
	binary.NativeEndian.PutUint32(buf[:], value)

	n, err := unix.Write(wire.ForksrvToFuzzer, buf[:])
	if err != nil || n != wire.MsgSize {
		syscall.Exit(1)
	}
}

func mkpipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}

	return fds[0], fds[1], nil
}
