package driver

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/forksrv/forksrv/internal/wire"
)

// forkServerStartupTime bounds how long Handshake waits for the hello
// message before declaring a timeout (spec.md §4.5).
const forkServerStartupTime = 10 * time.Second

// handshakePollInterval is the sleep between FIONREAD polls. Polling rather
// than a blocking read under SIGALRM is deliberate: it avoids installing a
// process-wide signal handler that might collide with one a host already
// owns (spec.md §4.5, §9).
const handshakePollInterval = 5 * time.Microsecond

// Handshake waits for the server's hello on an already-Spawned handle,
// classifying any failure per spec.md §4.5. On success the handle is ready
// for protocol commands. cfg must be the same SpawnConfig passed to Spawn,
// since a failed handshake is classified using its memory-limit/ASAN
// settings.
func (s *Spawner) Handshake(fs *ForkServer, cfg SpawnConfig) error {
	return handshake(fs, cfg, forkServerStartupTime, handshakePollInterval)
}

// handshake is Handshake's actual implementation, parameterized on the
// timeout and poll interval so tests can exercise the timeout branch
// without waiting the real 10 seconds.
func handshake(fs *ForkServer, cfg SpawnConfig, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)

	// timedOut tracks whether the loop below ever ran to its deadline
	// without observing a readable hello, as distinct from observing one
	// that then turned out short. This mirrors the original's own
	// timed_out flag (instrumentation.c's fork_server_init): it starts
	// true and is only cleared once FIONREAD reports a full message is
	// actually waiting, so that a SIGKILL issued after a genuine timeout
	// is never mistaken for the cause of death.
	timedOut := true

	for time.Now().Before(deadline) {
		n, err := unix.IoctlGetInt(fs.serverToFuzzer, unix.FIONREAD)
		if err == nil && n == wire.MsgSize {
			timedOut = false

			var buf [wire.MsgSize]byte
			if rn, rerr := unix.Read(fs.serverToFuzzer, buf[:]); rerr == nil && rn == wire.MsgSize {
				_ = binary.NativeEndian.Uint32(buf[:]) // the hello value itself; spec.md §8 property 1.
				fs.log.Debug("handshake completed", nil)
				return nil
			}

			break
		}

		time.Sleep(pollInterval)
	}

	// No hello arrived: kill the server and figure out why.
	unix.Kill(fs.serverPID, unix.SIGKILL)

	if timedOut {
		fs.log.Warn("handshake timed out", logrus.Fields{"timeout": timeout})
		return &HandshakeError{TimedOut: true}
	}

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(fs.serverPID, &ws, 0, nil)
	if err != nil || wpid <= 0 {
		fs.log.Warn("handshake wait4 failed after incomplete read", logrus.Fields{"error": err})
		return &HandshakeError{Kind: CrashUnknown}
	}

	if ws.Signaled() {
		kind := classify(cfg)
		fs.log.Error("server crashed before handshake", logrus.Fields{"signal": ws.Signal().String(), "kind": kind})
		return &HandshakeError{Signaled: true, Kind: kind}
	}

	kind := classify(cfg)
	fs.log.Error("server exited before handshake", logrus.Fields{"kind": kind})
	return &HandshakeError{Kind: kind}
}

// classify decides which HandshakeCrashKind applies, given the spawn
// configuration that produced fs. Exposed separately from Handshake's
// control flow so the classification logic (which depends only on
// configuration, not on timing) can be unit tested deterministically.
func classify(cfg SpawnConfig) HandshakeCrashKind {
	switch {
	case cfg.MemLimitMB > 0 && cfg.MemLimitMB < 500 && cfg.usesASAN():
		return CrashMemLimitASANSuspected
	case cfg.MemLimitMB == 0:
		return CrashNoMemLimitSet
	default:
		return CrashMemLimitTooLow
	}
}
