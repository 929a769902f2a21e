package driver

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/forksrv/forksrv/internal/obslog"
	"github.com/forksrv/forksrv/internal/wire"
)

// minNoFileRlimit is the soft RLIMIT_NOFILE floor the spawner ensures is
// available to the target, per spec.md §4.4 item 1.
const minNoFileRlimit = 256

// Spawner launches targets under the forkserver (component C4). A single
// Spawner may be reused across many Start calls; it caches its /dev/null fd
// rather than reopening it per spawn, per spec.md §5's "shared resources"
// note.
type Spawner struct {
	devNull *os.File
	log     *obslog.Logger
}

// NewSpawner returns a Spawner that logs through log.
func NewSpawner(log *obslog.Logger) (*Spawner, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("forksrv: opening %s: %w", os.DevNull, err)
	}

	return &Spawner{devNull: f, log: log}, nil
}

// Close releases the Spawner's cached /dev/null fd. It does not affect any
// already-spawned ForkServer handles.
func (s *Spawner) Close() error {
	return s.devNull.Close()
}

// Start spawns the target and waits for its handshake, returning a ready
// handle. It is equivalent to Spawn followed by Handshake.
func (s *Spawner) Start(cfg SpawnConfig) (*ForkServer, error) {
	fs, err := s.Spawn(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Handshake(fs, cfg); err != nil {
		return nil, err
	}

	return fs, nil
}

// Spawn forks and execs the target with the forkserver wired up, per
// spec.md §4.4. It does not wait for the handshake; call Handshake (or
// Start, which does both) before issuing any protocol command.
func (s *Spawner) Spawn(cfg SpawnConfig) (*ForkServer, error) {
	var ctlPipe, stPipe [2]int
	if err := unix.Pipe(ctlPipe[:]); err != nil {
		return nil, fmt.Errorf("forksrv: control pipe: %w", err)
	}

	if err := unix.Pipe(stPipe[:]); err != nil {
		unix.Close(ctlPipe[0])
		unix.Close(ctlPipe[1])
		return nil, fmt.Errorf("forksrv: status pipe: %w", err)
	}

	var stdinFile *os.File
	stdinFD := -1
	if cfg.NeedsStdin {
		name := fmt.Sprintf("/tmp/fuzzfile-%s", uuid.NewString())

		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			closeAll(ctlPipe[0], ctlPipe[1], stPipe[0], stPipe[1])
			return nil, fmt.Errorf("forksrv: creating stdin temp file: %w", err)
		}
		// The file is unlinked immediately: the child inherits the open
		// fd via dup2 regardless, and nothing else ever needs to open
		// it by name again.
		_ = os.Remove(name)

		// stdinFile is kept alive on the returned handle (not just its
		// fd number): if it were allowed to be garbage collected, its
		// finalizer would close the descriptor at an unpredictable
		// time, including possibly before forkAndExec's child has
		// dup2'd it onto fd 0.
		stdinFile = f
		stdinFD = int(f.Fd())
	}

	argv0p, err := unix.BytePtrFromString(cfg.TargetPath)
	if err != nil {
		return nil, err
	}

	argvp, err := bytePtrSlice(cfg.Argv)
	if err != nil {
		return nil, err
	}

	envp, err := bytePtrSlice(s.buildEnv(cfg))
	if err != nil {
		return nil, err
	}

	var dir *byte
	if cfg.Dir != "" {
		dir, err = unix.BytePtrFromString(cfg.Dir)
		if err != nil {
			return nil, err
		}
	}

	pid, err := s.forkAndExec(forkExecPlan{
		argv0:     argv0p,
		argv:      argvp,
		envp:      envp,
		dir:       dir,
		ctlRead:   ctlPipe[0],
		ctlWrite:  ctlPipe[1],
		stRead:    stPipe[0],
		stWrite:   stPipe[1],
		stdinFD:   stdinFD,
		memLimit:  cfg.MemLimitMB,
		devNullFD: int(s.devNull.Fd()),
	})
	if err != nil {
		closeAll(ctlPipe[0], ctlPipe[1], stPipe[0], stPipe[1])
		return nil, fmt.Errorf("forksrv: fork failed: %w", err)
	}

	// Parent: close the ends only the child needs.
	unix.Close(ctlPipe[0])
	unix.Close(stPipe[1])

	// Every handle gets its own tagged logger rather than sharing s.log
	// verbatim, so lines from concurrently-driven handles sharing this
	// Spawner's sink (spec.md §5) can be told apart by pid/target.
	handleLog := s.log.With(logrus.Fields{"server_pid": pid, "target": cfg.TargetPath})
	handleLog.Info("target spawned", logrus.Fields{"needs_stdin": cfg.NeedsStdin, "mem_limit_mb": cfg.MemLimitMB})

	return &ForkServer{
		fuzzerToServer: ctlPipe[1],
		serverToFuzzer: stPipe[0],
		serverPID:      pid,
		targetStdin:    stdinFile,
		log:            handleLog,
	}, nil
}

// buildEnv layers the forkserver's required environment on top of the
// caller's own process environment and SpawnConfig.Env, without overriding
// anything the caller already set explicitly (spec.md §4.4 item 7).
func (s *Spawner) buildEnv(cfg SpawnConfig) []string {
	env := append(append([]string{}, os.Environ()...), cfg.Env...)

	if cfg.UseForkserverLibrary && cfg.InterposerLibraryPath != "" {
		preloadVar := wire.EnvPreloadLinux
		if runtime.GOOS == "darwin" {
			preloadVar = wire.EnvPreloadDarwin
		}

		env = setEnvDefault(env, preloadVar, cfg.InterposerLibraryPath)
	}

	if cfg.PersistenceMaxCount != 0 {
		env = setEnvDefault(env, wire.EnvPersistMaxCount, strconv.Itoa(cfg.PersistenceMaxCount))
	}

	if !hasEnvKey(env, wire.EnvBindLazy) {
		env = setEnvDefault(env, wire.EnvBindNow, "1")
	}

	env = setEnvDefault(env, wire.EnvASANOptions,
		"abort_on_error=1:detect_leaks=0:symbolize=0:allocator_may_return_null=1")

	msan := "exit_code=" + strconv.Itoa(wire.MSANExitCode) + ":symbolize=0:msan_track_origins=0"
	msan += ":abort_on_error=1:allocator_may_return_null=1"
	env = setEnvDefault(env, wire.EnvMSANOptions, msan)

	return env
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			return true
		}
	}

	return false
}

func setEnvDefault(env []string, key, value string) []string {
	if hasEnvKey(env, key) {
		return env
	}

	return append(env, key+"="+value)
}

func bytePtrSlice(ss []string) ([]*byte, error) {
	out := make([]*byte, len(ss)+1)

	for i, s := range ss {
		p, err := unix.BytePtrFromString(s)
		if err != nil {
			return nil, err
		}

		out[i] = p
	}

	return out, nil
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

// forkExecPlan carries every piece of state the child needs, fully
// pre-converted to raw pointers/ints, so that the code that runs between
// fork() and execve() in the child performs no Go allocations: the child is
// a copy of a process that, before Spawn is called, may have other Go
// runtime threads, and only the calling thread survives the fork. This
// mirrors stdlib syscall.forkExec's own convert-then-fork structure.
type forkExecPlan struct {
	argv0 *byte
	argv  []*byte
	envp  []*byte
	dir   *byte

	ctlRead, ctlWrite int
	stRead, stWrite   int
	stdinFD           int
	devNullFD         int
	memLimit          int
}

// forkAndExec performs the raw fork(); the child applies rlimits, detaches
// from its controlling terminal, wires up stdio and the control/status
// pipes onto their well-known fd numbers, and execve()s the target. Only
// raw unix syscalls are used in the child path.
func (s *Spawner) forkAndExec(p forkExecPlan) (pid int, err error) {
	syscall.ForkLock.Lock()
	defer syscall.ForkLock.Unlock()

	childPID, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}

	if childPID == 0 {
		p.runChild()
		// runChild only returns on failure; it always exits the
		// process itself.
		unix.RawSyscall(unix.SYS_EXIT, 1, 0, 0)
	}

	return int(childPID), nil
}

func (p *forkExecPlan) runChild() {
	bumpRlimit(unix.RLIMIT_NOFILE, minNoFileRlimit)

	if p.memLimit > 0 {
		limit := uint64(p.memLimit) << 20
		setRlimit(rlimitAS(), limit)
	}

	setRlimit(unix.RLIMIT_CORE, 0)

	unix.Setsid()

	stdin := p.devNullFD
	if p.stdinFD >= 0 {
		stdin = p.stdinFD
	}

	unix.Dup2(stdin, 0)
	unix.Dup2(p.devNullFD, 1)
	unix.Dup2(p.devNullFD, 2)

	unix.Dup2(p.ctlRead, wire.FuzzerToForksrv)
	unix.Dup2(p.stWrite, wire.ForksrvToFuzzer)

	closeIfNotTarget(p.ctlRead, wire.FuzzerToForksrv)
	closeIfNotTarget(p.ctlWrite, -1)
	closeIfNotTarget(p.stRead, -1)
	closeIfNotTarget(p.stWrite, wire.ForksrvToFuzzer)

	if p.stdinFD >= 0 {
		closeIfNotTarget(p.stdinFD, 0)
	}

	closeIfNotTarget(p.devNullFD, -1)

	if p.dir != nil {
		unix.RawSyscall(unix.SYS_CHDIR, uintptr(unsafe.Pointer(p.dir)), 0, 0)
	}

	unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(p.argv0)),
		uintptr(unsafe.Pointer(&p.argv[0])),
		uintptr(unsafe.Pointer(&p.envp[0])))
	// Only reachable if execve failed.
}

func closeIfNotTarget(fd, target int) {
	if fd >= 0 && fd != target {
		unix.Close(fd)
	}
}

func bumpRlimit(which int, min uint64) {
	var rlim unix.Rlimit
	if unix.Getrlimit(which, &rlim) != nil {
		return
	}

	if rlim.Cur < min {
		rlim.Cur = min
		unix.Setrlimit(which, &rlim) // best-effort, as in the original.
	}
}

func setRlimit(which int, value uint64) {
	rlim := unix.Rlimit{Cur: value, Max: value}
	unix.Setrlimit(which, &rlim) // best-effort, as in the original.
}

// rlimitAS returns RLIMIT_AS on platforms that define it (all Linux
// variants this module targets); spec.md §4.4 item 2 notes RLIMIT_DATA is
// the OpenBSD fallback, which is out of scope here.
func rlimitAS() int { return unix.RLIMIT_AS }
