// Command forksrv-interpose is the target-side entry point of the
// forkserver (component C1). Built with `go build -buildmode=c-shared`, it
// produces a shared library meant to be preloaded into an unmodified target
// binary via LD_PRELOAD (DYLD_INSERT_LIBRARIES on Darwin), the same way the
// original C instrumentation library is preloaded.
//
// The interposer's only job is to run the forkserver command loop
// (internal/forkserver) before the target's real main() executes, and to
// let the freshly-forked child fall through into that real main() once it
// has been told to resume. Everything past that point is the target's own
// code; this package never runs any target logic itself.
//
// Two interposition strategies exist, matching spec.md §4.1, and are
// selected at build time rather than at runtime: hook_entry.go hooks the C
// runtime's own entry trampoline (the default on Linux), and hook_custom.go
// hooks a caller-named function instead, for binaries that never call
// __libc_start_main directly. Exactly one of them compiles into any given
// build; see their build tags. hook_unsupported.go refuses the build
// outright when neither strategy applies, per spec.md §9.
package main

import "C"

import (
	"os"

	"github.com/forksrv/forksrv/internal/forkserver"
	"github.com/forksrv/forksrv/internal/obslog"
)

// goForkserverInit is called from whichever strategy file's C hook fires:
// once, before the target's real main() runs, under entry interposition;
// on every call of the hooked function under custom interposition, where
// forkserver.Init ignores every call after the first. It only returns in the
// process that should go on to execute that real main(): the original
// server process loops inside Init until told to EXIT and never returns at
// all.
//
//export goForkserverInit
func goForkserverInit() {
	log := newInterposerLogger()
	forkserver.Init(log)
}

// newInterposerLogger sends the server's own diagnostics to a file rather
// than stdout/stderr: those fds are about to be (or already have been)
// redirected to /dev/null by the driver, and the server must never write
// user-visible output of its own onto the target's real stdio.
func newInterposerLogger() *obslog.Logger {
	if path := os.Getenv("FORKSRV_LOG_FILE"); path != "" {
		if l, err := obslog.NewFile(path); err == nil {
			return l
		}
	}

	return obslog.Discard()
}

func main() {
	// Required by -buildmode=c-shared but never invoked: this binary has
	// no process of its own, it only exists to be dlopen'd/preloaded into
	// a target.
}
