package driver

// SpawnConfig describes how to launch a target under the forkserver. It is
// built by the caller (the fuzzer) and handed to Spawner.Start/Spawn; this
// package does not read any config file format itself.
type SpawnConfig struct {
	// TargetPath is the executable to run.
	TargetPath string
	// Argv is the target's argument vector, argv[0] included.
	Argv []string
	// Dir is the target's working directory, or "" for the caller's own.
	Dir string
	// Env are additional environment variables layered on top of the
	// ones this package sets for the forkserver contract (preload path,
	// LD_BIND_NOW, ASAN/MSAN options, persistence counter). A var here
	// with the same name as one forksrv would otherwise set is not
	// overridden, matching the "do not override if the caller already
	// set it" policy from spec.md §4.4 item 7.
	Env []string

	// InterposerLibraryPath is the path to the cgo-built interposer
	// shared library (cmd/forksrv-interpose) to preload via
	// LD_PRELOAD/DYLD_INSERT_LIBRARIES.
	InterposerLibraryPath string

	// UseForkserverLibrary controls whether InterposerLibraryPath is
	// preloaded at all; false means the target is assumed to already
	// have the server statically linked in (or isn't forkserver-aware,
	// exercising the fallthrough path).
	UseForkserverLibrary bool

	// NeedsStdin, when true, pipes fuzz input through a temp file
	// connected to the target's stdin instead of /dev/null.
	NeedsStdin bool

	// MemLimitMB is the target's virtual memory limit in MiB, or 0 for
	// no limit. Wired through to RLIMIT_AS per spec.md §4.4 item 2, and
	// used by Handshake to classify a pre-main crash. There is no
	// RLIMIT_DATA fallback for platforms without RLIMIT_AS.
	MemLimitMB int

	// PersistenceMaxCount, if non-zero, is exported as the persistent
	// mode iteration budget. Persistent mode's actual input loop is out
	// of scope for this module; only the environment-variable contract
	// is implemented (see SPEC_FULL.md, Supplemented Features).
	PersistenceMaxCount int
}

// usesASAN reports whether the caller's own environment overrides already
// configure ASAN_OPTIONS, used by Handshake to pick a more specific crash
// classification message.
func (c SpawnConfig) usesASAN() bool {
	for _, kv := range c.Env {
		if len(kv) >= len("ASAN_OPTIONS=") && kv[:len("ASAN_OPTIONS=")] == "ASAN_OPTIONS=" {
			return true
		}
	}

	return false
}
