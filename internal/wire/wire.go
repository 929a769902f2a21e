// Package wire defines the on-the-wire protocol shared by the driver
// (package driver, running in the fuzzer process) and the in-target server
// (package forkserver, running inside the target). Both sides import this
// package so the command bytes, fd numbers and message sizes can never
// drift apart between builds.
package wire

// MsgSize is the size in bytes of every message on the control, status and
// gate pipes: the platform int (4 bytes on every target this module
// supports).
const MsgSize = 4

// Hello is the literal 4-byte handshake value the server writes to the
// status pipe immediately after it confirms it is running under a
// forkserver-aware driver. Bytes are 0x41 0x41 0x41 0x41, i.e. the 32-bit
// constant 0x41414141 in native byte order.
const Hello uint32 = 0x41414141

// Command bytes sent driver -> server on the control pipe. One byte each;
// the concrete values only need to agree between the two sides of a given
// build, but are fixed here so there is exactly one build.
const (
	CmdExit      byte = 1
	CmdFork      byte = 2
	CmdForkRun   byte = 3
	CmdRun       byte = 4
	CmdGetStatus byte = 5
)

// Well-known fd numbers the spawner dup2()s the control/status pipe ends
// onto in the target's child, and that the injected server reads/writes
// without needing to discover them. Chosen outside 0/1/2; unlike AFL's
// traditional 198/199 these sit just above stderr, which the Spawner's
// dup2 sequence can reach directly without a placeholder-fd trampoline.
const (
	FuzzerToForksrv = 3
	ForksrvToFuzzer = 4
)

// Environment variable names exchanged between driver and target.
const (
	// EnvPreloadLinux is the dynamic linker's preload variable on Linux.
	EnvPreloadLinux = "LD_PRELOAD"
	// EnvPreloadDarwin is the dynamic linker's preload variable on Darwin.
	EnvPreloadDarwin = "DYLD_INSERT_LIBRARIES"
	// EnvBindNow forces eager symbol resolution before the hot fork path.
	EnvBindNow = "LD_BIND_NOW"
	// EnvBindLazy, if already set by the caller, suppresses EnvBindNow.
	EnvBindLazy = "LD_BIND_LAZY"
	// EnvPersistMaxCount carries the persistent-mode iteration budget.
	// Persistent mode's input loop itself is out of scope; this variable
	// is still exported whenever a non-zero count is configured, matching
	// the original implementation's environment-variable-only contract.
	EnvPersistMaxCount = "FORKSRV_PERSIST_MAX_CNT"
	// EnvASANOptions and EnvMSANOptions carry sanitizer defaults.
	EnvASANOptions = "ASAN_OPTIONS"
	EnvMSANOptions = "MSAN_OPTIONS"
)

// MSANExitCode is the exit code MSAN_OPTIONS configures MSAN to use on an
// error, so the driver can recognize it when classifying a dead
// target (not otherwise special-cased by this package; kept here since
// it's part of the wire-adjacent contract between driver and target env).
const MSANExitCode = 86
