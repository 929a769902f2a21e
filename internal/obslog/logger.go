// Package obslog provides the structured logging used on both sides of the
// forkserver: the driver (running inside the fuzzer process, where stderr is
// usually available) and the in-target server (whose stdio is redirected to
// /dev/null per the spawner contract, so it needs its own sink to be
// debuggable at all).
package obslog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is a thread-safe wrapper around a logrus.Logger. The forkserver
// runs command loops from multiple goroutines/processes that may log
// concurrently (driver handles are not required to be single-threaded
// across each other), so every entry goes through a single mutex.
//
// A Logger also carries a set of base fields (see With) merged into every
// entry it emits. This exists because one driver process may drive several
// ForkServer handles concurrently against a single shared sink (spec.md
// §5): without per-handle tagging, interleaved log lines from different
// targets/pids would be indistinguishable from one another in the resulting
// stream.
type Logger struct {
	entry *logrus.Logger
	mu    *sync.Mutex
	base  logrus.Fields
}

// New returns a Logger that writes text-formatted entries to w.
func New(w *os.File) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return &Logger{entry: l, mu: &sync.Mutex{}}
}

// NewFile opens (creating if needed) filename and returns a Logger backed by
// it. Used by the in-target server, since its own stdout/stderr are
// redirected to /dev/null by the spawner before exec.
func NewFile(filename string) (*Logger, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}

	return New(file), nil
}

// Discard returns a Logger whose entries are dropped. Used when the caller
// hasn't wired up a sink (e.g. the fallthrough path where the process isn't
// actually running under a forkserver-aware driver).
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return &Logger{entry: l, mu: &sync.Mutex{}}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// With returns a Logger derived from l that merges fields into every entry
// it logs, on top of whatever fields the caller passes per call. The
// derived Logger shares l's underlying sink and mutex, so its output and
// l's (or any other Logger derived from l) stays correctly interleaved
// rather than racing on two independent locks.
//
// Spawner uses this to tag each ForkServer handle it hands out with that
// handle's own server pid and target path, so lines from several
// concurrently-driven handles sharing one Spawner's sink can be told apart.
func (l *Logger) With(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{entry: l.entry, mu: l.mu, base: merged}
}

func (l *Logger) log(level logrus.Level, msg string, fields logrus.Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := fields
	if len(l.base) > 0 {
		merged = make(logrus.Fields, len(l.base)+len(fields))
		for k, v := range l.base {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	entry := l.entry.WithFields(merged)
	switch level {
	case logrus.DebugLevel:
		entry.Debug(msg)
	case logrus.InfoLevel:
		entry.Info(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.ErrorLevel:
		entry.Error(msg)
	case logrus.FatalLevel:
		entry.Fatal(msg)
	case logrus.PanicLevel:
		entry.Panic(msg)
	}
}

// Debug logs a debug-level entry with structured fields.
func (l *Logger) Debug(msg string, fields logrus.Fields) { l.log(logrus.DebugLevel, msg, fields) }

// Info logs an info-level entry with structured fields.
func (l *Logger) Info(msg string, fields logrus.Fields) { l.log(logrus.InfoLevel, msg, fields) }

// Warn logs a warn-level entry with structured fields.
func (l *Logger) Warn(msg string, fields logrus.Fields) { l.log(logrus.WarnLevel, msg, fields) }

// Error logs an error-level entry with structured fields.
func (l *Logger) Error(msg string, fields logrus.Fields) { l.log(logrus.ErrorLevel, msg, fields) }
