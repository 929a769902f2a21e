package wire

import "golang.org/x/sys/unix"

// Status is a raw platform wait-status as transported over the status pipe
// by GET_STATUS: four bytes, interpreted as the kernel's wait-status
// encoding (exit code and/or terminating signal bits).
type Status uint32

// Unix returns the status as the unix package's WaitStatus, so callers can
// use WIFEXITED/WEXITSTATUS/WIFSIGNALED/WTERMSIG-equivalent accessors
// without this package depending on process-management semantics itself.
func (s Status) Unix() unix.WaitStatus {
	return unix.WaitStatus(s)
}

// Exited reports whether the process exited normally, and if so its exit
// code.
func (s Status) Exited() (code int, ok bool) {
	ws := s.Unix()
	return ws.ExitStatus(), ws.Exited()
}

// Signaled reports whether the process was terminated by a signal, and if
// so which one.
func (s Status) Signaled() (sig unix.Signal, ok bool) {
	ws := s.Unix()
	return ws.Signal(), ws.Signaled()
}
