//go:build !windows

package mountreg

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a running process, via the
// conventional signal-0 liveness probe.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
