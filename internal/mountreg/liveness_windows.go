//go:build windows

package mountreg

import "os"

// processAlive reports whether pid names a running process. Windows
// has no POSIX signal-0 probe; os.FindProcess itself opens a real
// process handle there, so success is enough.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
