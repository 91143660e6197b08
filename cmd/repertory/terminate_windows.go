//go:build windows

package main

import "os"

// terminateProcess uses Process.Kill (TerminateProcess under the
// hood): Windows has no POSIX SIGTERM delivery to an arbitrary PID.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
