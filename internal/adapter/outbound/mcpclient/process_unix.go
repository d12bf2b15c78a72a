//go:build !windows

package mcpclient

import (
	"os"
	"syscall"
)

// processIsAlive reports whether proc is still running, using signal 0
// (no-op signal delivery that only checks permission/existence).
func processIsAlive(proc *os.Process) bool {
	return proc.Signal(syscall.Signal(0)) == nil
}
