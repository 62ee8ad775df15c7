//go:build !windows

package registry

import (
	"os"

	"golang.org/x/sys/unix"
)

//	IsProcessAlive probes pid with a null signal. Permission denied still
//	means the process exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return true
	}
	return false
}
