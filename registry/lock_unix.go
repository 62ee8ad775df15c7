//go:build !windows

package registry

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

//	lockDir takes the advisory lock guarding all registry writes in dir.
//	The returned func releases it.
func lockDir(dir string) (unlock func(), err error) {
	lockFile, err := os.OpenFile(filepath.Join(dir, LOCK_FILENAME), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return
	}
	if err = unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return
	}
	unlock = func() {
		_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}
	return
}
