//go:build windows

package registry

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func lockDir(dir string) (unlock func(), err error) {
	lockFile, err := os.OpenFile(filepath.Join(dir, LOCK_FILENAME), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return
	}
	overlapped := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(lockFile.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, overlapped)
	if err != nil {
		lockFile.Close()
		return
	}
	unlock = func() {
		_ = windows.UnlockFileEx(windows.Handle(lockFile.Fd()), 0, 1, 0, overlapped)
		lockFile.Close()
	}
	return
}
