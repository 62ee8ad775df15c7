//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func detach(command *exec.Cmd) {
	command.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
}

//	Windows has no SIGTERM; kill is the only termination there is.
func terminate(process *os.Process) {
	process.Kill()
}

func terminationSignal() os.Signal {
	return syscall.SIGTERM
}
