//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

//	the child gets its own session so closing the parent's terminal does
//	not take the daemon down with it
func detach(command *exec.Cmd) {
	command.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func terminate(process *os.Process) {
	process.Signal(syscall.SIGTERM)
}

func terminationSignal() os.Signal {
	return syscall.SIGTERM
}
