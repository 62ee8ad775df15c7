// Package daemon moves a service out of the current process: it re-executes
// the host binary with META_DAEMON_SERVICE set, and the facade turns that
// child into the server when the service registration code runs again there.
// The parent gets a Handle once the child's registry record appears.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"

	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/registry"
)

var log = logging.MustGetLogger("metabridge")

//	IsChild reports whether this process was spawned to host name.
func IsChild(name string) bool {
	return os.Getenv(config.DAEMON_CHILD_ENV) == name
}

//	ChildService returns the service this process is meant to host, if any.
func ChildService() string {
	return os.Getenv(config.DAEMON_CHILD_ENV)
}

//	Handle refers to a service hosted by a child process.
type Handle struct {
	name    string
	process *os.Process
	stopped int32
}

func (h *Handle) PID() int {
	return h.process.Pid
}

func (h *Handle) Service() string {
	return h.name
}

func (h *Handle) IsRunning() bool {
	return atomic.LoadInt32(&h.stopped) == 0 && registry.IsProcessAlive(h.process.Pid)
}

//	Stop terminates the child, waits up to timeout before killing it, and
//	withdraws the registry entry if the child still owns it.
func (h *Handle) Stop(timeout time.Duration) (err error) {
	if !atomic.CompareAndSwapInt32(&h.stopped, 0, 1) {
		return
	}
	if registry.IsProcessAlive(h.process.Pid) {
		terminate(h.process)
		if !waitExit(h.process.Pid, timeout) {
			log.Warningf("daemon for '%s' (pid %d) ignored termination, killing", h.name, h.process.Pid)
			h.process.Kill()
			waitExit(h.process.Pid, time.Second)
		}
	}
	err = registry.Unregister(h.name, h.process.Pid)
	unregisterHandle(h)
	return
}

//	Wait blocks until the child exits.
func (h *Handle) Wait() {
	for registry.IsProcessAlive(h.process.Pid) {
		time.Sleep(100 * time.Millisecond)
	}
}

//	Spawn re-executes the current binary as a detached child hosting name
//	and waits for the service to appear in the registry.
func Spawn(name string, startupTimeout time.Duration) (handle *Handle, err error) {
	if startupTimeout <= 0 {
		startupTimeout = config.DEFAULT_STARTUP_TIMEOUT
	}
	executable, err := os.Executable()
	if err != nil {
		return
	}

	command := exec.Command(executable, os.Args[1:]...)
	command.Env = append(os.Environ(), config.DAEMON_CHILD_ENV+"="+name)
	detach(command)
	if err = command.Start(); err != nil {
		return
	}
	//	reap the child when it exits so liveness probes see it gone
	go command.Wait()

	if err = awaitServiceStart(name, startupTimeout); err != nil {
		command.Process.Kill()
		return
	}

	handle = &Handle{name: name, process: command.Process}
	registerHandle(handle)
	log.Infof("service '%s' running as daemon pid %d", name, handle.PID())
	return
}

func awaitServiceStart(name string, timeout time.Duration) (err error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, resolveErr := registry.Resolve(name); resolveErr == nil {
			return
		}
		time.Sleep(config.STARTUP_POLL_INTERVAL)
	}
	err = fmt.Errorf("service '%s' did not start within %s", name, timeout)
	return
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !registry.IsProcessAlive(pid) {
			return true
		}
		time.Sleep(config.STARTUP_POLL_INTERVAL)
	}
	return !registry.IsProcessAlive(pid)
}

var handlesMutex sync.Mutex
var activeHandles []*Handle
var cleanupOnce sync.Once

func registerHandle(handle *Handle) {
	handlesMutex.Lock()
	activeHandles = append(activeHandles, handle)
	handlesMutex.Unlock()
	cleanupOnce.Do(installCleanupHook)
}

func unregisterHandle(handle *Handle) {
	handlesMutex.Lock()
	defer handlesMutex.Unlock()
	for i, active := range activeHandles {
		if active == handle {
			activeHandles = append(activeHandles[:i], activeHandles[i+1:]...)
			return
		}
	}
}

//	StopAll stops every handle this process spawned, giving each the same
//	termination deadline.
func StopAll(timeout time.Duration) {
	handlesMutex.Lock()
	handles := make([]*Handle, len(activeHandles))
	copy(handles, activeHandles)
	handlesMutex.Unlock()
	for _, handle := range handles {
		if err := handle.Stop(timeout); err != nil {
			log.Errorf("stopping daemon for '%s': %s", handle.Service(), err.Error())
		}
	}
}

//	The hook mirrors the interpreter-exit cleanup of long-running parents:
//	on SIGINT/SIGTERM, stop spawned daemons with a short deadline, then
//	deliver the signal again with default handling.
func installCleanupHook() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, terminationSignal())
	go func() {
		received := <-signals
		StopAll(500 * time.Millisecond)
		signal.Stop(signals)
		if self, err := os.FindProcess(os.Getpid()); err == nil {
			self.Signal(received)
		}
	}()
}
