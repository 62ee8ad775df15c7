package daemon

import (
	"testing"
	"time"
)

func TestAwaitServiceStartTimesOut(t *testing.T) {
	t.Setenv("META_HOME", t.TempDir())
	started := time.Now()
	err := awaitServiceStart("ghost", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected a startup timeout")
	}
	if time.Since(started) > time.Second {
		t.Fatal("timed out far beyond the budget")
	}
}

func TestIsChild(t *testing.T) {
	if IsChild("anything") {
		t.Fatal("should not look like a daemon child by default")
	}
	t.Setenv("META_DAEMON_SERVICE", "demo")
	if !IsChild("demo") || IsChild("other") {
		t.Fatal("child detection must match the exact service name")
	}
	if ChildService() != "demo" {
		t.Fatal("ChildService should echo the environment")
	}
}

func TestWaitExitOnDeadPid(t *testing.T) {
	if !waitExit(2147483646, 50*time.Millisecond) {
		t.Fatal("an absurd pid is already exited")
	}
}
