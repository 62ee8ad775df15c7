package client

import (
	"testing"
	"time"

	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/endpoint"
	"github.com/miguel-b-p/metabridge/server"
)

func startEchoService(t *testing.T, name string) {
	t.Setenv("META_HOME", t.TempDir())
	s := server.NewServiceServer(name, "")
	err := s.Register("echo", endpoint.Free(func(x interface{}) interface{} { return x }))
	if err != nil {
		t.Fatal(err)
	}
	err = s.Register("slow", endpoint.Free(func() bool {
		time.Sleep(2 * time.Second)
		return true
	}))
	if err != nil {
		t.Fatal(err)
	}
	s.Freeze()
	if err = s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err = s.Publish(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(time.Second) })
}

func TestDialUnknownService(t *testing.T) {
	t.Setenv("META_HOME", t.TempDir())
	_, err := Dial("nowhere", nil)
	if err == nil || protocol.TagOf(err) != protocol.TAG_SERVICE_NOT_FOUND {
		t.Fatalf("expected ServiceNotFound, got %v", err)
	}
}

func TestInvokeAfterCloseFails(t *testing.T) {
	startEchoService(t, "echoes")
	cli, err := Dial("echoes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = cli.Invoke("echo", []interface{}{"oi"}, nil); err != nil {
		t.Fatal(err)
	}

	cli.Close()
	_, err = cli.Invoke("echo", []interface{}{"oi"}, nil)
	if err == nil || protocol.TagOf(err) != protocol.TAG_CLIENT_CLOSED {
		t.Fatalf("expected ClientClosed, got %v", err)
	}
}

func TestCloseDrainsPool(t *testing.T) {
	startEchoService(t, "echoes")
	cli, err := Dial("echoes", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err = cli.Invoke("echo", []interface{}{i}, nil); err != nil {
			t.Fatal(err)
		}
	}
	cli.Close()
	if len(cli.pool) != 0 {
		t.Fatalf("%d sockets leaked in the pool after close", len(cli.pool))
	}
	//	closing twice is fine
	cli.Close()
}

func TestCallTimeout(t *testing.T) {
	startEchoService(t, "echoes")
	cli, err := Dial("echoes", &Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	_, err = cli.Invoke("slow", nil, nil)
	if err == nil || protocol.TagOf(err) != protocol.TAG_TIMEOUT {
		t.Fatalf("expected Timeout, got %v", err)
	}

	//	the timed-out socket was retired; a fresh call must still work
	result, err := cli.Invoke("echo", []interface{}{"ainda vivo"}, nil)
	if err != nil || result != "ainda vivo" {
		t.Fatalf("got %v %v", result, err)
	}
}

func TestEndpointsCached(t *testing.T) {
	startEchoService(t, "echoes")
	cli, err := Dial("echoes", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	endpoints := cli.Endpoints()
	if len(endpoints) != 2 || endpoints[0] != "echo" || endpoints[1] != "slow" {
		t.Fatalf("got %v", endpoints)
	}
}
