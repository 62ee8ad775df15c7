package server

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miguel-b-p/metabridge/client"
	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/endpoint"
	"github.com/miguel-b-p/metabridge/registry"
)

func soma(a int, b int) string {
	return "A soma é: " + strconv.Itoa(a+b)
}

func echo(x interface{}) interface{} {
	return x
}

type greeter struct {
	argumento string
}

func newGreeter(kwargs map[string]interface{}) *greeter {
	argumento, _ := kwargs["argumento"].(string)
	return &greeter{argumento: argumento}
}

func (g *greeter) Get(outro string) string {
	return g.argumento + " " + outro
}

func startTestService(t *testing.T, name string) *ServiceServer {
	t.Setenv("META_HOME", t.TempDir())

	s := NewServiceServer(name, "")
	register := func(endpointName string, target endpoint.Target) {
		if err := s.Register(endpointName, target); err != nil {
			t.Fatal(err)
		}
	}
	register("soma", endpoint.Free(soma))
	register("echo", endpoint.Free(echo))
	register("get", endpoint.Instance(newGreeter, "Get"))
	register("sleep", endpoint.Free(func() bool {
		time.Sleep(50 * time.Millisecond)
		return true
	}))

	s.Freeze()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Publish(); err != nil {
		s.Stop(time.Second)
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(config.DEFAULT_STOP_TIMEOUT) })
	return s
}

func TestSomaOverTheWire(t *testing.T) {
	startTestService(t, "demo")
	cli, err := client.Dial("demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, err := cli.Invoke("soma", []interface{}{10, 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "A soma é: 30" {
		t.Fatalf("got %v", result)
	}
}

func TestInstanceEndpointOverTheWire(t *testing.T) {
	startTestService(t, "demo")
	cli, err := client.Dial("demo", &client.Options{
		CtorKwargs: map[string]interface{}{"argumento": "Olá"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	result, err := cli.Invoke("get", []interface{}{"mundo!"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "Olá mundo!" {
		t.Fatalf("got %v", result)
	}
}

func TestRoundTripIdentity(t *testing.T) {
	startTestService(t, "demo")
	cli, err := client.Dial("demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	values := []interface{}{
		"texto",
		float64(42),
		true,
		nil,
		[]interface{}{float64(1), "dois", false},
		map[string]interface{}{"chave": "valor", "n": float64(7)},
	}
	for _, value := range values {
		result, err := cli.Invoke("echo", []interface{}{value}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(result, value) {
			t.Fatalf("echo(%v) = %v", value, result)
		}
	}
}

func TestListEndpointsSortedAndComplete(t *testing.T) {
	startTestService(t, "demo")
	cli, err := client.Dial("demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	expected := []string{"echo", "get", "sleep", "soma"}
	if !reflect.DeepEqual(cli.Endpoints(), expected) {
		t.Fatalf("got %v", cli.Endpoints())
	}
}

func TestUnknownEndpointSurfacedAsRemoteError(t *testing.T) {
	startTestService(t, "demo")
	cli, err := client.Dial("demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	_, err = cli.Invoke("does_not_exist", nil, nil)
	if err == nil || protocol.TagOf(err) != protocol.TAG_REMOTE_EXECUTION_ERROR {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	if !strings.Contains(err.Error(), protocol.TAG_NOT_FOUND) {
		t.Fatalf("remote NotFound tag missing from %v", err)
	}
}

func TestUnknownRequestTypeIsProtocolError(t *testing.T) {
	s := startTestService(t, "demo")
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", s.Host(), s.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err = protocol.WriteRequest(conn, &protocol.Request{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	response, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatal(err)
	}
	if response.Status != protocol.STATUS_ERROR || response.Error == nil ||
		response.Error.Type != protocol.TAG_PROTOCOL_ERROR {
		t.Fatalf("got %+v", response)
	}
}

func TestPerConnectionFIFO(t *testing.T) {
	s := startTestService(t, "demo")
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", s.Host(), s.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	const calls = 200
	for i := 0; i < calls; i++ {
		request := protocol.Request{
			Type:     protocol.REQUEST_CALL,
			Endpoint: "echo",
			Args:     []interface{}{i},
		}
		if err = protocol.WriteRequest(conn, &request); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < calls; i++ {
		response, err := protocol.ReadResponse(conn)
		if err != nil {
			t.Fatal(err)
		}
		if response.Status != protocol.STATUS_OK || response.Result != float64(i) {
			t.Fatalf("call %d answered out of order: %+v", i, response)
		}
	}
}

func TestCrossConnectionParallelism(t *testing.T) {
	t.Setenv("META_WORKERS", "16")
	startTestService(t, "demo")
	cli, err := client.Dial("demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	started := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, callErr := cli.Invoke("sleep", nil, nil); callErr != nil {
				errs <- callErr
			}
		}()
	}
	wg.Wait()
	close(errs)
	for callErr := range errs {
		t.Fatal(callErr)
	}

	elapsed := time.Since(started)
	if elapsed > 500*time.Millisecond {
		t.Fatalf("16 concurrent 50ms calls took %s; requests are being serialized", elapsed)
	}
}

func TestConcurrentClientsCorrectness(t *testing.T) {
	startTestService(t, "demo")

	const clients = 8
	const callsPerClient = 50
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			cli, dialErr := client.Dial("demo", nil)
			if dialErr != nil {
				errs <- dialErr
				return
			}
			defer cli.Close()
			for j := 0; j < callsPerClient; j++ {
				a, b := seed+j, seed*j
				result, callErr := cli.Invoke("soma", []interface{}{a, b}, nil)
				if callErr != nil {
					errs <- callErr
					return
				}
				if result != "A soma é: "+strconv.Itoa(a+b) {
					errs <- fmt.Errorf("wrong answer %v for %d+%d", result, a, b)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestStopWithdrawsRegistryRecord(t *testing.T) {
	s := startTestService(t, "demo")
	if _, err := registry.Resolve("demo"); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	_, err := registry.Resolve("demo")
	if err == nil || protocol.TagOf(err) != protocol.TAG_SERVICE_NOT_FOUND {
		t.Fatalf("expected ServiceNotFound after stop, got %v", err)
	}
}

func TestHandleRequestDirectly(t *testing.T) {
	s := NewServiceServer("direct", "")
	if err := s.Register("soma", endpoint.Free(soma)); err != nil {
		t.Fatal(err)
	}
	s.Freeze()

	response := s.HandleRequest(&protocol.Request{
		Type: protocol.REQUEST_CALL, Endpoint: "soma",
		Args: []interface{}{float64(2), float64(3)},
	})
	if response.Status != protocol.STATUS_OK || response.Result != "A soma é: 5" {
		t.Fatalf("got %+v", response)
	}

	response = s.HandleRequest(&protocol.Request{Type: protocol.REQUEST_LIST_ENDPOINTS})
	if response.Status != protocol.STATUS_OK {
		t.Fatalf("got %+v", response)
	}
}

func TestPanickingEndpointKeepsWorkerAlive(t *testing.T) {
	t.Setenv("META_HOME", t.TempDir())
	s := NewServiceServer("panics", "")
	if err := s.Register("boom", endpoint.Free(func() string { panic("kaboom") })); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("ok", endpoint.Free(func() string { return "fine" })); err != nil {
		t.Fatal(err)
	}
	s.Freeze()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Publish(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(time.Second) })

	cli, err := client.Dial("panics", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	_, err = cli.Invoke("boom", nil, nil)
	if err == nil || protocol.TagOf(err) != protocol.TAG_REMOTE_EXECUTION_ERROR {
		t.Fatalf("expected RemoteExecutionError, got %v", err)
	}
	result, err := cli.Invoke("ok", nil, nil)
	if err != nil || result != "fine" {
		t.Fatalf("worker should survive a panic: %v %v", result, err)
	}
}
