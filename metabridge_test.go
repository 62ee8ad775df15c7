package metabridge

import (
	"os"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/daemon"
	"github.com/miguel-b-p/metabridge/registry"
)

func somaEndpoint(a int, b int) string {
	return "A soma é: " + strconv.Itoa(a+b)
}

type homeService struct{}

func newHomeService(kwargs map[string]interface{}) *homeService {
	return &homeService{}
}

func (h *homeService) Home() string {
	return "Mensagem da home"
}

func declareTestService(name string) *Service {
	svc := Create(name)
	svc.Register("soma", Free(somaEndpoint))
	svc.RegisterAliased("teste", "home", Instance(newHomeService, "Home"))
	return svc
}

//	When this test binary is re-executed as a daemon child, declare the
//	same service the test declared and become its server.
func TestMain(m *testing.M) {
	if name := daemon.ChildService(); name != "" {
		declareTestService(name).Run()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func awaitResolvable(t *testing.T, name string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := registry.Resolve(name); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service '%s' never became resolvable", name)
}

func TestAliasedEndpointsInProcess(t *testing.T) {
	t.Setenv("META_HOME", t.TempDir())

	svc := declareTestService("alias-demo")
	go svc.Serve()
	defer svc.Stop(time.Second)
	awaitResolvable(t, "alias-demo")

	cli, err := Connect("alias-demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	endpoints := cli.Endpoints()
	expected := []string{"home", "soma", "teste"}
	if len(endpoints) != len(expected) {
		t.Fatalf("got %v", endpoints)
	}
	for i := range expected {
		if endpoints[i] != expected[i] {
			t.Fatalf("got %v", endpoints)
		}
	}

	for _, name := range []string{"teste", "home"} {
		result, err := cli.Invoke(name, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if result != "Mensagem da home" {
			t.Fatalf("%s() = %v", name, result)
		}
	}
}

func TestServeWithoutEndpoints(t *testing.T) {
	svc := Create("empty-service")
	if err := svc.Serve(); err == nil {
		t.Fatal("serving an empty endpoint table must fail")
	}
	if _, err := svc.Run(); err == nil {
		t.Fatal("running an empty endpoint table must fail")
	}
}

func TestRunUndeclaredService(t *testing.T) {
	_, err := Run("never-declared")
	if err == nil || protocol.TagOf(err) != protocol.TAG_SERVICE_NOT_FOUND {
		t.Fatalf("expected ServiceNotFound, got %v", err)
	}
}

func TestDaemonRunInvokeStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("daemon re-exec test is unix-only")
	}
	t.Setenv("META_HOME", t.TempDir())

	svc := declareTestService("daemon-demo")
	handle, err := svc.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Stop(5 * time.Second)

	if handle.PID() == os.Getpid() {
		t.Fatal("daemon must live in a child process")
	}
	record, err := registry.Resolve("daemon-demo")
	if err != nil {
		t.Fatal(err)
	}
	if record.PID != handle.PID() {
		t.Fatalf("registry names pid %d, handle says %d", record.PID, handle.PID())
	}

	cli, err := Connect("daemon-demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	result, err := cli.Invoke("soma", []interface{}{10, 20}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "A soma é: 30" {
		t.Fatalf("got %v", result)
	}
	cli.Close()

	if err = handle.Stop(5 * time.Second); err != nil {
		t.Fatal(err)
	}
	if handle.IsRunning() {
		t.Fatal("daemon still running after stop")
	}
	_, err = registry.Resolve("daemon-demo")
	if err == nil || protocol.TagOf(err) != protocol.TAG_SERVICE_NOT_FOUND {
		t.Fatalf("expected ServiceNotFound after stop, got %v", err)
	}
}
