// Package metabridge exposes namespaced procedures over loopback TCP and
// lets peer processes on the same host invoke them with near-function-call
// latency.
//
// A service is declared once and usually pushed into a background daemon:
//
//	svc := metabridge.Create("demo")
//	svc.Register("soma", metabridge.Free(Soma))
//	handle, err := svc.Run()
//
// Run re-executes the current binary to host the service; because the
// declaration code above runs in the child as well, the child's Run call
// finds META_DAEMON_SERVICE naming its service and becomes the server
// instead of spawning another child. Peers connect by name:
//
//	cli, err := metabridge.Connect("demo", nil)
//	result, err := cli.Invoke("soma", []interface{}{10, 20}, nil)
package metabridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/miguel-b-p/metabridge/client"
	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/daemon"
	"github.com/miguel-b-p/metabridge/endpoint"
	"github.com/miguel-b-p/metabridge/server"
)

//	Free exposes a function under its registered name. Constructor
//	arguments sent by clients are ignored.
func Free(fn interface{}) endpoint.Target {
	return endpoint.Free(fn)
}

//	Static exposes a method on a shared receiver; every request sees the
//	same receiver regardless of constructor arguments.
func Static(recv interface{}, method string) endpoint.Target {
	return endpoint.Static(recv, method)
}

//	Instance exposes a method on per-request instances built by ctor; one
//	instance is cached per unique constructor-argument tuple.
func Instance(ctor interface{}, method string) endpoint.Target {
	return endpoint.Instance(ctor, method)
}

type Service struct {
	server *server.ServiceServer

	mutex  sync.Mutex
	handle *daemon.Handle
}

type serviceOptions struct {
	host string
}

type Option func(*serviceOptions)

func WithHost(host string) Option {
	return func(options *serviceOptions) {
		options.host = host
	}
}

var servicesMutex sync.Mutex
var services = make(map[string]*Service)
var lastService *Service

//	Create declares (or retrieves) the service registration for name. The
//	server binds nothing until Serve or Run.
func Create(name string, options ...Option) *Service {
	resolved := serviceOptions{}
	for _, option := range options {
		option(&resolved)
	}

	servicesMutex.Lock()
	defer servicesMutex.Unlock()
	service, exists := services[name]
	if !exists {
		service = &Service{server: server.NewServiceServer(name, resolved.host)}
		services[name] = service
	}
	lastService = service
	return service
}

func (s *Service) Name() string {
	return s.server.Name()
}

//	Register adds an endpoint to the service.
func (s *Service) Register(name string, target endpoint.Target) (err error) {
	return s.server.Register(name, target)
}

//	RegisterAliased registers the endpoint under its declared name and,
//	when different, under the method's own name as well. An alias that is
//	already taken is skipped rather than rejected.
func (s *Service) RegisterAliased(name string, alias string, target endpoint.Target) (err error) {
	if err = s.server.Register(name, target); err != nil {
		return
	}
	if alias == "" || alias == name {
		return
	}
	if _, taken := s.server.Table().Lookup(alias); taken {
		return
	}
	err = s.server.Register(alias, target)
	return
}

//	Endpoints lists the registered endpoint names in lexicographic order.
func (s *Service) Endpoints() []string {
	return s.server.Table().Names()
}

//	Serve hosts the service in the current process and blocks until Stop.
func (s *Service) Serve() (err error) {
	if s.server.Table().Len() == 0 {
		err = protocol.Errorf(protocol.TAG_PROTOCOL_ERROR,
			"cannot serve '%s' without at least one registered endpoint", s.Name())
		return
	}
	s.server.Freeze()
	stopOnSignals(s.server)
	return s.server.RunForever()
}

//	Stop shuts down the in-process server, if one is running.
func (s *Service) Stop(timeout time.Duration) (err error) {
	return s.server.Stop(timeout)
}

//	Run hosts the service in a background daemon process and returns a
//	handle to it. Inside the daemon child itself, Run never returns: it
//	serves until terminated.
func (s *Service) Run() (handle *daemon.Handle, err error) {
	if s.server.Table().Len() == 0 {
		err = protocol.Errorf(protocol.TAG_PROTOCOL_ERROR,
			"cannot run daemon for '%s' without at least one registered endpoint", s.Name())
		return
	}

	if daemon.IsChild(s.Name()) {
		s.server.Freeze()
		stopOnSignals(s.server)
		if err = s.server.RunForever(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.handle != nil && s.handle.IsRunning() {
		err = protocol.Errorf(protocol.TAG_PROTOCOL_ERROR,
			"daemon is already running for service '%s'", s.Name())
		return
	}

	//	an in-process instance must give up the port and the registry entry
	//	before the child takes them over
	s.server.Stop(config.DEFAULT_STOP_TIMEOUT)
	s.server.Freeze()

	handle, err = daemon.Spawn(s.Name(), config.DEFAULT_STARTUP_TIMEOUT)
	if err != nil {
		return
	}
	s.handle = handle
	return
}

//	Run launches the named service (or, with an empty name, the service
//	most recently declared with Create) in daemon mode.
func Run(name string) (handle *daemon.Handle, err error) {
	servicesMutex.Lock()
	service := lastService
	if name != "" {
		service = services[name]
	}
	servicesMutex.Unlock()
	if service == nil {
		err = protocol.Errorf(protocol.TAG_SERVICE_NOT_FOUND,
			"service '%s' was not declared with metabridge.Create", name)
		return
	}
	return service.Run()
}

//	Connect resolves a published service by name and returns a client.
func Connect(name string, options *client.Options) (*client.ServiceClient, error) {
	return client.Dial(name, options)
}

func stopOnSignals(s *server.ServiceServer) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		s.Stop(config.DEFAULT_STOP_TIMEOUT)
	}()
}
