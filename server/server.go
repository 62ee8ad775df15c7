// Package server hosts one service's endpoint table on a loopback TCP
// socket. One goroutine accepts connections and hands each to a bounded
// worker pool; a worker owns its connection for the connection's lifetime
// and answers requests strictly in order.
package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/common/version"
	"github.com/miguel-b-p/metabridge/endpoint"
	"github.com/miguel-b-p/metabridge/registry"
)

var log = logging.MustGetLogger("metabridge")

type ServiceServer struct {
	name  string
	host  string
	token string

	table *endpoint.Table

	mutex       sync.Mutex
	port        int
	listener    *net.TCPListener
	conns       chan net.Conn
	running     int32
	acceptDone  chan struct{}
	workersDone *sync.WaitGroup
	stopped     chan struct{}
	record      *registry.ServiceRecord

	activeMutex sync.Mutex
	active      map[net.Conn]struct{}
}

func NewServiceServer(name string, host string) *ServiceServer {
	if host == "" {
		host = config.DEFAULT_HOST
	}
	return &ServiceServer{
		name:   name,
		host:   host,
		token:  uuid.NewV4().String(),
		table:  endpoint.NewTable(),
		active: make(map[net.Conn]struct{}),
	}
}

func (s *ServiceServer) Name() string {
	return s.name
}

func (s *ServiceServer) Host() string {
	return s.host
}

//	Port reports the bound port; zero until Start.
func (s *ServiceServer) Port() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.port
}

func (s *ServiceServer) Table() *endpoint.Table {
	return s.table
}

func (s *ServiceServer) Register(name string, target endpoint.Target) (err error) {
	return s.table.Register(name, target)
}

func (s *ServiceServer) Freeze() {
	s.table.Freeze()
}

func (s *ServiceServer) isRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

//	Start binds the listen socket and launches the accept loop and worker
//	pool. It is a no-op on a server that is already running.
func (s *ServiceServer) Start() (err error) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return
	}
	s.listener = listener.(*net.TCPListener)
	s.port = s.listener.Addr().(*net.TCPAddr).Port

	workers := config.WorkerCount()
	s.conns = make(chan net.Conn, workers)
	s.acceptDone = make(chan struct{})
	s.stopped = make(chan struct{})
	s.workersDone = &sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		s.workersDone.Add(1)
		go s.worker(s.conns, s.workersDone)
	}
	go s.acceptLoop(s.listener, s.conns, s.acceptDone)

	log.Infof("service '%s' listening on %s:%d with %d workers", s.name, s.host, s.port, workers)
	return
}

//	Publish writes this server's record into the shared registry so peer
//	processes can resolve it.
func (s *ServiceServer) Publish() (record registry.ServiceRecord, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.isRunning() {
		err = protocol.Errorf(protocol.TAG_PROTOCOL_ERROR, "service '%s' is not running", s.name)
		return
	}
	if s.record != nil {
		record = *s.record
		return
	}
	record = registry.ServiceRecord{
		Name:    s.name,
		Host:    s.host,
		Port:    s.port,
		PID:     os.Getpid(),
		Version: version.CURRENT_VERSION.String(),
		Token:   s.token,
	}
	if err = registry.Register(record); err != nil {
		record = registry.ServiceRecord{}
		return
	}
	s.record = &record
	return
}

//	RunForever starts and publishes the service, then blocks until Stop is
//	called from another goroutine (typically a signal handler).
func (s *ServiceServer) RunForever() (err error) {
	if err = s.Start(); err != nil {
		return
	}
	if _, err = s.Publish(); err != nil {
		s.Stop(config.DEFAULT_STOP_TIMEOUT)
		return
	}
	s.mutex.Lock()
	stopped := s.stopped
	s.mutex.Unlock()
	<-stopped
	return
}

//	Stop closes the listener, lets in-flight workers finish within timeout,
//	force-closes lingering connections, and withdraws the registry record.
func (s *ServiceServer) Stop(timeout time.Duration) (err error) {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}

	s.mutex.Lock()
	listener := s.listener
	conns := s.conns
	acceptDone := s.acceptDone
	workersDone := s.workersDone
	stopped := s.stopped
	record := s.record
	s.listener = nil
	s.conns = nil
	s.record = nil
	s.mutex.Unlock()

	if listener == nil {
		//	Start lost its bind; there is nothing to tear down
		return
	}
	listener.Close()
	<-acceptDone
	close(conns)

	if !waitTimeout(workersDone, timeout) {
		log.Warningf("service '%s': force-closing connections after %s stop deadline", s.name, timeout)
		s.closeActiveConns()
		workersDone.Wait()
	}

	if record != nil {
		err = registry.UnregisterRecord(*record)
	}
	log.Infof("service '%s' stopped", s.name)
	close(stopped)
	return
}

func (s *ServiceServer) acceptLoop(listener *net.TCPListener, conns chan net.Conn, done chan struct{}) {
	defer close(done)
	for s.isRunning() {
		listener.SetDeadline(time.Now().Add(config.ACCEPT_POLL_INTERVAL))
		conn, err := listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.isRunning() {
				log.Errorf("service '%s': accept failed: %s", s.name, err.Error())
			}
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		select {
		case conns <- conn:
		default:
			//	pool saturated; the client retries with a fresh connection
			conn.Close()
		}
	}
}

func (s *ServiceServer) worker(conns chan net.Conn, done *sync.WaitGroup) {
	defer done.Done()
	for conn := range conns {
		s.handleConn(conn)
	}
}

func (s *ServiceServer) handleConn(conn net.Conn) {
	connID := uuid.NewV4().String()
	s.trackConn(conn, true)
	defer s.trackConn(conn, false)
	defer conn.Close()

	log.Debugf("service '%s': connection %s open", s.name, connID)
	for s.isRunning() {
		request, err := protocol.ReadRequest(conn)
		if err != nil {
			log.Debugf("service '%s': connection %s closed: %s", s.name, connID, err.Error())
			return
		}
		response := s.handleRequestSafe(&request)
		if err = protocol.WriteResponse(conn, response); err != nil {
			log.Debugf("service '%s': connection %s write failed: %s", s.name, connID, err.Error())
			return
		}
	}
}

func (s *ServiceServer) handleRequestSafe(request *protocol.Request) (response *protocol.Response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Errorf("service '%s': endpoint '%s' panicked: %v", s.name, request.Endpoint, recovered)
			response = protocol.ErrorResponse(protocol.TAG_REMOTE_EXECUTION_ERROR,
				"endpoint panicked: "+stringify(recovered))
		}
	}()
	return s.HandleRequest(request)
}

//	HandleRequest dispatches one decoded request and always produces a
//	response; request failures never take the worker down.
func (s *ServiceServer) HandleRequest(request *protocol.Request) *protocol.Response {
	switch request.Type {
	case protocol.REQUEST_LIST_ENDPOINTS:
		return protocol.OkResponse(s.table.Names())
	case protocol.REQUEST_CALL:
	default:
		return protocol.ErrorResponse(protocol.TAG_PROTOCOL_ERROR, "unknown command")
	}

	target, ok := s.table.Lookup(request.Endpoint)
	if !ok {
		return protocol.ErrorResponse(protocol.TAG_NOT_FOUND,
			"endpoint '"+request.Endpoint+"' not found")
	}

	result, err := target.Invoke(request.Args, request.Kwargs, request.CtorArgs, request.CtorKwargs)
	if err != nil {
		tag, message := protocol.DetailOf(err)
		return protocol.ErrorResponse(tag, message)
	}
	return protocol.OkResponse(result)
}

func (s *ServiceServer) trackConn(conn net.Conn, add bool) {
	s.activeMutex.Lock()
	if add {
		s.active[conn] = struct{}{}
	} else {
		delete(s.active, conn)
	}
	s.activeMutex.Unlock()
}

func (s *ServiceServer) closeActiveConns() {
	s.activeMutex.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.activeMutex.Unlock()
}

func stringify(recovered interface{}) string {
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
