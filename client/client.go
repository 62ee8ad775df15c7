// Package client connects to a published service and drives calls over a
// pool of reused loopback connections. Any transport or protocol failure
// retires the connection it happened on; the next call dials a fresh one.
package client

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/blang/semver"
	"github.com/op/go-logging"

	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
	"github.com/miguel-b-p/metabridge/common/version"
	"github.com/miguel-b-p/metabridge/registry"
)

var log = logging.MustGetLogger("metabridge")

type Options struct {
	//	wall-clock deadline for each call; zero means the 5 s default
	Timeout time.Duration
	//	deadline for the initial list_endpoints primer
	PrimerTimeout time.Duration
	//	idle connections kept for reuse
	PoolSize int
	//	constructor arguments sent with every call, keying the server-side
	//	instance cache
	CtorArgs   []interface{}
	CtorKwargs map[string]interface{}
}

type ServiceClient struct {
	name    string
	host    string
	port    int
	timeout time.Duration

	ctorArgs   []interface{}
	ctorKwargs map[string]interface{}

	pool   chan net.Conn
	closed int32

	endpoints []string
}

//	Dial resolves name in the registry, opens a primer connection to fetch
//	the endpoint list, and returns a client ready for Invoke.
func Dial(name string, options *Options) (client *ServiceClient, err error) {
	if options == nil {
		options = &Options{}
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = config.DEFAULT_CALL_TIMEOUT
	}
	primerTimeout := options.PrimerTimeout
	if primerTimeout <= 0 {
		primerTimeout = config.DEFAULT_PRIMER_TIMEOUT
	}
	poolSize := options.PoolSize
	if poolSize <= 0 {
		poolSize = config.DEFAULT_POOL_SIZE
	}

	record, err := registry.Resolve(name)
	if err != nil {
		return
	}
	if record.Version != "" && !version.CompatibleWith(record.Version) {
		if published, parseErr := semver.Make(record.Version); parseErr == nil {
			log.Warningf("service '%s' was published by metabridge %s, this client is %s",
				name, published, version.CURRENT_VERSION)
		}
	}

	client = &ServiceClient{
		name:       name,
		host:       record.Host,
		port:       record.Port,
		timeout:    timeout,
		ctorArgs:   options.CtorArgs,
		ctorKwargs: options.CtorKwargs,
		pool:       make(chan net.Conn, poolSize),
	}
	if err = client.fetchEndpoints(primerTimeout); err != nil {
		client.Close()
		client = nil
		return
	}
	return
}

func (c *ServiceClient) Name() string {
	return c.name
}

//	Endpoints returns the endpoint list cached from the primer request.
func (c *ServiceClient) Endpoints() []string {
	endpoints := make([]string, len(c.endpoints))
	copy(endpoints, c.endpoints)
	return endpoints
}

//	Invoke calls the named endpoint with positional and keyword arguments
//	and returns the decoded result. Server-reported failures are tagged
//	RemoteExecutionError; the remote tag and message appear in its text.
func (c *ServiceClient) Invoke(endpoint string, args []interface{}, kwargs map[string]interface{}) (result interface{}, err error) {
	request := protocol.Request{
		Type:       protocol.REQUEST_CALL,
		Endpoint:   endpoint,
		Args:       args,
		Kwargs:     kwargs,
		CtorArgs:   c.ctorArgs,
		CtorKwargs: c.ctorKwargs,
	}
	response, err := c.roundTrip(&request, c.timeout)
	if err != nil {
		return
	}
	if response.Status == protocol.STATUS_OK {
		result = response.Result
		return
	}
	//	every server-reported failure surfaces as RemoteExecutionError; the
	//	remote tag travels inside the message, never as the error's own tag
	remoteType, remoteMessage := remoteDetail(response.Error)
	err = protocol.Errorf(protocol.TAG_REMOTE_EXECUTION_ERROR,
		"remote call to '%s.%s' failed:\n  Type: %s\n  Message: %s",
		c.name, endpoint, remoteType, remoteMessage)
	return
}

func remoteDetail(detail *protocol.ErrorDetail) (remoteType string, remoteMessage string) {
	remoteType = protocol.TAG_REMOTE_EXECUTION_ERROR
	remoteMessage = "remote call failed"
	if detail != nil {
		if detail.Type != "" {
			remoteType = detail.Type
		}
		remoteMessage = detail.Message
	}
	return
}

//	Close drains and closes every pooled connection. Calls after Close fail
//	with ClientClosed.
func (c *ServiceClient) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	c.drainPool()
}

func (c *ServiceClient) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *ServiceClient) fetchEndpoints(timeout time.Duration) (err error) {
	response, err := c.roundTrip(&protocol.Request{Type: protocol.REQUEST_LIST_ENDPOINTS}, timeout)
	if err != nil {
		return
	}
	if response.Status != protocol.STATUS_OK {
		remoteType, remoteMessage := remoteDetail(response.Error)
		err = protocol.Errorf(protocol.TAG_REMOTE_EXECUTION_ERROR,
			"unable to query endpoints of '%s': %s: %s", c.name, remoteType, remoteMessage)
		return
	}
	names, _ := response.Result.([]interface{})
	c.endpoints = make([]string, 0, len(names))
	for _, name := range names {
		if text, ok := name.(string); ok {
			c.endpoints = append(c.endpoints, text)
		}
	}
	return
}

func (c *ServiceClient) roundTrip(request *protocol.Request, timeout time.Duration) (response protocol.Response, err error) {
	if c.isClosed() {
		err = protocol.Errorf(protocol.TAG_CLIENT_CLOSED, "client for service '%s' is closed", c.name)
		return
	}
	conn, err := c.borrowConn(timeout)
	if err != nil {
		return
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if err = protocol.WriteRequest(conn, request); err == nil {
		response, err = protocol.ReadResponse(conn)
	}
	if err != nil {
		//	a connection that saw any failure is never reused
		conn.Close()
		err = transportError(c.name, err)
		return
	}
	conn.SetDeadline(time.Time{})
	c.returnConn(conn)
	return
}

func (c *ServiceClient) borrowConn(timeout time.Duration) (conn net.Conn, err error) {
	select {
	case conn = <-c.pool:
		return
	default:
	}
	address := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err = net.DialTimeout("tcp", address, timeout)
	if err != nil {
		err = transportError(c.name, err)
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
	return
}

func (c *ServiceClient) returnConn(conn net.Conn) {
	if c.isClosed() {
		conn.Close()
		return
	}
	select {
	case c.pool <- conn:
		//	lost race with Close: sweep anything parked after the drain
		if c.isClosed() {
			c.drainPool()
		}
	default:
		conn.Close()
	}
}

func (c *ServiceClient) drainPool() {
	for {
		select {
		case conn := <-c.pool:
			conn.Close()
		default:
			return
		}
	}
}

func transportError(name string, cause error) (err error) {
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		return protocol.Errorf(protocol.TAG_TIMEOUT, "request to service '%s' timed out", name)
	}
	return protocol.Errorf(protocol.TAG_REMOTE_EXECUTION_ERROR,
		"request to service '%s' failed: %s", name, cause.Error())
}
