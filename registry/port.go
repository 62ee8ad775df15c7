package registry

import (
	"net"
	"strconv"
)

//	FindFreePort asks the kernel for an ephemeral port on host and releases
//	it again. The port can be taken by another binder before the caller
//	rebinds; callers that cannot tolerate the race should bind first and
//	publish the bound port instead.
func FindFreePort(host string) (port int, err error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return
	}
	defer listener.Close()
	_, portString, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portString)
	return
}
