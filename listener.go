package brilliantserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenBacklog is the passive socket backlog.
const listenBacklog = 128

// passiveSocket is one bound, listening TCP socket of a configured endpoint.
type passiveSocket struct {
	fd   int
	host string
	port uint16
	sr   *serverRouter
}

// newPassiveSocket opens, binds and listens the endpoint. The socket reuses
// its address and never blocks.
func newPassiveSocket(ep endpoint, sr *serverRouter) (*passiveSocket, error) {
	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"brilliantserver: socket for %s:%d cannot be "+
				"opened: %v",
			ep.host,
			ep.port,
			err,
		)
	}

	if err := unix.SetsockoptInt(
		fd,
		unix.SOL_SOCKET,
		unix.SO_REUSEADDR,
		1,
	); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf(
			"brilliantserver: address of %s:%d cannot be "+
				"reused: %v",
			ep.host,
			ep.port,
			err,
		)
	}

	sa := &unix.SockaddrInet4{Port: int(ep.port)}
	if ep.host != "" {
		ip := net.ParseIP(ep.host)
		if ip == nil || ip.To4() == nil {
			unix.Close(fd)
			return nil, fmt.Errorf(
				"brilliantserver: endpoint host %q is not "+
					"an IPv4 address",
				ep.host,
			)
		}

		copy(sa.Addr[:], ip.To4())
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf(
			"brilliantserver: socket for %s:%d cannot be "+
				"bound: %v",
			ep.host,
			ep.port,
			err,
		)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf(
			"brilliantserver: socket for %s:%d cannot "+
				"listen: %v",
			ep.host,
			ep.port,
			err,
		)
	}

	host := ep.host
	if host == "" {
		host = "0.0.0.0"
	}

	return &passiveSocket{fd: fd, host: host, port: ep.port, sr: sr}, nil
}

// close releases the bound socket.
func (ps *passiveSocket) close() {
	closeFd(&ps.fd)
}
