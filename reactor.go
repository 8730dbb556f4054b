package brilliantserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents bounds one readiness batch.
const maxEvents = 64

// reactor multiplexes every socket, pipe and regular file of the server on
// one thread with one-shot readiness. Client sockets and producer pipes run
// through epoll; regular-file descriptors, which epoll rejects, sit on an
// always-ready queue drained before each wait so producers are re-driven
// with the same bounded steps.
type reactor struct {
	srv       *Server
	epfd      int
	wakePipe  [2]int
	listeners map[int]*passiveSocket
	conns     map[int]*connection
	ioOwner   map[int]int
	fileQueue []int
}

// newReactor returns a new instance of the `reactor`, with every configured
// endpoint bound.
func newReactor(srv *Server) (*reactor, error) {
	r := &reactor{
		srv:       srv,
		epfd:      -1,
		wakePipe:  [2]int{-1, -1},
		listeners: map[int]*passiveSocket{},
		conns:     map[int]*connection{},
		ioOwner:   map[int]int{},
	}
	for ep, sr := range srv.config.endpoints {
		ps, err := newPassiveSocket(ep, sr)
		if err != nil {
			r.close()
			return nil, err
		}

		r.listeners[ps.fd] = ps
	}

	return r, nil
}

// run enters the event loop. Only a failure of the multiplexer primitive
// itself returns an error; local failures close their connection and keep
// the server alive.
func (r *reactor) run() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("brilliantserver: epoll_create1: %v", err)
	}

	r.epfd = epfd
	if err := unix.Pipe2(r.wakePipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("brilliantserver: wake pipe: %v", err)
	}

	for fd := range r.listeners {
		if err := r.epollAdd(fd, unix.EPOLLIN); err != nil {
			return err
		}
	}

	if err := r.epollAdd(r.wakePipe[0], unix.EPOLLIN); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, maxEvents)
	for {
		timeout := -1
		if len(r.fileQueue) > 0 {
			timeout = 0
		}

		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return fmt.Errorf(
				"brilliantserver: epoll_wait: %v",
				err,
			)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakePipe[0] {
				r.close()
				return nil
			}

			r.dispatch(fd, events[i].Events)
		}

		r.driveReadyFiles()
	}
}

// dispatch routes one readiness event.
func (r *reactor) dispatch(fd int, events uint32) {
	if ps, ok := r.listeners[fd]; ok {
		r.acceptConnections(ps)
		return
	}

	if conn, ok := r.conns[fd]; ok {
		if events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
			r.closeConnection(conn)
			return
		}

		if events&unix.EPOLLIN != 0 {
			r.receiveRequests(conn)
		}

		if events&unix.EPOLLOUT != 0 {
			if _, ok := r.conns[fd]; ok {
				r.sendResponses(conn)
			}
		}

		return
	}

	if _, ok := r.ioOwner[fd]; ok {
		r.executeIo(fd)
	}
}

// acceptConnections drains the accept queue of the ps, registering every new
// client socket one-shot for read readiness.
func (r *reactor) acceptConnections(ps *passiveSocket) {
	for {
		fd, sa, err := unix.Accept4(
			ps.fd,
			unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		)
		if err != nil {
			if err != unix.EAGAIN && err != unix.ECONNABORTED {
				r.srv.logger.Errorj(map[string]interface{}{
					"error": "accept: " + err.Error(),
				})
			}

			return
		}

		unix.SetsockoptInt(
			fd,
			unix.SOL_SOCKET,
			unix.SO_SNDLOWAT,
			sendBufferSize,
		)

		peer := ""
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = fmt.Sprintf(
				"%d.%d.%d.%d",
				sa4.Addr[0],
				sa4.Addr[1],
				sa4.Addr[2],
				sa4.Addr[3],
			)
		}

		conn := newConnection(r.srv, fd, peer, ps.host, ps.port, ps.sr)
		r.conns[fd] = conn
		if err := r.epollAdd(
			fd,
			unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLONESHOT,
		); err != nil {
			r.closeConnection(conn)
		}
	}
}

// receiveRequests drives one receive step of the conn, then every pipelined
// request already buffered, registering producer descriptors as they appear.
func (r *reactor) receiveRequests(conn *connection) {
	io := conn.handleRequest()
	if conn.status == connError {
		r.closeConnection(conn)
		return
	}

	r.registerIo(io, conn.fd)
	for conn.status == connNextRequest {
		io = conn.handleRequest()
		if conn.status == connError {
			r.closeConnection(conn)
			return
		}

		r.registerIo(io, conn.fd)
	}

	r.updateInterest(conn)
}

// sendResponses drives one transmit step of the conn.
func (r *reactor) sendResponses(conn *connection) {
	if conn.responseReady() {
		conn.send()
	}

	if conn.status == connError {
		r.closeConnection(conn)
		return
	}

	if conn.sendSt == sendFinished && conn.status == connClose {
		r.closeConnection(conn)
		return
	}

	r.updateInterest(conn)
}

// executeIo re-enters the producer owning the fd through its connection and
// reconciles the descriptor maps with the outcome.
func (r *reactor) executeIo(fd int) {
	connFd, ok := r.ioOwner[fd]
	if !ok {
		return
	}

	conn, ok := r.conns[connFd]
	if !ok {
		delete(r.ioOwner, fd)
		return
	}

	io := conn.executeMethod(fd)
	if conn.status == connError {
		r.closeConnection(conn)
		return
	}

	r.sweepIo(conn)
	r.registerIo(io, conn.fd)
	r.updateInterest(conn)
}

// driveReadyFiles re-drives the producers whose pending descriptor is a
// regular file. Regular files are always ready; the queue preserves the
// one-step-per-iteration discipline epoll enforces for the rest.
func (r *reactor) driveReadyFiles() {
	queue := r.fileQueue
	r.fileQueue = nil
	for _, fd := range queue {
		r.executeIo(fd)
	}
}

// registerIo places the descriptors of the pair under readiness monitoring:
// pipes and sockets go to epoll one-shot, regular files to the ready queue.
func (r *reactor) registerIo(io ioFdPair, connFd int) {
	if io.input != -1 {
		r.registerIoFd(io.input, connFd, unix.EPOLLIN)
	}

	if io.output != -1 {
		r.registerIoFd(io.output, connFd, unix.EPOLLOUT)
	}
}

// registerIoFd registers one producer descriptor for the events.
func (r *reactor) registerIoFd(fd, connFd int, events uint32) {
	r.ioOwner[fd] = connFd
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil &&
		st.Mode&unix.S_IFMT == unix.S_IFREG {
		r.fileQueue = append(r.fileQueue, fd)
		return
	}

	if err := r.epollAdd(fd, events|unix.EPOLLONESHOT); err != nil {
		r.fileQueue = append(r.fileQueue, fd)
	}
}

// sweepIo drops descriptor ownership entries whose producer detached.
func (r *reactor) sweepIo(conn *connection) {
	for fd, owner := range r.ioOwner {
		if owner != conn.fd {
			continue
		}

		if _, ok := conn.producers[fd]; !ok {
			delete(r.ioOwner, fd)
			unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
}

// updateInterest re-arms the client socket one-shot with the filter matching
// the connection's next step: read while the connection stays open, plus
// write once a complete response is queued.
func (r *reactor) updateInterest(conn *connection) {
	events := uint32(unix.EPOLLRDHUP | unix.EPOLLONESHOT)
	if conn.status != connClose {
		events |= unix.EPOLLIN
	}

	if conn.responseReady() && conn.sendSt != sendFinished {
		events |= unix.EPOLLOUT
	}

	if conn.sendSt == sendFinished && conn.status == connClose {
		r.closeConnection(conn)
		return
	}

	r.epollMod(conn.fd, events)
}

// closeConnection releases the conn and every descriptor it owns.
func (r *reactor) closeConnection(conn *connection) {
	for fd := range conn.producers {
		delete(r.ioOwner, fd)
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}

	fd := conn.fd
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	conn.clear()
	delete(r.conns, fd)
}

// epollAdd registers the fd, falling back to modification when it is already
// present.
func (r *reactor) epollAdd(fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	if err == unix.EEXIST {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}

	if err != nil {
		return fmt.Errorf("brilliantserver: epoll_ctl: %v", err)
	}

	return nil
}

// epollMod re-arms the fd, falling back to addition when a one-shot firing
// already dropped it.
func (r *reactor) epollMod(fd int, events uint32) {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	}
}

// wake makes the event loop return, shutting the server down.
func (r *reactor) wake() {
	if r.wakePipe[1] != -1 {
		unix.Write(r.wakePipe[1], []byte{0})
	}
}

// close releases every descriptor the reactor owns.
func (r *reactor) close() {
	for fd, conn := range r.conns {
		conn.clear()
		delete(r.conns, fd)
	}

	for fd, ps := range r.listeners {
		ps.close()
		delete(r.listeners, fd)
	}

	closeFd(&r.wakePipe[0])
	closeFd(&r.wakePipe[1])
	closeFd(&r.epfd)
}
