package brilliantserver

import (
	"strings"

	"golang.org/x/sys/unix"
)

// connStatus is the lifecycle state of a `connection`.
type connStatus uint8

// connection statuses
const (
	connKeepAlive connStatus = iota
	connClose
	connError
	connKeepReading
	connNextRequest
)

// sendStatus is the transmit state of a `connection`.
type sendStatus uint8

// send statuses
const (
	sendKeepSending sendStatus = iota
	sendNext
	sendFinished
)

// connection owns one client socket: the parser feeding it, the FIFO of
// in-flight response buffers, and the producers answering its requests,
// indexed by the descriptor the reactor watches for them.
type connection struct {
	srv       *Server
	fd        int
	status    connStatus
	sendSt    sendStatus
	peerAddr  string
	localPort uint16
	localHost string
	rbuf      [recvBufferSize]byte
	parser    *httpParser
	queue     []*responseBuffer
	producers map[int]producer
	router    *router
}

// newConnection returns a new instance of the `connection` for the accepted
// fd.
func newConnection(
	srv *Server,
	fd int,
	peerAddr string,
	localHost string,
	localPort uint16,
	sr *serverRouter,
) *connection {
	return &connection{
		srv:       srv,
		fd:        fd,
		peerAddr:  peerAddr,
		localPort: localPort,
		localHost: localHost,
		parser:    newHTTPParser(),
		producers: map[int]producer{},
		router:    newRouter(sr, srv.workDir),
	}
}

// connInfo returns the routing metadata of this connection.
func (c *connection) connInfo() connInfo {
	return connInfo{
		localPort:  c.localPort,
		peerAddr:   c.peerAddr,
		serverName: c.localHost,
	}
}

// handleRequest receives bytes, advances the parser, and on a parse terminal
// routes the request, creates its producer and drives its first step. The
// returned pair names the descriptors the reactor must register.
func (c *connection) handleRequest() ioFdPair {
	if c.status == connError {
		return ioDone
	}

	var phase parserPhase
	if c.status != connNextRequest {
		n, err := unix.Read(c.fd, c.rbuf[:])
		if err == unix.EAGAIN {
			c.status = connKeepReading
			return ioDone
		}

		if n <= 0 {
			return c.setError("")
		}

		phase = c.parser.feed(c.rbuf[:n])
	} else {
		c.status = connKeepAlive
		phase = c.parser.feed(nil)
	}

	if !phase.done() {
		c.status = connKeepReading
		return ioDone
	}

	parsed, status := c.parser.result()
	req := *parsed
	if c.srv.DebugMode {
		c.srv.logger.Debugj(map[string]interface{}{
			"remote":  c.peerAddr,
			"method":  req.Method,
			"path":    req.Path,
			"status":  status,
			"version": req.Version.String(),
		})
	}

	decision := c.router.route(status, &req, c.connInfo())
	rb := &responseBuffer{}
	c.queue = append(c.queue, rb)
	p := c.newProducer(phase == phaseComplete, rb, decision, &req)
	io := p.execute()
	c.determineIoComplete(io, p)
	c.sendSt = sendKeepSending
	next := c.status == connKeepAlive && c.parser.doesNextReqExist()
	if next {
		c.parser.clear()
		c.status = connNextRequest
	} else {
		c.parser.reset()
	}

	return io
}

// newProducer creates the producer matching the decision. Error statuses are
// always answered by the static producer, which reads the error document.
func (c *connection) newProducer(
	keep bool,
	rb *responseBuffer,
	decision routeDecision,
	req *Request,
) producer {
	if decision.status >= 400 || !decision.isCgi {
		return newFileProducer(c.srv, keep, rb, decision, req)
	}

	return newCgiProducer(c.srv, keep, rb, decision, req)
}

// executeMethod re-enters the producer owning the eventFd. A CGI local
// redirect swaps in a fresh producer for the same response slot.
func (c *connection) executeMethod(eventFd int) ioFdPair {
	p, ok := c.producers[eventFd]
	if !ok {
		return c.setError("event fd not found")
	}

	io := p.execute()
	if p.result().isLocalRedir {
		p, io = c.handleCgiLocalRedirection(p)
		if p == nil {
			return ioDone
		}
	}

	c.determineIoComplete(io, p)

	return io
}

// determineIoComplete formats and detaches a finished producer, or maps its
// pending descriptors so the next readiness event finds it. A queued
// pipelined request keeps its connNextRequest status.
func (c *connection) determineIoComplete(io ioFdPair, p producer) {
	if p.keepAlive() && c.status != connClose &&
		c.status != connNextRequest {
		c.status = connKeepAlive
	} else if !p.keepAlive() {
		c.status = connClose
	}

	if io == ioDone {
		if p.result().status >= 500 {
			c.status = connClose
		}

		p.formatHeader()
		c.removeProducer(p)
		p.close()

		return
	}

	if io.input != -1 {
		c.producers[io.input] = p
	}

	if io.output != -1 {
		c.producers[io.output] = p
	}
}

// removeProducer drops every descriptor mapping of the p.
func (c *connection) removeProducer(p producer) {
	for fd, owner := range c.producers {
		if owner == p {
			delete(c.producers, fd)
		}
	}
}

// handleCgiLocalRedirection re-routes the request to the Location the CGI
// script named, replacing the producer in place. The response buffer keeps
// its slot in the FIFO, so the client sees a single response.
func (c *connection) handleCgiLocalRedirection(
	old producer,
) (producer, ioFdPair) {
	req := *old.request()
	keep := old.keepAlive()
	rb := old.buffer()
	target := old.result().header["location"]
	c.removeProducer(old)
	old.close()

	rb.header = nil
	rb.content = nil
	status := validateLocalRedirPath(target, &req)
	decision := c.router.route(status, &req, c.connInfo())
	p := c.newProducer(keep, rb, decision, &req)

	return p, p.execute()
}

// validateLocalRedirPath parses the Location value of a CGI local redirect
// and rewrites the request target from it.
func validateLocalRedirPath(target string, req *Request) int {
	t, ok := parseTarget(target)
	if !ok {
		return 400
	}

	path, ok := resolvePath(t.path, pathModeParser)
	if !ok {
		return 400
	}

	req.Host = strings.ToLower(t.host)
	req.Path = path
	req.Query = t.query

	return 200
}

// responseReady reports whether the front of the FIFO is complete and may be
// transmitted.
func (c *connection) responseReady() bool {
	return len(c.queue) > 0 && c.queue[0].isComplete
}

// send transmits the front response with one scatter-gather write of at most
// `sendBufferSize` bytes, popping the buffer once its last byte is out.
func (c *connection) send() {
	if len(c.queue) == 0 {
		c.setError("")
		return
	}

	rb := c.queue[0]
	iov := make([][]byte, 0, 2)
	budget := sendBufferSize
	if rb.curBuf == bufHeader {
		head := rb.header[rb.offset:]
		if len(head) > budget {
			head = head[:budget]
		}

		iov = append(iov, head)
		budget -= len(head)
		if budget > 0 && len(rb.content) > 0 {
			tail := rb.content
			if len(tail) > budget {
				tail = tail[:budget]
			}

			iov = append(iov, tail)
		}
	} else {
		tail := rb.content[rb.offset-len(rb.header):]
		if len(tail) > budget {
			tail = tail[:budget]
		}

		iov = append(iov, tail)
	}

	n, err := unix.Writev(c.fd, iov)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}

		c.setError("writev: " + err.Error())

		return
	}

	rb.offset += n
	if rb.curBuf == bufHeader && rb.offset >= len(rb.header) {
		rb.curBuf = bufContent
	}

	c.sendSt = sendKeepSending
	if rb.offset >= rb.size() {
		c.queue = c.queue[1:]
		c.sendSt = sendNext
		if len(c.queue) == 0 {
			c.sendSt = sendFinished
		}
	}
}

// setError flags the connection for closing, logging the msg when one is
// given.
func (c *connection) setError(msg string) ioFdPair {
	if msg != "" {
		c.srv.logger.Errorj(map[string]interface{}{
			"remote": c.peerAddr,
			"error":  msg,
		})
	}

	c.status = connError

	return ioDone
}

// clear releases the client socket and every producer descriptor exactly
// once.
func (c *connection) clear() {
	for _, p := range c.producers {
		p.close()
	}

	c.producers = map[int]producer{}
	closeFd(&c.fd)
	c.queue = nil
}
