package brilliantserver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// I/O buffer sizes, in bytes.
const (
	recvBufferSize    = 4096
	readBufferSize    = 4096
	writeBufferSize   = 4096
	cgiReadBufferSize = 2048
	sendBufferSize    = 32768
)

// lastErrorDocument substitutes when even the error document cannot be read.
const lastErrorDocument = "<!DOCTYPE html><title>500 Internal Server " +
	"Error</title><body><h1>500 Internal Server Error</h1></body></html>"

// defaultErrorDocument synthesizes the built-in minimal error page for the
// status.
func defaultErrorDocument(status int) string {
	s := fmt.Sprintf("%d %s", status, statusReason(status))
	return "<!DOCTYPE html><title>" + s + "</title><body><h1>" + s +
		"</h1></body></html>"
}

// response buffer selectors
const (
	bufHeader = iota
	bufContent
)

// responseBuffer holds one response while the producer fills it and the
// connection drains it. It enters the connection FIFO when the request is
// accepted and is popped only after the last byte reaches the socket.
type responseBuffer struct {
	header     []byte
	content    []byte
	isComplete bool
	curBuf     uint8
	offset     int
}

// size returns the total byte count of the rb.
func (rb *responseBuffer) size() int {
	return len(rb.header) + len(rb.content)
}

// ioFdPair names the file descriptors the reactor must watch to re-drive a
// producer: input is readable interest, output writable. Both -1 means the
// producer reached its terminal state.
type ioFdPair struct {
	input  int
	output int
}

// ioDone is the terminal `ioFdPair`.
var ioDone = ioFdPair{input: -1, output: -1}

// producer I/O phases
const (
	ioPhaseStart = iota
	ioPhaseFileRead
	ioPhaseFileWrite
	ioPhasePipeRead
	ioPhasePipeWrite
	ioPhaseComplete
	ioPhaseErrorStart
	ioPhaseErrorRead
)

// producerResult carries what the header formatter needs beyond the content
// bytes.
type producerResult struct {
	isAutoindex  bool
	isLocalRedir bool
	status       int
	location     string
	ext          string
	header       map[string]string
}

// producer converts a routed request into a complete `responseBuffer`,
// possibly across many reactor callbacks. A producer owns at most two file
// descriptors at any moment.
type producer interface {
	execute() ioFdPair
	formatHeader()
	keepAlive() bool
	request() *Request
	buffer() *responseBuffer
	result() *producerResult
	close()
}

// baseProducer implements the pieces the static and the CGI producers share:
// result bookkeeping and the error-document flow.
type baseProducer struct {
	srv      *Server
	keep     bool
	ioPhase  uint8
	errFd    int
	decision routeDecision
	req      *Request
	buf      *responseBuffer
	res      producerResult
}

// newBaseProducer returns a new instance of the `baseProducer`.
func newBaseProducer(
	srv *Server,
	keep bool,
	buf *responseBuffer,
	decision routeDecision,
	req *Request,
) baseProducer {
	return baseProducer{
		srv:      srv,
		keep:     keep,
		errFd:    -1,
		decision: decision,
		req:      req,
		buf:      buf,
		res: producerResult{
			status: decision.status,
			header: map[string]string{},
		},
	}
}

// keepAlive reports whether the connection stays open after this response.
func (b *baseProducer) keepAlive() bool {
	return b.keep
}

// request returns the request this producer answers.
func (b *baseProducer) request() *Request {
	return b.req
}

// buffer returns the response buffer this producer fills.
func (b *baseProducer) buffer() *responseBuffer {
	return b.buf
}

// result returns the mutable result of this producer.
func (b *baseProducer) result() *producerResult {
	return &b.res
}

// setComplete marks the terminal state.
func (b *baseProducer) setComplete() ioFdPair {
	b.ioPhase = ioPhaseComplete
	return ioDone
}

// getErrorPage drives the error-document read. A missing document becomes the
// built-in minimal page; a document that cannot be read becomes the
// last-resort 500 page. Reads progress at most `readBufferSize` bytes per
// call, like every other file read.
func (b *baseProducer) getErrorPage() ioFdPair {
	if b.ioPhase == ioPhaseErrorRead {
		return b.readErrorPage()
	}

	b.buf.content = nil
	b.res.ext = parseExtension(b.decision.errorPath)
	path := b.decision.errorPath
	if doc, ok := b.srv.errDocs.get(path); ok {
		b.buf.content = doc
		return b.setComplete()
	}

	if err := unix.Access(path, unix.F_OK); err != nil {
		b.buf.content = []byte(defaultErrorDocument(b.res.status))
		b.res.ext = "html"

		return b.setComplete()
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil ||
		st.Mode&unix.S_IFMT == unix.S_IFDIR {
		b.res.status = 500
		b.buf.content = []byte(lastErrorDocument)
		b.res.ext = "html"

		return b.setComplete()
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		b.res.status = 500
		b.buf.content = []byte(lastErrorDocument)
		b.res.ext = "html"

		return b.setComplete()
	}

	b.errFd = fd
	b.ioPhase = ioPhaseErrorRead

	return b.readErrorPage()
}

// readErrorPage makes one bounded read of the error document.
func (b *baseProducer) readErrorPage() ioFdPair {
	buf := make([]byte, readBufferSize)
	n, err := unix.Read(b.errFd, buf)
	switch {
	case n > 0:
		b.buf.content = append(b.buf.content, buf[:n]...)
		return ioFdPair{input: b.errFd, output: -1}
	case n == 0:
		b.srv.errDocs.put(b.decision.errorPath, b.buf.content)
		closeFd(&b.errFd)

		return b.setComplete()
	case err == unix.EAGAIN:
		return ioFdPair{input: b.errFd, output: -1}
	}

	closeFd(&b.errFd)
	b.res.status = 500
	b.buf.content = []byte(lastErrorDocument)
	b.res.ext = "html"

	return b.setComplete()
}

// closeBase releases the error-document descriptor if one is open.
func (b *baseProducer) closeBase() {
	closeFd(&b.errFd)
}

// closeFd closes the fd exactly once and marks it closed.
func closeFd(fd *int) {
	if *fd != -1 {
		unix.Close(*fd)
		*fd = -1
	}
}
