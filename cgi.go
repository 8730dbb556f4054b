package brilliantserver

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CGI response limits, in bytes.
const (
	cgiFieldLineMax = 8192
	cgiHeaderMax    = 16384
	cgiContentMax   = 128 << 20
)

// cgiProducer launches the routed script as a child process, streams the
// request body to its stdin, and parses the CGI/1.1 response from its stdout.
// Pipe I/O progresses in bounded nonblocking steps driven by the reactor.
type cgiProducer struct {
	baseProducer

	reqPipe     [2]int
	respPipe    [2]int
	process     *os.Process
	spawned     bool
	writeOffset int
	headerBuf   []byte
	headerDone  bool
	rawHeader   []string
}

// newCgiProducer returns a new instance of the `cgiProducer`.
func newCgiProducer(
	srv *Server,
	keep bool,
	buf *responseBuffer,
	decision routeDecision,
	req *Request,
) *cgiProducer {
	return &cgiProducer{
		baseProducer: newBaseProducer(srv, keep, buf, decision, req),
		reqPipe:      [2]int{-1, -1},
		respPipe:     [2]int{-1, -1},
	}
}

// execute makes one step of progress and names the descriptors the reactor
// must watch next.
func (c *cgiProducer) execute() ioFdPair {
	if c.res.status >= 400 || c.ioPhase == ioPhaseErrorRead {
		return c.errorStep()
	}

	if !c.spawned {
		pair, ok := c.spawn()
		if !ok {
			return c.errorStep()
		}

		return pair
	}

	switch c.ioPhase {
	case ioPhasePipeWrite:
		return c.passRequestContent()
	case ioPhasePipeRead:
		return c.receiveCgiResponse()
	}

	return ioDone
}

// errorStep abandons the exchange and drives the error document instead.
func (c *cgiProducer) errorStep() ioFdPair {
	c.closePipes()

	return c.getErrorPage()
}

// close releases every descriptor this producer still owns.
func (c *cgiProducer) close() {
	c.closePipes()
	c.closeBase()
}

// closePipes closes whatever pipe ends are still open.
func (c *cgiProducer) closePipes() {
	closeFd(&c.reqPipe[0])
	closeFd(&c.reqPipe[1])
	closeFd(&c.respPipe[0])
	closeFd(&c.respPipe[1])
}

// spawn creates the pipe pair, launches the script with the meta-variable
// vector, and primes the first I/O phase. The child sees only its stdin,
// stdout and stderr; every parent-kept end is close-on-exec and nonblocking.
func (c *cgiProducer) spawn() (ioFdPair, bool) {
	if err := unix.Pipe2(c.reqPipe[:], unix.O_CLOEXEC); err != nil {
		c.res.status = 500
		return ioFdPair{}, false
	}

	if err := unix.Pipe2(c.respPipe[:], unix.O_CLOEXEC); err != nil {
		c.res.status = 500
		return ioFdPair{}, false
	}

	unix.SetNonblock(c.reqPipe[1], true)
	unix.SetNonblock(c.respPipe[0], true)

	argv := append(
		[]string{c.decision.successPath},
		cgiScriptArgs(c.req.Query)...,
	)
	childIn := os.NewFile(uintptr(c.reqPipe[0]), "|0")
	childOut := os.NewFile(uintptr(c.respPipe[1]), "|1")
	process, err := os.StartProcess(
		c.decision.successPath,
		argv,
		&os.ProcAttr{
			Env:   c.decision.cgiEnv,
			Files: []*os.File{childIn, childOut, os.Stderr},
		},
	)
	childIn.Close()
	c.reqPipe[0] = -1
	childOut.Close()
	c.respPipe[1] = -1
	if err != nil {
		c.res.status = 500
		return ioFdPair{}, false
	}

	c.process = process
	c.spawned = true
	if len(c.req.Content) > 0 {
		c.ioPhase = ioPhasePipeWrite
		return ioFdPair{input: -1, output: c.reqPipe[1]}, true
	}

	closeFd(&c.reqPipe[1])
	c.ioPhase = ioPhasePipeRead

	return ioFdPair{input: c.respPipe[0], output: -1}, true
}

// passRequestContent makes one bounded write of the request body into the
// child's stdin. A write failure terminates the child.
func (c *cgiProducer) passRequestContent() ioFdPair {
	chunk := c.req.Content[c.writeOffset:]
	if len(chunk) > writeBufferSize {
		chunk = chunk[:writeBufferSize]
	}

	n, err := unix.Write(c.reqPipe[1], chunk)
	if err != nil {
		if err == unix.EAGAIN {
			return ioFdPair{input: -1, output: c.reqPipe[1]}
		}

		c.res.status = 500
		c.process.Signal(unix.SIGTERM)

		return c.errorStep()
	}

	c.writeOffset += n
	if c.writeOffset < len(c.req.Content) {
		return ioFdPair{input: -1, output: c.reqPipe[1]}
	}

	closeFd(&c.reqPipe[1])
	c.ioPhase = ioPhasePipeRead

	return ioFdPair{input: c.respPipe[0], output: -1}
}

// receiveCgiResponse makes one bounded read of the child's stdout. Bytes
// accumulate in the header buffer until the blank line, then stream into the
// content. EOF finalizes the response.
func (c *cgiProducer) receiveCgiResponse() ioFdPair {
	buf := make([]byte, cgiReadBufferSize)
	n, err := unix.Read(c.respPipe[0], buf)
	switch {
	case n > 0:
		if !c.receiveChunk(buf[:n]) {
			return c.errorStep()
		}

		return ioFdPair{input: c.respPipe[0], output: -1}
	case n == 0:
		closeFd(&c.respPipe[0])
		c.reapChild()
		if !c.headerDone || !c.parseCgiHeader() {
			c.res.status = 500
			return c.errorStep()
		}

		c.classify()
		if c.res.status >= 400 {
			return c.errorStep()
		}

		return c.setComplete()
	case err == unix.EAGAIN:
		return ioFdPair{input: c.respPipe[0], output: -1}
	}

	c.res.status = 500

	return c.errorStep()
}

// receiveChunk routes freshly read bytes into the header buffer or the
// content, enforcing both caps.
func (c *cgiProducer) receiveChunk(chunk []byte) bool {
	if c.headerDone {
		return c.appendContent(chunk)
	}

	c.headerBuf = append(c.headerBuf, chunk...)
	if len(c.headerBuf) > cgiHeaderMax {
		c.res.status = 500
		return false
	}

	end, skip := splitCgiHeader(c.headerBuf)
	if end == -1 {
		return true
	}

	block := c.headerBuf[:end]
	rest := c.headerBuf[end+skip:]
	c.headerBuf = nil
	c.headerDone = true
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		if len(line) > cgiFieldLineMax {
			c.res.status = 500
			return false
		}

		c.rawHeader = append(c.rawHeader, line)
	}

	return c.appendContent(rest)
}

// appendContent grows the response content under the 128 MiB cap.
func (c *cgiProducer) appendContent(chunk []byte) bool {
	if len(c.buf.content)+len(chunk) > cgiContentMax {
		c.res.status = 500
		c.buf.content = nil

		return false
	}

	c.buf.content = append(c.buf.content, chunk...)

	return true
}

// splitCgiHeader finds the blank line ending a CGI header block, accepting
// both LF LF and CRLF CRLF. It returns the block end and the separator width.
func splitCgiHeader(buf []byte) (int, int) {
	lflf := bytes.Index(buf, []byte("\n\n"))
	crlf2 := bytes.Index(buf, []byte("\r\n\r\n"))
	switch {
	case lflf == -1 && crlf2 == -1:
		return -1, 0
	case crlf2 != -1 && (lflf == -1 || crlf2 < lflf):
		return crlf2, 4
	default:
		return lflf, 2
	}
}

// parseCgiHeader lowercases the field names, absorbs Status, discards
// X-CGI-* fields, and keeps the rest for pass-through.
func (c *cgiProducer) parseCgiHeader() bool {
	for _, line := range c.rawHeader {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return false
		}

		name := strings.ToLower(line[:colon])
		value := strings.Trim(line[colon+1:], " \t")
		switch {
		case name == "status":
			fields := strings.Fields(value)
			if len(fields) == 0 {
				return false
			}

			code, err := strconv.Atoi(fields[0])
			if err != nil {
				return false
			}

			c.res.status = code
		case strings.HasPrefix(name, "x-cgi-"):
		default:
			c.res.header[name] = value
		}
	}

	return true
}

// classify applies the CGI/1.1 response taxonomy: Document, LocalRedir,
// ClientRedir and ClientRedirDoc. Anything else is a 500.
func (c *cgiProducer) classify() {
	loc, hasLoc := c.res.header["location"]
	hasBody := len(c.buf.content) > 0
	_, hasType := c.res.header["content-type"]
	switch {
	case !hasLoc:
		if !hasType {
			c.res.status = 500
		}
	case strings.HasPrefix(loc, "/"):
		if hasBody || len(c.res.header) > 1 {
			c.res.status = 500
			return
		}

		c.res.isLocalRedir = true
	case !hasBody:
		if len(c.res.header) > 1 {
			c.res.status = 500
			return
		}

		delete(c.res.header, "location")
		c.res.status = 302
		c.res.location = loc
	case hasType:
		delete(c.res.header, "location")
		c.res.status = 302
		c.res.location = loc
	default:
		c.res.status = 500
	}
}

// reapChild collects the exited child without blocking. A child that has not
// exited yet is left to linger.
func (c *cgiProducer) reapChild() {
	if c.process == nil {
		return
	}

	var status unix.WaitStatus
	unix.Wait4(c.process.Pid, &status, unix.WNOHANG, nil)
	c.process.Release()
	c.process = nil
}

// cgiScriptArgs derives the positional script arguments: when the query has
// no "=", its tokens (leading "?" dropped, split on "+") are percent-decoded
// into argv. A query ending with "+" yields none.
func cgiScriptArgs(query string) []string {
	q := strings.TrimPrefix(query, "?")
	if q == "" || strings.Contains(q, "=") || strings.HasSuffix(q, "+") {
		return nil
	}

	var args []string
	for _, token := range strings.Split(q, "+") {
		if token == "" {
			continue
		}

		if decoded, ok := decodeHexToAscii(token); ok {
			args = append(args, decoded)
		}
	}

	return args
}
