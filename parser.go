package brilliantserver

import (
	"bytes"
	"strings"
)

// HTTP request length limits, in bytes.
const (
	methodMax        = 6
	requestPathMax   = 8192
	httpVersionMax   = 8
	requestLineMax   = requestPathMax + methodMax + httpVersionMax + 2
	fieldNameMax     = 64
	fieldValueMax    = 8192
	headerMax        = 16384
	bodyMax          = 128 << 20
	chunkSizeLineMax = 1024
	chunkSizeMax     = 8192
)

// parserPhase is the phase of the `httpParser`. Phases below `phaseComplete`
// mean the parser needs more bytes. `phaseComplete` and `phaseClose` end a
// request, with the status telling success from failure: `phaseComplete`
// keeps the connection alive, `phaseClose` does not. The overflow terminals
// surface length-limit violations distinctly.
type parserPhase uint8

// parser phases
const (
	phaseLeadingCRLF parserPhase = iota
	phaseRequestLine
	phaseHeader
	phaseContent
	phaseComplete
	phaseClose
	phaseRequestLineOverflow
	phaseHeaderOverflow
	phaseBodyOverflow
)

// done reports whether the p is a terminal phase.
func (p parserPhase) done() bool {
	return p >= phaseComplete
}

// trustworthy reports whether the byte stream behind the p can still be
// framed. Overflow terminals and `phaseClose` leave the stream unusable.
func (p parserPhase) trustworthy() bool {
	return p == phaseComplete
}

// chunk decoding sub-phases
const (
	chunkPhaseSize = iota
	chunkPhaseData
	chunkPhaseEnd
)

// tcharSet is the RFC 7230 token charset.
var tcharSet = newCharset(alpha + digit + "!#$%&'*+-.^_`|~")

// httpParser is a restartable incremental HTTP/1.x request parser. Feeding it
// a byte segment advances its phase machine; any unconsumed suffix after a
// terminal phase is kept in a backup buffer and seeds the next request.
type httpParser struct {
	phase      parserPhase
	chunkPhase uint8
	status     int
	keepAlive  bool
	chunked    bool
	bodyLength int64
	chunkSize  int64
	lineBuf    []byte
	headerBuf  []byte
	chunkBuf   []byte
	contentBuf []byte
	backupBuf  []byte
	request    Request
}

// newHTTPParser returns a new instance of the `httpParser`.
func newHTTPParser() *httpParser {
	p := &httpParser{}
	p.reset()

	return p
}

// feed advances the parser with the segment and returns the reached phase.
// The backup buffer left by a previous request is consumed first.
func (p *httpParser) feed(segment []byte) parserPhase {
	buf := segment
	if len(p.backupBuf) > 0 {
		buf = append(p.backupBuf, segment...)
		p.backupBuf = nil
	}

	for !p.phase.done() {
		var again bool
		buf, again = p.step(buf)
		if !again {
			break
		}
	}

	if p.phase == phaseComplete && len(buf) > 0 {
		p.backupBuf = append([]byte(nil), buf...)
	}

	return p.phase
}

// step runs one phase over the buf, returning the unconsumed remainder and
// whether another step can make progress.
func (p *httpParser) step(buf []byte) ([]byte, bool) {
	switch p.phase {
	case phaseLeadingCRLF:
		for bytes.HasPrefix(buf, crlf) {
			buf = buf[2:]
		}

		if len(buf) == 0 || (len(buf) == 1 && buf[0] == '\r') {
			return buf, false
		}

		p.phase = phaseRequestLine

		return buf, true
	case phaseRequestLine:
		return p.receiveRequestLine(buf)
	case phaseHeader:
		return p.receiveHeader(buf)
	case phaseContent:
		return p.receiveContent(buf)
	}

	return buf, false
}

// result returns the parsed request and the HTTP status the parser settled
// on. The status is 200 unless a failure terminal was reached.
func (p *httpParser) result() (*Request, int) {
	return &p.request, p.status
}

// doesNextReqExist reports whether residual bytes of a pipelined request are
// waiting in the backup buffer.
func (p *httpParser) doesNextReqExist() bool {
	return len(p.backupBuf) > 0
}

// clear resets the parser for the next pipelined request, keeping the backup
// buffer.
func (p *httpParser) clear() {
	backup := p.backupBuf
	p.reset()
	p.backupBuf = backup
}

// reset resets the parser completely.
func (p *httpParser) reset() {
	*p = httpParser{
		status:     200,
		bodyLength: -1,
		request:    Request{Header: Headers{}},
	}
}

// fail records the HTTP status and jumps to the terminal phase.
func (p *httpParser) fail(status int, phase parserPhase) {
	p.status = status
	p.phase = phase
}

// finish picks the success terminal matching the negotiated connection
// persistence.
func (p *httpParser) finish() {
	if p.keepAlive {
		p.phase = phaseComplete
	} else {
		p.phase = phaseClose
	}
}

// crlf is the HTTP line terminator.
var crlf = []byte("\r\n")

// receiveRequestLine accumulates bytes of the request line and parses it once
// the terminating CRLF arrives.
func (p *httpParser) receiveRequestLine(buf []byte) ([]byte, bool) {
	p.lineBuf = append(p.lineBuf, buf...)
	end := bytes.Index(p.lineBuf, crlf)
	if end == -1 {
		if len(p.lineBuf) > requestLineMax {
			p.fail(414, phaseRequestLineOverflow)
		}

		return nil, false
	}

	rest := append([]byte(nil), p.lineBuf[end+2:]...)
	line := string(p.lineBuf[:end])
	p.lineBuf = nil
	if len(line) > requestLineMax {
		p.fail(414, phaseRequestLineOverflow)
		return nil, false
	}

	p.parseRequestLine(line)
	if p.phase.done() {
		return rest, false
	}

	p.phase = phaseHeader

	return rest, true
}

// parseRequestLine validates "METHOD SP request-target SP HTTP-version".
func (p *httpParser) parseRequestLine(line string) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		p.fail(400, phaseClose)
		return
	}

	method, target, version := parts[0], parts[1], parts[2]
	// Recorded first so that a failing method is still answered in the
	// protocol version of the request line.
	if version == "HTTP/1.1" {
		p.request.Version = ProtocolHTTP11
	}

	switch method {
	case "GET", "POST", "DELETE":
		p.request.Method = method
	default:
		if method != "" && isToken(method) {
			p.fail(501, phaseClose)
		} else {
			p.fail(400, phaseClose)
		}

		return
	}

	if len(target) > requestPathMax {
		p.fail(414, phaseRequestLineOverflow)
		return
	}

	switch version {
	case "HTTP/1.1":
		p.request.Version = ProtocolHTTP11
	case "HTTP/1.0":
		p.request.Version = ProtocolHTTP10
	default:
		if isVersionShaped(version) {
			p.fail(505, phaseClose)
		} else {
			p.fail(400, phaseClose)
		}

		return
	}

	t, ok := parseTarget(target)
	if !ok {
		p.fail(400, phaseClose)
		return
	}

	path, ok := resolvePath(t.path, pathModeParser)
	if !ok {
		p.fail(400, phaseClose)
		return
	}

	p.request.Path = path
	p.request.Query = t.query
	if t.host != "" {
		p.request.Host = strings.ToLower(t.host)
	}
}

// isToken reports whether the s matches the RFC 7230 token grammar.
func isToken(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if !tcharSet.contains(s[i]) {
			return false
		}
	}

	return true
}

// isVersionShaped reports whether the s looks like "HTTP/D[.D]" with
// unsupported digits, so that 505 applies instead of 400.
func isVersionShaped(s string) bool {
	if len(s) > httpVersionMax+1 || !strings.HasPrefix(s, "HTTP/") {
		return false
	}

	rest := s[5:]
	if rest == "" {
		return false
	}

	dot := false
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			if dot || i == 0 || i == len(rest)-1 {
				return false
			}

			dot = true
		} else if !digitSet.contains(rest[i]) {
			return false
		}
	}

	return true
}
