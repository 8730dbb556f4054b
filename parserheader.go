package brilliantserver

import (
	"bytes"
	"strconv"
	"strings"
)

// crlfcrlf terminates a header block.
var crlfcrlf = []byte("\r\n\r\n")

// vcharSet covers printable field-value bytes; obs-text (0x80-0xFF) is
// accepted separately.
var vcharSet = newCharset(alpha + digit + "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~")

// validTransferCodings is the closed set of recognized transfer codings.
var validTransferCodings = map[string]bool{
	"chunked":    true,
	"compress":   true,
	"deflate":    true,
	"gzip":       true,
	"identity":   true,
	"x-gzip":     true,
	"x-compress": true,
}

// receiveHeader accumulates the header block and parses it once the
// terminating CRLF CRLF arrives.
func (p *httpParser) receiveHeader(buf []byte) ([]byte, bool) {
	p.headerBuf = append(p.headerBuf, buf...)

	// An immediate CRLF means the request carries no header fields at
	// all, which HTTP/1.1 rejects and HTTP/1.0 serves without reuse.
	if bytes.HasPrefix(p.headerBuf, crlf) {
		rest := append([]byte(nil), p.headerBuf[2:]...)
		p.headerBuf = nil
		if p.request.Version == ProtocolHTTP11 {
			p.fail(400, phaseClose)
		} else {
			p.phase = phaseClose
		}

		return rest, false
	}

	end := bytes.Index(p.headerBuf, crlfcrlf)
	if end == -1 {
		if len(p.headerBuf) > headerMax {
			p.fail(431, phaseHeaderOverflow)
		}

		return nil, false
	}

	if end+2 > headerMax {
		p.fail(431, phaseHeaderOverflow)
		return nil, false
	}

	rest := append([]byte(nil), p.headerBuf[end+4:]...)
	block := string(p.headerBuf[:end+2])
	p.headerBuf = nil

	p.parseHeaderBlock(block)
	if p.phase.done() {
		return rest, false
	}

	if p.chunked || p.bodyLength > 0 {
		p.phase = phaseContent
		return rest, true
	}

	p.finish()

	return rest, false
}

// parseHeaderBlock tokenizes every field line of the block and then validates
// the Host, body-length and Connection semantics.
func (p *httpParser) parseHeaderBlock(block string) {
	for len(block) > 0 {
		line := block
		if i := strings.Index(block, "\r\n"); i >= 0 {
			line, block = block[:i], block[i+2:]
		} else {
			block = ""
		}

		if !p.parseFieldLine(line) {
			return
		}
	}

	p.validateHost()
	if p.phase.done() {
		return
	}

	p.determineBodyLength()
	if p.phase.done() && p.status >= 400 {
		return
	}

	p.validateConnection()
}

// parseFieldLine tokenizes `field-name ":" OWS field-value OWS`.
func (p *httpParser) parseFieldLine(line string) bool {
	i := 0
	for i < len(line) && tcharSet.contains(line[i]) {
		i++
	}

	if i == 0 || i > fieldNameMax || i == len(line) || line[i] != ':' {
		p.fail(400, phaseClose)
		return false
	}

	name := strings.ToLower(line[:i])
	value := line[i+1:]
	if len(value) > fieldValueMax {
		p.fail(400, phaseClose)
		return false
	}

	for j := 0; j < len(value); j++ {
		b := value[j]
		if !vcharSet.contains(b) && b != ' ' && b != '\t' && b < 0x80 {
			p.fail(400, phaseClose)
			return false
		}
	}

	p.request.Header.Add(name, strings.Trim(value, " \t"))

	return true
}

// validateHost enforces the Host field rules: HTTP/1.1 requires exactly one;
// an absolute-form request-target takes precedence over the field value.
func (p *httpParser) validateHost() {
	vs := p.request.Header.Get("host")
	if len(vs) == 0 {
		if p.request.Version == ProtocolHTTP11 {
			p.fail(400, phaseClose)
		}

		return
	}

	if len(vs) != 1 {
		p.fail(400, phaseClose)
		return
	}

	if p.request.Host != "" {
		return
	}

	host, ok := parseHost(vs[0])
	if !ok {
		p.fail(400, phaseClose)
		return
	}

	if colon := strings.IndexByte(host, ':'); colon >= 0 {
		host = host[:colon]
	}

	p.request.Host = host
}

// determineBodyLength derives the body length from Transfer-Encoding and
// Content-Length. Carrying both is a framing error.
func (p *httpParser) determineBodyLength() {
	te := p.request.Header.Get("transfer-encoding")
	cl := p.request.Header.Get("content-length")
	if len(te) > 0 && len(cl) > 0 {
		p.fail(400, phaseClose)
		return
	}

	if len(te) > 0 && p.request.Version == ProtocolHTTP11 {
		p.parseTransferEncoding(te)
		return
	}

	if len(cl) > 0 {
		p.parseContentLength(cl)
		return
	}

	if p.request.Method == "POST" {
		if p.request.Version == ProtocolHTTP11 {
			p.fail(411, phaseComplete)
		} else {
			p.fail(411, phaseClose)
		}

		return
	}

	p.bodyLength = 0
}

// parseTransferEncoding validates the comma-separated coding list. Unknown
// codings yield 501, repeats 400, and the list must end with "chunked".
func (p *httpParser) parseTransferEncoding(values []string) {
	codings, ok := p.parseFieldValueList(values, validTransferCodings, 501)
	if !ok {
		return
	}

	if len(codings) == 0 || codings[len(codings)-1] != "chunked" {
		p.fail(400, phaseClose)
		return
	}

	p.chunked = true
	p.bodyLength = 0
}

// parseContentLength validates the single nonnegative decimal length.
func (p *httpParser) parseContentLength(values []string) {
	if len(values) != 1 {
		p.fail(400, phaseClose)
		return
	}

	v := values[0]
	if v == "" {
		p.fail(400, phaseClose)
		return
	}

	for i := 0; i < len(v); i++ {
		if !digitSet.contains(v[i]) {
			p.fail(400, phaseClose)
			return
		}
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n > bodyMax {
		p.fail(413, phaseBodyOverflow)
		return
	}

	p.bodyLength = n
}

// validateConnection checks the Connection list against the tokens allowed at
// this point of the exchange and derives the persistence default of the
// protocol version.
func (p *httpParser) validateConnection() {
	p.keepAlive = p.request.Version == ProtocolHTTP11
	vs := p.request.Header.Get("connection")
	if len(vs) == 0 {
		return
	}

	valid := map[string]bool{"keep-alive": true, "close": true}
	for name := range p.request.Header {
		valid[name] = true
	}

	tokens, ok := p.parseFieldValueList(vs, valid, 400)
	if !ok {
		return
	}

	has := func(t string) bool {
		for _, v := range tokens {
			if v == t {
				return true
			}
		}

		return false
	}

	if p.request.Version == ProtocolHTTP11 {
		p.keepAlive = !has("close")
	} else {
		p.keepAlive = has("keep-alive")
	}
}

// parseFieldValueList splits the values on commas, trims and lowercases each
// token, and validates it against the valid set. A token outside the set
// fails with the noMatchStatus; a repeated token fails with 400.
func (p *httpParser) parseFieldValueList(
	values []string,
	valid map[string]bool,
	noMatchStatus int,
) ([]string, bool) {
	var tokens []string
	seen := map[string]int{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.ToLower(strings.Trim(token, " \t"))
			if token == "" {
				p.fail(400, phaseClose)
				return nil, false
			}

			if !valid[token] {
				p.fail(noMatchStatus, phaseClose)
				return nil, false
			}

			if seen[token] > 0 {
				p.fail(400, phaseClose)
				return nil, false
			}

			seen[token]++
			tokens = append(tokens, token)
		}
	}

	return tokens, true
}
