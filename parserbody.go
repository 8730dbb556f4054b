package brilliantserver

import (
	"bytes"
	"strconv"
)

// receiveContent consumes body bytes, either length-delimited or chunked.
func (p *httpParser) receiveContent(buf []byte) ([]byte, bool) {
	if p.chunked {
		return p.decodeChunkedContent(buf)
	}

	need := p.bodyLength - int64(len(p.contentBuf))
	if int64(len(buf)) < need {
		p.contentBuf = append(p.contentBuf, buf...)
		return nil, false
	}

	p.contentBuf = append(p.contentBuf, buf[:need]...)
	p.request.Content = p.contentBuf
	p.finish()

	return buf[need:], false
}

// decodeChunkedContent drains as many complete chunks as the accumulated
// bytes allow. Size lines and payloads follow strict CRLF framing.
func (p *httpParser) decodeChunkedContent(buf []byte) ([]byte, bool) {
	p.chunkBuf = append(p.chunkBuf, buf...)
	for {
		switch p.chunkPhase {
		case chunkPhaseSize:
			end := bytes.Index(p.chunkBuf, crlf)
			if end == -1 {
				if len(p.chunkBuf) > chunkSizeLineMax {
					p.fail(400, phaseClose)
					return nil, false
				}

				return nil, false
			}

			if end > chunkSizeLineMax {
				p.fail(400, phaseClose)
				return nil, false
			}

			if !p.parseChunkSize(string(p.chunkBuf[:end])) {
				return nil, false
			}

			p.chunkBuf = p.chunkBuf[end+2:]
			if p.chunkSize == 0 {
				p.chunkPhase = chunkPhaseEnd
			} else {
				p.chunkPhase = chunkPhaseData
			}
		case chunkPhaseData:
			if int64(len(p.chunkBuf)) < p.chunkSize+2 {
				return nil, false
			}

			data := p.chunkBuf[:p.chunkSize]
			if !bytes.Equal(
				p.chunkBuf[p.chunkSize:p.chunkSize+2],
				crlf,
			) {
				p.fail(400, phaseClose)
				return nil, false
			}

			if int64(len(p.contentBuf))+p.chunkSize > bodyMax {
				p.fail(413, phaseBodyOverflow)
				return nil, false
			}

			p.contentBuf = append(p.contentBuf, data...)
			p.chunkBuf = p.chunkBuf[p.chunkSize+2:]
			p.chunkPhase = chunkPhaseSize
		case chunkPhaseEnd:
			if len(p.chunkBuf) < 2 {
				return nil, false
			}

			if !bytes.Equal(p.chunkBuf[:2], crlf) {
				p.fail(400, phaseClose)
				return nil, false
			}

			rest := append([]byte(nil), p.chunkBuf[2:]...)
			p.chunkBuf = nil
			p.request.Content = p.contentBuf
			p.finish()

			return rest, false
		}
	}
}

// parseChunkSize parses a hex chunk size line, discarding any ";chunk-ext"
// suffix after validating its shape.
func (p *httpParser) parseChunkSize(line string) bool {
	if semi := bytes.IndexByte([]byte(line), ';'); semi >= 0 {
		ext := line[semi+1:]
		line = line[:semi]
		for i := 0; i < len(ext); i++ {
			if !tcharSet.contains(ext[i]) && ext[i] != ';' &&
				ext[i] != '=' && ext[i] != '"' {
				p.fail(400, phaseClose)
				return false
			}
		}
	}

	if line == "" {
		p.fail(400, phaseClose)
		return false
	}

	for i := 0; i < len(line); i++ {
		if !hexDigitSet.contains(line[i]) {
			p.fail(400, phaseClose)
			return false
		}
	}

	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil {
		p.fail(400, phaseClose)
		return false
	}

	if n > chunkSizeMax {
		p.fail(413, phaseBodyOverflow)
		return false
	}

	p.chunkSize = n

	return true
}
