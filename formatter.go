package brilliantserver

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// imfFixdate is the RFC 7231 IMF-fixdate layout.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// serverHeaderFields are the response fields the server owns; same-named
// CGI-origin fields are stripped before pass-through.
var serverHeaderFields = []string{
	"server",
	"date",
	"allow",
	"connection",
	"content-length",
}

// formatHeader builds the status line and the response header block from the
// producer result and marks the response buffer complete.
func (b *baseProducer) formatHeader() {
	status := b.res.status
	var sb strings.Builder
	sb.WriteString(b.req.Version.String())
	sb.WriteString(" ")
	sb.WriteString(strconv.Itoa(status))
	sb.WriteString(" ")
	sb.WriteString(statusReason(status))
	sb.WriteString("\r\nserver: " + serverSoftware + "\r\n")
	sb.WriteString("date: " + time.Now().UTC().Format(imfFixdate) + "\r\n")
	if status != 301 && status != 400 && status != 404 && status < 500 {
		sb.WriteString("allow: " + b.decision.methods.String() + "\r\n")
	}

	if status < 500 && b.keep {
		sb.WriteString("connection: keep-alive\r\n")
	} else {
		sb.WriteString("connection: close\r\n")
	}

	if len(b.buf.content) > 0 {
		sb.WriteString("content-length: " +
			strconv.Itoa(len(b.buf.content)) + "\r\n")
	}

	if contentType := b.formatContentType(); contentType != "" {
		sb.WriteString("content-type: " + contentType + "\r\n")
	}

	if b.res.location != "" {
		sb.WriteString("location: " + b.res.location + "\r\n")
	}

	for _, field := range serverHeaderFields {
		delete(b.res.header, field)
	}

	names := make([]string, 0, len(b.res.header))
	for name := range b.res.header {
		names = append(names, name)
	}

	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(name + ": " + b.res.header[name] + "\r\n")
	}

	sb.WriteString("\r\n")
	b.buf.header = []byte(sb.String())
	b.buf.isComplete = true
}

// formatContentType computes the Content-Type: the CGI-provided field wins,
// then the MIME table by extension, then content sniffing; autoindex pages
// are always HTML.
func (b *baseProducer) formatContentType() string {
	if b.res.isAutoindex {
		return autoindexContentType
	}

	if contentType, ok := b.res.header["content-type"]; ok {
		delete(b.res.header, "content-type")
		return contentType
	}

	return mimeTypeByExtension(b.res.ext, b.buf.content)
}
