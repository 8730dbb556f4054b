package brilliantserver

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCgiScriptArgs(t *testing.T) {
	assert.Nil(t, cgiScriptArgs(""))
	assert.Nil(t, cgiScriptArgs("?a=1&b=2"))
	assert.Nil(t, cgiScriptArgs("?a+b+"))
	assert.Equal(t, []string{"a", "b"}, cgiScriptArgs("?a+b"))
	assert.Equal(
		t,
		[]string{"hello world", "x"},
		cgiScriptArgs("?hello%20world+x"),
	)
	assert.Equal(t, []string{"solo"}, cgiScriptArgs("?solo"))
}

func TestSplitCgiHeader(t *testing.T) {
	end, skip := splitCgiHeader([]byte("a: b\n\nbody"))
	assert.Equal(t, 4, end)
	assert.Equal(t, 2, skip)

	end, skip = splitCgiHeader([]byte("a: b\r\n\r\nbody"))
	assert.Equal(t, 4, end)
	assert.Equal(t, 4, skip)

	end, _ = splitCgiHeader([]byte("a: b\r\n"))
	assert.Equal(t, -1, end)
}

// testCgiProducer builds a producer primed with an already-received header
// and body, as if the child had written them.
func testCgiProducer(lines []string, body string) *cgiProducer {
	p := newCgiProducer(
		New(),
		true,
		&responseBuffer{},
		routeDecision{status: 200, methods: methodGet},
		&Request{Method: "GET", Version: ProtocolHTTP11, Header: Headers{}},
	)
	p.rawHeader = lines
	p.headerDone = true
	p.buf.content = []byte(body)

	return p
}

func TestCgiClassifyDocument(t *testing.T) {
	p := testCgiProducer([]string{"Content-Type: text/plain"}, "hi")
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 200, p.res.status)
	assert.False(t, p.res.isLocalRedir)
	assert.Equal(t, "text/plain", p.res.header["content-type"])
}

func TestCgiClassifyStatusField(t *testing.T) {
	p := testCgiProducer(
		[]string{"Status: 404 Not Found", "Content-Type: text/html"},
		"gone",
	)
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 404, p.res.status)
	_, ok := p.res.header["status"]
	assert.False(t, ok)
}

func TestCgiClassifyLocalRedirect(t *testing.T) {
	p := testCgiProducer([]string{"Location: /ghan"}, "")
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.True(t, p.res.isLocalRedir)
	assert.Equal(t, "/ghan", p.res.header["location"])

	// A body disqualifies a local redirect.
	p = testCgiProducer([]string{"Location: /ghan"}, "body")
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 500, p.res.status)
}

func TestCgiClassifyClientRedirect(t *testing.T) {
	p := testCgiProducer(
		[]string{"Location: http://example.com/x"},
		"",
	)
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 302, p.res.status)
	assert.Equal(t, "http://example.com/x", p.res.location)
	_, ok := p.res.header["location"]
	assert.False(t, ok)
}

func TestCgiClassifyClientRedirectDocument(t *testing.T) {
	p := testCgiProducer(
		[]string{
			"Location: http://example.com/x",
			"Content-Type: text/html",
		},
		"<html>moved</html>",
	)
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 302, p.res.status)
	assert.Equal(t, "http://example.com/x", p.res.location)
}

func TestCgiClassifyGarbage(t *testing.T) {
	// No Location and no Content-Type is not a valid CGI response.
	p := testCgiProducer([]string{"X-Whatever: 1"}, "data")
	assert.True(t, p.parseCgiHeader())
	p.classify()
	assert.Equal(t, 500, p.res.status)

	p = testCgiProducer([]string{"not a header line"}, "")
	assert.False(t, p.parseCgiHeader())
}

func TestCgiDiscardsXCgiFields(t *testing.T) {
	p := testCgiProducer(
		[]string{
			"Content-Type: text/plain",
			"X-CGI-Internal: secret",
		},
		"ok",
	)
	assert.True(t, p.parseCgiHeader())
	_, ok := p.res.header["x-cgi-internal"]
	assert.False(t, ok)
}

func TestCgiProducerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	script := "#!/bin/sh\n" +
		"printf 'Content-Type: text/plain\\n\\n'\n" +
		"cat\n"
	assert.NoError(t, os.WriteFile("echo.cgi", []byte(script), 0755))

	req := &Request{
		Method:  "POST",
		Version: ProtocolHTTP11,
		Header:  Headers{},
		Content: []byte("hello"),
	}
	p := newCgiProducer(New(), true, &responseBuffer{}, routeDecision{
		status:      200,
		methods:     methodPost,
		successPath: "./echo.cgi",
		errorPath:   "./error.html",
		cgiEnv: buildCgiEnv(
			req,
			&location{root: "/", methods: methodPost},
			"/echo.cgi",
			"",
			connInfo{localPort: 8080, peerAddr: "127.0.0.1"},
			dir,
		),
	}, req)

	deadline := time.Now().Add(5 * time.Second)
	io := p.execute()
	for io != ioDone {
		assert.True(
			t,
			time.Now().Before(deadline),
			"cgi child did not finish",
		)
		time.Sleep(time.Millisecond)
		io = p.execute()
	}

	assert.Equal(t, 200, p.res.status)
	assert.Equal(t, "hello", string(p.buf.content))
	assert.Equal(t, "text/plain", p.res.header["content-type"])
}
