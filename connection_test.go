package brilliantserver

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// testConnection wires a connection to one end of a socketpair and returns
// the peer fd the test drives.
func testConnection(t *testing.T, srv *Server) (*connection, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NoError(t, err)

	config, err := newServerConfig([]EndpointConfig{
		{
			Port: 8080,
			Servers: []ServerBlockConfig{
				{
					Locations: []LocationConfig{
						{
							Path:      "/",
							Methods:   []string{"GET", "POST", "DELETE"},
							Root:      "/www",
							Autoindex: true,
						},
					},
				},
			},
		},
	})
	assert.NoError(t, err)

	srv.workDir, _ = os.Getwd()
	conn := newConnection(
		srv,
		fds[0],
		"127.0.0.1",
		"0.0.0.0",
		8080,
		config.endpoints[endpoint{port: 8080}],
	)
	t.Cleanup(func() {
		conn.clear()
		unix.Close(fds[1])
	})

	return conn, fds[1]
}

// driveConnection re-enters pending producers until every queued response is
// complete, like the reactor would.
func driveConnection(t *testing.T, conn *connection, io ioFdPair) {
	for i := 0; io != ioDone; i++ {
		assert.Less(t, i, 1<<16, "producer did not terminate")
		fd := io.input
		if fd == -1 {
			fd = io.output
		}

		io = conn.executeMethod(fd)
	}
}

// readPeer drains whatever response bytes the connection transmitted.
func readPeer(t *testing.T, fd int) string {
	buf := make([]byte, 1<<16)
	n, err := unix.Read(fd, buf)
	assert.NoError(t, err)

	return string(buf[:n])
}

func TestConnectionStaticGet(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	assert.NoError(t, os.MkdirAll("www", 0755))
	assert.NoError(t, os.WriteFile(
		"www/hello.txt",
		[]byte("hello, world"),
		0644,
	))

	conn, peer := testConnection(t, New())
	_, err := unix.Write(peer, []byte(
		"GET /hello.txt HTTP/1.1\r\nHost: h\r\n\r\n",
	))
	assert.NoError(t, err)

	driveConnection(t, conn, conn.handleRequest())
	assert.Equal(t, connKeepAlive, conn.status)
	assert.True(t, conn.responseReady())

	for conn.sendSt != sendFinished {
		conn.send()
		assert.NotEqual(t, connError, conn.status)
	}

	response := readPeer(t, peer)
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, response, "content-length: 12\r\n")
	assert.Contains(t, response, "content-type: text/plain;charset=utf-8\r\n")
	assert.Contains(t, response, "connection: keep-alive\r\n")
	assert.True(t, strings.HasSuffix(response, "\r\n\r\nhello, world"))
}

func TestConnectionPipelinedKeepAlive(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	assert.NoError(t, os.MkdirAll("www", 0755))
	assert.NoError(t, os.WriteFile("www/a.txt", []byte("first"), 0644))
	assert.NoError(t, os.WriteFile("www/b.txt", []byte("second"), 0644))

	conn, peer := testConnection(t, New())
	_, err := unix.Write(peer, []byte(
		"GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n"+
			"GET /b.txt HTTP/1.1\r\nHost: h\r\n\r\n",
	))
	assert.NoError(t, err)

	driveConnection(t, conn, conn.handleRequest())
	assert.Equal(t, connNextRequest, conn.status)

	driveConnection(t, conn, conn.handleRequest())
	assert.Equal(t, connKeepAlive, conn.status)
	assert.Len(t, conn.queue, 2)

	for conn.sendSt != sendFinished {
		conn.send()
		assert.NotEqual(t, connError, conn.status)
	}

	// Both responses arrive on the same socket in request order, and the
	// connection stays open.
	response := readPeer(t, peer)
	first := strings.Index(response, "first")
	second := strings.Index(response, "second")
	assert.NotEqual(t, -1, first)
	assert.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.Equal(t, 2, strings.Count(response, "HTTP/1.1 200 OK\r\n"))
	assert.Equal(t, connKeepAlive, conn.status)
}

func TestConnectionParseErrorRoutesErrorDocument(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	conn, peer := testConnection(t, New())
	_, err := unix.Write(peer, []byte(
		"PATCH / HTTP/1.1\r\nHost: h\r\n\r\n",
	))
	assert.NoError(t, err)

	driveConnection(t, conn, conn.handleRequest())
	assert.Equal(t, connClose, conn.status)

	for conn.sendSt != sendFinished {
		conn.send()
	}

	response := readPeer(t, peer)
	assert.True(t, strings.HasPrefix(
		response,
		"HTTP/1.1 501 Not Implemented\r\n",
	))
	assert.Contains(t, response, "connection: close\r\n")
	assert.Contains(t, response, "501 Not Implemented")
}

func TestConnectionMethodNotAllowed(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	srv := New()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NoError(t, err)

	config, err := newServerConfig([]EndpointConfig{
		{
			Port: 8080,
			Servers: []ServerBlockConfig{
				{
					Locations: []LocationConfig{
						{
							Path:    "/",
							Methods: []string{"GET"},
							Root:    "/www",
						},
					},
				},
			},
		},
	})
	assert.NoError(t, err)

	srv.workDir, _ = os.Getwd()
	conn := newConnection(
		srv,
		fds[0],
		"127.0.0.1",
		"0.0.0.0",
		8080,
		config.endpoints[endpoint{port: 8080}],
	)
	t.Cleanup(func() {
		conn.clear()
		unix.Close(fds[1])
	})

	_, err = unix.Write(fds[1], []byte(
		"DELETE /x HTTP/1.1\r\nHost: h\r\n\r\n",
	))
	assert.NoError(t, err)

	driveConnection(t, conn, conn.handleRequest())
	for conn.sendSt != sendFinished {
		conn.send()
	}

	response := readPeer(t, fds[1])
	assert.True(t, strings.HasPrefix(
		response,
		"HTTP/1.1 405 Method Not Allowed\r\n",
	))
	assert.Contains(t, response, "allow: GET\r\n")
}

func TestConnectionResponseOrderIsPrefixConsistent(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	assert.NoError(t, os.MkdirAll("www", 0755))
	assert.NoError(t, os.WriteFile("www/a.txt", []byte("alpha"), 0644))

	conn, peer := testConnection(t, New())
	_, err := unix.Write(peer, []byte(
		"GET /a.txt HTTP/1.1\r\nHost: h\r\n\r\n",
	))
	assert.NoError(t, err)

	driveConnection(t, conn, conn.handleRequest())
	rb := conn.queue[0]
	expected := append(append([]byte(nil), rb.header...), rb.content...)

	for conn.sendSt != sendFinished {
		conn.send()
	}

	assert.Equal(t, string(expected), readPeer(t, peer))
}
