package brilliantserver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPassiveSocket(t *testing.T) {
	ps, err := newPassiveSocket(
		endpoint{host: "127.0.0.1", port: 18731},
		&serverRouter{},
	)
	assert.NoError(t, err)
	assert.NotEqual(t, -1, ps.fd)
	assert.Equal(t, "127.0.0.1", ps.host)
	assert.Equal(t, uint16(18731), ps.port)

	// The socket accepts connections while bound.
	conn, err := net.DialTimeout("tcp", "127.0.0.1:18731", time.Second)
	assert.NoError(t, err)
	conn.Close()

	ps.close()
	assert.Equal(t, -1, ps.fd)
}

func TestNewPassiveSocketAnyAddress(t *testing.T) {
	ps, err := newPassiveSocket(
		endpoint{port: 18732},
		&serverRouter{},
	)
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0", ps.host)
	ps.close()
}

func TestNewPassiveSocketBadHost(t *testing.T) {
	_, err := newPassiveSocket(
		endpoint{host: "not-an-ip", port: 18733},
		&serverRouter{},
	)
	assert.Error(t, err)

	_, err = newPassiveSocket(
		endpoint{host: "::1", port: 18734},
		&serverRouter{},
	)
	assert.Error(t, err)
}
