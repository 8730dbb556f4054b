package brilliantserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTargetOriginForm(t *testing.T) {
	target, ok := parseTarget("/foo/bar?baz=qux")
	assert.True(t, ok)
	assert.Equal(t, "/foo/bar", target.path)
	assert.Equal(t, "?baz=qux", target.query)
	assert.Equal(t, "", target.host)
	assert.Equal(t, "", target.scheme)

	target, ok = parseTarget("/")
	assert.True(t, ok)
	assert.Equal(t, "/", target.path)
	assert.Equal(t, "", target.query)

	target, ok = parseTarget("/a%20b")
	assert.True(t, ok)
	assert.Equal(t, "/a b", target.path)

	// Percent-triples in the query are validated, never decoded.
	target, ok = parseTarget("/a?b%20c")
	assert.True(t, ok)
	assert.Equal(t, "?b%20c", target.query)

	_, ok = parseTarget("/a%2")
	assert.False(t, ok)

	_, ok = parseTarget("/a%zz")
	assert.False(t, ok)

	_, ok = parseTarget("/a?b%2")
	assert.False(t, ok)

	_, ok = parseTarget("")
	assert.False(t, ok)

	_, ok = parseTarget("/a b")
	assert.False(t, ok)
}

func TestParseTargetAbsoluteForm(t *testing.T) {
	target, ok := parseTarget("http://Example.com:8080/foo?bar")
	assert.True(t, ok)
	assert.Equal(t, "http", target.scheme)
	assert.Equal(t, "Example.com", target.host)
	assert.Equal(t, ":8080", target.port)
	assert.Equal(t, "/foo", target.path)
	assert.Equal(t, "?bar", target.query)

	target, ok = parseTarget("http://example.com")
	assert.True(t, ok)
	assert.Equal(t, "example.com", target.host)
	assert.Equal(t, "/", target.path)

	_, ok = parseTarget("http:/example.com")
	assert.False(t, ok)

	_, ok = parseTarget("1http://example.com")
	assert.False(t, ok)

	_, ok = parseTarget("http://example.com^")
	assert.False(t, ok)
}

func TestParseHost(t *testing.T) {
	host, ok := parseHost("Example.COM")
	assert.True(t, ok)
	assert.Equal(t, "example.com", host)

	host, ok = parseHost("example.com:8080")
	assert.True(t, ok)
	assert.Equal(t, "example.com:8080", host)

	host, ok = parseHost("127.0.0.1")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1", host)

	_, ok = parseHost("")
	assert.False(t, ok)

	_, ok = parseHost("exa mple.com")
	assert.False(t, ok)
}

func TestPercentCodingRoundTrip(t *testing.T) {
	// For ASCII strings free of "%", decode after encode is the
	// identity.
	for _, s := range []string{
		"plain",
		"dir/",
		"name with space",
		"a:b?c",
		"[brackets]&more=stuff",
	} {
		encoded := encodeAsciiToHex(s)
		decoded, ok := decodeHexToAscii(encoded)
		assert.True(t, ok)
		assert.Equal(t, s, decoded)
	}

	// The path separator stays literal for autoindex links.
	assert.Equal(t, "dir/", encodeAsciiToHex("dir/"))
	assert.Equal(t, "a%3Ab", encodeAsciiToHex("a:b"))

	decoded, ok := decodeHexToAscii("a%20b%2fc")
	assert.True(t, ok)
	assert.Equal(t, "a b/c", decoded)

	_, ok = decodeHexToAscii("a%2")
	assert.False(t, ok)
}
