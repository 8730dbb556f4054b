package brilliantserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePath(t *testing.T) {
	p, ok := resolvePath("/a//b/./c/../d", pathModeRouter)
	assert.True(t, ok)
	assert.Equal(t, "/a/b/d", p)

	p, ok = resolvePath("/a/b/", pathModeRouter)
	assert.True(t, ok)
	assert.Equal(t, "/a/b/", p)

	p, ok = resolvePath("/a/..", pathModeRouter)
	assert.True(t, ok)
	assert.Equal(t, "/", p)

	p, ok = resolvePath("/", pathModeRouter)
	assert.True(t, ok)
	assert.Equal(t, "/", p)

	// Ascending above the root fails.
	_, ok = resolvePath("/..", pathModeRouter)
	assert.False(t, ok)

	_, ok = resolvePath("/a/../../b", pathModeRouter)
	assert.False(t, ok)
}

func TestResolvePathModes(t *testing.T) {
	// Config mode treats the whole path as a directory.
	p, ok := resolvePath("/static", pathModeConfig)
	assert.True(t, ok)
	assert.Equal(t, "/static/", p)

	// Error page mode roots relative paths and keeps the file name.
	p, ok = resolvePath("error.html", pathModeErrorPage)
	assert.True(t, ok)
	assert.Equal(t, "/error.html", p)

	_, ok = resolvePath("/errors/", pathModeErrorPage)
	assert.False(t, ok)
}

func TestResolvePathFixedPoint(t *testing.T) {
	for _, s := range []string{
		"/a//b/./c/../d",
		"/x/y/z",
		"/x/y/",
		"/",
		"/index.html",
	} {
		once, ok := resolvePath(s, pathModeRouter)
		assert.True(t, ok)

		twice, ok := resolvePath(once, pathModeRouter)
		assert.True(t, ok)
		assert.Equal(t, once, twice)
	}
}
