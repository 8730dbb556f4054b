package brilliantserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseExtension(t *testing.T) {
	assert.Equal(t, "html", parseExtension("./www/index.html"))
	assert.Equal(t, "txt", parseExtension("/a/b.c/d.txt"))
	assert.Equal(t, "", parseExtension("./www/noext"))
	assert.Equal(t, "", parseExtension("./www/trailing."))
	assert.Equal(t, "", parseExtension("./www/.hidden"))
	assert.Equal(t, "", parseExtension("./www/dir.d/"))
}

func TestMimeTypeByExtension(t *testing.T) {
	assert.Equal(
		t,
		"text/html;charset=utf-8",
		mimeTypeByExtension("html", nil),
	)
	assert.Equal(t, "image/png", mimeTypeByExtension("png", nil))
	assert.Equal(t, "", mimeTypeByExtension("unknownext", nil))

	// Unknown extensions fall back to sniffing the content.
	sniffed := mimeTypeByExtension("unknownext", []byte("<html></html>"))
	assert.NotEqual(t, "", sniffed)
}

func TestStatusReason(t *testing.T) {
	assert.Equal(t, "OK", statusReason(200))
	assert.Equal(t, "Content Too Large", statusReason(413))
	assert.Equal(t, "Internal Server Error", statusReason(500))
	assert.Equal(t, "Internal Server Error", statusReason(599))
}
