package brilliantserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaders(t *testing.T) {
	hs := Headers{}
	hs.Add("Content-Type", "text/plain")
	hs.Add("X-Multi", "one")
	hs.Add("x-multi", "two")

	assert.Equal(t, "text/plain", hs.First("CONTENT-TYPE"))
	assert.Equal(t, []string{"one", "two"}, hs.Get("X-Multi"))
	assert.True(t, hs.Has("content-type"))
	assert.Equal(t, "", hs.First("absent"))
	assert.False(t, hs.Has("absent"))

	hs.Set("x-multi", []string{"three"})
	assert.Equal(t, []string{"three"}, hs.Get("x-multi"))

	hs.Delete("X-MULTI")
	assert.False(t, hs.Has("x-multi"))
}
