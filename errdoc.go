package brilliantserver

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/xxhash"
	"github.com/fsnotify/fsnotify"
)

// errDocCache is a read-through cache of error documents that uses runtime
// memory to keep error bursts off the disk. Cached entries are invalidated
// when the document file changes on disk, so responses always match the
// on-disk document.
type errDocCache struct {
	server *Server

	once    *sync.Once
	cache   *fastcache.Cache
	watcher *fsnotify.Watcher
	keys    *sync.Map
}

// newErrDocCache returns a new instance of the `errDocCache` with the s.
func newErrDocCache(s *Server) *errDocCache {
	return &errDocCache{
		server: s,
		once:   &sync.Once{},
		keys:   &sync.Map{},
	}
}

// init builds the cache storage and the change watcher on first use.
func (c *errDocCache) init() {
	c.cache = fastcache.New(c.server.ErrorDocCacheMaxBytes)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.server.logErrorf(
			"brilliantserver: failed to build error document "+
				"watcher: %v",
			err,
		)

		return
	}

	c.watcher = watcher
	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}

				c.invalidate(e.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				c.server.logger.Errorj(map[string]interface{}{
					"error": "error document watcher: " +
						err.Error(),
				})
			}
		}
	}()
}

// get returns the cached document of the path.
func (c *errDocCache) get(path string) ([]byte, bool) {
	if !c.server.ErrorDocCacheEnabled {
		return nil, false
	}

	c.once.Do(c.init)

	b := c.cache.Get(nil, cacheKey(path))
	if len(b) == 0 {
		return nil, false
	}

	return b, true
}

// put stores the document of the path and starts watching the path for
// changes.
func (c *errDocCache) put(path string, doc []byte) {
	if !c.server.ErrorDocCacheEnabled || len(doc) == 0 {
		return
	}

	c.once.Do(c.init)

	c.cache.Set(cacheKey(path), doc)
	if c.watcher != nil {
		if _, loaded := c.keys.LoadOrStore(path, true); !loaded {
			c.watcher.Add(path)
		}
	}
}

// invalidate drops the cached document of the path.
func (c *errDocCache) invalidate(path string) {
	c.cache.Del(cacheKey(path))
}

// close stops the change watcher.
func (c *errDocCache) close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// cacheKey derives the fixed-width cache key of the path.
func cacheKey(path string) []byte {
	sum := xxhash.Sum64String(path)
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(sum >> (8 * i))
	}

	return key
}
