/*
Package brilliantserver implements an event-driven HTTP/1.0 and HTTP/1.1
origin server that serves static files, accepts uploads, performs deletions,
generates directory indexes, issues redirects, and delegates configured
request paths to CGI/1.1 executables.

Every socket, pipe and regular file is driven by a single-threaded one-shot
readiness reactor; no request ever blocks the loop. The server is configured
from a small declaration file naming listening endpoints, virtual hosts and
per-host locations:

	s := brilliantserver.New()
	s.ConfigFile = "config.toml"
	if err := s.Serve(); err != nil {
		log.Fatal(err)
	}
*/
package brilliantserver

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"
)

// Server is the top-level struct of this package.
//
// It is highly recommended not to modify the value of any field of the
// `Server` after calling the `Server.Serve`, which will cause unpredictable
// problems.
//
// The new instances of the `Server` should only be created by calling the
// `New`.
type Server struct {
	// AppName is the name of the server application.
	//
	// Default value: "brilliantserver"
	AppName string `mapstructure:"app_name"`

	// DebugMode indicates whether the server is in debug mode. Debug mode
	// force-enables the logger and logs every parsed request line.
	//
	// Default value: false
	DebugMode bool `mapstructure:"debug_mode"`

	// Endpoints declare the listening endpoints and their virtual hosts.
	Endpoints []EndpointConfig `mapstructure:"endpoints"`

	// LoggerEnabled indicates whether the logger is enabled.
	//
	// Default value: false
	LoggerEnabled bool `mapstructure:"logger_enabled"`

	// LoggerFormat is the format of the logger output header, parsed as a
	// `text/template`.
	//
	// Default value: `{"app_name":"{{.app_name}}","time":"{{.time_rfc3339}}","level":"{{.level}}","file":"{{.short_file}}","line":"{{.line}}"}`
	LoggerFormat string `mapstructure:"logger_format"`

	// ErrorLogger is the `log.Logger` that logs server-internal failures.
	//
	// If the `ErrorLogger` is nil, logging is done via the log package's
	// standard logger.
	//
	// Default value: nil
	ErrorLogger *log.Logger `mapstructure:"-"`

	// ErrorDocCacheEnabled indicates whether error documents are cached
	// in runtime memory. Cached documents are invalidated when their file
	// changes on disk.
	//
	// Default value: false
	ErrorDocCacheEnabled bool `mapstructure:"error_doc_cache_enabled"`

	// ErrorDocCacheMaxBytes is the byte capacity of the error document
	// cache.
	//
	// Default value: 1048576
	ErrorDocCacheMaxBytes int `mapstructure:"error_doc_cache_max_bytes"`

	// ConfigFile is the path to the configuration file that will be
	// parsed into the matching fields before starting the server.
	//
	// The ".json" extension means the configuration file is JSON-based.
	//
	// The ".toml" extension means the configuration file is TOML-based.
	//
	// The ".yaml" and ".yml" extensions means the configuration file is
	// YAML-based.
	//
	// The ".ini" extension means the configuration file is INI-based.
	//
	// Default value: ""
	ConfigFile string `mapstructure:"-"`

	config  *ServerConfig
	logger  *Logger
	errDocs *errDocCache
	reactor *reactor
	workDir string
}

// New returns a new instance of the `Server` with default field values.
func New() *Server {
	s := &Server{
		AppName: "brilliantserver",
		LoggerFormat: `{"app_name":"{{.app_name}}",` +
			`"time":"{{.time_rfc3339}}","level":"{{.level}}",` +
			`"file":"{{.short_file}}","line":"{{.line}}"}`,
		ErrorDocCacheMaxBytes: 1 << 20,
	}
	s.logger = newLogger(s)
	s.errDocs = newErrDocCache(s)

	return s
}

// Serve loads the configuration file, binds every configured endpoint, and
// runs the event loop until `Server.Close` is called or the multiplexer
// itself fails.
func (s *Server) Serve() error {
	if err := s.loadConfigFile(); err != nil {
		return err
	}

	if s.DebugMode {
		s.LoggerEnabled = true
	}

	config, err := newServerConfig(s.Endpoints)
	if err != nil {
		return err
	}

	s.config = config
	if s.workDir, err = os.Getwd(); err != nil {
		return fmt.Errorf("brilliantserver: getwd: %v", err)
	}

	r, err := newReactor(s)
	if err != nil {
		return err
	}

	s.reactor = r
	s.logger.Infoj(map[string]interface{}{
		"app_name":  s.AppName,
		"endpoints": len(s.config.endpoints),
	})

	return r.run()
}

// Close makes the event loop return and releases every descriptor the server
// owns.
func (s *Server) Close() error {
	if s.reactor != nil {
		s.reactor.wake()
	}

	s.errDocs.close()

	return nil
}

// loadConfigFile parses the `ConfigFile` by extension and decodes the result
// onto the s.
func (s *Server) loadConfigFile() error {
	if s.ConfigFile == "" {
		return nil
	}

	b, err := os.ReadFile(s.ConfigFile)
	if err != nil {
		return err
	}

	m := map[string]interface{}{}
	switch e := strings.ToLower(filepath.Ext(s.ConfigFile)); e {
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	case ".ini":
		m, err = iniToMap(b)
	default:
		err = fmt.Errorf(
			"brilliantserver: unsupported configuration file "+
				"extension: %s",
			e,
		)
	}

	if err != nil {
		return err
	}

	return mapstructure.WeakDecode(m, s)
}

// iniToMap flattens an INI file into the generic map the decoder consumes:
// default-section keys stay top-level, named sections nest.
func iniToMap(b []byte) (map[string]interface{}, error) {
	f, err := ini.Load(b)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{}
	for _, section := range f.Sections() {
		keys := map[string]interface{}{}
		for k, v := range section.KeysHash() {
			keys[k] = v
		}

		if section.Name() == ini.DEFAULT_SECTION {
			for k, v := range keys {
				m[k] = v
			}
		} else {
			m[section.Name()] = keys
		}
	}

	return m, nil
}

// logErrorf logs the v as an error in the format.
func (s *Server) logErrorf(format string, v ...interface{}) {
	e := fmt.Errorf(format, v...)
	if s.ErrorLogger != nil {
		s.ErrorLogger.Output(2, e.Error())
	} else {
		log.Output(2, e.Error())
	}
}
