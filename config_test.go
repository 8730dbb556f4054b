package brilliantserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewServerConfig(t *testing.T) {
	config, err := newServerConfig([]EndpointConfig{
		{
			Host: "127.0.0.1",
			Port: 4242,
			Servers: []ServerBlockConfig{
				{
					Names: []string{"A.Example"},
					Locations: []LocationConfig{
						{Path: "/static"},
					},
				},
			},
		},
	})
	assert.NoError(t, err)

	sr := config.endpoints[endpoint{host: "127.0.0.1", port: 4242}]
	assert.NotNil(t, sr)
	assert.NotNil(t, sr.defaultRouter)

	// Server names are matched lowercased.
	assert.Equal(t, sr.defaultRouter, sr.selectHost("a.example"))
	assert.Equal(t, sr.defaultRouter, sr.selectHost("unknown"))

	// Location prefixes gain their trailing slash; defaults apply.
	prefix, loc := sr.defaultRouter.match("/static/a")
	assert.Equal(t, "/static/", prefix)
	assert.Equal(t, methodGet, loc.methods)
	assert.Equal(t, int64(bodyMax), loc.bodyMax)
	assert.Equal(t, "/", loc.root)
}

func TestNewServerConfigErrors(t *testing.T) {
	_, err := newServerConfig(nil)
	assert.Error(t, err)

	_, err = newServerConfig([]EndpointConfig{{Port: 0}})
	assert.Error(t, err)

	_, err = newServerConfig([]EndpointConfig{{
		Port:    80,
		Servers: []ServerBlockConfig{{}},
	}})
	assert.Error(t, err)

	_, err = newServerConfig([]EndpointConfig{{
		Port: 80,
		Servers: []ServerBlockConfig{{
			Locations: []LocationConfig{{Path: "no-slash"}},
		}},
	}})
	assert.Error(t, err)

	_, err = newServerConfig([]EndpointConfig{{
		Port: 80,
		Servers: []ServerBlockConfig{{
			Locations: []LocationConfig{{
				Path:    "/",
				Methods: []string{"PATCH"},
			}},
		}},
	}})
	assert.Error(t, err)

	_, err = newServerConfig([]EndpointConfig{{
		Port: 80,
		Servers: []ServerBlockConfig{{
			CgiLocations: []CgiLocationConfig{{
				Extension: "php",
			}},
		}},
	}})
	assert.Error(t, err)
}

func TestServerLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.toml")
	assert.NoError(t, os.WriteFile(file, []byte(`
app_name = "webtest"
logger_enabled = true

[[endpoints]]
host = "127.0.0.1"
port = 8080

[[endpoints.servers]]
error_page = "./error.html"

[[endpoints.servers.locations]]
path = "/"
methods = ["GET", "POST"]
root = "/www"
autoindex = true
`), 0644))

	s := New()
	s.ConfigFile = file
	assert.NoError(t, s.loadConfigFile())
	assert.Equal(t, "webtest", s.AppName)
	assert.True(t, s.LoggerEnabled)
	assert.Len(t, s.Endpoints, 1)
	assert.Equal(t, uint16(8080), s.Endpoints[0].Port)
	assert.Len(t, s.Endpoints[0].Servers, 1)
	assert.Equal(
		t,
		[]string{"GET", "POST"},
		s.Endpoints[0].Servers[0].Locations[0].Methods,
	)

	config, err := newServerConfig(s.Endpoints)
	assert.NoError(t, err)
	assert.NotNil(t, config.endpoints[endpoint{
		host: "127.0.0.1",
		port: 8080,
	}])
}

func TestServerLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	assert.NoError(t, os.WriteFile(file, []byte(`
app_name: yamltest
endpoints:
  - port: 9090
    servers:
      - locations:
          - path: /
            methods: [GET]
`), 0644))

	s := New()
	s.ConfigFile = file
	assert.NoError(t, s.loadConfigFile())
	assert.Equal(t, "yamltest", s.AppName)
	assert.Equal(t, uint16(9090), s.Endpoints[0].Port)
}

func TestServerLoadConfigFileINI(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.ini")
	assert.NoError(t, os.WriteFile(file, []byte(
		"app_name = initest\ndebug_mode = true\n",
	), 0644))

	s := New()
	s.ConfigFile = file
	assert.NoError(t, s.loadConfigFile())
	assert.Equal(t, "initest", s.AppName)
	assert.True(t, s.DebugMode)
}

func TestServerLoadConfigFileUnsupported(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.conf")
	assert.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	s := New()
	s.ConfigFile = file
	assert.Error(t, s.loadConfigFile())
}
