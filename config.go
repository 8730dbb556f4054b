package brilliantserver

import (
	"fmt"
	"strings"
)

// defaultErrorPage is the error document synthesized for servers that do not
// declare one.
const defaultErrorPage = "./error.html"

// EndpointConfig declares one listening endpoint and its virtual hosts. The
// first server block is the endpoint default.
type EndpointConfig struct {
	// Host is the IPv4 address to bind. Empty means every interface.
	Host string `mapstructure:"host"`

	// Port is the TCP port to bind.
	Port uint16 `mapstructure:"port"`

	// Servers are the virtual hosts served on this endpoint.
	Servers []ServerBlockConfig `mapstructure:"servers"`
}

// ServerBlockConfig declares one virtual host.
type ServerBlockConfig struct {
	// Names are the host names this block answers to. A block without
	// names only serves as the endpoint default.
	Names []string `mapstructure:"names"`

	// ErrorPage is the path of the error document of this host.
	//
	// Default value: "./error.html"
	ErrorPage string `mapstructure:"error_page"`

	// Locations are the path-prefix locations of this host.
	Locations []LocationConfig `mapstructure:"locations"`

	// CgiLocations are the extension-keyed CGI locations of this host,
	// tried in declaration order before any prefix match.
	CgiLocations []CgiLocationConfig `mapstructure:"cgi_locations"`
}

// LocationConfig declares one path-prefix location.
type LocationConfig struct {
	// Path is the path prefix this location matches.
	Path string `mapstructure:"path"`

	// Methods are the allowed methods out of GET, POST and DELETE.
	//
	// Default value: ["GET"]
	Methods []string `mapstructure:"methods"`

	// BodyMax is the request body byte limit.
	//
	// Default value: 134217728
	BodyMax int64 `mapstructure:"body_max"`

	// Root is the filesystem prefix documents are served from.
	//
	// Default value: "/"
	Root string `mapstructure:"root"`

	// Index is the filename appended when the path ends with "/".
	Index string `mapstructure:"index"`

	// UploadPath is the filesystem destination of POST uploads.
	UploadPath string `mapstructure:"upload_path"`

	// RedirectTo, when non-empty, answers every request with a 301 to it.
	RedirectTo string `mapstructure:"redirect_to"`

	// Autoindex enables machine-generated directory listings.
	Autoindex bool `mapstructure:"autoindex"`
}

// CgiLocationConfig declares one CGI location keyed by filename extension.
type CgiLocationConfig struct {
	// Extension is the filename extension, dot included, e.g. ".php".
	Extension string `mapstructure:"extension"`

	// Methods are the allowed methods out of GET, POST and DELETE.
	//
	// Default value: ["GET"]
	Methods []string `mapstructure:"methods"`

	// BodyMax is the request body byte limit.
	//
	// Default value: 134217728
	BodyMax int64 `mapstructure:"body_max"`

	// Root is the filesystem prefix scripts are resolved under.
	//
	// Default value: "/"
	Root string `mapstructure:"root"`
}

// location is the resolved handling of one path prefix of one virtual host.
type location struct {
	isError    bool
	autoindex  bool
	methods    methodSet
	bodyMax    int64
	root       string
	index      string
	uploadPath string
	redirectTo string
}

// cgiLocation pairs a filename extension with its location.
type cgiLocation struct {
	ext string
	loc *location
}

// locationRouter routes the paths of one virtual host.
type locationRouter struct {
	errorLocation *location
	cgiLocations  []cgiLocation
	locations     map[string]*location
}

// newLocationRouter returns a new instance of the `locationRouter` with the
// synthesized error fallback location.
func newLocationRouter(errorPage string) *locationRouter {
	return &locationRouter{
		errorLocation: &location{
			isError: true,
			methods: methodGet,
			index:   errorPage,
		},
		locations: map[string]*location{},
	}
}

// match returns the longest location prefix matching the path and its
// location. It returns ("", nil) when no prefix matches; the caller falls
// back to the error location instead of materializing a phantom one.
func (lr *locationRouter) match(path string) (string, *location) {
	best := ""
	var bestLoc *location
	for prefix, loc := range lr.locations {
		if len(prefix) <= len(best) && best != "" {
			continue
		}

		if strings.HasPrefix(path, prefix) || path+"/" == prefix {
			best, bestLoc = prefix, loc
		}
	}

	return best, bestLoc
}

// matchCgi scans the CGI locations in declaration order and returns the entry
// whose extension appears left-most in the path.
func (lr *locationRouter) matchCgi(path string) (cgiLocation, int, bool) {
	bestPos := -1
	var best cgiLocation
	for _, cgi := range lr.cgiLocations {
		if pos := strings.Index(path, cgi.ext); pos >= 0 &&
			(bestPos == -1 || pos < bestPos) {
			best, bestPos = cgi, pos
		}
	}

	return best, bestPos, bestPos != -1
}

// serverRouter routes the virtual hosts of one endpoint.
type serverRouter struct {
	defaultRouter *locationRouter
	vhosts        map[string]*locationRouter
}

// selectHost returns the location router of the host, falling back to the
// endpoint default. The selection happens exactly once per request.
func (sr *serverRouter) selectHost(host string) *locationRouter {
	if lr, ok := sr.vhosts[host]; ok {
		return lr
	}

	return sr.defaultRouter
}

// endpoint identifies one listening address.
type endpoint struct {
	host string
	port uint16
}

// ServerConfig is the immutable routing configuration of the whole server,
// keyed by listening endpoint. It is built once at startup.
type ServerConfig struct {
	endpoints map[endpoint]*serverRouter
}

// newServerConfig validates the declared endpoints into the immutable
// routing model.
func newServerConfig(endpoints []EndpointConfig) (*ServerConfig, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf(
			"brilliantserver: at least one endpoint is required",
		)
	}

	sc := &ServerConfig{endpoints: map[endpoint]*serverRouter{}}
	for _, ec := range endpoints {
		if ec.Port == 0 {
			return nil, fmt.Errorf(
				"brilliantserver: endpoint port cannot be 0",
			)
		}

		ep := endpoint{host: ec.Host, port: ec.Port}
		if _, ok := sc.endpoints[ep]; ok {
			return nil, fmt.Errorf(
				"brilliantserver: duplicate endpoint %s:%d",
				ec.Host,
				ec.Port,
			)
		}

		if len(ec.Servers) == 0 {
			return nil, fmt.Errorf(
				"brilliantserver: endpoint %s:%d declares no "+
					"servers",
				ec.Host,
				ec.Port,
			)
		}

		sr := &serverRouter{vhosts: map[string]*locationRouter{}}
		for i, sb := range ec.Servers {
			lr, err := newLocationRouterConfig(sb)
			if err != nil {
				return nil, err
			}

			if i == 0 {
				sr.defaultRouter = lr
			}

			for _, name := range sb.Names {
				name = strings.ToLower(name)
				if _, ok := sr.vhosts[name]; ok {
					return nil, fmt.Errorf(
						"brilliantserver: duplicate "+
							"server name %q on "+
							"%s:%d",
						name,
						ec.Host,
						ec.Port,
					)
				}

				sr.vhosts[name] = lr
			}
		}

		sc.endpoints[ep] = sr
	}

	return sc, nil
}

// newLocationRouterConfig validates one server block.
func newLocationRouterConfig(sb ServerBlockConfig) (*locationRouter, error) {
	errorPage := sb.ErrorPage
	if errorPage == "" {
		errorPage = defaultErrorPage
	}

	lr := newLocationRouter(errorPage)
	for _, lc := range sb.Locations {
		prefix, err := validateLocationPath(lc.Path)
		if err != nil {
			return nil, err
		}

		if _, ok := lr.locations[prefix]; ok {
			return nil, fmt.Errorf(
				"brilliantserver: duplicate location %q",
				lc.Path,
			)
		}

		loc, err := newLocation(
			lc.Methods,
			lc.BodyMax,
			lc.Root,
			lc.Path,
		)
		if err != nil {
			return nil, err
		}

		loc.autoindex = lc.Autoindex
		loc.index = lc.Index
		loc.uploadPath = strings.TrimSuffix(lc.UploadPath, "/")
		loc.redirectTo = lc.RedirectTo
		lr.locations[prefix] = loc
	}

	for _, cc := range sb.CgiLocations {
		if len(cc.Extension) < 2 || cc.Extension[0] != '.' {
			return nil, fmt.Errorf(
				"brilliantserver: invalid cgi extension %q",
				cc.Extension,
			)
		}

		loc, err := newLocation(
			cc.Methods,
			cc.BodyMax,
			cc.Root,
			cc.Extension,
		)
		if err != nil {
			return nil, err
		}

		lr.cgiLocations = append(lr.cgiLocations, cgiLocation{
			ext: cc.Extension,
			loc: loc,
		})
	}

	if len(lr.locations) == 0 && len(lr.cgiLocations) == 0 {
		return nil, fmt.Errorf(
			"brilliantserver: server block declares no locations",
		)
	}

	return lr, nil
}

// newLocation validates the fields shared by prefix and CGI locations.
func newLocation(
	methods []string,
	bodyLimit int64,
	root string,
	name string,
) (*location, error) {
	loc := &location{methods: methodGet, bodyMax: bodyLimit, root: "/"}
	if len(methods) > 0 {
		loc.methods = 0
		for _, m := range methods {
			bit := methodBit(strings.ToUpper(m))
			if bit == 0 {
				return nil, fmt.Errorf(
					"brilliantserver: location %q allows "+
						"unsupported method %q",
					name,
					m,
				)
			}

			loc.methods |= bit
		}
	}

	if loc.bodyMax <= 0 {
		loc.bodyMax = bodyMax
	}

	if root != "" {
		resolved, ok := resolvePath(root, pathModeConfig)
		if !ok || resolved == "" || resolved[0] != '/' {
			return nil, fmt.Errorf(
				"brilliantserver: location %q has invalid "+
					"root %q",
				name,
				root,
			)
		}

		loc.root = strings.TrimSuffix(resolved, "/")
		if loc.root == "" {
			loc.root = "/"
		}
	}

	return loc, nil
}

// validateLocationPath normalizes a location path prefix. Prefixes always end
// with a slash.
func validateLocationPath(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", fmt.Errorf(
			"brilliantserver: location path %q must start with /",
			path,
		)
	}

	prefix, ok := resolvePath(path, pathModeConfig)
	if !ok {
		return "", fmt.Errorf(
			"brilliantserver: location path %q does not resolve",
			path,
		)
	}

	return prefix, nil
}
