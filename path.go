package brilliantserver

import "strings"

// pathMode selects the caller-specific quirks of `resolvePath`.
type pathMode uint8

// path resolution modes
const (
	// pathModeConfig treats the whole path as a directory: location
	// prefixes always gain a trailing slash.
	pathModeConfig pathMode = iota

	// pathModeRouter and pathModeParser extract a trailing file component
	// before normalizing and re-append it afterwards.
	pathModeRouter
	pathModeParser

	// pathModeErrorPage additionally roots relative paths and requires a
	// file component.
	pathModeErrorPage
)

// resolvePath normalizes the path: "//" collapses, "./" drops, "../" erases
// the previous segment. A ".." that would ascend above the root fails. The
// trailing file component, when the mode keeps one, is exempt from
// normalization and re-appended verbatim.
func resolvePath(path string, mode pathMode) (string, bool) {
	if path == "" {
		return "", false
	}

	if mode == pathModeErrorPage && path[0] != '/' {
		path = "/" + path
	}

	file := ""
	if path[len(path)-1] != '/' {
		slash := strings.LastIndexByte(path, '/')
		base := path[slash+1:]
		if mode == pathModeConfig || base == "." || base == ".." {
			path += "/"
		} else {
			if slash < 0 {
				return "", false
			}

			file = base
			path = path[:slash+1]
		}
	}

	if mode == pathModeErrorPage && file == "" {
		return "", false
	}

	rooted := path[0] == '/'
	segments := make([]string, 0, 8)
	for _, segment := range strings.Split(path, "/") {
		switch segment {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return "", false
			}

			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, segment)
		}
	}

	var b strings.Builder
	if rooted {
		b.WriteByte('/')
	}

	for _, segment := range segments {
		b.WriteString(segment)
		b.WriteByte('/')
	}

	b.WriteString(file)

	return b.String(), true
}
