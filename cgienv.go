package brilliantserver

import "strconv"

// serverSoftware is the SERVER_SOFTWARE meta-variable value and the Server
// response header value.
const serverSoftware = "BrilliantServer/1.0"

// buildCgiEnv constructs the RFC 3875 meta-variable vector: exactly 17
// entries, in this order. Variables absent from the request carry empty
// values after the "=".
func buildCgiEnv(
	req *Request,
	loc *location,
	scriptPath string,
	pathInfo string,
	ci connInfo,
	workDir string,
) []string {
	contentLength := ""
	if len(req.Content) > 0 {
		contentLength = strconv.Itoa(len(req.Content))
	}

	pathTranslated := ""
	if pathInfo != "" {
		pathTranslated = workDir + loc.root + pathInfo
	}

	serverName := req.Host
	if serverName == "" {
		serverName = ci.serverName
	}

	return []string{
		"AUTH_TYPE=",
		"CONTENT_LENGTH=" + contentLength,
		"CONTENT_TYPE=" + req.Header.First("content-type"),
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=" + pathInfo,
		"PATH_TRANSLATED=" + pathTranslated,
		"QUERY_STRING=" + req.Query,
		"REMOTE_ADDR=" + ci.peerAddr,
		"REMOTE_HOST=" + ci.peerAddr,
		"REMOTE_IDENT=",
		"REMOTE_USER=",
		"REQUEST_METHOD=" + req.Method,
		"SCRIPT_NAME=" + loc.root + scriptPath,
		"SERVER_NAME=" + serverName,
		"SERVER_PORT=" + strconv.Itoa(int(ci.localPort)),
		"SERVER_PROTOCOL=" + req.Version.String(),
		"SERVER_SOFTWARE=" + serverSoftware,
	}
}
