package brilliantserver

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// fileProducer executes GET, POST and DELETE against the filesystem and
// renders redirect and autoindex documents. File I/O progresses in bounded
// nonblocking steps driven by the reactor.
type fileProducer struct {
	baseProducer

	inFd        int
	outFd       int
	writeOffset int
	outputPath  string
}

// newFileProducer returns a new instance of the `fileProducer`.
func newFileProducer(
	srv *Server,
	keep bool,
	buf *responseBuffer,
	decision routeDecision,
	req *Request,
) *fileProducer {
	return &fileProducer{
		baseProducer: newBaseProducer(srv, keep, buf, decision, req),
		inFd:         -1,
		outFd:        -1,
	}
}

// execute makes one step of progress and names the descriptors the reactor
// must watch next. Both -1 means the response content is complete.
func (f *fileProducer) execute() ioFdPair {
	if f.res.status >= 400 || f.ioPhase == ioPhaseErrorRead {
		return f.errorStep()
	}

	if f.decision.status == 301 {
		f.res.location = f.decision.redirectTo
		f.buf.content = []byte(redirectPage(f.decision.redirectTo))
		f.res.ext = "html"

		return f.setComplete()
	}

	switch f.req.Method {
	case "GET":
		f.get()
	case "POST":
		f.post()
	case "DELETE":
		f.delete()
	}

	if f.res.status >= 400 {
		return f.errorStep()
	}

	switch f.ioPhase {
	case ioPhaseComplete:
		f.finishExtension()
		return ioDone
	case ioPhaseFileRead:
		return ioFdPair{input: f.inFd, output: -1}
	default:
		return ioFdPair{input: -1, output: f.outFd}
	}
}

// errorStep abandons any method I/O and drives the error document instead.
func (f *fileProducer) errorStep() ioFdPair {
	closeFd(&f.inFd)
	closeFd(&f.outFd)

	return f.getErrorPage()
}

// finishExtension fixes the extension the MIME lookup uses: canned upload and
// delete pages are HTML regardless of the target path.
func (f *fileProducer) finishExtension() {
	if f.res.status == 201 ||
		(f.req.Method == "DELETE" && f.res.status == 200) {
		f.res.ext = "html"
	} else if f.res.ext == "" {
		f.res.ext = parseExtension(f.decision.successPath)
	}
}

// close releases every descriptor this producer still owns.
func (f *fileProducer) close() {
	closeFd(&f.inFd)
	closeFd(&f.outFd)
	f.closeBase()
}

// get opens the target on the first step and reads it in bounded steps
// afterwards. Directories serve their index file, an autoindex listing, or
// 404.
func (f *fileProducer) get() {
	if f.inFd == -1 {
		f.checkFileMode()
		if f.res.status >= 400 || f.ioPhase == ioPhaseComplete {
			return
		}

		fd, err := unix.Open(
			f.decision.successPath,
			unix.O_RDONLY|unix.O_NONBLOCK,
			0,
		)
		if err != nil {
			switch err {
			case unix.EACCES:
				f.res.status = 403
			case unix.ENOENT:
				f.res.status = 404
			case unix.EMFILE:
				f.res.status = 503
			default:
				f.res.status = 500
			}

			return
		}

		f.inFd = fd
	}

	f.readFile()
}

// readFile makes one bounded read of the opened target.
func (f *fileProducer) readFile() {
	buf := make([]byte, readBufferSize)
	n, err := unix.Read(f.inFd, buf)
	switch {
	case n > 0:
		f.buf.content = append(f.buf.content, buf[:n]...)
		f.ioPhase = ioPhaseFileRead
	case n == 0:
		closeFd(&f.inFd)
		f.ioPhase = ioPhaseComplete
	case err == unix.EAGAIN:
		f.ioPhase = ioPhaseFileRead
	default:
		f.buf.content = nil
		f.res.status = 500
	}
}

// checkFileMode classifies the target. Directory targets must carry the
// trailing slash; they serve the configured index file when it exists, an
// autoindex listing when enabled, and 404 otherwise.
func (f *fileProducer) checkFileMode() {
	var st unix.Stat_t
	if err := unix.Stat(f.decision.successPath, &st); err != nil {
		if err == unix.ENOENT {
			f.res.status = 404
		} else {
			f.res.status = 500
		}

		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return
	}

	if !strings.HasSuffix(f.decision.successPath, "/") {
		f.res.status = 404
		return
	}

	if f.decision.indexName != "" {
		indexed := f.decision.successPath + f.decision.indexName
		if err := unix.Access(indexed, unix.F_OK); err == nil {
			f.decision.successPath = indexed
			return
		}
	}

	if f.decision.autoindex {
		f.generateAutoindex(f.decision.successPath)
		return
	}

	f.res.status = 404
}

// generateAutoindex renders the sorted directory listing: directories first,
// then files, both ASCII-sorted, dotfiles hidden, symlinks classified by
// their target.
func (f *fileProducer) generateAutoindex(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		f.res.status = 500
		return
	}

	var dirNames, fileNames []string
	for _, entry := range entries {
		name := entry.Name()
		if name == "" || name[0] == '.' {
			continue
		}

		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			st, err := os.Stat(dir + name)
			if err != nil {
				f.res.status = 500
				return
			}

			isDir = st.IsDir()
		}

		if isDir {
			dirNames = append(dirNames, name+"/")
		} else {
			fileNames = append(fileNames, name)
		}
	}

	sort.Strings(dirNames)
	sort.Strings(fileNames)

	indexOf := "Index of " + strings.TrimPrefix(dir, ".")
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><title>" + indexOf +
		"</title><body><h1>" + indexOf + "</h1><hr><pre>\n")
	for _, name := range dirNames {
		b.WriteString("<a href='./" + encodeAsciiToHex(name) + "'>" +
			name + "</a>\n")
	}

	for _, name := range fileNames {
		b.WriteString("<a href='./" + encodeAsciiToHex(name) + "'>" +
			name + "</a>\n")
	}

	b.WriteString("</pre><hr></body></html>")
	f.buf.content = []byte(b.String())
	f.res.isAutoindex = true
	f.ioPhase = ioPhaseComplete
}

// post creates the upload target on the first step and writes the request
// body in bounded steps afterwards.
func (f *fileProducer) post() {
	if f.outFd == -1 {
		f.findValidOutputPath()
		if f.res.status >= 400 {
			return
		}

		fd, err := unix.Open(
			f.outputPath,
			unix.O_WRONLY|unix.O_CREAT|unix.O_NONBLOCK,
			0644,
		)
		if err != nil {
			if err == unix.EACCES {
				f.res.status = 403
			} else {
				f.res.status = 500
			}

			return
		}

		f.outFd = fd
	}

	if f.writeOffset >= len(f.req.Content) {
		closeFd(&f.outFd)
		f.res.status = 201
		f.res.location = strings.TrimPrefix(f.outputPath, ".")
		f.buf.content = []byte(uploadedPage(f.res.location))
		f.ioPhase = ioPhaseComplete

		return
	}

	f.writeFile()
}

// writeFile makes one bounded write of the request body.
func (f *fileProducer) writeFile() {
	chunk := f.req.Content[f.writeOffset:]
	if len(chunk) > writeBufferSize {
		chunk = chunk[:writeBufferSize]
	}

	n, err := unix.Write(f.outFd, chunk)
	if err != nil {
		if err == unix.EAGAIN {
			f.ioPhase = ioPhaseFileWrite
			return
		}

		f.res.status = 500

		return
	}

	f.writeOffset += n
	if f.writeOffset >= len(f.req.Content) {
		closeFd(&f.outFd)
		f.res.status = 201
		f.res.location = strings.TrimPrefix(f.outputPath, ".")
		f.buf.content = []byte(uploadedPage(f.res.location))
		f.ioPhase = ioPhaseComplete

		return
	}

	f.ioPhase = ioPhaseFileWrite
}

// findValidOutputPath composes the upload target from the location's upload
// path and the request path tail, then dodges name collisions with the
// suffixes _0 through _99 before the extension. When the name and all
// hundred suffixed names are taken, the upload is refused.
func (f *fileProducer) findValidOutputPath() {
	resolved, ok := resolvePath(
		f.decision.uploadPath+f.decision.pathTail,
		pathModeRouter,
	)
	if !ok {
		f.res.status = 500
		return
	}

	base := "." + resolved
	name, ext := base, ""
	if dot := strings.LastIndexByte(base, '.'); dot > 0 &&
		dot > strings.LastIndexByte(base, '/') &&
		dot < len(base)-1 {
		name, ext = base[:dot], base[dot:]
	}

	candidate := base
	for i := 0; i <= 100; i++ {
		err := unix.Access(candidate, unix.F_OK)
		if err != nil {
			if err != unix.ENOENT {
				f.res.status = 500
				return
			}

			f.outputPath = candidate

			return
		}

		candidate = fmt.Sprintf("%s_%d%s", name, i, ext)
	}

	f.res.status = 403
}

// delete unlinks the target.
func (f *fileProducer) delete() {
	if err := unix.Access(f.decision.successPath, unix.W_OK); err != nil {
		switch err {
		case unix.ENOENT:
			f.res.status = 404
		case unix.EACCES:
			f.res.status = 403
		default:
			f.res.status = 500
		}

		return
	}

	if err := unix.Unlink(f.decision.successPath); err != nil {
		f.res.status = 500
		return
	}

	f.res.status = 200
	f.buf.content = []byte(deletedPage(
		strings.TrimPrefix(f.decision.successPath, "."),
	))
	f.ioPhase = ioPhaseComplete
}

// redirectPage renders the canned 301 document.
func redirectPage(redirectTo string) string {
	return "<!DOCTYPE html><html><title></title><body><h1>301 Moved " +
		"Permanently</h1><p>The resource has been moved permanently " +
		"to <a href='" + redirectTo + "'>" + redirectTo +
		"<a>.</p></body></html>"
}

// uploadedPage renders the canned 201 document.
func uploadedPage(outputPath string) string {
	return "<!DOCTYPE html><html><title>201 Created</title><body><h1>201 " +
		"Created</h1><p>YAY! The file is created at " + outputPath +
		"!</p><p>Have a nice day~</p></body></html>"
}

// deletedPage renders the canned 200 document of a completed DELETE.
func deletedPage(path string) string {
	return "<!DOCTYPE html><html><title>Deleted</title><body><h1>200 " +
		"OK</h1><p>" + path + " is removed!</p></body></html>"
}
