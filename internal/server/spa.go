package server

import (
	"io/fs"
	"net/http"
	"strings"
)

// shellFileServer serves the static survey shell, falling back to index.html
// for client-side routes.
type shellFileServer struct {
	fileServer http.Handler
	fileSystem fs.FS
}

func newShellFileServer(fsys fs.FS) *shellFileServer {
	return &shellFileServer{
		fileServer: http.FileServer(http.FS(fsys)),
		fileSystem: fsys,
	}
}

func (s *shellFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	if _, err := fs.Stat(s.fileSystem, path); err != nil {
		r.URL.Path = "/"
	}

	s.fileServer.ServeHTTP(w, r)
}
