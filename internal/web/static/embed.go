// Package static embeds the kiosk page that displays live recognition outcomes.
package static

import (
	"embed"
	"io/fs"
	"strings"
)

//go:embed all:dist/*
var distFS embed.FS

// IndexFile is served for the root path.
const IndexFile = "index.html"

// Open opens the kiosk file for a URL path. The root path maps to the index
// page; paths escaping the dist directory are rejected by fs.ValidPath.
func Open(urlPath string) (fs.File, error) {
	name := strings.TrimPrefix(urlPath, "/")
	if name == "" {
		name = IndexFile
	}
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: urlPath, Err: fs.ErrInvalid}
	}
	return distFS.Open("dist/" + name)
}
