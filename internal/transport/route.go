package transport

import (
	"path"
	"strings"
)

// Route is a request path split into controller, action, and the remaining
// segments.
type Route struct {
	// Path is the cleaned request path.
	Path       string
	Controller string
	Action     string
	URLMap     []string
	// ContentType is derived from the extension of the last segment, or empty
	// when the segment has none.
	ContentType string
}

var extensionTypes = map[string]string{
	"css":  "text/css; charset=utf-8",
	"js":   "text/javascript; charset=utf-8",
	"csv":  "text/csv; charset=utf-8",
	"txt":  "text/plain; charset=utf-8",
	"xml":  "text/xml; charset=utf-8",
	"json": "application/json; charset=utf-8",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"pdf":  "application/pdf",
}

// ParseRoute splits /controller/action/a/b into its parts. Empty segments are
// dropped.
func ParseRoute(p string) Route {
	r := Route{Path: path.Clean("/" + p)}

	var segs []string
	for _, s := range strings.Split(r.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return r
	}

	r.Controller = segs[0]
	if len(segs) > 1 {
		r.Action = segs[1]
	}
	if len(segs) > 2 {
		r.URLMap = segs[2:]
	}
	r.ContentType = ContentTypeFor(segs[len(segs)-1])
	return r
}

// ContentTypeFor maps a file name to a content type by extension. Unknown
// extensions are served as HTML; names without an extension return "".
func ContentTypeFor(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	if ct, ok := extensionTypes[strings.ToLower(name[i+1:])]; ok {
		return ct
	}
	return DefaultContentType
}
