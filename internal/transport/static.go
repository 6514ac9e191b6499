package transport

import (
	"errors"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrTraversal is returned when a request path resolves outside the static
// root.
var ErrTraversal = errors.New("transport: directory traversal violation")

// StaticResolver maps request paths to files under a root directory.
type StaticResolver struct {
	root  string
	index string
}

// NewStaticResolver creates a resolver for root. index is the file served for
// "/"; empty disables it.
func NewStaticResolver(root, index string) (*StaticResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve static root %s: %w", root, err)
	}
	return &StaticResolver{root: abs, index: index}, nil
}

// Root returns the absolute static root.
func (s *StaticResolver) Root() string {
	return s.root
}

// HasIndex reports whether an index file is configured.
func (s *StaticResolver) HasIndex() bool {
	return s.index != ""
}

// Resolve stats the file for urlPath. It returns an error matching
// fs.ErrNotExist when nothing is there, and ErrTraversal when the path
// escapes the root.
func (s *StaticResolver) Resolve(urlPath string) (string, fs.FileInfo, error) {
	target := filepath.Join(s.root, filepath.FromSlash(urlPath))
	if !s.within(target) {
		return "", nil, ErrTraversal
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", nil, err
	}
	return target, info, nil
}

// ResolveIndex resolves the configured index file.
func (s *StaticResolver) ResolveIndex() (string, fs.FileInfo, error) {
	if s.index == "" {
		return "", nil, fs.ErrNotExist
	}
	return s.Resolve("/" + s.index)
}

func (s *StaticResolver) within(target string) bool {
	rel, err := filepath.Rel(s.root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Serve writes the file to resp. Directories get a 403, and a request whose
// If-Modified-Since is not older than the file gets a 304.
func (s *StaticResolver) Serve(resp *Response, req *http.Request, file string, info fs.FileInfo) error {
	if info.IsDir() {
		return resp.Forbidden(noDirListing(req.URL.Path))
	}

	modified := info.ModTime().UTC().Truncate(time.Second)
	lastModified := http.Header{"Last-Modified": {modified.Format(http.TimeFormat)}}

	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if since, err := http.ParseTime(ims); err == nil && !modified.After(since) {
			return resp.NotModified(lastModified)
		}
	}

	data, err := os.ReadFile(file)
	if err != nil {
		_ = resp.Fatal("")
		return fmt.Errorf("read %s: %w", file, err)
	}

	resp.stats.Inc(StatFile)
	if resp.contentTypeUnset() {
		if ct := ContentTypeFor(filepath.Base(file)); ct != "" {
			_ = resp.SetContentType(ct)
		}
	}
	if _, err := resp.Write(data); err != nil {
		return err
	}
	return resp.sendWith(lastModified)
}

func noDirListing(p string) string {
	return `<html><head></head><body><div style="margin: auto; text-align: center; margin-top: 25px;">` +
		`<b>Forbidden</b><BR>You don't have permission to access ` + html.EscapeString(p) + ` on this server.` +
		`</div></body></html>`
}
