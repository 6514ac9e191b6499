package web

import (
	"fmt"
	"html/template"
	"io/fs"
	"path"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/valyala/bytebufferpool"
)

// Renderer executes html/template files from a file system. Parsed templates
// are cached by name.
type Renderer struct {
	fsys  fs.FS
	cache cmap.ConcurrentMap[string, *template.Template]
	funcs template.FuncMap
	// reload disables the cache so edits show up without a restart.
	reload bool
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithFuncs adds template functions.
func WithFuncs(funcs template.FuncMap) RendererOption {
	return func(r *Renderer) {
		for name, fn := range funcs {
			r.funcs[name] = fn
		}
	}
}

// WithReload parses templates on every call.
func WithReload(reload bool) RendererOption {
	return func(r *Renderer) { r.reload = reload }
}

// NewRenderer creates a renderer over fsys.
func NewRenderer(fsys fs.FS, opts ...RendererOption) *Renderer {
	r := &Renderer{
		fsys:  fsys,
		cache: cmap.New[*template.Template](),
		funcs: template.FuncMap{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render executes the template name with data and returns the output.
func (r *Renderer) Render(name string, data any) (string, error) {
	if name == "" {
		return "", fmt.Errorf("render: template name required")
	}
	if r.fsys == nil {
		return "", fmt.Errorf("render %s: no template directory configured", name)
	}

	tmpl, err := r.lookup(name)
	if err != nil {
		return "", err
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := tmpl.Execute(buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func (r *Renderer) lookup(name string) (*template.Template, error) {
	clean := path.Clean(name)
	if !r.reload {
		if tmpl, ok := r.cache.Get(clean); ok {
			return tmpl, nil
		}
	}
	if !fs.ValidPath(clean) {
		return nil, fmt.Errorf("render %s: invalid template name", name)
	}

	tmpl, err := template.New(path.Base(clean)).Funcs(r.funcs).ParseFS(r.fsys, clean)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	if !r.reload {
		r.cache.Set(clean, tmpl)
	}
	return tmpl, nil
}
