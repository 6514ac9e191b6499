// Package web is the request facade plugin controllers use to read the
// request and build the response.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/tjfontaine/focus/internal/auth"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/transport"
)

// Name is the plugin name controllers look the facade up by.
const Name = "web"

const maxFormMemory = 32 << 20

// Config is shared by every Web instance.
type Config struct {
	// Users authenticates Basic credentials. Nil rejects everyone.
	Users *auth.Users
	// Realm is sent in the Basic challenge.
	Realm string
	// Renderer executes templates for Render. Nil disables rendering.
	Renderer *Renderer
}

// NewFactory returns the plugin factory for the web facade.
func NewFactory(cfg Config) plugin.Factory {
	return func(env *plugin.Env) pipeline.Plugin {
		logger := env.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &Web{
			cfg:     cfg,
			env:     env,
			logger:  logger,
			storage: make(map[string]any),
		}
	}
}

// Web wraps one request and its response. It contributes no pipeline
// stages.
type Web struct {
	cfg    Config
	env    *plugin.Env
	logger *slog.Logger

	mu       sync.Mutex
	storage  map[string]any
	authUser string
	form     url.Values
	formErr  error
	parsed   bool
}

func (w *Web) Name() string { return Name }

// From returns the web plugin of a request, or nil when it is not
// registered.
func From(ps *pipeline.Plugins) *Web {
	w, _ := ps.Get(Name).(*Web)
	return w
}

// Controller returns the requested controller name.
func (w *Web) Controller() string { return w.env.Route.Controller }

// Action returns the action that is running, after index resolution.
func (w *Web) Action() string { return pipeline.ResolveAction(w.env.Route.Action) }

// URLMap returns the path segments after controller and action.
func (w *Web) URLMap() []string { return w.env.Route.URLMap }

// Segment returns the i-th URL map segment, or "".
func (w *Web) Segment(i int) string {
	if i < 0 || i >= len(w.env.Route.URLMap) {
		return ""
	}
	return w.env.Route.URLMap[i]
}

// Request returns the underlying request.
func (w *Web) Request() *http.Request { return w.env.Request }

// RequestID returns the id assigned to the request.
func (w *Web) RequestID() string { return w.env.RequestID }

// Logger returns the request-scoped logger.
func (w *Web) Logger() *slog.Logger { return w.logger }

// Method returns the lower-case request method.
func (w *Web) Method() string { return strings.ToLower(w.env.Request.Method) }

// RemoteAddr returns the client address without the port.
func (w *Web) RemoteAddr() string {
	host, _, err := net.SplitHostPort(w.env.Request.RemoteAddr)
	if err != nil {
		return w.env.Request.RemoteAddr
	}
	return host
}

func (w *Web) UserAgent() string { return w.env.Request.UserAgent() }

// Referer returns the Referer header, or "none".
func (w *Web) Referer() string {
	if ref := w.env.Request.Referer(); ref != "" {
		return ref
	}
	return "none"
}

// IsAjax reports an X-Requested-With: XMLHttpRequest request.
func (w *Web) IsAjax() bool {
	return strings.EqualFold(w.env.Request.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

// Query returns the first query value for name.
func (w *Web) Query(name string) string {
	return w.env.Request.URL.Query().Get(name)
}

// Form returns the first posted value for name. Multipart bodies are
// parsed up to 32MB in memory.
func (w *Web) Form(name string) string {
	values, err := w.PostForm()
	if err != nil {
		return ""
	}
	return values.Get(name)
}

// PostForm parses the request body once and returns the posted values.
func (w *Web) PostForm() (url.Values, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.parsed {
		w.parsed = true
		r := w.env.Request
		err := r.ParseMultipartForm(maxFormMemory)
		if errors.Is(err, http.ErrNotMultipart) {
			err = r.ParseForm()
		}
		w.form, w.formErr = r.PostForm, err
	}
	return w.form, w.formErr
}

// Cookie returns the value of the named request cookie, or "".
func (w *Web) Cookie(name string) string {
	c, err := w.env.Request.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Storage is a map living as long as the request, for passing values
// between stages.
func (w *Web) Storage() map[string]any {
	return w.storage
}

// AuthUser returns the user that passed Authenticate, or "".
func (w *Web) AuthUser() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authUser
}

// Echo appends args to the response body.
func (w *Web) Echo(args ...any) error { return w.env.Response.Echo(args...) }

// Printf appends formatted output to the response body.
func (w *Web) Printf(format string, args ...any) error {
	return w.env.Response.Printf(format, args...)
}

// ResponseIsJSON switches the response content type to JSON.
func (w *Web) ResponseIsJSON() error {
	return w.env.Response.SetContentType("application/json; charset=utf-8")
}

// JSON encodes v as the response body.
func (w *Web) JSON(v any) error {
	if err := w.ResponseIsJSON(); err != nil {
		return err
	}
	return json.NewEncoder(w.env.Response).Encode(v)
}

func (w *Web) SetHeader(name, value string) error {
	return w.env.Response.SetHeader(name, value)
}

func (w *Web) SetCookie(c *http.Cookie) error {
	if c.Path == "" {
		c.Path = "/"
	}
	return w.env.Response.SetCookie(c)
}

func (w *Web) ClearCookie(name string) error {
	return w.env.Response.ClearCookie(name, "/")
}

// Redirect sends a 303 to loc and interrupts the pipeline. Redirecting to the
// running controller and action is a loop and produces a 500 instead.
func (w *Web) Redirect(loc string) error {
	if w.isLoop(loc) {
		w.logger.Error("redirect loop detected", slog.String("location", loc))
		return w.env.Response.Fatal("")
	}
	return w.env.Response.Redirect(loc)
}

func (w *Web) isLoop(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil || u.Host != "" {
		return false
	}
	target := transport.ParseRoute(u.Path)
	if target.Controller == "" || !strings.EqualFold(target.Controller, w.Controller()) {
		return false
	}
	if !strings.EqualFold(pipeline.ResolveAction(target.Action), w.Action()) {
		return false
	}
	return slices.Equal(target.URLMap, w.URLMap()) && u.RawQuery == w.env.Request.URL.RawQuery
}

// Unauthorized sends a Basic challenge and interrupts the pipeline.
func (w *Web) Unauthorized() error {
	return w.env.Response.Unauthorized(w.cfg.Realm)
}

// Authenticate checks the request's Basic credentials against the user file,
// restricted to users when any are given. On failure it sends the challenge
// and returns the interrupt, which the calling stage should return.
func (w *Web) Authenticate(users ...string) error {
	if w.cfg.Users != nil {
		if user, ok := w.cfg.Users.CheckRequest(w.env.Request, users...); ok {
			w.mu.Lock()
			w.authUser = user
			w.mu.Unlock()
			return nil
		}
	}
	return w.Unauthorized()
}

// Render executes a template and returns the output without writing it.
func (w *Web) Render(name string, data any) (string, error) {
	if w.cfg.Renderer == nil {
		return "", fmt.Errorf("render %s: no renderer configured", name)
	}
	return w.cfg.Renderer.Render(name, data)
}

// SendFile writes the file at path as a download named clientName (the base
// name of path when empty).
func (w *Web) SendFile(path, clientName string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("send file %s: %w", path, err)
	}
	if clientName == "" {
		clientName = filepath.Base(path)
	}
	ct := transport.ContentTypeFor(clientName)
	if ct == "" || ct == transport.DefaultContentType {
		ct = "application/octet-stream"
	}
	if err := w.env.Response.SetContentType(ct); err != nil {
		return err
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": clientName})
	if err := w.env.Response.SetHeader("Content-Disposition", disposition); err != nil {
		return err
	}
	_, err = w.env.Response.Write(data)
	return err
}
