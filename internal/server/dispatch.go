package server

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/focus/internal/controller"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/transport"
)

// RequestRecorder counts dispatched requests by final status.
type RequestRecorder interface {
	RecordRequest(method string, status int)
}

type nopRequests struct{}

func (nopRequests) RecordRequest(string, int) {}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Controllers *controller.Registry
	Plugins     *plugin.Registry
	// Static serves files before controllers are tried. Nil disables static
	// files and the index page.
	Static     *transport.StaticResolver
	Driver     *pipeline.Driver
	Logger     *slog.Logger
	ServerName string
	Stats      transport.StatsRecorder
	Requests   RequestRecorder
}

// Dispatcher routes a request to a static file or a controller pipeline.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher fills in defaults for unset collaborators.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Controllers == nil {
		cfg.Controllers = controller.NewRegistry()
	}
	if cfg.Plugins == nil {
		cfg.Plugins = plugin.NewRegistry()
	}
	if cfg.Driver == nil {
		cfg.Driver = pipeline.NewDriver()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Requests == nil {
		cfg.Requests = nopRequests{}
	}
	return &Dispatcher{cfg: cfg}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := transport.ParseRoute(r.URL.Path)
	resp := transport.NewResponse(w, r,
		transport.WithContentType(route.ContentType),
		transport.WithServerName(d.cfg.ServerName),
		transport.WithStats(d.cfg.Stats),
	)
	defer func() { d.cfg.Requests.RecordRequest(r.Method, resp.Status()) }()

	if route.Controller == "" {
		d.serveIndex(resp, r)
		return
	}
	if d.serveStatic(resp, r) {
		return
	}

	ctrl, ok := d.cfg.Controllers.Lookup(route.Controller)
	if !ok {
		_ = resp.NotFound("")
		return
	}
	d.runPipeline(resp, r, route, ctrl)
}

func (d *Dispatcher) serveIndex(resp *transport.Response, r *http.Request) {
	if d.cfg.Static == nil || !d.cfg.Static.HasIndex() {
		_ = resp.NotFound("")
		return
	}
	file, info, err := d.cfg.Static.ResolveIndex()
	if err != nil {
		_ = resp.NotFound("")
		return
	}
	if err := d.cfg.Static.Serve(resp, r, file, info); err != nil {
		AddError(r.Context(), err)
	}
}

// serveStatic answers the request from the static root and reports whether
// it did.
func (d *Dispatcher) serveStatic(resp *transport.Response, r *http.Request) bool {
	if d.cfg.Static == nil {
		return false
	}
	file, info, err := d.cfg.Static.Resolve(r.URL.Path)
	switch {
	case err == nil:
		if err := d.cfg.Static.Serve(resp, r, file, info); err != nil {
			AddError(r.Context(), err)
		}
		return true
	case errors.Is(err, transport.ErrTraversal):
		d.cfg.Logger.Warn("directory traversal attempt",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))
		_ = resp.Fatal("")
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		// ENOTDIR and friends: not a file we can serve, try the controllers.
		d.cfg.Logger.Debug("static lookup failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		return false
	}
}

func (d *Dispatcher) runPipeline(resp *transport.Response, r *http.Request, route transport.Route, ctrl *pipeline.Controller) {
	ctx := r.Context()
	requestID := GetRequestID(ctx)
	action := pipeline.ResolveAction(route.Action)

	env := &plugin.Env{
		Request:   r,
		Response:  resp,
		Route:     route,
		RequestID: requestID,
		Logger: d.cfg.Logger.With(
			slog.String("request_id", requestID),
			slog.String("controller", ctrl.Name),
			slog.String("action", action),
		),
	}
	ps := d.cfg.Plugins.Instantiate(env)

	AddLogField(ctx, "controller", ctrl.Name)
	AddLogField(ctx, "action", action)

	res, err := d.cfg.Driver.RunPipeline(ctx, pipeline.Request{
		Plugins:    ps,
		Controller: ctrl,
		Action:     route.Action,
		Transport:  resp,
	})
	if err != nil {
		if pipeline.IsNotFound(err) {
			_ = resp.NotFound("")
			return
		}
		AddError(ctx, err)
		_ = resp.Fatal("")
		return
	}

	AddLogField(ctx, "trail", strings.Join(res.Trail, ","))
	AddLogField(ctx, "aborted_at", res.AbortedAt)
}
