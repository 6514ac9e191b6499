// Package runtime assembles a focus server from configuration and manages
// its lifecycle. An App can be embedded in a larger program or run
// standalone by cmd/focus.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/focus/internal/auth"
	"github.com/tjfontaine/focus/internal/config"
	"github.com/tjfontaine/focus/internal/controller"
	"github.com/tjfontaine/focus/internal/health"
	"github.com/tjfontaine/focus/internal/metrics"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/plugins/session"
	"github.com/tjfontaine/focus/internal/plugins/web"
	"github.com/tjfontaine/focus/internal/plugins/webhook"
	"github.com/tjfontaine/focus/internal/safehttp"
	"github.com/tjfontaine/focus/internal/server"
	"github.com/tjfontaine/focus/internal/transport"
)

const (
	maxGoroutines        = 10000
	sweepInterval        = 10 * time.Minute
	webhookDrainTimeout  = 5 * time.Second
	readinessPingTimeout = time.Second
)

type namedFactory struct {
	name    string
	factory plugin.Factory
}

// App is a configured focus server.
type App struct {
	// Inputs (set by options)
	cfg            *config.Config
	logger         *slog.Logger
	clock          clockwork.Clock
	controllerDefs []*pipeline.Controller
	extraPlugins   []namedFactory
	templates      fs.FS
	store          session.Store

	// Assembled in New
	controllers *controller.Registry
	plugins     *plugin.Registry
	metrics     *metrics.Metrics
	users       *auth.Users
	webhook     *webhook.Dispatcher
	handler     http.Handler

	// Lifecycle
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	listener   net.Listener
	pidWritten bool
	sweepDone  chan struct{}
}

// New builds an App. Without WithConfig or WithConfigFile the configuration
// is loaded from config.Path().
func New(opts ...Option) (*App, error) {
	a := &App{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.cfg == nil {
		cfg, err := config.Load(config.Path())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
	}

	a.controllers = controller.NewRegistry()
	for _, c := range a.controllerDefs {
		if err := a.controllers.Register(c); err != nil {
			return nil, err
		}
	}

	if err := a.assemble(); err != nil {
		// Release whatever was opened before the failure.
		a.closeResources()
		return nil, err
	}

	a.logger.Info("app assembled",
		slog.Any("controllers", a.controllers.Names()),
		slog.Any("plugins", a.plugins.Names()),
		slog.String("session_store", a.cfg.Session.Store))
	return a, nil
}

func (a *App) assemble() error {
	cfg := a.cfg
	a.metrics = metrics.New()

	if a.store == nil {
		store, err := session.NewStore(context.Background(), cfg.Session)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		a.store = store
	}

	if cfg.Auth.UserFile != "" {
		users, err := auth.LoadUsers(cfg.Auth.UserFile)
		if err != nil {
			return fmt.Errorf("load users: %w", err)
		}
		a.users = users
	} else {
		a.users = auth.NewUsers()
	}

	if cfg.Webhook.URL != "" {
		wopts := []webhook.Option{webhook.WithLogger(a.logger), webhook.WithRecorder(a.metrics)}
		if cfg.Webhook.BlockPrivate {
			wopts = append(wopts, webhook.WithHTTPClient(&http.Client{
				Timeout:   cfg.Webhook.Timeout,
				Transport: safehttp.NewTransport(0),
			}))
		}
		d, err := webhook.NewDispatcher(webhook.Config{
			URL:     cfg.Webhook.URL,
			Timeout: cfg.Webhook.Timeout,
			Retries: cfg.Webhook.Retries,
			Workers: cfg.Webhook.Workers,
			Headers: cfg.Webhook.Headers,
		}, wopts...)
		if err != nil {
			return fmt.Errorf("create webhook dispatcher: %w", err)
		}
		a.webhook = d
	}

	manager, err := session.NewManager(a.store, session.OptionsFromConfig(cfg.Session),
		session.WithClock(a.clock), session.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}

	if err := a.registerPlugins(manager); err != nil {
		return err
	}

	var static *transport.StaticResolver
	if cfg.Server.StaticPath != "" {
		static, err = transport.NewStaticResolver(cfg.Server.StaticPath, cfg.Server.StaticIndex)
		if err != nil {
			return err
		}
	}

	driver := pipeline.NewDriver(
		pipeline.WithClock(a.clock),
		pipeline.WithTimeouts(pipeline.Timeouts{
			Stage:    cfg.Pipeline.StageTimeout,
			Extended: cfg.Pipeline.ExtendedTimeout,
		}),
		pipeline.WithDiagnostics(server.NewDiagnostics(a.logger)),
		pipeline.WithObserver(a.metrics),
	)

	dispatcher := server.NewDispatcher(server.DispatcherConfig{
		Controllers: a.controllers,
		Plugins:     a.plugins,
		Static:      static,
		Driver:      driver,
		Logger:      a.logger,
		ServerName:  cfg.Server.Name,
		Stats:       a.metrics,
		Requests:    a.metrics,
	})

	checks := health.New(health.Options{
		Registerer:    a.metrics.Registry(),
		MaxGoroutines: maxGoroutines,
		Timeout:       readinessPingTimeout,
	}, map[string]health.Pinger{"session-store": a.store})

	a.handler = server.New(server.Options{
		Logger:         a.logger,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
		Dispatcher:     dispatcher,
		Metrics:        a.metrics.Handler(),
		Live:           checks.LiveEndpoint,
		Ready:          checks.ReadyEndpoint,
	})
	return nil
}

// registerPlugins installs the built-in plugins in their fixed order (web,
// session, then webhook when configured) followed by WithPlugin extras.
func (a *App) registerPlugins(manager *session.Manager) error {
	a.plugins = plugin.NewRegistry()

	var renderer *web.Renderer
	switch {
	case a.templates != nil:
		renderer = web.NewRenderer(a.templates)
	case a.cfg.Templates.Path != "":
		renderer = web.NewRenderer(os.DirFS(a.cfg.Templates.Path))
	}

	builtins := []namedFactory{
		{name: web.Name, factory: web.NewFactory(web.Config{
			Users:    a.users,
			Realm:    a.cfg.Auth.Realm,
			Renderer: renderer,
		})},
		{name: session.Name, factory: manager.Factory()},
	}
	if a.webhook != nil {
		builtins = append(builtins, namedFactory{name: webhook.Name, factory: a.webhook.Factory()})
	}

	for _, nf := range append(builtins, a.extraPlugins...) {
		if err := a.plugins.Register(nf.name, nf.factory); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP handler. It can be served without Start, for
// example by httptest or an outer server.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Metrics returns the App's metrics.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Start writes the pid file, starts the user file watcher and session
// sweeper, and begins serving on server.port in the background.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.httpServer != nil {
		return fmt.Errorf("app already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.writePidFile(); err != nil {
		a.cancel()
		return err
	}

	if a.cfg.Auth.Watch && a.users.Path() != "" {
		if err := a.users.Watch(a.ctx, a.logger, nil); err != nil {
			a.logger.Warn("user file watch disabled", slog.String("error", err.Error()))
		}
	}
	a.sweepDone = make(chan struct{})
	go a.sweepSessions(a.ctx, a.store, a.sweepDone)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		a.cancel()
		a.removePidFile()
		return fmt.Errorf("listen: %w", err)
	}
	a.listener = ln
	a.httpServer = &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	srv := a.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	a.logger.Info("HTTP server listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("pid", os.Getpid()))
	return nil
}

// Addr returns the listening address, or "" before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown stops accepting requests, waits for in-flight ones, drains the
// webhook pool and closes the session store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down")

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.sweepDone != nil {
		select {
		case <-a.sweepDone:
		case <-ctx.Done():
			a.logger.Warn("session sweeper still running at shutdown")
		}
	}

	errs = append(errs, a.closeResources()...)
	a.removePidFile()

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources() []error {
	var errs []error
	if a.webhook != nil {
		if err := a.webhook.Close(webhookDrainTimeout); err != nil {
			a.logger.Warn("webhook pool did not drain", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.webhook = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close session store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.store = nil
	}
	return errs
}

// sweepSessions runs until ctx ends and closes done on the way out. The
// store is captured at start since closeResources clears a.store.
func (a *App) sweepSessions(ctx context.Context, store session.Store, done chan<- struct{}) {
	defer close(done)
	ticker := a.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.sweepOnce(ctx, store)
		}
	}
}

// sweepOnce drops expired sessions from stores that do not expire keys on
// their own.
func (a *App) sweepOnce(ctx context.Context, store session.Store) {
	switch s := store.(type) {
	case *session.MemoryStore:
		if n := s.Sweep(); n > 0 {
			a.logger.Debug("swept expired sessions", slog.Int("count", n))
		}
	case *session.SQLiteStore:
		n, err := s.Sweep(ctx)
		if err != nil {
			a.logger.Warn("session sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			a.logger.Debug("swept expired sessions", slog.Int64("count", n))
		}
	}
}

func (a *App) writePidFile() error {
	path := a.cfg.Server.PidFile
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pid file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	a.pidWritten = true
	return nil
}

// removePidFile removes the pid file only if it still names this process.
func (a *App) removePidFile() {
	if !a.pidWritten {
		return
	}
	a.pidWritten = false
	path := a.cfg.Server.PidFile
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		a.logger.Warn("pid file belongs to another process, leaving it", slog.String("path", path))
		return
	}
	if err := os.Remove(path); err != nil {
		a.logger.Warn("failed to remove pid file", slog.String("error", err.Error()))
	}
}
