package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/focus/internal/controller"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/transport"
)

type recordedRequest struct {
	method string
	status int
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) RecordRequest(method string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, recordedRequest{method, status})
}

// echoPlugin writes its name from init, proving plugins run before actions.
type echoPlugin struct {
	env *plugin.Env
}

func (p *echoPlugin) Name() string { return "echo" }

func (p *echoPlugin) Init(_ *pipeline.Plugins, sig *pipeline.Signal) error {
	_ = p.env.Response.Echo("[init]")
	sig.Done()
	return nil
}

func echo(text string) pipeline.Handler {
	return func(ps *pipeline.Plugins, sig *pipeline.Signal) error {
		p := ps.Get("echo").(*echoPlugin)
		_ = p.env.Response.Echo(text)
		sig.Done()
		return nil
	}
}

// hangEntered receives once the "hang" action starts, at which point its
// watchdog is armed.
var hangEntered = make(chan struct{}, 1)

// hang never calls Done.
func hang(_ *pipeline.Plugins, _ *pipeline.Signal) error {
	select {
	case hangEntered <- struct{}{}:
	default:
	}
	return nil
}

func newTestDispatcher(t *testing.T, driver *pipeline.Driver) (*Dispatcher, *requestLog, string) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("home"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "robots.txt"), []byte("User-agent: *"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "img"), 0o755))
	static, err := transport.NewStaticResolver(root, "index.html")
	require.NoError(t, err)

	controllers := controller.NewRegistry()
	controllers.MustRegister(&pipeline.Controller{
		Name:  "test",
		Enter: echo("[enter]"),
		Actions: map[string]pipeline.Handler{
			"index":   echo("[index]"),
			"landing": echo("[landing]"),
			"hang":    hang,
		},
	})

	plugins := plugin.NewRegistry()
	require.NoError(t, plugins.Register("echo", func(env *plugin.Env) pipeline.Plugin {
		return &echoPlugin{env: env}
	}))

	log := &requestLog{}
	if driver == nil {
		driver = pipeline.NewDriver()
	}
	d := NewDispatcher(DispatcherConfig{
		Controllers: controllers,
		Plugins:     plugins,
		Static:      static,
		Driver:      driver,
		Logger:      slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Requests:    log,
	})
	return d, log, root
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDispatcher_Controller(t *testing.T) {
	d, log, _ := newTestDispatcher(t, nil)

	rec := get(d, "/test")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[init][enter][index]", rec.Body.String())

	rec = get(d, "/test/landing/extra")
	assert.Equal(t, "[init][enter][landing]", rec.Body.String())

	require.Len(t, log.reqs, 2)
	assert.Equal(t, recordedRequest{http.MethodGet, http.StatusOK}, log.reqs[0])
}

func TestDispatcher_NotFound(t *testing.T) {
	d, log, _ := newTestDispatcher(t, nil)

	assert.Equal(t, http.StatusNotFound, get(d, "/missing").Code)
	assert.Equal(t, http.StatusNotFound, get(d, "/test/missing").Code)
	assert.Equal(t, http.StatusNotFound, log.reqs[1].status)
}

func TestDispatcher_StaticFirst(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	rec := get(d, "/robots.txt")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User-agent: *", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = get(d, "/")
	assert.Equal(t, "home", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, get(d, "/img").Code)
}

func TestDispatcher_StaticShadowsController(t *testing.T) {
	d, _, root := newTestDispatcher(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "test"), []byte("static wins"), 0o644))

	assert.Equal(t, "static wins", get(d, "/test").Body.String())
}

func TestDispatcher_NoIndex(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	assert.Equal(t, http.StatusNotFound, get(d, "/").Code)
}

func TestDispatcher_WatchdogAbortClosesWith500(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d, _, _ := newTestDispatcher(t, pipeline.NewDriver(pipeline.WithClock(clock), pipeline.WithDiagnostics(NewDiagnostics(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- get(d, "/test/hang") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-hangEntered:
	case <-ctx.Done():
		t.Fatal("hang action never started")
	}
	clock.Advance(2 * time.Second)

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, rec.Body.String(), "buffered output is discarded on abort")
	case <-ctx.Done():
		t.Fatal("request did not finish after the watchdog fired")
	}
}
