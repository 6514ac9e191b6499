package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/transport"
)

type countingRecorder struct {
	ok, failed atomic.Int32
}

func (r *countingRecorder) RecordWebhook(ok bool) {
	if ok {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestDispatcher(t *testing.T, url string, retries int, rec Recorder) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Config{
		URL:     url,
		Retries: retries,
		Workers: 2,
		Headers: map[string]string{"X-Focus-Token": "tok"},
	}, WithBackOff(fastBackOff), WithRecorder(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(time.Second) })
	return d
}

func TestDispatcher_Deliver(t *testing.T) {
	var got Event
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Focus-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	d := newTestDispatcher(t, srv.URL, 0, rec)
	require.NoError(t, d.Deliver(context.Background(), Event{Controller: "test", Action: "index", Status: 200}))

	assert.Equal(t, "tok", token)
	assert.Equal(t, "test", got.Controller)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, int32(1), rec.ok.Load())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 3, nil)
	require.NoError(t, d.Deliver(context.Background(), Event{}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	d := newTestDispatcher(t, srv.URL, 2, rec)
	err := d.Deliver(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
	assert.Equal(t, int32(1), rec.failed.Load())
}

func TestDispatcher_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 5, nil)
	assert.Error(t, d.Deliver(context.Background(), Event{}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewDispatcher_RequiresURL(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.Error(t, err)
}

func TestHook_FinalizeDeliversSummary(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, nil)

	req := httptest.NewRequest(http.MethodGet, "/test/landing", nil)
	rec := httptest.NewRecorder()
	resp := transport.NewResponse(rec, req)
	env := &plugin.Env{Request: req, Response: resp, Route: transport.ParseRoute(req.URL.Path), RequestID: "req-42"}
	ps := pipeline.NewPlugins(req.Context(), d.Factory()(env))

	ctrl := &pipeline.Controller{Name: "test", Actions: map[string]pipeline.Handler{
		"landing": func(_ *pipeline.Plugins, sig *pipeline.Signal) error {
			sig.Done()
			return nil
		},
	}}
	res, err := pipeline.NewDriver().RunPipeline(req.Context(), pipeline.Request{
		Plugins: ps, Controller: ctrl, Action: "landing", Transport: resp,
	})
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Contains(t, res.Trail, "webhook: finalize")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "the finalize stage waits for delivery")
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, "landing", events[0].Action)
	assert.True(t, events[0].Connected)
}

func TestHook_FinalizeReportsTimedOutAction(t *testing.T) {
	events := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		events <- ev
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 0, nil)

	req := httptest.NewRequest(http.MethodGet, "/test/slow", nil)
	rec := httptest.NewRecorder()
	resp := transport.NewResponse(rec, req)
	env := &plugin.Env{Request: req, Response: resp, Route: transport.ParseRoute(req.URL.Path), RequestID: "req-7"}
	ps := pipeline.NewPlugins(req.Context(), d.Factory()(env))

	entered := make(chan struct{})
	ctrl := &pipeline.Controller{Name: "test", Actions: map[string]pipeline.Handler{
		"slow": func(_ *pipeline.Plugins, _ *pipeline.Signal) error {
			close(entered)
			return nil
		},
	}}

	clock := clockwork.NewFakeClock()
	driver := pipeline.NewDriver(pipeline.WithClock(clock))
	results := make(chan *pipeline.Result, 1)
	go func() {
		res, err := driver.RunPipeline(req.Context(), pipeline.Request{
			Plugins: ps, Controller: ctrl, Action: "slow", Transport: resp,
		})
		assert.NoError(t, err)
		results <- res
	}()

	<-entered
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	var res *pipeline.Result
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	assert.Equal(t, "slow", res.AbortedAt)
	assert.False(t, ps.Connected())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	select {
	case ev := <-events:
		assert.Equal(t, "req-7", ev.RequestID)
		assert.Equal(t, http.StatusInternalServerError, ev.Status)
		assert.False(t, ev.Connected)
	default:
		t.Fatal("the finalize stage waits for delivery")
	}
}

func TestDispatcher_NilDisablesPlugin(t *testing.T) {
	var d *Dispatcher
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, d.Factory()(&plugin.Env{Request: req}))
}
