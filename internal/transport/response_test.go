package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/focus/internal/pipeline"
)

type statCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *statCounter) Inc(stat string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[stat]++
}

func (s *statCounter) get(stat string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[stat]
}

func newTestResponse(method, target string, opts ...ResponseOption) (*Response, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	return NewResponse(rec, req, opts...), rec
}

func TestResponse_Send(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/test/index?x=1", WithServerName("Focus/test"))

	require.True(t, resp.Connected())
	require.NoError(t, resp.Echo("hello ", 42))
	require.NoError(t, resp.Printf(" %s", "world"))
	require.NoError(t, resp.SetHeader("X-Custom", "yes"))
	require.NoError(t, resp.SetCookie(&http.Cookie{Name: "a", Value: "1"}))
	require.NoError(t, resp.SetCookie(&http.Cookie{Name: "a", Value: "2"}))
	assert.Equal(t, len("hello 42 world"), resp.Len())

	require.NoError(t, resp.Send())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello 42 world", rec.Body.String())
	assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	assert.Equal(t, DefaultContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "Focus/test", rec.Header().Get("Server"))
	assert.Equal(t, "/test/index?x=1", rec.Header().Get("X-Requested"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("Date"))
	assert.Equal(t, "yes", rec.Header().Get("X-Custom"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "2", cookies[0].Value)

	assert.False(t, resp.Connected())
	assert.True(t, resp.Ended())
}

func TestResponse_WritesAfterEndFail(t *testing.T) {
	resp, _ := newTestResponse(http.MethodGet, "/")
	require.NoError(t, resp.Send())

	_, err := resp.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrResponseEnded)
	assert.ErrorIs(t, resp.SetHeader("X", "y"), ErrResponseEnded)
	assert.ErrorIs(t, resp.Send(), ErrResponseEnded)
	assert.NoError(t, resp.Close(), "close after send is a no-op")
}

func TestResponse_ContentTypeOverride(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/api/list/users.json", WithContentType("application/json; charset=utf-8"))
	require.NoError(t, resp.Echo(`{"ok":true}`))
	require.NoError(t, resp.Send())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestResponse_Redirect(t *testing.T) {
	stats := &statCounter{}
	resp, rec := newTestResponse(http.MethodGet, "/test/redirect", WithStats(stats))
	require.NoError(t, resp.Echo("discarded"))

	err := resp.Redirect("/test/landing")
	require.Error(t, err)
	assert.True(t, pipeline.IsInterrupt(err))

	var ie *pipeline.InterruptError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusSeeOther, ie.Status)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/test/landing", rec.Header().Get("Location"))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, stats.get(StatRedirect))

	assert.NoError(t, resp.Close())
	assert.Equal(t, 0, stats.get(StatFatal), "close after interrupt does not count a 500")
}

func TestResponse_Unauthorized(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/auth")

	err := resp.Unauthorized("Members")
	assert.True(t, pipeline.IsInterrupt(err))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="Members"`, rec.Header().Get("WWW-Authenticate"))
	assert.Contains(t, rec.Body.String(), "Authentication required")
}

func TestResponse_FatalAfterEndIsPlainError(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/")
	require.NoError(t, resp.NotFound(""))

	err := resp.Fatal("boom")
	require.Error(t, err)
	assert.False(t, pipeline.IsInterrupt(err))
	assert.ErrorIs(t, err, ErrResponseEnded)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponse_TerminalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		send   func(*Response) error
		status int
		body   string
		stat   string
	}{
		{name: "not found", send: func(r *Response) error { return r.NotFound("") }, status: http.StatusNotFound, body: "Not Found (404)", stat: StatNotFound},
		{name: "forbidden", send: func(r *Response) error { return r.Forbidden("nope") }, status: http.StatusForbidden, body: "nope", stat: StatForbidden},
		{name: "not modified", send: func(r *Response) error { return r.NotModified(nil) }, status: http.StatusNotModified, stat: StatNotModified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &statCounter{}
			resp, rec := newTestResponse(http.MethodGet, "/x", WithStats(stats))
			require.NoError(t, tt.send(resp))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
			assert.Equal(t, 1, stats.get(tt.stat))
			assert.False(t, resp.Connected())
		})
	}
}

func TestResponse_NotModifiedHasNoContentType(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/style.css")
	require.NoError(t, resp.NotModified(http.Header{"Last-Modified": {"Mon, 02 Jan 2006 15:04:05 GMT"}}))
	assert.Empty(t, rec.Header().Get("Content-Type"))
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", rec.Header().Get("Last-Modified"))
}

func TestResponse_CloseUncommitted(t *testing.T) {
	stats := &statCounter{}
	resp, rec := newTestResponse(http.MethodGet, "/test/broken", WithStats(stats))
	require.NoError(t, resp.Echo("partial"))

	require.NoError(t, resp.Close())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, stats.get(StatFatal))
}

func TestResponse_HeadSkipsBody(t *testing.T) {
	resp, rec := newTestResponse(http.MethodHead, "/")
	require.NoError(t, resp.Echo("body"))
	require.NoError(t, resp.Send())
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestResponse_DisconnectedClient(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	resp := NewResponse(rec, req)

	assert.True(t, resp.Connected())
	cancel()
	assert.False(t, resp.Connected())
	assert.False(t, resp.Ended())
}

func TestResponse_ClearCookie(t *testing.T) {
	resp, rec := newTestResponse(http.MethodGet, "/")
	require.NoError(t, resp.ClearCookie("focus_session_id", ""))
	require.NoError(t, resp.Send())

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "focus_session_id", cookies[0].Name)
	assert.Equal(t, "/", cookies[0].Path)
	assert.Equal(t, -1, cookies[0].MaxAge)
}
