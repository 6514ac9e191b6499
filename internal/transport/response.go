package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/tjfontaine/focus/internal/pipeline"
)

const (
	// DefaultContentType is used when neither the route nor a handler chose one.
	DefaultContentType = "text/html; charset=utf-8"
	// DefaultServerName is sent in the Server header.
	DefaultServerName = "Focus"
)

var (
	// ErrResponseEnded is returned by writes after the response was sent or
	// closed.
	ErrResponseEnded = errors.New("transport: response already ended")
)

// Stat names recorded through StatsRecorder.
const (
	StatNotFound    = "error404"
	StatForbidden   = "error403"
	StatFatal       = "error500"
	StatNotModified = "notmodified"
	StatFile        = "file"
	StatRedirect    = "redirect"
	StatAuth        = "unauthorized"
)

// StatsRecorder counts framework events such as 404s and static file hits.
type StatsRecorder interface {
	Inc(stat string)
}

type nopStats struct{}

func (nopStats) Inc(string) {}

// Response buffers a controller's output until the pipeline finishes. It
// implements pipeline.Transport.
//
// All methods are safe for concurrent use. Once the response has ended every
// write fails with ErrResponseEnded and the underlying ResponseWriter is never
// touched again.
type Response struct {
	w          http.ResponseWriter
	r          *http.Request
	serverName string
	stats      StatsRecorder
	now        func() time.Time

	mu          sync.Mutex
	buf         *bytebufferpool.ByteBuffer
	header      http.Header
	cookies     []*http.Cookie
	status      int
	contentType string
	ended       bool
	written     int
}

var _ pipeline.Transport = (*Response)(nil)

// ResponseOption configures a Response.
type ResponseOption func(*Response)

// WithContentType sets the content type override, normally Route.ContentType.
func WithContentType(ct string) ResponseOption {
	return func(r *Response) { r.contentType = ct }
}

// WithServerName sets the Server header value.
func WithServerName(name string) ResponseOption {
	return func(r *Response) {
		if name != "" {
			r.serverName = name
		}
	}
}

// WithStats sets the recorder for framework stats.
func WithStats(s StatsRecorder) ResponseOption {
	return func(r *Response) {
		if s != nil {
			r.stats = s
		}
	}
}

// NewResponse wraps w for one request.
func NewResponse(w http.ResponseWriter, r *http.Request, opts ...ResponseOption) *Response {
	resp := &Response{
		w:          w,
		r:          r,
		serverName: DefaultServerName,
		stats:      nopStats{},
		now:        time.Now,
		buf:        bytebufferpool.Get(),
		header:     make(http.Header),
	}
	for _, opt := range opts {
		opt(resp)
	}
	return resp
}

// Connected reports whether the response can still take output. It turns
// false once the response ended or the client went away.
func (r *Response) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	return r.r.Context().Err() == nil
}

// Ended reports whether the response was committed to the client.
func (r *Response) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Status returns the status that was, or will be, sent.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Len returns the number of buffered body bytes.
func (r *Response) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return r.written
	}
	return r.buf.Len()
}

// Write appends p to the buffered body.
func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return 0, ErrResponseEnded
	}
	return r.buf.Write(p)
}

// Echo appends the default formatting of args to the body.
func (r *Response) Echo(args ...any) error {
	_, err := fmt.Fprint(r, args...)
	return err
}

// Printf appends formatted output to the body.
func (r *Response) Printf(format string, args ...any) error {
	_, err := fmt.Fprintf(r, format, args...)
	return err
}

// SetStatus sets the status sent by Send.
func (r *Response) SetStatus(code int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrResponseEnded
	}
	r.status = code
	return nil
}

// SetHeader sets a response header.
func (r *Response) SetHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return fmt.Errorf("set header %s: %w", name, ErrResponseEnded)
	}
	r.header.Set(name, value)
	return nil
}

// SetContentType overrides the content type for this response.
func (r *Response) SetContentType(ct string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrResponseEnded
	}
	r.contentType = ct
	return nil
}

// SetCookie queues a cookie. A later cookie with the same name replaces an
// earlier one.
func (r *Response) SetCookie(c *http.Cookie) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return fmt.Errorf("set cookie %s: %w", c.Name, ErrResponseEnded)
	}
	for i, existing := range r.cookies {
		if existing.Name == c.Name {
			r.cookies[i] = c
			return nil
		}
	}
	r.cookies = append(r.cookies, c)
	return nil
}

// ClearCookie asks the client to drop the named cookie.
func (r *Response) ClearCookie(name, path string) error {
	if path == "" {
		path = "/"
	}
	return r.SetCookie(&http.Cookie{
		Name:    name,
		Value:   "",
		Path:    path,
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
}

// Send writes the status, headers, and buffered body, and ends the response.
func (r *Response) Send() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrResponseEnded
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return r.commit(status, r.buf.B, nil)
}

func (r *Response) sendWith(extra http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return ErrResponseEnded
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return r.commit(status, r.buf.B, extra)
}

func (r *Response) contentTypeUnset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentType == ""
}

// ContentType returns the content type Send will use.
func (r *Response) ContentType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contentType == "" {
		return DefaultContentType
	}
	return r.contentType
}

// Close ends the response without writing the buffered body. A response that
// was never committed goes out as an empty 500, since reaching Close that
// way means the pipeline aborted without producing output.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil
	}
	r.stats.Inc(StatFatal)
	return r.commit(http.StatusInternalServerError, nil, nil)
}

// Redirect sends a 303 to loc and interrupts the pipeline.
func (r *Response) Redirect(loc string) error {
	r.stats.Inc(StatRedirect)
	return r.interrupt(http.StatusSeeOther, nil, http.Header{"Location": {loc}}, "redirect to "+loc)
}

// Unauthorized sends a 401 Basic challenge for realm and interrupts the
// pipeline.
func (r *Response) Unauthorized(realm string) error {
	if realm == "" {
		realm = "Focus Framework"
	}
	r.stats.Inc(StatAuth)
	body := []byte("<center><h1>Authentication required</h1></center><hr><center>Focus Framework</center>")
	h := http.Header{
		"WWW-Authenticate": {`Basic realm="` + realm + `"`},
		"Content-Type":     {DefaultContentType},
	}
	return r.interrupt(http.StatusUnauthorized, body, h, "authentication required")
}

// Fatal sends a 500 with body and interrupts the pipeline.
func (r *Response) Fatal(body string) error {
	if body == "" {
		body = "Fatal Error (500)"
	}
	r.stats.Inc(StatFatal)
	return r.interrupt(http.StatusInternalServerError, []byte(body),
		http.Header{"Content-Type": {DefaultContentType}}, "fatal error")
}

// NotFound sends a 404 and ends the response. The pipeline is not
// interrupted; the driver notices the ended response before the next stage.
func (r *Response) NotFound(body string) error {
	if body == "" {
		body = "Not Found (404)"
	}
	r.stats.Inc(StatNotFound)
	return r.end(http.StatusNotFound, []byte(body), nil)
}

// Forbidden sends a 403 and ends the response.
func (r *Response) Forbidden(body string) error {
	if body == "" {
		body = "Forbidden (403)"
	}
	r.stats.Inc(StatForbidden)
	return r.end(http.StatusForbidden, []byte(body), nil)
}

// NotModified sends a 304 with extra headers and ends the response.
func (r *Response) NotModified(extra http.Header) error {
	r.stats.Inc(StatNotModified)
	return r.end(http.StatusNotModified, nil, extra)
}

func (r *Response) end(status int, body []byte, extra http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return fmt.Errorf("send %d: %w", status, ErrResponseEnded)
	}
	return r.commit(status, body, extra)
}

// interrupt commits a terminal response and returns the error a stage
// returns to stop the main list. If the response already ended it returns a
// plain error instead, which the driver reports.
func (r *Response) interrupt(status int, body []byte, extra http.Header, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return fmt.Errorf("send %d: %w", status, ErrResponseEnded)
	}
	if err := r.commit(status, body, extra); err != nil {
		return err
	}
	return pipeline.Interrupt(reason, status)
}

// commit writes everything to the client. Callers hold r.mu.
func (r *Response) commit(status int, body []byte, extra http.Header) error {
	r.ended = true
	r.status = status
	defer r.release()

	h := r.w.Header()
	now := r.now().UTC().Format(http.TimeFormat)
	h.Set("Date", now)
	h.Set("Server", r.serverName)
	h.Set("Last-Modified", now)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Requested", r.r.URL.RequestURI())

	ct := r.contentType
	if ct == "" {
		ct = DefaultContentType
	}
	h.Set("Content-Type", ct)

	for name, values := range r.header {
		h[name] = values
	}
	for name, values := range extra {
		h[http.CanonicalHeaderKey(name)] = values
	}
	for _, c := range r.cookies {
		http.SetCookie(r.w, c)
	}

	if status == http.StatusNotModified {
		h.Del("Content-Type")
		r.w.WriteHeader(status)
		return nil
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	r.w.WriteHeader(status)
	if len(body) == 0 || r.r.Method == http.MethodHead {
		return nil
	}
	n, err := r.w.Write(body)
	r.written = n
	if err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func (r *Response) release() {
	if r.buf != nil {
		bytebufferpool.Put(r.buf)
		r.buf = nil
	}
}
