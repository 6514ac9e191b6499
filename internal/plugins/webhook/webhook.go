// Package webhook posts a JSON summary of each request to an external
// endpoint from the finalization list.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
)

// Name is the plugin name.
const Name = "webhook"

// Config configures delivery.
type Config struct {
	URL     string
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// Workers bounds concurrent deliveries.
	Workers int
	Headers map[string]string
}

// Event is the request summary posted to the webhook.
type Event struct {
	RequestID  string    `json:"request_id,omitempty"`
	Controller string    `json:"controller"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	Connected  bool      `json:"connected"`
	Time       time.Time `json:"time"`
}

// Recorder counts delivery results.
type Recorder interface {
	RecordWebhook(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordWebhook(bool) {}

// Dispatcher delivers events through a bounded worker pool.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	pool     *ants.Pool
	logger   *slog.Logger
	recorder Recorder
	backoff  func() backoff.BackOff
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecorder sets the delivery result recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithBackOff sets the retry schedule. Retries are capped at Config.Retries
// regardless of the schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.backoff = fn }
}

// NewDispatcher creates a dispatcher and its worker pool.
func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	d := &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   slog.Default(),
		recorder: nopRecorder{},
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create webhook pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Deliver posts ev, retrying transient failures. 4xx answers are not
// retried.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.backoff(), uint64(d.cfg.Retries)), ctx)
	err = backoff.Retry(func() error { return d.post(ctx, body) }, b)

	d.recorder.RecordWebhook(err == nil)
	return err
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

// Submit hands ev to the worker pool. done is called with the delivery
// result. Submit fails without calling done when the pool is full or closed.
func (d *Dispatcher) Submit(ctx context.Context, ev Event, done func(error)) error {
	return d.pool.Submit(func() {
		err := d.Deliver(ctx, ev)
		if done != nil {
			done(err)
		}
	})
}

// Running returns the number of deliveries in flight.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}

// Close waits up to timeout for in-flight deliveries and stops the pool.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}

// Factory returns the plugin factory. A nil dispatcher disables the plugin.
func (d *Dispatcher) Factory() plugin.Factory {
	return func(env *plugin.Env) pipeline.Plugin {
		if d == nil {
			return nil
		}
		logger := env.Logger
		if logger == nil {
			logger = d.logger
		}
		return &Hook{d: d, env: env, logger: logger}
	}
}

// Hook is the per-request plugin instance.
type Hook struct {
	d      *Dispatcher
	env    *plugin.Env
	logger *slog.Logger
}

var _ pipeline.Finalizer = (*Hook)(nil)

func (h *Hook) Name() string { return Name }

// Finalize submits the request summary. With retries configured the stage
// asks for the extended budget, since backoff can outlast the default one.
func (h *Hook) Finalize(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	ev := Event{
		RequestID:  h.env.RequestID,
		Controller: h.env.Route.Controller,
		Action:     pipeline.ResolveAction(h.env.Route.Action),
		Method:     h.env.Request.Method,
		Path:       h.env.Request.URL.Path,
		Status:     h.env.Response.Status(),
		Connected:  ps.Connected() && h.env.Response.Connected(),
		Time:       h.d.now().UTC(),
	}
	// An aborted pipeline that never committed a response is closed with a
	// 500 after finalization.
	if !ps.Connected() && !h.env.Response.Ended() {
		ev.Status = http.StatusInternalServerError
	}
	if h.d.cfg.Retries > 0 {
		sig.Extend()
	}

	ctx := context.WithoutCancel(ps.Context())
	err := h.d.Submit(ctx, ev, func(err error) {
		if err != nil {
			h.logger.Warn("webhook delivery failed",
				slog.String("url", h.d.cfg.URL),
				slog.String("error", err.Error()))
		}
		sig.Done()
	})
	if err != nil {
		h.logger.Warn("webhook not submitted", slog.String("error", err.Error()))
		sig.Done()
	}
	return nil
}
