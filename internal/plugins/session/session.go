// Package session is the per-request session plugin.
//
// A session is identified by a signed cookie. Controllers call Start to load
// (or create) the session and mutate the returned Data; the plugin's finalize
// stage persists it after the response is built.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/focus/internal/config"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
)

// Name is the plugin name controllers look the session up by.
const Name = "session"

// Options controls the session cookie.
type Options struct {
	CookieName string
	Expires    time.Duration
	Path       string
	Domain     string
	HTTPOnly   bool
	Secure     bool
	// CheckIP binds a session to the client address it was created from.
	CheckIP bool
	// Secret signs the cookie. A random secret is generated when empty, which
	// invalidates sessions on restart.
	Secret []byte
}

// OptionsFromConfig maps the session config section to Options.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		CookieName: cfg.CookieName,
		Expires:    cfg.Expires,
		Path:       cfg.Path,
		Domain:     cfg.Domain,
		HTTPOnly:   cfg.HTTPOnly,
		Secure:     cfg.Secure,
		CheckIP:    cfg.CheckIP,
		Secret:     []byte(cfg.Secret),
	}
}

// Manager holds what every session instance shares: the store, the cookie
// options and the signing key.
type Manager struct {
	store  Store
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for session ids.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger for persistence failures.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts Options, mopts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if opts.CookieName == "" {
		opts.CookieName = "focus_session_id"
	}
	if opts.Expires <= 0 {
		opts.Expires = 24 * time.Hour
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if len(opts.Secret) == 0 {
		opts.Secret = make([]byte, 32)
		if _, err := rand.Read(opts.Secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}

	m := &Manager{
		store:  store,
		opts:   opts,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range mopts {
		opt(m)
	}
	return m, nil
}

// Store returns the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// Factory returns the plugin factory creating one Session per request.
func (m *Manager) Factory() plugin.Factory {
	return func(env *plugin.Env) pipeline.Plugin {
		logger := env.Logger
		if logger == nil {
			logger = m.logger
		}
		return &Session{m: m, env: env, logger: logger}
	}
}

func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.opts.Secret)
	mac.Write([]byte(id))
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(id)) + "." + enc.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(value string) (string, bool) {
	payload, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", false
	}
	enc := base64.RawURLEncoding
	id, err := enc.DecodeString(payload)
	if err != nil {
		return "", false
	}
	got, err := enc.DecodeString(sig)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, m.opts.Secret)
	mac.Write(id)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", false
	}
	return string(id), true
}

func (m *Manager) newID(ip string) string {
	return uuid.New().String() + "/" + strconv.FormatInt(m.clock.Now().Unix(), 10) + "/" + ip
}

// Session is the per-request plugin instance.
type Session struct {
	m      *Manager
	env    *plugin.Env
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	destroyed bool
	id        string
	data      Data
}

var (
	_ pipeline.Initializer = (*Session)(nil)
	_ pipeline.Finalizer   = (*Session)(nil)
)

func (s *Session) Name() string { return Name }

// Init has nothing to prepare; sessions load lazily on Start.
func (s *Session) Init(_ *pipeline.Plugins, sig *pipeline.Signal) error {
	sig.Done()
	return nil
}

// Finalize saves a started session from a store goroutine and signals Done
// once the write finished.
func (s *Session) Finalize(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	s.mu.Lock()
	if !s.started || s.destroyed {
		s.mu.Unlock()
		sig.Done()
		return nil
	}
	id := s.id
	data, err := s.data.Clone()
	s.mu.Unlock()
	if err != nil {
		sig.Done()
		return err
	}

	ctx := context.WithoutCancel(ps.Context())
	go func() {
		defer sig.Done()
		if err := s.m.store.Save(ctx, id, data, s.m.opts.Expires); err != nil {
			s.logger.Error("failed to save session",
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Start loads the session for this request, creating one when the client
// has none. Calling it again returns the same Data.
func (s *Session) Start(ctx context.Context) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.destroyed {
		return s.data, nil
	}

	ip := clientIP(s.env.Request)
	if c, err := s.env.Request.Cookie(s.m.opts.CookieName); err == nil && c.Value != "" && !s.destroyed {
		id, ok := s.m.verify(c.Value)
		if !ok {
			s.logger.Warn("invalid session cookie, asking client to clear")
			s.id = ""
			s.data = Data{}
			s.started = false
			return Data{}, s.env.Response.ClearCookie(s.m.opts.CookieName, s.m.opts.Path)
		}
		if !s.m.opts.CheckIP || idIP(id) == ip {
			data, found, err := s.m.store.Load(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load session: %w", err)
			}
			if !found {
				data = Data{}
			}
			s.id, s.data, s.started = id, data, true
			return s.data, nil
		}
		s.logger.Warn("session address changed, starting a new session",
			slog.String("address", ip))
	}

	s.id = s.m.newID(ip)
	s.data = Data{}
	s.started = true
	s.destroyed = false
	if err := s.env.Response.SetCookie(s.cookie(s.m.sign(s.id))); err != nil {
		return nil, err
	}
	return s.data, nil
}

// Destroy deletes the session from the store and clears the cookie.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		if err := s.m.store.Delete(ctx, s.id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	s.id = ""
	s.data = Data{}
	s.destroyed = true
	return s.env.Response.ClearCookie(s.m.opts.CookieName, s.m.opts.Path)
}

// Values returns the started session's data, or nil before Start.
func (s *Session) Values() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// ID returns the session id, or "" when no session is active.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) cookie(value string) *http.Cookie {
	o := s.m.opts
	return &http.Cookie{
		Name:     o.CookieName,
		Value:    value,
		Path:     o.Path,
		Domain:   o.Domain,
		Expires:  s.m.clock.Now().Add(o.Expires),
		MaxAge:   int(o.Expires / time.Second),
		HttpOnly: o.HTTPOnly,
		Secure:   o.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// From returns the session plugin of a request, or nil when it is not
// registered.
func From(ps *pipeline.Plugins) *Session {
	s, _ := ps.Get(Name).(*Session)
	return s
}

func idIP(id string) string {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
