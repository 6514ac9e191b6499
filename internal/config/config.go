// Package config loads server configuration from config.yaml and FOCUS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes environment overrides. FOCUS_SESSION__STORE=redis sets
// session.store.
const EnvPrefix = "FOCUS_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Auth      AuthConfig      `koanf:"auth"`
	Session   SessionConfig   `koanf:"session"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Templates TemplatesConfig `koanf:"templates"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	Name           string        `koanf:"name"`
	StaticPath     string        `koanf:"static_path"`
	StaticIndex    string        `koanf:"static_index"`
	PidFile        string        `koanf:"pid_file"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// PipelineConfig holds the per-stage watchdog budgets.
type PipelineConfig struct {
	StageTimeout    time.Duration `koanf:"stage_timeout"`
	ExtendedTimeout time.Duration `koanf:"extended_timeout"`
}

type AuthConfig struct {
	UserFile string `koanf:"user_file"`
	Realm    string `koanf:"realm"`
	Watch    bool   `koanf:"watch"`
}

type SessionConfig struct {
	Store      string        `koanf:"store"` // memory, sqlite, redis
	CookieName string        `koanf:"cookie_name"`
	Expires    time.Duration `koanf:"expires"`
	Path       string        `koanf:"path"`
	Domain     string        `koanf:"domain"`
	HTTPOnly   bool          `koanf:"http_only"`
	Secure     bool          `koanf:"secure"`
	CheckIP    bool          `koanf:"check_ip"`
	Secret     string        `koanf:"secret"`
	SQLite     SQLiteConfig  `koanf:"sqlite"`
	Redis      RedisConfig   `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// WebhookConfig enables the request summary webhook when URL is set.
type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Retries int               `koanf:"retries"`
	Workers int               `koanf:"workers"`
	Headers map[string]string `koanf:"headers"`

	// BlockPrivate refuses deliveries to loopback and private addresses.
	BlockPrivate bool `koanf:"block_private"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type TemplatesConfig struct {
	Path string `koanf:"path"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.name":               "Focus",
	"server.static_path":        "./www/htdocs",
	"server.static_index":       "index.html",
	"server.request_timeout":    "30s",
	"server.read_timeout":       "30s",
	"server.write_timeout":      "30s",
	"log.level":                 "info",
	"log.format":                "json",
	"pipeline.stage_timeout":    "2s",
	"pipeline.extended_timeout": "5s",
	"auth.realm":                "Focus Framework",
	"auth.watch":                true,
	"session.store":             "memory",
	"session.cookie_name":       "focus_session_id",
	"session.expires":           "24h",
	"session.path":              "/",
	"session.http_only":         true,
	"session.check_ip":          true,
	"session.sqlite.path":       "./data/sessions.db",
	"session.redis.addr":        "localhost:6379",
	"session.redis.prefix":      "focus:session:",
	"webhook.timeout":           "5s",
	"webhook.workers":           16,
	"telemetry.service_name":    "focus",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then FOCUS_* environment
// variables, then fills defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Session.Secret = substituteEnvVars(cfg.Session.Secret)
	cfg.Session.Redis.Password = substituteEnvVars(cfg.Session.Redis.Password)
	cfg.Webhook.URL = substituteEnvVars(cfg.Webhook.URL)
	for name, value := range cfg.Webhook.Headers {
		cfg.Webhook.Headers[name] = substituteEnvVars(value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at request time.
func (c *Config) Validate() error {
	switch c.Session.Store {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("session.store: unknown store %q", c.Session.Store)
	}
	if c.Pipeline.StageTimeout <= 0 || c.Pipeline.ExtendedTimeout <= 0 {
		return fmt.Errorf("pipeline: timeouts must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	return nil
}

// Path returns the config path selected by FOCUS_CONFIG, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
