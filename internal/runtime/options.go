package runtime

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/focus/internal/config"
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/plugins/session"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfigFile loads configuration from path. Environment overrides and
// defaults apply as for config.Load.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}

// WithControllers registers controllers. Names must be unique across calls.
func WithControllers(controllers ...*pipeline.Controller) Option {
	return func(a *App) error {
		a.controllerDefs = append(a.controllerDefs, controllers...)
		return nil
	}
}

// WithPlugin registers an additional plugin after the built-in ones.
func WithPlugin(name string, f plugin.Factory) Option {
	return func(a *App) error {
		if name == "" || f == nil {
			return fmt.Errorf("plugin needs a name and a factory")
		}
		a.extraPlugins = append(a.extraPlugins, namedFactory{name: name, factory: f})
		return nil
	}
}

// WithSessionStore replaces the store selected by session.store. The App
// closes it on shutdown.
func WithSessionStore(store session.Store) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithClock sets the clock the pipeline watchdogs and sessions run on.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) error {
		a.clock = c
		return nil
	}
}

// WithTemplates sets the filesystem templates are rendered from. It takes
// precedence over templates.path.
func WithTemplates(fsys fs.FS) Option {
	return func(a *App) error {
		a.templates = fsys
		return nil
	}
}
