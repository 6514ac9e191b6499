// Package focus is the public API for embedding a focus server and writing
// controllers and plugins outside this module.
package focus

import (
	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugin"
	"github.com/tjfontaine/focus/internal/plugins/session"
	"github.com/tjfontaine/focus/internal/plugins/web"
	"github.com/tjfontaine/focus/internal/runtime"
)

// App is a configured server. See internal/runtime.App for full
// documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// New creates an App with the given options.
// Example:
//
//	app, err := focus.New(
//	    focus.WithConfigFile("config.yaml"),
//	    focus.WithControllers(myController),
//	)
var New = runtime.New

// Configuration options
var (
	WithConfigFile   = runtime.WithConfigFile
	WithConfig       = runtime.WithConfig
	WithLogger       = runtime.WithLogger
	WithControllers  = runtime.WithControllers
	WithPlugin       = runtime.WithPlugin
	WithSessionStore = runtime.WithSessionStore
	WithClock        = runtime.WithClock
	WithTemplates    = runtime.WithTemplates
)

// Controller and pipeline types
type (
	Controller     = pipeline.Controller
	Handler        = pipeline.Handler
	Plugins        = pipeline.Plugins
	Plugin         = pipeline.Plugin
	Initializer    = pipeline.Initializer
	Finalizer      = pipeline.Finalizer
	Signal         = pipeline.Signal
	InterruptError = pipeline.InterruptError
	PluginEnv      = plugin.Env
	PluginFactory  = plugin.Factory
)

// ErrInterrupt matches any interrupt with errors.Is.
var ErrInterrupt = pipeline.ErrInterrupt

var (
	// Interrupt stops the main stages silently.
	Interrupt = pipeline.Interrupt
	// IsInterrupt reports whether err is an interrupt.
	IsInterrupt = pipeline.IsInterrupt
)

// Built-in plugins
type (
	Web         = web.Web
	Session     = session.Session
	SessionData = session.Data
)

var (
	// WebFrom returns the request's web facade.
	WebFrom = web.From
	// SessionFrom returns the request's session, or nil when sessions are
	// not registered.
	SessionFrom = session.From
)
