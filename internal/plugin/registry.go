// Package plugin instantiates the per-request plugin set.
//
// Plugins are registered once as factories. Each request gets fresh
// instances, created in registration order, which are discarded when the
// request's pipeline finishes. A factory captures whatever server-wide
// collaborators its plugin needs; per-request state comes from Env.
package plugin

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/transport"
)

// Env is the request a plugin instance is created for.
type Env struct {
	Request   *http.Request
	Response  *transport.Response
	Route     transport.Route
	RequestID string
	Logger    *slog.Logger
}

// Factory creates one plugin instance for a request. Returning nil skips the
// plugin for that request.
type Factory func(env *Env) pipeline.Plugin

type registration struct {
	name    string
	factory Factory
}

// Registry is the ordered list of plugin factories.
type Registry struct {
	mu    sync.RWMutex
	order []registration
	names map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("plugin %q must have a factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.names[name] = struct{}{}
	r.order = append(r.order, registration{name: name, factory: f})
	return nil
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, reg := range r.order {
		names[i] = reg.name
	}
	return names
}

// Instantiate creates the plugin set for one request.
func (r *Registry) Instantiate(env *Env) *pipeline.Plugins {
	r.mu.RLock()
	regs := make([]registration, len(r.order))
	copy(regs, r.order)
	r.mu.RUnlock()

	instances := make([]pipeline.Plugin, 0, len(regs))
	for _, reg := range regs {
		if p := reg.factory(env); p != nil {
			instances = append(instances, p)
		}
	}
	return pipeline.NewPlugins(env.Request.Context(), instances...)
}
